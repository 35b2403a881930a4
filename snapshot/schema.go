package snapshot

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/kolibridb/coredb/corerr"
	"github.com/kolibridb/coredb/value"
)

// encodeSchema serializes a TableSchema's column layout for the SCHEMA
// line. Keyspace and table name are carried by the surrounding KEYSPACE/
// TABLE lines, not duplicated here.
func encodeSchema(s value.TableSchema) []byte {
	var buf bytes.Buffer
	writeColumnList(&buf, s.PartitionKeyCols)
	writeColumnList(&buf, s.ClusteringKeyCols)
	writeColumnList(&buf, s.RegularCols)
	writeColumnList(&buf, s.StaticCols)
	return buf.Bytes()
}

func writeColumnList(buf *bytes.Buffer, cols []value.ColumnDefinition) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(cols)))
	for _, c := range cols {
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(c.Name)))
		buf.WriteString(c.Name)
		_ = binary.Write(buf, binary.LittleEndian, uint8(c.DataType))
		static := uint8(0)
		if c.IsStatic {
			static = 1
		}
		_ = binary.Write(buf, binary.LittleEndian, static)
	}
}

func decodeSchema(data []byte) (value.TableSchema, error) {
	r := bytes.NewReader(data)

	pk, err := readColumnList(r)
	if err != nil {
		return value.TableSchema{}, err
	}
	ck, err := readColumnList(r)
	if err != nil {
		return value.TableSchema{}, err
	}
	regular, err := readColumnList(r)
	if err != nil {
		return value.TableSchema{}, err
	}
	static, err := readColumnList(r)
	if err != nil {
		return value.TableSchema{}, err
	}

	return value.TableSchema{
		PartitionKeyCols:  pk,
		ClusteringKeyCols: ck,
		RegularCols:       regular,
		StaticCols:        static,
	}, nil
}

func readColumnList(r io.Reader) ([]value.ColumnDefinition, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, corerr.Wrap(corerr.KindCorruption, "snapshot: truncated column list", err)
	}
	out := make([]value.ColumnDefinition, 0, n)
	for i := uint32(0); i < n; i++ {
		var nameLen uint32
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, corerr.Wrap(corerr.KindCorruption, "snapshot: truncated column name length", err)
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, corerr.Wrap(corerr.KindCorruption, "snapshot: truncated column name", err)
		}
		var dataType uint8
		if err := binary.Read(r, binary.LittleEndian, &dataType); err != nil {
			return nil, corerr.Wrap(corerr.KindCorruption, "snapshot: truncated column type", err)
		}
		var static uint8
		if err := binary.Read(r, binary.LittleEndian, &static); err != nil {
			return nil, corerr.Wrap(corerr.KindCorruption, "snapshot: truncated column static flag", err)
		}
		out = append(out, value.ColumnDefinition{
			Name:     string(nameBuf),
			DataType: value.Kind(dataType),
			IsStatic: static != 0,
		})
	}
	return out, nil
}
