package value

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kolibridb/coredb/corerr"
)

// ColumnDefinition describes one column of a table.
type ColumnDefinition struct {
	Name     string
	DataType Kind
	IsStatic bool
}

// TableSchema is the full column layout of a table: which columns form the
// partition key (mandatory, determines storage locality), which form the
// clustering key (optional, orders rows within a partition), and the
// remaining regular and static columns.
type TableSchema struct {
	Keyspace          string
	Name              string
	PartitionKeyCols  []ColumnDefinition
	ClusteringKeyCols []ColumnDefinition
	RegularCols       []ColumnDefinition
	StaticCols        []ColumnDefinition
}

// Validate enforces a table schema's invariants: at least one partition key
// column, all column names unique across the schema, and static columns
// only permitted when clustering columns exist.
func (s *TableSchema) Validate() error {
	if len(s.PartitionKeyCols) == 0 {
		return corerr.New(corerr.KindInvalidSchema, "table schema must declare at least one partition key column")
	}

	if len(s.StaticCols) > 0 && len(s.ClusteringKeyCols) == 0 {
		return corerr.New(corerr.KindInvalidSchema, "static columns require at least one clustering key column")
	}

	seen := make(map[string]struct{})
	all := s.allColumns()
	for _, col := range all {
		if col.Name == "" {
			return corerr.New(corerr.KindInvalidSchema, "column name must not be empty")
		}
		if _, dup := seen[col.Name]; dup {
			return corerr.New(corerr.KindInvalidSchema, fmt.Sprintf("duplicate column name %q", col.Name))
		}
		seen[col.Name] = struct{}{}

		if col.DataType == KindNull {
			return corerr.New(corerr.KindInvalidSchema, fmt.Sprintf("column %q has no concrete data type", col.Name))
		}
	}

	return nil
}

func (s *TableSchema) allColumns() []ColumnDefinition {
	out := make([]ColumnDefinition, 0, len(s.PartitionKeyCols)+len(s.ClusteringKeyCols)+len(s.RegularCols)+len(s.StaticCols))
	out = append(out, s.PartitionKeyCols...)
	out = append(out, s.ClusteringKeyCols...)
	out = append(out, s.RegularCols...)
	out = append(out, s.StaticCols...)
	return out
}

// Column looks up a column definition by name.
func (s *TableSchema) Column(name string) (ColumnDefinition, bool) {
	for _, col := range s.allColumns() {
		if col.Name == name {
			return col, true
		}
	}
	return ColumnDefinition{}, false
}

// ColumnFingerprint returns a stable digest of the schema's column layout,
// used as the SSTable Meta file's schema_fingerprint field.
func (s *TableSchema) ColumnFingerprint() uint64 {
	var h uint64 = 1469598103934665603 // FNV offset basis
	mix := func(s string) {
		for i := 0; i < len(s); i++ {
			h ^= uint64(s[i])
			h *= 1099511628211 // FNV prime
		}
	}
	for _, col := range s.PartitionKeyCols {
		mix("pk:" + col.Name)
		h ^= uint64(col.DataType)
	}
	for _, col := range s.ClusteringKeyCols {
		mix("ck:" + col.Name)
		h ^= uint64(col.DataType)
	}
	for _, col := range s.RegularCols {
		mix("r:" + col.Name)
		h ^= uint64(col.DataType)
	}
	for _, col := range s.StaticCols {
		mix("s:" + col.Name)
		h ^= uint64(col.DataType)
	}
	return h
}

// Encode serializes the schema's column layout for storage outside the
// value package (WAL payloads). Keyspace and table name are not
// included; callers that need them carry them alongside.
func (s *TableSchema) Encode() []byte {
	var buf bytes.Buffer
	writeColumnList(&buf, s.PartitionKeyCols)
	writeColumnList(&buf, s.ClusteringKeyCols)
	writeColumnList(&buf, s.RegularCols)
	writeColumnList(&buf, s.StaticCols)
	return buf.Bytes()
}

// DecodeTableSchema parses a schema previously produced by Encode.
func DecodeTableSchema(data []byte) (TableSchema, error) {
	r := bytes.NewReader(data)

	pk, err := readColumnList(r)
	if err != nil {
		return TableSchema{}, err
	}
	ck, err := readColumnList(r)
	if err != nil {
		return TableSchema{}, err
	}
	regular, err := readColumnList(r)
	if err != nil {
		return TableSchema{}, err
	}
	static, err := readColumnList(r)
	if err != nil {
		return TableSchema{}, err
	}

	return TableSchema{
		PartitionKeyCols:  pk,
		ClusteringKeyCols: ck,
		RegularCols:       regular,
		StaticCols:        static,
	}, nil
}

func writeColumnList(buf *bytes.Buffer, cols []ColumnDefinition) {
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

func readColumnList(r io.Reader) ([]ColumnDefinition, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, corerr.Wrap(corerr.KindCorruption, "schema: truncated column list", err)
	}
	out := make([]ColumnDefinition, 0, n)
	for i := uint32(0); i < n; i++ {
		var nameLen uint32
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, corerr.Wrap(corerr.KindCorruption, "schema: truncated column name length", err)
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, corerr.Wrap(corerr.KindCorruption, "schema: truncated column name", err)
		}
		var dataType uint8
		if err := binary.Read(r, binary.LittleEndian, &dataType); err != nil {
			return nil, corerr.Wrap(corerr.KindCorruption, "schema: truncated column type", err)
		}
		var static uint8
		if err := binary.Read(r, binary.LittleEndian, &static); err != nil {
			return nil, corerr.Wrap(corerr.KindCorruption, "schema: truncated column static flag", err)
		}
		out = append(out, ColumnDefinition{
			Name:     string(nameBuf),
			DataType: Kind(dataType),
			IsStatic: static != 0,
		})
	}
	return out, nil
}
