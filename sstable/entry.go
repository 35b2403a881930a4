package sstable

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/kolibridb/coredb/corerr"
	"github.com/kolibridb/coredb/row"
	"github.com/kolibridb/coredb/value"
)

// entry is one (partition key, clustering key, row) triple as it is written
// into a data block, in the order memtable.IterSorted produces.
type entry struct {
	pk  row.PartitionKey
	ck  row.ClusteringKey
	row row.Row
}

// keyBytes returns the encoded (pk, ck) key used for index first-keys and
// for binary search during reads.
func (e entry) keyBytes() []byte {
	var buf bytes.Buffer
	buf.Write(encodeKeyTuple(e.pk))
	buf.Write(encodeKeyTuple(e.ck))
	return buf.Bytes()
}

// encodeKeyTuple writes a count-prefixed Value sequence, so it can be
// decoded back into the right number of columns without external schema
// information.
func encodeKeyTuple(vals []value.Value) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(vals)))
	for _, v := range vals {
		_ = value.Encode(&buf, v)
	}
	return buf.Bytes()
}

func decodeKeyTuple(r io.Reader) ([]value.Value, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, wrapTruncation(err)
	}
	out := make([]value.Value, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := value.Decode(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// encodeEntry writes one data-block entry: key tuple, then cell count, then
// each (name, cell) pair.
func encodeEntry(w io.Writer, e entry) error {
	if _, err := w.Write(encodeKeyTuple(e.pk)); err != nil {
		return err
	}
	if _, err := w.Write(encodeKeyTuple(e.ck)); err != nil {
		return err
	}

	names := make([]string, 0, len(e.row.Cells))
	for name := range e.row.Cells {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := binary.Write(w, binary.LittleEndian, uint32(len(names))); err != nil {
		return err
	}
	for _, name := range names {
		cell := e.row.Cells[name]
		if err := binary.Write(w, binary.LittleEndian, uint32(len(name))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, name); err != nil {
			return err
		}
		if err := value.Encode(w, cell.Value); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, cell.Timestamp); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, cell.TTLMicros); err != nil {
			return err
		}
		deleted := uint8(0)
		if cell.IsDeleted {
			deleted = 1
		}
		if err := binary.Write(w, binary.LittleEndian, deleted); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, e.row.RowTimestamp); err != nil {
		return err
	}
	return nil
}

func decodeEntry(r io.Reader) (entry, error) {
	pk, err := decodeKeyTuple(r)
	if err != nil {
		return entry{}, err
	}
	ck, err := decodeKeyTuple(r)
	if err != nil {
		return entry{}, err
	}

	var cellCount uint32
	if err := binary.Read(r, binary.LittleEndian, &cellCount); err != nil {
		return entry{}, wrapTruncation(err)
	}

	cells := make(map[string]row.Cell, cellCount)
	for i := uint32(0); i < cellCount; i++ {
		var nameLen uint32
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return entry{}, wrapTruncation(err)
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return entry{}, wrapTruncation(err)
		}
		v, err := value.Decode(r)
		if err != nil {
			return entry{}, err
		}
		var ts, ttl int64
		if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
			return entry{}, wrapTruncation(err)
		}
		if err := binary.Read(r, binary.LittleEndian, &ttl); err != nil {
			return entry{}, wrapTruncation(err)
		}
		var deleted uint8
		if err := binary.Read(r, binary.LittleEndian, &deleted); err != nil {
			return entry{}, wrapTruncation(err)
		}
		cells[string(nameBuf)] = row.Cell{Value: v, Timestamp: ts, TTLMicros: ttl, IsDeleted: deleted != 0}
	}

	var rowTs int64
	if err := binary.Read(r, binary.LittleEndian, &rowTs); err != nil {
		return entry{}, wrapTruncation(err)
	}

	return entry{
		pk: row.PartitionKey(pk),
		ck: row.ClusteringKey(ck),
		row: row.Row{
			PartitionKey:  row.PartitionKey(pk),
			ClusteringKey: row.ClusteringKey(ck),
			Cells:         cells,
			RowTimestamp:  rowTs,
		},
	}, nil
}

func wrapTruncation(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return corerr.Wrap(corerr.KindCorruption, "sstable: truncated entry", err)
	}
	return err
}
