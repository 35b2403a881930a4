// Package row defines the key and row types shared by the memtable, SSTable,
// compaction, and snapshot subsystems: PartitionKey, ClusteringKey, Cell, and
// Row, plus the ordering and cell-merge rules that govern all of them.
package row

import (
	"bytes"

	"github.com/kolibridb/coredb/value"
)

// PartitionKey is an ordered sequence of Values, one per partition key
// column. It determines storage locality.
type PartitionKey []value.Value

// ClusteringKey is an ordered sequence of Values, one per clustering key
// column. A table with no clustering columns has rows with a nil
// ClusteringKey.
type ClusteringKey []value.Value

// Compare orders two key sequences lexicographically, shorter-prefix-first
// when one is a prefix of the other.
func Compare(a, b []value.Value) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := value.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Encode produces the stable byte form of a key sequence, used as a map key
// and as the bloom filter key. It is not order-preserving; ordering goes
// through Compare.
func Encode(keys []value.Value) []byte {
	var buf bytes.Buffer
	for _, v := range keys {
		_ = value.Encode(&buf, v)
	}
	return buf.Bytes()
}

// Cell is one column's value at one (partition, clustering) coordinate,
// carrying its own timestamp. IsDeleted marks a tombstone.
type Cell struct {
	Value      value.Value
	Timestamp  int64
	TTLMicros  int64 // 0 means no TTL
	IsDeleted  bool
}

// Resolve picks the winner between two cells for the same column: the
// greater timestamp wins; ties are broken in favor of tombstones (standard
// LSM last-write-wins with tombstone dominance on equal timestamps).
func Resolve(a, b Cell) Cell {
	if a.Timestamp > b.Timestamp {
		return a
	}
	if b.Timestamp > a.Timestamp {
		return b
	}
	if a.IsDeleted || b.IsDeleted {
		if a.IsDeleted {
			return a
		}
		return b
	}
	return a
}

// Row is a single clustering coordinate's worth of cells within a partition.
type Row struct {
	PartitionKey  PartitionKey
	ClusteringKey ClusteringKey
	Cells         map[string]Cell
	RowTimestamp  int64
}

// Clone returns a deep copy of r so callers can mutate the result freely.
func (r Row) Clone() Row {
	cells := make(map[string]Cell, len(r.Cells))
	for k, v := range r.Cells {
		cells[k] = v
	}
	return Row{
		PartitionKey:  append(PartitionKey(nil), r.PartitionKey...),
		ClusteringKey: append(ClusteringKey(nil), r.ClusteringKey...),
		Cells:         cells,
		RowTimestamp:  r.RowTimestamp,
	}
}

// MergeRow combines two versions of the same (partition, clustering) row,
// cell by cell, applying Resolve to every shared column.
func MergeRow(a, b Row) Row {
	out := a.Clone()
	if b.RowTimestamp > out.RowTimestamp {
		out.RowTimestamp = b.RowTimestamp
	}
	for name, cell := range b.Cells {
		if existing, ok := out.Cells[name]; ok {
			out.Cells[name] = Resolve(existing, cell)
		} else {
			out.Cells[name] = cell
		}
	}
	return out
}

// IsFullyDeleted reports whether every cell in the row is a tombstone (or
// the row carries no live cells at all), meaning a read should yield no row.
func (r Row) IsFullyDeleted() bool {
	if len(r.Cells) == 0 {
		return true
	}
	for _, c := range r.Cells {
		if !c.IsDeleted {
			return false
		}
	}
	return true
}
