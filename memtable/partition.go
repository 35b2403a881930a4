package memtable

import (
	"github.com/kolibridb/coredb/row"
	"github.com/kolibridb/coredb/value"
)

// partition holds every clustering row for one partition key, ordered by
// clustering key. It has no locking of its own: Memtable holds the
// partition's mutex around every read and write of it.
type partition struct {
	key  row.PartitionKey
	rows *skipList[row.Row]
}

func newPartition(key row.PartitionKey) *partition {
	return &partition{key: key, rows: newSkipList[row.Row]()}
}

// upsert merges r into whatever row (if any) already occupies r's clustering
// key, returning the approximate byte delta this mutation added.
func (p *partition) upsert(r row.Row) int64 {
	ckKey := []value.Value(r.ClusteringKey)
	before := p.rows.Len()
	existing, found := p.rows.Get(ckKey)
	if !found {
		p.rows.Put(ckKey, r.Clone())
		_ = before
		return approxRowSize(r)
	}
	merged := row.MergeRow(existing, r)
	p.rows.Put(ckKey, merged)
	return approxRowSize(r)
}

// get returns the stored row for a clustering key (nil key for a table with
// no clustering columns, where there is exactly one row per partition).
func (p *partition) get(ck row.ClusteringKey) (row.Row, bool) {
	return p.rows.Get([]value.Value(ck))
}

// rangeRows returns every row with clustering key in [from, to), in
// ascending clustering order. A nil from/to means unbounded on that side.
func (p *partition) rangeRows(from, to row.ClusteringKey) []row.Row {
	entries := p.rows.rangeFrom([]value.Value(from), []value.Value(to))
	out := make([]row.Row, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.val)
	}
	return out
}

func (p *partition) all() []row.Row {
	entries := p.rows.all()
	out := make([]row.Row, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.val)
	}
	return out
}

// approxRowSize approximates sizeof(key) + sizeof(cells), the accounting
// rule used for memtable byte tracking and flush-threshold decisions.
func approxRowSize(r row.Row) int64 {
	var n int64
	for _, v := range r.PartitionKey {
		n += approxValueSize(v)
	}
	for _, v := range r.ClusteringKey {
		n += approxValueSize(v)
	}
	for name, cell := range r.Cells {
		n += int64(len(name)) + approxValueSize(cell.Value) + 24 // timestamp/ttl/flags overhead
	}
	return n
}

func approxValueSize(v value.Value) int64 {
	switch v.Kind() {
	case value.KindNull:
		return 1
	case value.KindBoolean:
		return 2
	case value.KindInt32:
		return 5
	case value.KindInt64, value.KindFloat64, value.KindTimestamp:
		return 9
	case value.KindText:
		s, _ := v.TextValue()
		return int64(len(s)) + 4
	case value.KindBlob:
		b, _ := v.BlobValue()
		return int64(len(b)) + 4
	case value.KindUUID:
		return 17
	case value.KindList, value.KindSet, value.KindMap:
		return 32 // fixed estimate; container contents are not measured
	default:
		return 8
	}
}
