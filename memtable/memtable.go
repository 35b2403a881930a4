// Package memtable implements CoreDB's in-memory write buffer: an ordered
// partition → Partition mapping, single-writer-per-partition, that
// accumulates mutations between commit-log appends and flush to an
// SSTable.
package memtable

import (
	"sync"
	"sync/atomic"

	"github.com/kolibridb/coredb/corerr"
	"github.com/kolibridb/coredb/row"
	"github.com/kolibridb/coredb/value"
)

// Entry is one (partition key, clustering key, merged row) triple, the unit
// iter_sorted yields for a flush to consume.
type Entry struct {
	PartitionKey  row.PartitionKey
	ClusteringKey row.ClusteringKey
	Row           row.Row
}

// Memtable is an ordered, schema-validated write buffer for one table.
// Partition lookups are lock-free reads over the top-level skip list;
// mutations to a single partition are serialized by a per-partition lock so
// concurrent writers to different partitions never contend.
type Memtable struct {
	schema *value.TableSchema

	partitions *skipList[*partitionHandle]

	approxBytes atomic.Int64
	frozen      atomic.Bool
}

// partitionHandle pairs a partition with its own mutation lock, so that
// inserting into partition A never blocks an insert into partition B.
type partitionHandle struct {
	mu sync.Mutex
	p  *partition
}

// New returns an empty memtable validated against schema.
func New(schema *value.TableSchema) (*Memtable, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &Memtable{schema: schema, partitions: newSkipList[*partitionHandle]()}, nil
}

// Insert validates row against the table schema and merges it into its
// partition. It returns Immutable once the memtable has been frozen.
func (m *Memtable) Insert(r row.Row) error {
	if m.frozen.Load() {
		return corerr.New(corerr.KindImmutable, "memtable: insert on frozen memtable")
	}
	if err := m.validateRow(r); err != nil {
		return err
	}

	pkKey := []value.Value(r.PartitionKey)
	handle, _ := m.partitions.GetOrInsert(pkKey, func() *partitionHandle {
		return &partitionHandle{p: newPartition(r.PartitionKey)}
	})

	handle.mu.Lock()
	delta := handle.p.upsert(r)
	handle.mu.Unlock()

	m.approxBytes.Add(delta)
	return nil
}

func (m *Memtable) validateRow(r row.Row) error {
	if len(r.PartitionKey) != len(m.schema.PartitionKeyCols) {
		return corerr.New(corerr.KindSchemaError, "memtable: partition key column count mismatch")
	}
	if len(r.ClusteringKey) != len(m.schema.ClusteringKeyCols) {
		return corerr.New(corerr.KindSchemaError, "memtable: clustering key column count mismatch")
	}
	for name := range r.Cells {
		if _, ok := m.schema.Column(name); !ok {
			return corerr.New(corerr.KindSchemaError, "memtable: unknown column "+name)
		}
	}
	return nil
}

// Get returns the reconstructed row at (pk, ck), applying any tombstones,
// or false if absent or fully deleted.
func (m *Memtable) Get(pk row.PartitionKey, ck row.ClusteringKey) (row.Row, bool) {
	handle, ok := m.partitions.Get([]value.Value(pk))
	if !ok {
		return row.Row{}, false
	}
	handle.mu.Lock()
	r, found := handle.p.get(ck)
	handle.mu.Unlock()
	if !found || r.IsFullyDeleted() {
		return row.Row{}, false
	}
	return r, true
}

// GetRaw returns the reconstructed row at (pk, ck) without hiding
// tombstones, for callers (the engine's cross-source merge) that need to
// see a delete marker even when no live cell remains.
func (m *Memtable) GetRaw(pk row.PartitionKey, ck row.ClusteringKey) (row.Row, bool) {
	handle, ok := m.partitions.Get([]value.Value(pk))
	if !ok {
		return row.Row{}, false
	}
	handle.mu.Lock()
	r, found := handle.p.get(ck)
	handle.mu.Unlock()
	return r, found
}

// RangeRaw returns every row within a single partition whose clustering key
// falls in [from, to), including fully-deleted rows, in ascending
// clustering order.
func (m *Memtable) RangeRaw(pk row.PartitionKey, from, to row.ClusteringKey) []row.Row {
	handle, ok := m.partitions.Get([]value.Value(pk))
	if !ok {
		return nil
	}
	handle.mu.Lock()
	rows := handle.p.rangeRows(from, to)
	handle.mu.Unlock()
	return rows
}

// Range returns every live row within a single partition whose clustering
// key falls in [from, to), in ascending clustering order.
func (m *Memtable) Range(pk row.PartitionKey, from, to row.ClusteringKey) []row.Row {
	handle, ok := m.partitions.Get([]value.Value(pk))
	if !ok {
		return nil
	}
	handle.mu.Lock()
	rows := handle.p.rangeRows(from, to)
	handle.mu.Unlock()

	out := make([]row.Row, 0, len(rows))
	for _, r := range rows {
		if !r.IsFullyDeleted() {
			out = append(out, r)
		}
	}
	return out
}

// ApproxBytes returns the running size estimate, updated on every mutation.
func (m *Memtable) ApproxBytes() int64 { return m.approxBytes.Load() }

// Freeze atomically marks the memtable immutable. It is idempotent.
func (m *Memtable) Freeze() {
	m.frozen.Store(true)
}

// Frozen reports whether Freeze has been called.
func (m *Memtable) Frozen() bool { return m.frozen.Load() }

// IterSorted returns every (pk, ck, merged row) triple in total key order —
// partition key first, then clustering key within a partition — the order a
// flush must write to an SSTable's Data file.
func (m *Memtable) IterSorted() []Entry {
	var out []Entry
	for _, pe := range m.partitions.all() {
		handle := pe.val
		handle.mu.Lock()
		rows := handle.p.all()
		handle.mu.Unlock()
		for _, r := range rows {
			out = append(out, Entry{
				PartitionKey:  row.PartitionKey(pe.key),
				ClusteringKey: r.ClusteringKey,
				Row:           r,
			})
		}
	}
	return out
}

// Schema returns the table schema this memtable validates against.
func (m *Memtable) Schema() *value.TableSchema { return m.schema }
