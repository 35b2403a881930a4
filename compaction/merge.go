// Package compaction implements CoreDB's background compaction engine: a
// policy-agnostic k-way merge over SSTable inputs, two selectable trigger
// policies (size-tiered and leveled), and crash-safe two-phase registration
// of merge output.
package compaction

import (
	"container/heap"

	"github.com/kolibridb/coredb/row"
	"github.com/kolibridb/coredb/sstable"
)

// tableEntries adapts one input SSTable's full scan into a sequential,
// already-sorted stream the merge heap can pull from one record at a time.
type tableEntries struct {
	rows []row.Row
	pos  int
}

func newTableEntries(t *sstable.Table) (*tableEntries, error) {
	rows, err := t.Scan(nil, nil)
	if err != nil {
		return nil, err
	}
	return &tableEntries{rows: rows}, nil
}

func (e *tableEntries) peek() (row.Row, bool) {
	if e.pos >= len(e.rows) {
		return row.Row{}, false
	}
	return e.rows[e.pos], true
}

func (e *tableEntries) advance() { e.pos++ }

// mergeHeap orders tableEntries cursors by (partition key, clustering key),
// the standard container/heap k-way merge used across the LSM corpus.
type mergeHeap []*tableEntries

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	a, _ := h[i].peek()
	b, _ := h[j].peek()
	if c := row.Compare(a.PartitionKey, b.PartitionKey); c != 0 {
		return c < 0
	}
	return row.Compare(a.ClusteringKey, b.ClusteringKey) < 0
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*tableEntries)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// MergeInputs performs a k-way merge of inputs' full contents, resolving
// duplicate (pk, ck) coordinates cell-by-cell (highest timestamp wins,
// tombstones override older non-tombstone cells), and purges rows that are
// fully deleted and older than gcGraceSeconds.
func MergeInputs(inputs []*sstable.Table, gcGraceSeconds int64, nowUnixMicros int64) ([]sstable.SourceEntry, error) {
	iters := make([]*tableEntries, 0, len(inputs))
	for _, t := range inputs {
		it, err := newTableEntries(t)
		if err != nil {
			return nil, err
		}
		iters = append(iters, it)
	}

	h := &mergeHeap{}
	for _, it := range iters {
		if _, ok := it.peek(); ok {
			heap.Push(h, it)
		}
	}

	var out []sstable.SourceEntry
	var pending *row.Row

	flush := func() {
		if pending == nil {
			return
		}
		if shouldPurge(*pending, gcGraceSeconds, nowUnixMicros) {
			pending = nil
			return
		}
		out = append(out, sstable.SourceEntry{
			PartitionKey:  pending.PartitionKey,
			ClusteringKey: pending.ClusteringKey,
			Row:           *pending,
		})
		pending = nil
	}

	for h.Len() > 0 {
		it := heap.Pop(h).(*tableEntries)
		r, _ := it.peek()

		if pending == nil || row.Compare(r.PartitionKey, pending.PartitionKey) != 0 ||
			row.Compare(r.ClusteringKey, pending.ClusteringKey) != 0 {
			flush()
			clone := r.Clone()
			pending = &clone
		} else {
			merged := row.MergeRow(*pending, r)
			pending = &merged
		}

		it.advance()
		if _, ok := it.peek(); ok {
			heap.Push(h, it)
		}
	}
	flush()

	return out, nil
}

// shouldPurge reports whether a fully-deleted row's tombstones are older
// than gc_grace and therefore safe to drop entirely rather than carry
// forward into the merge output.
func shouldPurge(r row.Row, gcGraceSeconds int64, nowUnixMicros int64) bool {
	if !r.IsFullyDeleted() {
		return false
	}
	if gcGraceSeconds <= 0 {
		return false
	}
	graceMicros := gcGraceSeconds * 1_000_000
	var newestTombstone int64
	for _, c := range r.Cells {
		if c.Timestamp > newestTombstone {
			newestTombstone = c.Timestamp
		}
	}
	return nowUnixMicros-newestTombstone > graceMicros
}
