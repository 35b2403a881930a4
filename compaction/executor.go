package compaction

import (
	"sync"
	"sync/atomic"

	"github.com/kolibridb/coredb/corerr"
	"github.com/kolibridb/coredb/sstable"
)

// Registry tracks one table's live SSTable set and performs the two-phase
// crash-safe swap: new outputs are built and fsynced first, then the set is
// atomically replaced, dropping inputs and adding outputs in a single step.
// A crash between those steps leaves both inputs and partial outputs on
// disk; recovery (sstable.DiscardIncomplete) removes any output whose Meta
// never landed and the registry simply keeps using the (still valid) inputs.
type Registry struct {
	mu      sync.Mutex
	tables  map[int]*sstable.Table
	nextID  atomic.Int64
	l0Limit int
}

func NewRegistry(startingID int, l0SoftLimit int) *Registry {
	r := &Registry{tables: make(map[int]*sstable.Table), l0Limit: l0SoftLimit}
	r.nextID.Store(int64(startingID))
	return r
}

// NextID reserves and returns the next SSTable id.
func (r *Registry) NextID() int {
	return int(r.nextID.Add(1))
}

// Register adds a freshly-built flush output (not a compaction result) to
// the live set.
func (r *Registry) Register(t *sstable.Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[t.ID()] = t
}

// Swap atomically removes inputIDs and adds outputs, implementing the
// two-phase registration's second phase. Callers must have already built
// and fsynced outputs (sstable.Build does this) before calling Swap.
func (r *Registry) Swap(inputIDs []int, outputs []*sstable.Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range inputIDs {
		delete(r.tables, id)
	}
	for _, t := range outputs {
		r.tables[t.ID()] = t
	}
}

// Snapshot returns every currently-registered table. The returned slice is a
// copy; callers must not mutate the underlying map.
func (r *Registry) Snapshot() []*sstable.Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*sstable.Table, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t)
	}
	return out
}

// Level0Count reports how many level-0 tables are currently registered,
// used to decide whether writes should receive a BackpressureWarning.
func (r *Registry) Level0Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tables {
		if t.Meta().Level == 0 {
			n++
		}
	}
	return n
}

// CheckBackpressure returns a BackpressureWarning error if L0 has exceeded
// its soft limit. The engine surfaces this to callers without stalling
// writes.
func (r *Registry) CheckBackpressure() error {
	if r.l0Limit <= 0 {
		return nil
	}
	if r.Level0Count() > r.l0Limit {
		return corerr.New(corerr.KindBackpressure, "compaction: L0 SSTable count exceeds soft limit")
	}
	return nil
}

// RunCandidate merges candidate's inputs and registers the single merged
// output under the registry, by id reserved from reg.NextID().
func RunCandidate(dir string, reg *Registry, candidate Candidate, tablesByID map[int]*sstable.Table, opts sstable.BuildOptions, gcGraceSeconds, nowUnixMicros, nowUnixNano int64) error {
	inputs := make([]*sstable.Table, 0, len(candidate.InputIDs))
	for _, id := range candidate.InputIDs {
		t, ok := tablesByID[id]
		if !ok {
			return corerr.New(corerr.KindNotFound, "compaction: input table not registered")
		}
		inputs = append(inputs, t)
	}

	merged, err := MergeInputs(inputs, gcGraceSeconds, nowUnixMicros)
	if err != nil {
		return err
	}

	var maxSeq uint64
	for _, t := range inputs {
		if seq := t.Meta().MaxWALSequence; seq > maxSeq {
			maxSeq = seq
		}
	}

	outOpts := opts
	outOpts.Dir = dir
	outOpts.ID = reg.NextID()
	outOpts.Level = candidate.TargetLevel
	outOpts.ExpectedKeys = len(merged)
	outOpts.NowUnixNano = nowUnixNano
	outOpts.MaxWALSequence = maxSeq

	if _, err := sstable.Build(sstable.NewSliceSource(merged), outOpts); err != nil {
		return err
	}

	out, err := sstable.Open(dir, outOpts.ID)
	if err != nil {
		return err
	}

	reg.Swap(candidate.InputIDs, []*sstable.Table{out})

	// The merged output is now durably committed and registered; the
	// inputs' sidecar files are no longer reachable through the registry
	// and would otherwise accumulate on disk forever (and be
	// re-discovered as phantom tables on the next restart).
	for _, id := range candidate.InputIDs {
		_ = sstable.Remove(dir, id)
	}
	return nil
}
