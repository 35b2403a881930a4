package compaction

import (
	"sync"
	"time"

	"github.com/kolibridb/coredb/sstable"
)

// Task is a cooperative background compaction runner for one table. It
// polls the registry on an interval, plans one candidate under the
// configured strategy, and runs it — never on the write path, and never
// holding any lock a writer would need.
type Task struct {
	Dir            string
	Registry       *Registry
	Strategy       Strategy
	Ratio          float64
	MinThreshold   int
	LevelBase      uint64
	GCGraceSeconds int64
	BuildOptions   sstable.BuildOptions

	NowUnixMicros func() int64
	NowUnixNano   func() int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Start runs the compaction loop on interval until Stop is called.
func (t *Task) Start(interval time.Duration) {
	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.runOnce()
			case <-t.stopCh:
				return
			}
		}
	}()
}

func (t *Task) Stop() {
	if t.stopCh == nil {
		return
	}
	close(t.stopCh)
	t.wg.Wait()
}

func (t *Task) runOnce() {
	tables := t.Registry.Snapshot()
	if len(tables) == 0 {
		return
	}

	byID := make(map[int]*sstable.Table, len(tables))
	for _, tbl := range tables {
		byID[tbl.ID()] = tbl
	}

	var candidate Candidate
	var found bool

	switch t.Strategy {
	case Leveled:
		byLevel := make(map[uint32][]*sstable.Table)
		for _, tbl := range tables {
			byLevel[tbl.Meta().Level] = append(byLevel[tbl.Meta().Level], tbl)
		}
		candidate, found = PlanLeveled(byLevel, t.LevelBase)
	default:
		candidates := PlanSizeTiered(tables, t.Ratio, t.MinThreshold)
		if len(candidates) > 0 {
			candidate, found = candidates[0], true
		}
	}

	if !found {
		return
	}

	now := t.currentTimes()
	_ = RunCandidate(t.Dir, t.Registry, candidate, byID, t.BuildOptions, t.GCGraceSeconds, now.micros, now.nanos)
}

type currentTime struct {
	micros int64
	nanos  int64
}

func (t *Task) currentTimes() currentTime {
	var c currentTime
	if t.NowUnixMicros != nil {
		c.micros = t.NowUnixMicros()
	}
	if t.NowUnixNano != nil {
		c.nanos = t.NowUnixNano()
	}
	return c
}
