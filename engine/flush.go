package engine

import (
	"time"

	"github.com/kolibridb/coredb/memtable"
	"github.com/kolibridb/coredb/sstable"
)

func (db *Database) nowUnixMicros() int64 { return time.Now().UnixMicro() }
func (db *Database) nowUnixNano() int64   { return time.Now().UnixNano() }

// maybeScheduleFlush freezes the active memtable and kicks off a background
// flush once it has grown past the configured threshold. The write that
// triggered the check always completes first; flushing never blocks it.
func (db *Database) maybeScheduleFlush(ts *tableState) {
	ts.mu.Lock()
	if ts.active.ApproxBytes() <= db.cfg.MemtableFlushThresholdBytes {
		ts.mu.Unlock()
		return
	}
	frozen := ts.active
	frozen.Freeze()
	fresh, err := memtable.New(&ts.schema)
	if err != nil {
		ts.mu.Unlock()
		return
	}
	ts.active = fresh
	entry := frozenMemtable{mt: frozen, seq: db.lastAppliedSeq.Load()}
	ts.frozen = append(ts.frozen, entry)
	ts.mu.Unlock()

	go db.flushFrozen(ts, entry)
}

// flushFrozen builds an SSTable from a frozen memtable's sorted entries,
// registers it, and removes the memtable from the frozen list. Errors are
// not fatal to the write path: the memtable stays in the frozen list, where
// reads still see it, but nothing flushes it again.
func (db *Database) flushFrozen(ts *tableState, frozen frozenMemtable) {
	entries := frozen.mt.IterSorted()
	src := make([]sstable.SourceEntry, 0, len(entries))
	for _, e := range entries {
		src = append(src, sstable.SourceEntry{PartitionKey: e.PartitionKey, ClusteringKey: e.ClusteringKey, Row: e.Row})
	}

	id := ts.registry.NextID()
	opts := sstable.BuildOptions{
		Dir:               ts.dir,
		ID:                id,
		Codec:             db.cfg.CompressionCodec,
		TargetBlockBytes:  db.cfg.SSTableBlockBytes,
		BloomFPRate:       db.cfg.BloomFPRate,
		ExpectedKeys:      len(src),
		Level:             0,
		SchemaFingerprint: ts.schema.ColumnFingerprint(),
		NowUnixNano:       db.nowUnixNano(),
		MaxWALSequence:    frozen.seq,
	}

	if _, err := sstable.Build(sstable.NewSliceSource(src), opts); err != nil {
		return
	}
	table, err := sstable.Open(ts.dir, id)
	if err != nil {
		return
	}
	ts.registry.Register(table)

	ts.mu.Lock()
	for i, f := range ts.frozen {
		if f == frozen {
			ts.frozen = append(ts.frozen[:i], ts.frozen[i+1:]...)
			break
		}
	}
	ts.mu.Unlock()
}
