// Package engine implements the Database facade: the single entry point
// that wires the commit log, memtables, SSTables, and the background
// compaction task together into one coherent per-node store.
package engine

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kolibridb/coredb/commitlog"
	"github.com/kolibridb/coredb/compaction"
	"github.com/kolibridb/coredb/corerr"
	"github.com/kolibridb/coredb/memtable"
	"github.com/kolibridb/coredb/row"
	"github.com/kolibridb/coredb/snapshot"
	"github.com/kolibridb/coredb/sstable"
	"github.com/kolibridb/coredb/value"
)

// tableState is one table's live runtime state: the current write buffer,
// any memtables frozen and pending flush, and the SSTable set a compaction
// task maintains in the background.
type tableState struct {
	keyspace string
	name     string
	schema   value.TableSchema
	dir      string

	mu                  sync.Mutex // guards active/frozen/partitionTombstones
	active              *memtable.Memtable
	frozen              []frozenMemtable
	partitionTombstones map[string]int64 // encoded pk -> newest DeletePartition timestamp

	registry *compaction.Registry
	task     *compaction.Task
}

// frozenMemtable pairs a frozen, pending-flush memtable with the highest
// WAL sequence reflected in its contents, so the SSTable it becomes
// carries an accurate MaxWALSequence for recovery's replay watermark.
type frozenMemtable struct {
	mt  *memtable.Memtable
	seq uint64
}

type keyspaceState struct {
	name              string
	replicationFactor int
	tables            map[string]*tableState
}

// Database is CoreDB's per-node storage engine: one commit log, a registry
// of keyspaces and tables, and the background machinery (flush, compaction)
// that keeps each table's on-disk state bounded.
type Database struct {
	cfg Config

	mu         sync.RWMutex // guards keyspaces map membership (schema ops)
	keyspaces  map[string]*keyspaceState

	wal            *commitlog.CommitLog
	lastAppliedSeq atomic.Uint64
}

// Open creates or recovers a Database rooted at the configured data and
// commit log directories, running startup recovery (see recover) before
// returning.
func Open(opts ...Option) (*Database, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, corerr.Wrap(corerr.KindIO, "engine: create data dir", err)
	}
	if err := os.MkdirAll(cfg.CommitlogDir, 0o755); err != nil {
		return nil, corerr.Wrap(corerr.KindIO, "engine: create commitlog dir", err)
	}

	wal, err := commitlog.Open(cfg.CommitlogDir, commitlog.WithFsyncPolicy(cfg.FsyncPolicy))
	if err != nil {
		return nil, err
	}

	db := &Database{
		cfg:       cfg,
		keyspaces: make(map[string]*keyspaceState),
		wal:       wal,
	}

	if err := db.recover(); err != nil {
		wal.Close()
		return nil, err
	}

	return db, nil
}

// Close stops every table's background compaction task and closes the
// commit log.
func (db *Database) Close() error {
	db.mu.RLock()
	for _, ks := range db.keyspaces {
		for _, ts := range ks.tables {
			if ts.task != nil {
				ts.task.Stop()
			}
		}
	}
	db.mu.RUnlock()
	return db.wal.Close()
}

func (db *Database) recordSeq(seq uint64) {
	for {
		cur := db.lastAppliedSeq.Load()
		if seq <= cur {
			return
		}
		if db.lastAppliedSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (db *Database) tableDir(keyspace, table string) string {
	return filepath.Join(db.cfg.DataDir, keyspace, table)
}

func (db *Database) lookupTable(keyspace, table string) (*tableState, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	ks, ok := db.keyspaces[keyspace]
	if !ok {
		return nil, corerr.New(corerr.KindNotFound, "engine: unknown keyspace "+keyspace)
	}
	ts, ok := ks.tables[table]
	if !ok {
		return nil, corerr.New(corerr.KindNotFound, "engine: unknown table "+table)
	}
	return ts, nil
}

// CreateKeyspace registers a new keyspace with the given replication
// factor. Replication is not implemented; the factor is persisted for
// schema completeness only.
func (db *Database) CreateKeyspace(name string, replicationFactor int) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.keyspaces[name]; exists {
		return corerr.New(corerr.KindAlreadyExists, "engine: keyspace already exists: "+name)
	}
	payload := encodeCreateKeyspace(name, replicationFactor)
	if _, err := db.wal.Append(commitlog.OpCreateKeyspace, payload); err != nil {
		return corerr.Wrap(corerr.KindIO, "engine: append create keyspace", err)
	}
	db.applyCreateKeyspaceLocked(name, replicationFactor)
	return nil
}

// DropKeyspace removes a keyspace and every table within it, including its
// on-disk SSTables.
func (db *Database) DropKeyspace(name string) error {
	db.mu.Lock()
	ks, exists := db.keyspaces[name]
	db.mu.Unlock()
	if !exists {
		return corerr.New(corerr.KindNotFound, "engine: unknown keyspace "+name)
	}

	if _, err := db.wal.Append(commitlog.OpDropKeyspace, encodeDropKeyspace(name)); err != nil {
		return corerr.Wrap(corerr.KindIO, "engine: append drop keyspace", err)
	}

	for _, ts := range ks.tables {
		if ts.task != nil {
			ts.task.Stop()
		}
	}

	db.mu.Lock()
	delete(db.keyspaces, name)
	db.mu.Unlock()

	_ = os.RemoveAll(filepath.Join(db.cfg.DataDir, name))
	return nil
}

// CreateTable registers a new table within an existing keyspace.
func (db *Database) CreateTable(keyspace, table string, schema value.TableSchema) error {
	if err := schema.Validate(); err != nil {
		return err
	}

	db.mu.Lock()
	ks, ok := db.keyspaces[keyspace]
	if !ok {
		db.mu.Unlock()
		return corerr.New(corerr.KindNotFound, "engine: unknown keyspace "+keyspace)
	}
	// A schema-less shell left by SSTable recovery (nil active memtable) is
	// filled in by applyCreateTable rather than rejected.
	if existing, exists := ks.tables[table]; exists && existing.active != nil {
		db.mu.Unlock()
		return corerr.New(corerr.KindAlreadyExists, "engine: table already exists: "+table)
	}
	db.mu.Unlock()

	schema.Keyspace = keyspace
	schema.Name = table
	if _, err := db.wal.Append(commitlog.OpCreateTable, encodeCreateTable(keyspace, table, schema)); err != nil {
		return corerr.Wrap(corerr.KindIO, "engine: append create table", err)
	}

	return db.applyCreateTable(keyspace, table, schema)
}

// DropTable removes a table and its on-disk SSTables.
func (db *Database) DropTable(keyspace, table string) error {
	ts, err := db.lookupTable(keyspace, table)
	if err != nil {
		return err
	}

	if _, werr := db.wal.Append(commitlog.OpDropTable, encodeTableRef(keyspace, table)); werr != nil {
		return corerr.Wrap(corerr.KindIO, "engine: append drop table", werr)
	}

	if ts.task != nil {
		ts.task.Stop()
	}

	db.mu.Lock()
	if ks, ok := db.keyspaces[keyspace]; ok {
		delete(ks.tables, table)
	}
	db.mu.Unlock()

	_ = os.RemoveAll(ts.dir)
	return nil
}

// TruncateTable removes every row from a table while keeping its schema.
func (db *Database) TruncateTable(keyspace, table string) error {
	ts, err := db.lookupTable(keyspace, table)
	if err != nil {
		return err
	}
	if _, werr := db.wal.Append(commitlog.OpTruncateTable, encodeTableRef(keyspace, table)); werr != nil {
		return corerr.Wrap(corerr.KindIO, "engine: append truncate table", werr)
	}
	return db.applyTruncateTable(keyspace, table)
}

// InsertRow validates and durably applies a full row write: schema
// validation, a WAL append, then a memtable apply. Callers that want to
// know whether the table's L0 SSTable count has crossed its backpressure
// limit should check CheckBackpressure separately; the write itself
// always completes.
func (db *Database) InsertRow(keyspace, table string, r row.Row) error {
	ts, err := db.lookupTable(keyspace, table)
	if err != nil {
		return err
	}
	if err := validateRowAgainstSchema(ts.schema, r); err != nil {
		return err
	}

	payload, err := encodeInsert(keyspace, table, r)
	if err != nil {
		return err
	}
	seq, err := db.wal.Append(commitlog.OpInsert, payload)
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "engine: append insert", err)
	}
	db.recordSeq(seq)

	if err := db.applyInsert(keyspace, table, r); err != nil {
		return err
	}

	db.maybeScheduleFlush(ts)
	return nil
}

// UpsertCell writes a single cell against a (pk, ck) coordinate without
// re-specifying every column in the row.
func (db *Database) UpsertCell(keyspace, table string, pk row.PartitionKey, ck row.ClusteringKey, cellName string, c row.Cell) error {
	ts, err := db.lookupTable(keyspace, table)
	if err != nil {
		return err
	}
	if _, ok := ts.schema.Column(cellName); !ok {
		return corerr.New(corerr.KindSchemaError, "engine: unknown column "+cellName)
	}

	payload, err := encodeUpsertCell(keyspace, table, pk, ck, cellName, c)
	if err != nil {
		return err
	}
	seq, err := db.wal.Append(commitlog.OpUpsertCell, payload)
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "engine: append upsert cell", err)
	}
	db.recordSeq(seq)

	if err := db.applyUpsertCell(keyspace, table, pk, ck, cellName, c); err != nil {
		return err
	}

	db.maybeScheduleFlush(ts)
	return nil
}

// DeleteRow writes a tombstone covering every cell at (pk, ck).
func (db *Database) DeleteRow(keyspace, table string, pk row.PartitionKey, ck row.ClusteringKey, timestamp int64) error {
	ts, err := db.lookupTable(keyspace, table)
	if err != nil {
		return err
	}
	payload, err := encodeDeleteKey(keyspace, table, pk, ck, timestamp)
	if err != nil {
		return err
	}
	seq, err := db.wal.Append(commitlog.OpDeleteRow, payload)
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "engine: append delete row", err)
	}
	db.recordSeq(seq)
	if err := db.applyDeleteRow(keyspace, table, pk, ck, timestamp); err != nil {
		return err
	}
	db.maybeScheduleFlush(ts)
	return nil
}

// DeletePartition writes a tombstone covering every row in a partition.
func (db *Database) DeletePartition(keyspace, table string, pk row.PartitionKey, timestamp int64) error {
	ts, err := db.lookupTable(keyspace, table)
	if err != nil {
		return err
	}
	payload, err := encodeDeleteKey(keyspace, table, pk, nil, timestamp)
	if err != nil {
		return err
	}
	seq, err := db.wal.Append(commitlog.OpDeletePartition, payload)
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "engine: append delete partition", err)
	}
	db.recordSeq(seq)
	if err := db.applyDeletePartition(keyspace, table, pk, timestamp); err != nil {
		return err
	}
	db.maybeScheduleFlush(ts)
	return nil
}

// GetRow reconstructs the current value of (pk, ck), merging the active
// memtable, any frozen memtables awaiting flush, and every registered
// SSTable (newest first), applying last-write-wins across all three
// sources. A fully-deleted result reports found=false.
func (db *Database) GetRow(keyspace, table string, pk row.PartitionKey, ck row.ClusteringKey) (row.Row, bool, error) {
	ts, err := db.lookupTable(keyspace, table)
	if err != nil {
		return row.Row{}, false, err
	}

	var merged row.Row
	haveAny := false
	merge := func(r row.Row, ok bool) {
		if !ok {
			return
		}
		if !haveAny {
			merged = r
			haveAny = true
			return
		}
		merged = row.MergeRow(merged, r)
	}

	ts.mu.Lock()
	active := ts.active
	frozen := append([]frozenMemtable(nil), ts.frozen...)
	partitionTombstone, havePartitionTombstone := ts.partitionTombstones[string(row.Encode(pk))]
	ts.mu.Unlock()

	merge(active.GetRaw(pk, ck))
	for i := len(frozen) - 1; i >= 0; i-- {
		merge(frozen[i].mt.GetRaw(pk, ck))
	}

	tables := ts.registry.Snapshot()
	sort.Slice(tables, func(i, j int) bool { return tables[i].ID() > tables[j].ID() })
	for _, t := range tables {
		if !t.MightContain(pk) {
			continue
		}
		r, ok, err := t.Get(pk, ck)
		if err != nil {
			return row.Row{}, false, err
		}
		merge(r, ok)
	}

	if !haveAny || merged.IsFullyDeleted() {
		return row.Row{}, false, nil
	}
	if havePartitionTombstone && merged.RowTimestamp <= partitionTombstone {
		return row.Row{}, false, nil
	}
	return merged, true, nil
}

// Scan returns every live row within one partition whose clustering key
// falls in [from, to), ascending, truncated to limit (0 means unbounded).
// The result is a point-in-time snapshot and is not restartable.
func (db *Database) Scan(keyspace, table string, pk row.PartitionKey, from, to row.ClusteringKey, limit int) ([]row.Row, error) {
	ts, err := db.lookupTable(keyspace, table)
	if err != nil {
		return nil, err
	}

	byCK := make(map[string]row.Row)
	merge := func(rows []row.Row) {
		for _, r := range rows {
			key := string(row.Encode(r.ClusteringKey))
			if existing, ok := byCK[key]; ok {
				byCK[key] = row.MergeRow(existing, r)
			} else {
				byCK[key] = r
			}
		}
	}

	ts.mu.Lock()
	active := ts.active
	frozen := append([]frozenMemtable(nil), ts.frozen...)
	partitionTombstone, havePartitionTombstone := ts.partitionTombstones[string(row.Encode(pk))]
	ts.mu.Unlock()

	merge(active.RangeRaw(pk, from, to))
	for _, f := range frozen {
		merge(f.mt.RangeRaw(pk, from, to))
	}

	tables := ts.registry.Snapshot()
	for _, t := range tables {
		if !t.MightContain(pk) {
			continue
		}
		rows, err := t.Scan(pk, pk)
		if err != nil {
			return nil, err
		}
		merge(rows)
	}

	out := make([]row.Row, 0, len(byCK))
	for _, r := range byCK {
		if from != nil && row.Compare(r.ClusteringKey, from) < 0 {
			continue
		}
		if to != nil && row.Compare(r.ClusteringKey, to) >= 0 {
			continue
		}
		if r.IsFullyDeleted() {
			continue
		}
		if havePartitionTombstone && r.RowTimestamp <= partitionTombstone {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return row.Compare(out[i].ClusteringKey, out[j].ClusteringKey) < 0 })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CheckBackpressure reports whether table's L0 SSTable count exceeds its
// soft limit, surfaced to callers without ever stalling writes.
func (db *Database) CheckBackpressure(keyspace, table string) error {
	ts, err := db.lookupTable(keyspace, table)
	if err != nil {
		return err
	}
	return ts.registry.CheckBackpressure()
}

// Stats summarizes one table's current state.
type Stats struct {
	ApproxMemtableBytes int64
	FrozenMemtables     int
	SSTableCount        int
	Level0Count         int
}

// Stats returns the current sizing figures for a table.
func (db *Database) Stats(keyspace, table string) (Stats, error) {
	ts, err := db.lookupTable(keyspace, table)
	if err != nil {
		return Stats{}, err
	}
	ts.mu.Lock()
	active := ts.active
	frozenCount := len(ts.frozen)
	ts.mu.Unlock()

	return Stats{
		ApproxMemtableBytes: active.ApproxBytes(),
		FrozenMemtables:     frozenCount,
		SSTableCount:        len(ts.registry.Snapshot()),
		Level0Count:         ts.registry.Level0Count(),
	}, nil
}

// SaveToDisk writes a text snapshot of every keyspace's current live
// state, a secondary durability mechanism consulted only when neither
// SSTables nor the commit log yield recoverable state at startup.
func (db *Database) SaveToDisk() error {
	db.mu.RLock()
	keyspaces := make([]*keyspaceState, 0, len(db.keyspaces))
	for _, ks := range db.keyspaces {
		keyspaces = append(keyspaces, ks)
	}
	db.mu.RUnlock()

	out := make([]snapshot.Keyspace, 0, len(keyspaces))
	for _, ks := range keyspaces {
		snapKS := snapshot.Keyspace{Name: ks.name, ReplicationFactor: ks.replicationFactor}
		for _, ts := range ks.tables {
			snapKS.Tables = append(snapKS.Tables, snapshot.Table{
				Name:   ts.name,
				Schema: ts.schema,
				Rows:   db.liveRowsForSnapshot(ts),
			})
		}
		out = append(out, snapKS)
	}

	path := filepath.Join(db.cfg.DataDir, "SNAPSHOT")
	f, err := os.Create(path)
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "engine: create snapshot file", err)
	}
	defer f.Close()

	if err := snapshot.Write(f, out); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return corerr.Wrap(corerr.KindIO, "engine: fsync snapshot file", err)
	}
	return nil
}

func (db *Database) liveRowsForSnapshot(ts *tableState) []snapshot.Row {
	byKey := make(map[string]row.Row)
	merge := func(entries []memtable.Entry) {
		for _, e := range entries {
			key := string(row.Encode(e.PartitionKey)) + "|" + string(row.Encode(e.ClusteringKey))
			if existing, ok := byKey[key]; ok {
				byKey[key] = row.MergeRow(existing, e.Row)
			} else {
				byKey[key] = e.Row
			}
		}
	}

	ts.mu.Lock()
	active := ts.active
	frozen := append([]frozenMemtable(nil), ts.frozen...)
	partitionTombstones := make(map[string]int64, len(ts.partitionTombstones))
	for k, v := range ts.partitionTombstones {
		partitionTombstones[k] = v
	}
	ts.mu.Unlock()

	merge(active.IterSorted())
	for _, f := range frozen {
		merge(f.mt.IterSorted())
	}

	for _, t := range ts.registry.Snapshot() {
		rows, err := t.Scan(nil, nil)
		if err != nil {
			continue
		}
		for _, r := range rows {
			key := string(row.Encode(r.PartitionKey)) + "|" + string(row.Encode(r.ClusteringKey))
			if existing, ok := byKey[key]; ok {
				byKey[key] = row.MergeRow(existing, r)
			} else {
				byKey[key] = r
			}
		}
	}

	out := make([]snapshot.Row, 0, len(byKey))
	for _, r := range byKey {
		if r.IsFullyDeleted() {
			continue
		}
		if pt, ok := partitionTombstones[string(row.Encode(r.PartitionKey))]; ok && r.RowTimestamp <= pt {
			continue
		}
		out = append(out, snapshot.Row{PartitionKey: r.PartitionKey, ClusteringKey: r.ClusteringKey, Cells: r.Cells})
	}
	return out
}

func validateRowAgainstSchema(schema value.TableSchema, r row.Row) error {
	if len(r.PartitionKey) != len(schema.PartitionKeyCols) {
		return corerr.New(corerr.KindSchemaError, "engine: partition key column count mismatch")
	}
	if len(r.ClusteringKey) != len(schema.ClusteringKeyCols) {
		return corerr.New(corerr.KindSchemaError, "engine: clustering key column count mismatch")
	}
	for name := range r.Cells {
		if _, ok := schema.Column(name); !ok {
			return corerr.New(corerr.KindSchemaError, "engine: unknown column "+name)
		}
	}
	return nil
}
