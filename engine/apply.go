package engine

import (
	"os"

	"github.com/kolibridb/coredb/compaction"
	"github.com/kolibridb/coredb/corerr"
	"github.com/kolibridb/coredb/memtable"
	"github.com/kolibridb/coredb/row"
	"github.com/kolibridb/coredb/sstable"
	"github.com/kolibridb/coredb/value"
)

// The apply* functions mutate in-memory state (plus the table directory:
// applyCreateTable creates it, applyTruncateTable removes and recreates it,
// and truncate also drops its SSTables from the registry); they are called both
// from the live write path (after the corresponding WAL append succeeds)
// and from recovery's replay loop, so they must never themselves touch the
// commit log.

func (db *Database) applyCreateKeyspaceLocked(name string, replicationFactor int) {
	db.keyspaces[name] = &keyspaceState{
		name:              name,
		replicationFactor: replicationFactor,
		tables:            make(map[string]*tableState),
	}
}

func (db *Database) applyCreateKeyspace(name string, replicationFactor int) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.keyspaces[name]; exists {
		return nil // replay of an already-applied create is a no-op
	}
	db.applyCreateKeyspaceLocked(name, replicationFactor)
	return nil
}

func (db *Database) applyDropKeyspace(name string) error {
	db.mu.Lock()
	ks, ok := db.keyspaces[name]
	if ok {
		delete(db.keyspaces, name)
	}
	db.mu.Unlock()
	if ok {
		for _, ts := range ks.tables {
			if ts.task != nil {
				ts.task.Stop()
			}
		}
	}
	return nil
}

func (db *Database) applyCreateTable(keyspace, table string, schema value.TableSchema) error {
	db.mu.Lock()
	ks, ok := db.keyspaces[keyspace]
	if !ok {
		db.mu.Unlock()
		return corerr.New(corerr.KindNotFound, "engine: unknown keyspace "+keyspace)
	}
	// Recovery may have already registered a schema-less shell tableState
	// for this table (its SSTables were discovered before WAL replay
	// reached this CREATE_TABLE record). Reuse it instead of discarding
	// the SSTables it already holds.
	existing, exists := ks.tables[table]
	db.mu.Unlock()
	if exists && existing.active != nil {
		return nil
	}

	dir := db.tableDir(keyspace, table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return corerr.Wrap(corerr.KindIO, "engine: create table dir", err)
	}

	mt, err := memtable.New(&schema)
	if err != nil {
		return err
	}

	var ts *tableState
	if exists {
		ts = existing
		ts.schema = schema
		ts.active = mt
	} else {
		ts = &tableState{
			keyspace: keyspace,
			name:     table,
			schema:   schema,
			dir:      dir,
			active:   mt,
			registry: compaction.NewRegistry(1, db.cfg.L0BackpressureLimit),
		}
	}
	ts.task = db.newCompactionTask(ts)
	ts.task.Start(db.cfg.CompactionInterval)

	db.mu.Lock()
	ks, ok = db.keyspaces[keyspace]
	if ok {
		ks.tables[table] = ts
	}
	db.mu.Unlock()
	if !ok {
		ts.task.Stop()
		return corerr.New(corerr.KindNotFound, "engine: unknown keyspace "+keyspace)
	}
	return nil
}

func (db *Database) newCompactionTask(ts *tableState) *compaction.Task {
	return &compaction.Task{
		Dir:            ts.dir,
		Registry:       ts.registry,
		Strategy:       db.cfg.CompactionStrategy,
		Ratio:          1.5,
		MinThreshold:   4,
		LevelBase:      uint64(db.cfg.MemtableFlushThresholdBytes),
		GCGraceSeconds: db.cfg.GCGraceSeconds,
		BuildOptions: sstable.BuildOptions{
			Codec:            db.cfg.CompressionCodec,
			TargetBlockBytes: db.cfg.SSTableBlockBytes,
			BloomFPRate:      db.cfg.BloomFPRate,
		},
		NowUnixMicros: db.nowUnixMicros,
		NowUnixNano:   db.nowUnixNano,
	}
}

func (db *Database) applyDropTable(keyspace, table string) error {
	db.mu.Lock()
	ks, ok := db.keyspaces[keyspace]
	if !ok {
		db.mu.Unlock()
		return corerr.New(corerr.KindNotFound, "engine: unknown keyspace "+keyspace)
	}
	ts, exists := ks.tables[table]
	if exists {
		delete(ks.tables, table)
	}
	db.mu.Unlock()
	if exists && ts.task != nil {
		ts.task.Stop()
	}
	return nil
}

func (db *Database) applyTruncateTable(keyspace, table string) error {
	ts, err := db.lookupTable(keyspace, table)
	if err != nil {
		return err
	}
	mt, err := memtable.New(&ts.schema)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	ts.active = mt
	ts.frozen = nil
	ts.mu.Unlock()

	for _, t := range ts.registry.Snapshot() {
		ts.registry.Swap([]int{t.ID()}, nil)
	}
	_ = os.RemoveAll(ts.dir)
	return os.MkdirAll(ts.dir, 0o755)
}

// insertIntoActive retries against whatever memtable is currently active,
// so a racing freeze (triggered by a concurrent flush) never loses a write.
func insertIntoActive(ts *tableState, r row.Row) error {
	for {
		ts.mu.Lock()
		active := ts.active
		ts.mu.Unlock()

		err := active.Insert(r)
		if err == nil {
			return nil
		}
		if corerr.Is(err, corerr.KindImmutable) {
			continue
		}
		return err
	}
}

func (db *Database) applyInsert(keyspace, table string, r row.Row) error {
	ts, err := db.lookupTable(keyspace, table)
	if err != nil {
		return err
	}
	return insertIntoActive(ts, r)
}

func (db *Database) applyUpsertCell(keyspace, table string, pk row.PartitionKey, ck row.ClusteringKey, cellName string, c row.Cell) error {
	ts, err := db.lookupTable(keyspace, table)
	if err != nil {
		return err
	}
	r := row.Row{
		PartitionKey:  pk,
		ClusteringKey: ck,
		Cells:         map[string]row.Cell{cellName: c},
		RowTimestamp:  c.Timestamp,
	}
	return insertIntoActive(ts, r)
}

func (db *Database) applyDeleteRow(keyspace, table string, pk row.PartitionKey, ck row.ClusteringKey, timestamp int64) error {
	ts, err := db.lookupTable(keyspace, table)
	if err != nil {
		return err
	}
	cells := make(map[string]row.Cell)
	for _, col := range append(append([]value.ColumnDefinition{}, ts.schema.RegularCols...), ts.schema.StaticCols...) {
		cells[col.Name] = row.Cell{Timestamp: timestamp, IsDeleted: true}
	}
	r := row.Row{PartitionKey: pk, ClusteringKey: ck, Cells: cells, RowTimestamp: timestamp}
	return insertIntoActive(ts, r)
}

func (db *Database) applyDeletePartition(keyspace, table string, pk row.PartitionKey, timestamp int64) error {
	ts, err := db.lookupTable(keyspace, table)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	if ts.partitionTombstones == nil {
		ts.partitionTombstones = make(map[string]int64)
	}
	key := string(row.Encode(pk))
	if cur, ok := ts.partitionTombstones[key]; !ok || timestamp > cur {
		ts.partitionTombstones[key] = timestamp
	}
	ts.mu.Unlock()
	return nil
}
