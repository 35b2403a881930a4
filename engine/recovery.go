package engine

import (
	"os"
	"path/filepath"

	"github.com/kolibridb/coredb/compaction"
	"github.com/kolibridb/coredb/corerr"
	"github.com/kolibridb/coredb/row"
	"github.com/kolibridb/coredb/snapshot"
	"github.com/kolibridb/coredb/sstable"
)

// recover runs the startup recovery order: open any completed SSTables
// first, replay the commit log from the highest sequence any of them
// reflects, and fall back to the text snapshot only if neither source
// yields any keyspace at all.
func (db *Database) recover() error {
	foundSSTables, err := db.recoverSSTables()
	if err != nil {
		return err
	}

	fromSeq, err := db.watermarkSequence()
	if err != nil {
		return err
	}

	appliedAny, err := db.replayWAL(fromSeq)
	if err != nil {
		return err
	}

	if !foundSSTables && !appliedAny {
		return db.recoverFromSnapshot()
	}
	return nil
}

// recoverSSTables walks the data directory's keyspace/table layout, opening
// every table directory's completed SSTables (Meta-file-present) and
// discarding stray files left by a crash mid-build. It cannot recover
// schema (that only lives in the commit log or a snapshot), so the tables
// it finds are registered as bare tableState shells; CREATE_TABLE replay
// (or a later explicit CreateTable) fills in the schema and memtable.
func (db *Database) recoverSSTables() (bool, error) {
	entries, err := os.ReadDir(db.cfg.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, corerr.Wrap(corerr.KindIO, "engine: list data dir", err)
	}

	found := false
	for _, ksEntry := range entries {
		if !ksEntry.IsDir() {
			continue
		}
		ksName := ksEntry.Name()
		ksPath := filepath.Join(db.cfg.DataDir, ksName)
		tableEntries, err := os.ReadDir(ksPath)
		if err != nil {
			return false, corerr.Wrap(corerr.KindIO, "engine: list keyspace dir", err)
		}

		for _, tblEntry := range tableEntries {
			if !tblEntry.IsDir() {
				continue
			}
			tableName := tblEntry.Name()
			dir := filepath.Join(ksPath, tableName)

			if err := sstable.DiscardIncomplete(dir); err != nil {
				return false, err
			}
			ids, err := sstable.Discover(dir)
			if err != nil {
				return false, err
			}
			if len(ids) == 0 {
				continue
			}
			found = true

			maxID := 0
			for _, id := range ids {
				if id > maxID {
					maxID = id
				}
			}
			ts := db.ensureShellTable(ksName, tableName, dir, maxID)
			for _, id := range ids {
				t, err := sstable.Open(dir, id)
				if err != nil {
					return false, err
				}
				ts.registry.Register(t)
			}
		}
	}
	return found, nil
}

// ensureShellTable returns the tableState for (keyspace, table), creating a
// schema-less placeholder if CREATE_TABLE hasn't been replayed yet. The
// placeholder's schema and memtable are filled in once replay reaches the
// CREATE_TABLE record (applyCreateTable re-targets the existing registry
// rather than building a new one).
func (db *Database) ensureShellTable(keyspace, table, dir string, startingID int) *tableState {
	db.mu.Lock()
	defer db.mu.Unlock()
	ks, ok := db.keyspaces[keyspace]
	if !ok {
		ks = &keyspaceState{name: keyspace, tables: make(map[string]*tableState)}
		db.keyspaces[keyspace] = ks
	}
	ts, ok := ks.tables[table]
	if !ok {
		ts = &tableState{
			keyspace: keyspace,
			name:     table,
			dir:      dir,
			registry: compaction.NewRegistry(startingID, db.cfg.L0BackpressureLimit),
		}
		ks.tables[table] = ts
	}
	return ts
}

// watermarkSequence returns the highest MaxWALSequence carried by any
// registered SSTable across every table, the point from which WAL replay
// must resume so already-flushed mutations are not re-applied.
func (db *Database) watermarkSequence() (uint64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var max uint64
	for _, ks := range db.keyspaces {
		for _, ts := range ks.tables {
			for _, t := range ts.registry.Snapshot() {
				if seq := t.Meta().MaxWALSequence; seq > max {
					max = seq
				}
			}
		}
	}
	return max, nil
}

// replayWAL applies every commit log record after fromSeq (fromSeq itself is
// excluded) to in-memory state, reconstructing keyspaces, tables, and memtable
// contents not already reflected in a flushed SSTable. It reports whether
// any record was applied.
func (db *Database) replayWAL(fromSeq uint64) (bool, error) {
	applied := false
	for rec, err := range db.wal.Replay(fromSeq + 1) {
		if err != nil {
			return applied, err
		}
		if err := db.applyWAL(rec); err != nil {
			return applied, err
		}
		db.recordSeq(rec.Sequence)
		applied = true
	}
	return applied, nil
}

// recoverFromSnapshot loads the text snapshot when neither SSTables nor the
// commit log yielded any state — the only case it is ever consulted.
func (db *Database) recoverFromSnapshot() error {
	path := filepath.Join(db.cfg.DataDir, "SNAPSHOT")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return corerr.Wrap(corerr.KindIO, "engine: open snapshot", err)
	}
	defer f.Close()

	keyspaces, err := snapshot.Load(f)
	if err != nil {
		return err
	}

	for _, ks := range keyspaces {
		if err := db.applyCreateKeyspace(ks.Name, ks.ReplicationFactor); err != nil {
			return err
		}
		for _, tbl := range ks.Tables {
			if err := db.applyCreateTable(ks.Name, tbl.Name, tbl.Schema); err != nil {
				return err
			}
			ts, err := db.lookupTable(ks.Name, tbl.Name)
			if err != nil {
				return err
			}
			for _, r := range tbl.Rows {
				rr := row.Row{PartitionKey: r.PartitionKey, ClusteringKey: r.ClusteringKey, Cells: r.Cells}
				if err := insertIntoActive(ts, rr); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
