package engine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kolibridb/coredb/corerr"
	"github.com/kolibridb/coredb/row"
	"github.com/kolibridb/coredb/value"
)

func testSchema() value.TableSchema {
	return value.TableSchema{
		PartitionKeyCols: []value.ColumnDefinition{
			{Name: "device_id", DataType: value.KindText},
		},
		ClusteringKeyCols: []value.ColumnDefinition{
			{Name: "ts", DataType: value.KindTimestamp},
		},
		RegularCols: []value.ColumnDefinition{
			{Name: "temp", DataType: value.KindFloat64},
		},
	}
}

func pk(device string) row.PartitionKey {
	return row.PartitionKey{value.Text(device)}
}

func ck(ts int64) row.ClusteringKey {
	return row.ClusteringKey{value.TimestampMicros(ts)}
}

func openTestDB(t *testing.T, opts ...Option) *Database {
	t.Helper()
	dir := t.TempDir()
	base := append([]Option{
		WithDataDir(filepath.Join(dir, "data")),
		WithCommitlogDir(filepath.Join(dir, "wal")),
		WithFlushThresholdBytes(1 << 30), // keep flush out of the way unless a test wants it
	}, opts...)
	db, err := Open(base...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustCreateTable(t *testing.T, db *Database, keyspace, table string) {
	t.Helper()
	if err := db.CreateKeyspace(keyspace, 1); err != nil {
		t.Fatalf("create keyspace: %v", err)
	}
	if err := db.CreateTable(keyspace, table, testSchema()); err != nil {
		t.Fatalf("create table: %v", err)
	}
}

func TestInsertAndGetRow(t *testing.T) {
	db := openTestDB(t)
	mustCreateTable(t, db, "ks", "readings")

	r := row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(100),
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(21.5), Timestamp: 1}},
		RowTimestamp:  1,
	}
	if err := db.InsertRow("ks", "readings", r); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, ok, err := db.GetRow("ks", "readings", pk("dev-1"), ck(100))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected row to be found")
	}
	f, _ := got.Cells["temp"].Value.Float64Value()
	if f != 21.5 {
		t.Fatalf("expected 21.5, got %v", f)
	}
}

func TestLastWriteWins(t *testing.T) {
	db := openTestDB(t)
	mustCreateTable(t, db, "ks", "readings")

	older := row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(100),
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(21.5), Timestamp: 5}},
		RowTimestamp:  5,
	}
	newer := row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(100),
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(99.9), Timestamp: 10}},
		RowTimestamp:  10,
	}

	// Insert the newer write first so a naive "last insert wins" policy
	// would fail this test; only timestamp-based resolution should win.
	if err := db.InsertRow("ks", "readings", newer); err != nil {
		t.Fatalf("insert newer: %v", err)
	}
	if err := db.InsertRow("ks", "readings", older); err != nil {
		t.Fatalf("insert older: %v", err)
	}

	got, ok, err := db.GetRow("ks", "readings", pk("dev-1"), ck(100))
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	f, _ := got.Cells["temp"].Value.Float64Value()
	if f != 99.9 {
		t.Fatalf("expected last-write-wins value 99.9, got %v", f)
	}
}

func TestDeleteRowTombstone(t *testing.T) {
	db := openTestDB(t)
	mustCreateTable(t, db, "ks", "readings")

	r := row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(100),
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(21.5), Timestamp: 1}},
		RowTimestamp:  1,
	}
	if err := db.InsertRow("ks", "readings", r); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.DeleteRow("ks", "readings", pk("dev-1"), ck(100), 2); err != nil {
		t.Fatalf("delete row: %v", err)
	}

	_, ok, err := db.GetRow("ks", "readings", pk("dev-1"), ck(100))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected row to be gone after delete")
	}

	// A write older than the tombstone must not resurrect the row.
	stale := row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(100),
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(1.0), Timestamp: 1}},
		RowTimestamp:  1,
	}
	if err := db.InsertRow("ks", "readings", stale); err != nil {
		t.Fatalf("insert stale: %v", err)
	}
	if _, ok, _ := db.GetRow("ks", "readings", pk("dev-1"), ck(100)); ok {
		t.Fatal("stale write must not resurrect a tombstoned row")
	}
}

func TestDeletePartitionTombstone(t *testing.T) {
	db := openTestDB(t)
	mustCreateTable(t, db, "ks", "readings")

	for _, ts := range []int64{100, 200, 300} {
		r := row.Row{
			PartitionKey:  pk("dev-1"),
			ClusteringKey: ck(ts),
			Cells:         map[string]row.Cell{"temp": {Value: value.Float64(float64(ts)), Timestamp: ts}},
			RowTimestamp:  ts,
		}
		if err := db.InsertRow("ks", "readings", r); err != nil {
			t.Fatalf("insert %d: %v", ts, err)
		}
	}

	if err := db.DeletePartition("ks", "readings", pk("dev-1"), 250); err != nil {
		t.Fatalf("delete partition: %v", err)
	}

	rows, err := db.Scan("ks", "readings", pk("dev-1"), nil, nil, 0)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 1 || rows[0].RowTimestamp != 300 {
		t.Fatalf("expected only the row written after the partition tombstone to survive, got %+v", rows)
	}
}

func TestFlushAndReadFromSSTable(t *testing.T) {
	db := openTestDB(t, WithFlushThresholdBytes(1)) // flush after the very first write
	mustCreateTable(t, db, "ks", "readings")

	r := row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(100),
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(21.5), Timestamp: 1}},
		RowTimestamp:  1,
	}
	if err := db.InsertRow("ks", "readings", r); err != nil {
		t.Fatalf("insert: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, err := db.Stats("ks", "readings")
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.SSTableCount > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("flush never produced an SSTable")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, ok, err := db.GetRow("ks", "readings", pk("dev-1"), ck(100))
	if err != nil || !ok {
		t.Fatalf("get after flush: ok=%v err=%v", ok, err)
	}
	f, _ := got.Cells["temp"].Value.Float64Value()
	if f != 21.5 {
		t.Fatalf("expected 21.5 after flush, got %v", f)
	}
}

func TestRecoveryReplaysCommitLog(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	walDir := filepath.Join(dir, "wal")

	db, err := Open(WithDataDir(dataDir), WithCommitlogDir(walDir), WithFlushThresholdBytes(1<<30))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustCreateTable(t, db, "ks", "readings")
	r := row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(100),
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(21.5), Timestamp: 1}},
		RowTimestamp:  1,
	}
	if err := db.InsertRow("ks", "readings", r); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(WithDataDir(dataDir), WithCommitlogDir(walDir), WithFlushThresholdBytes(1<<30))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, ok, err := reopened.GetRow("ks", "readings", pk("dev-1"), ck(100))
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if !ok {
		t.Fatal("expected write to survive a close/reopen via WAL replay")
	}
	f, _ := got.Cells["temp"].Value.Float64Value()
	if f != 21.5 {
		t.Fatalf("expected 21.5 after replay, got %v", f)
	}
}

func TestZeroL0LimitDoesNotBlockWrites(t *testing.T) {
	db := openTestDB(t, WithL0BackpressureLimit(0))
	mustCreateTable(t, db, "ks", "readings")

	r := row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(100),
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(21.5), Timestamp: 1}},
		RowTimestamp:  1,
	}
	if err := db.InsertRow("ks", "readings", r); err != nil {
		t.Fatalf("insert must still succeed under a zero L0 limit: %v", err)
	}
}

func TestUnknownColumnRejected(t *testing.T) {
	db := openTestDB(t)
	mustCreateTable(t, db, "ks", "readings")

	r := row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(100),
		Cells:         map[string]row.Cell{"bogus": {Value: value.Float64(1), Timestamp: 1}},
	}
	err := db.InsertRow("ks", "readings", r)
	if !corerr.Is(err, corerr.KindSchemaError) {
		t.Fatalf("expected KindSchemaError, got %v", err)
	}
}

func TestDropAndRecreateTable(t *testing.T) {
	db := openTestDB(t)
	mustCreateTable(t, db, "ks", "readings")

	r := row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(100),
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(1), Timestamp: 1}},
	}
	if err := db.InsertRow("ks", "readings", r); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.DropTable("ks", "readings"); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	if _, _, err := db.GetRow("ks", "readings", pk("dev-1"), ck(100)); !corerr.Is(err, corerr.KindNotFound) {
		t.Fatalf("expected KindNotFound after drop, got %v", err)
	}

	if err := db.CreateTable("ks", "readings", testSchema()); err != nil {
		t.Fatalf("recreate table: %v", err)
	}
	if _, ok, err := db.GetRow("ks", "readings", pk("dev-1"), ck(100)); err != nil || ok {
		t.Fatalf("expected recreated table to start empty, ok=%v err=%v", ok, err)
	}
}
