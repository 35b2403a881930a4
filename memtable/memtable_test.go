package memtable

import (
	"testing"

	"github.com/kolibridb/coredb/corerr"
	"github.com/kolibridb/coredb/row"
	"github.com/kolibridb/coredb/value"
)

func testSchema() *value.TableSchema {
	return &value.TableSchema{
		Keyspace: "ks",
		Name:     "events",
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

func TestInsertAndGet(t *testing.T) {
	mt, err := New(testSchema())
	if err != nil {
		t.Fatal(err)
	}

	r := row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(100),
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(21.5), Timestamp: 1}},
	}
	if err := mt.Insert(r); err != nil {
		t.Fatal(err)
	}

	got, ok := mt.Get(pk("dev-1"), ck(100))
	if !ok {
		t.Fatal("expected row to be found")
	}
	temp := got.Cells["temp"].Value
	f, _ := temp.Float64Value()
	if f != 21.5 {
		t.Fatalf("expected 21.5, got %v", f)
	}
}

func TestInsertMergesByTimestamp(t *testing.T) {
	mt, err := New(testSchema())
	if err != nil {
		t.Fatal(err)
	}

	base := row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(100),
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(10), Timestamp: 1}},
	}
	newer := row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(100),
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(99), Timestamp: 5}},
	}
	older := row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(100),
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(1), Timestamp: 2}},
	}

	if err := mt.Insert(base); err != nil {
		t.Fatal(err)
	}
	if err := mt.Insert(newer); err != nil {
		t.Fatal(err)
	}
	if err := mt.Insert(older); err != nil {
		t.Fatal(err)
	}

	got, ok := mt.Get(pk("dev-1"), ck(100))
	if !ok {
		t.Fatal("expected row")
	}
	f, _ := got.Cells["temp"].Value.Float64Value()
	if f != 99 {
		t.Fatalf("expected the highest-timestamp write (99) to win, got %v", f)
	}
}

func TestTombstoneHidesRow(t *testing.T) {
	mt, err := New(testSchema())
	if err != nil {
		t.Fatal(err)
	}

	live := row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(100),
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(10), Timestamp: 1}},
	}
	deleted := row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(100),
		Cells:         map[string]row.Cell{"temp": {Timestamp: 2, IsDeleted: true}},
	}

	if err := mt.Insert(live); err != nil {
		t.Fatal(err)
	}
	if err := mt.Insert(deleted); err != nil {
		t.Fatal(err)
	}

	if _, ok := mt.Get(pk("dev-1"), ck(100)); ok {
		t.Fatal("expected tombstoned row to be hidden")
	}
}

func TestRangeOrdersByClusteringKey(t *testing.T) {
	mt, err := New(testSchema())
	if err != nil {
		t.Fatal(err)
	}

	for _, ts := range []int64{300, 100, 200} {
		r := row.Row{
			PartitionKey:  pk("dev-1"),
			ClusteringKey: ck(ts),
			Cells:         map[string]row.Cell{"temp": {Value: value.Float64(float64(ts)), Timestamp: 1}},
		}
		if err := mt.Insert(r); err != nil {
			t.Fatal(err)
		}
	}

	rows := mt.Range(pk("dev-1"), nil, nil)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	want := []int64{100, 200, 300}
	for i, r := range rows {
		got, _ := r.ClusteringKey[0].TimestampValue()
		if got != want[i] {
			t.Fatalf("row %d: expected ts %d, got %d", i, want[i], got)
		}
	}
}

func TestFreezeRejectsFurtherInserts(t *testing.T) {
	mt, err := New(testSchema())
	if err != nil {
		t.Fatal(err)
	}
	mt.Freeze()

	err = mt.Insert(row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(1),
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(1), Timestamp: 1}},
	})
	if !corerr.Is(err, corerr.KindImmutable) {
		t.Fatalf("expected Immutable error, got %v", err)
	}
}

func TestInsertRejectsSchemaMismatch(t *testing.T) {
	mt, err := New(testSchema())
	if err != nil {
		t.Fatal(err)
	}

	err = mt.Insert(row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(1),
		Cells:         map[string]row.Cell{"unknown_col": {Value: value.Int32(1), Timestamp: 1}},
	})
	if !corerr.Is(err, corerr.KindSchemaError) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
}

func TestApproxBytesGrowsOnInsert(t *testing.T) {
	mt, err := New(testSchema())
	if err != nil {
		t.Fatal(err)
	}
	if mt.ApproxBytes() != 0 {
		t.Fatal("expected zero initial size")
	}

	if err := mt.Insert(row.Row{
		PartitionKey:  pk("dev-1"),
		ClusteringKey: ck(1),
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(1), Timestamp: 1}},
	}); err != nil {
		t.Fatal(err)
	}
	if mt.ApproxBytes() <= 0 {
		t.Fatal("expected approx_bytes to grow after insert")
	}
}

func TestIterSortedOrdersAcrossPartitions(t *testing.T) {
	mt, err := New(testSchema())
	if err != nil {
		t.Fatal(err)
	}

	devices := []string{"dev-c", "dev-a", "dev-b"}
	for _, d := range devices {
		if err := mt.Insert(row.Row{
			PartitionKey:  pk(d),
			ClusteringKey: ck(1),
			Cells:         map[string]row.Cell{"temp": {Value: value.Float64(1), Timestamp: 1}},
		}); err != nil {
			t.Fatal(err)
		}
	}

	entries := mt.IterSorted()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []string{"dev-a", "dev-b", "dev-c"}
	for i, e := range entries {
		got, _ := e.PartitionKey[0].TextValue()
		if got != want[i] {
			t.Fatalf("entry %d: expected partition %s, got %s", i, want[i], got)
		}
	}
}
