package snapshot

import (
	"bytes"
	"testing"

	"github.com/kolibridb/coredb/row"
	"github.com/kolibridb/coredb/value"
)

func sampleKeyspaces() []Keyspace {
	schema := value.TableSchema{
		PartitionKeyCols:  []value.ColumnDefinition{{Name: "device_id", DataType: value.KindText}},
		ClusteringKeyCols: []value.ColumnDefinition{{Name: "ts", DataType: value.KindTimestamp}},
		RegularCols:       []value.ColumnDefinition{{Name: "temp", DataType: value.KindFloat64}},
	}

	r1 := Row{
		PartitionKey:  row.PartitionKey{value.Text("dev-1")},
		ClusteringKey: row.ClusteringKey{value.TimestampMicros(100)},
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(21.5), Timestamp: 1}},
	}
	r2 := Row{
		PartitionKey:  row.PartitionKey{value.Text("dev-2")},
		ClusteringKey: row.ClusteringKey{value.TimestampMicros(200)},
		Cells:         map[string]row.Cell{"temp": {Timestamp: 2, IsDeleted: true}},
	}

	return []Keyspace{
		{
			Name:              "analytics",
			ReplicationFactor: 3,
			Tables: []Table{
				{Name: "events", Schema: schema, Rows: []Row{r1, r2}},
			},
		},
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleKeyspaces()); err != nil {
		t.Fatal(err)
	}

	got, err := Load(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 || got[0].Name != "analytics" || got[0].ReplicationFactor != 3 {
		t.Fatalf("unexpected keyspace: %+v", got)
	}
	if len(got[0].Tables) != 1 || got[0].Tables[0].Name != "events" {
		t.Fatalf("unexpected tables: %+v", got[0].Tables)
	}
	rows := got[0].Tables[0].Rows
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	device, _ := rows[0].PartitionKey[0].TextValue()
	if device != "dev-1" {
		t.Fatalf("expected dev-1, got %s", device)
	}
	temp, _ := rows[0].Cells["temp"].Value.Float64Value()
	if temp != 21.5 {
		t.Fatalf("expected 21.5, got %v", temp)
	}
	if !rows[1].Cells["temp"].IsDeleted {
		t.Fatal("expected second row's cell to be a tombstone")
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleKeyspaces()); err != nil {
		t.Fatal(err)
	}
	snapshotBytes := buf.Bytes()

	first, err := Load(bytes.NewReader(snapshotBytes))
	if err != nil {
		t.Fatal(err)
	}
	second, err := Load(bytes.NewReader(snapshotBytes))
	if err != nil {
		t.Fatal(err)
	}

	var rebuf1, rebuf2 bytes.Buffer
	if err := Write(&rebuf1, first); err != nil {
		t.Fatal(err)
	}
	if err := Write(&rebuf2, second); err != nil {
		t.Fatal(err)
	}
	if rebuf1.String() != rebuf2.String() {
		t.Fatal("expected loading the same snapshot twice to yield identical state")
	}
}

func TestLoadRejectsBadHeader(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte("NOT-A-SNAPSHOT\n")))
	if err == nil {
		t.Fatal("expected error for bad header")
	}
}

func TestSchemaRoundTrip(t *testing.T) {
	schema := value.TableSchema{
		PartitionKeyCols:  []value.ColumnDefinition{{Name: "a", DataType: value.KindInt32}},
		ClusteringKeyCols: []value.ColumnDefinition{{Name: "b", DataType: value.KindInt64}},
		StaticCols:        []value.ColumnDefinition{{Name: "c", DataType: value.KindText, IsStatic: true}},
	}
	encoded := encodeSchema(schema)
	decoded, err := decodeSchema(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded.PartitionKeyCols) != 1 || decoded.PartitionKeyCols[0].Name != "a" {
		t.Fatalf("unexpected decoded schema: %+v", decoded)
	}
	if !decoded.StaticCols[0].IsStatic {
		t.Fatal("expected static flag to round-trip")
	}
}
