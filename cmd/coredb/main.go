// Command coredb runs a single CoreDB node against a local data directory,
// demonstrating the engine facade end to end. It is not a client shell or a
// CQL endpoint — just enough wiring to prove the engine boots, recovers,
// and serves reads and writes on its own.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/kolibridb/coredb/corerr"
	"github.com/kolibridb/coredb/engine"
	"github.com/kolibridb/coredb/row"
	"github.com/kolibridb/coredb/value"
)

func main() {
	dataDir := flag.String("data-dir", "./coredb-data", "directory for SSTables and snapshots")
	commitlogDir := flag.String("commitlog-dir", "./coredb-wal", "directory for the commit log")
	flag.Parse()

	db, err := engine.Open(
		engine.WithDataDir(*dataDir),
		engine.WithCommitlogDir(*commitlogDir),
	)
	if err != nil {
		log.Fatalf("coredb: open: %v", err)
	}
	defer db.Close()

	const keyspace, table = "demo", "readings"
	if err := db.CreateKeyspace(keyspace, 1); err != nil && !corerr.Is(err, corerr.KindAlreadyExists) {
		log.Fatalf("coredb: create keyspace: %v", err)
	}

	schema := value.TableSchema{
		PartitionKeyCols:  []value.ColumnDefinition{{Name: "device_id", DataType: value.KindText}},
		ClusteringKeyCols: []value.ColumnDefinition{{Name: "ts", DataType: value.KindTimestamp}},
		RegularCols:       []value.ColumnDefinition{{Name: "temp", DataType: value.KindFloat64}},
	}
	if err := db.CreateTable(keyspace, table, schema); err != nil && !corerr.Is(err, corerr.KindAlreadyExists) {
		log.Fatalf("coredb: create table: %v", err)
	}

	pk := row.PartitionKey{value.Text("sensor-1")}
	ck := row.ClusteringKey{value.TimestampMicros(1)}
	r := row.Row{
		PartitionKey:  pk,
		ClusteringKey: ck,
		Cells:         map[string]row.Cell{"temp": {Value: value.Float64(21.5), Timestamp: 1}},
		RowTimestamp:  1,
	}
	if err := db.InsertRow(keyspace, table, r); err != nil {
		log.Fatalf("coredb: insert: %v", err)
	}

	got, ok, err := db.GetRow(keyspace, table, pk, ck)
	if err != nil {
		log.Fatalf("coredb: get: %v", err)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "coredb: row not found")
		os.Exit(1)
	}
	temp, _ := got.Cells["temp"].Value.Float64Value()
	fmt.Printf("sensor-1 @ ts=1: temp=%v\n", temp)
}
