package engine

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/kolibridb/coredb/commitlog"
	"github.com/kolibridb/coredb/corerr"
	"github.com/kolibridb/coredb/row"
	"github.com/kolibridb/coredb/value"
)

// Row, truncate and table create/drop payloads start with the keyspace and
// table name they apply to. Keyspace create/drop payloads carry only the
// keyspace name (plus the replication factor for create).

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", corerr.Wrap(corerr.KindCorruption, "engine: truncated wal string", err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", corerr.Wrap(corerr.KindCorruption, "engine: truncated wal string bytes", err)
	}
	return string(b), nil
}

func writeKeyTuple(buf *bytes.Buffer, vals []value.Value) error {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(vals)))
	for _, v := range vals {
		if err := value.Encode(buf, v); err != nil {
			return corerr.Wrap(corerr.KindCodec, "engine: encode wal key value", err)
		}
	}
	return nil
}

func readKeyTuple(r io.Reader) ([]value.Value, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, corerr.Wrap(corerr.KindCorruption, "engine: truncated wal key tuple", err)
	}
	out := make([]value.Value, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := value.Decode(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func writeCell(buf *bytes.Buffer, name string, c row.Cell) error {
	writeString(buf, name)
	if err := value.Encode(buf, c.Value); err != nil {
		return corerr.Wrap(corerr.KindCodec, "engine: encode wal cell value", err)
	}
	_ = binary.Write(buf, binary.LittleEndian, c.Timestamp)
	_ = binary.Write(buf, binary.LittleEndian, c.TTLMicros)
	deleted := uint8(0)
	if c.IsDeleted {
		deleted = 1
	}
	_ = binary.Write(buf, binary.LittleEndian, deleted)
	return nil
}

func readCell(r io.Reader) (string, row.Cell, error) {
	name, err := readString(r)
	if err != nil {
		return "", row.Cell{}, err
	}
	v, err := value.Decode(r)
	if err != nil {
		return "", row.Cell{}, err
	}
	var ts, ttl int64
	if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
		return "", row.Cell{}, corerr.Wrap(corerr.KindCorruption, "engine: truncated wal cell timestamp", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &ttl); err != nil {
		return "", row.Cell{}, corerr.Wrap(corerr.KindCorruption, "engine: truncated wal cell ttl", err)
	}
	var deleted uint8
	if err := binary.Read(r, binary.LittleEndian, &deleted); err != nil {
		return "", row.Cell{}, corerr.Wrap(corerr.KindCorruption, "engine: truncated wal cell deleted flag", err)
	}
	return name, row.Cell{Value: v, Timestamp: ts, TTLMicros: ttl, IsDeleted: deleted != 0}, nil
}

// encodeInsert builds the OpInsert payload for a full row: partition key,
// clustering key, row timestamp, and every cell.
func encodeInsert(keyspace, table string, r row.Row) ([]byte, error) {
	var buf bytes.Buffer
	writeString(&buf, keyspace)
	writeString(&buf, table)
	if err := writeKeyTuple(&buf, r.PartitionKey); err != nil {
		return nil, err
	}
	if err := writeKeyTuple(&buf, r.ClusteringKey); err != nil {
		return nil, err
	}
	_ = binary.Write(&buf, binary.LittleEndian, r.RowTimestamp)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(r.Cells)))
	for name, c := range r.Cells {
		if err := writeCell(&buf, name, c); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeInsert(payload []byte) (keyspace, table string, r row.Row, err error) {
	rd := bytes.NewReader(payload)
	if keyspace, err = readString(rd); err != nil {
		return
	}
	if table, err = readString(rd); err != nil {
		return
	}
	pk, err := readKeyTuple(rd)
	if err != nil {
		return
	}
	ck, err := readKeyTuple(rd)
	if err != nil {
		return
	}
	var rowTS int64
	if err = binary.Read(rd, binary.LittleEndian, &rowTS); err != nil {
		err = corerr.Wrap(corerr.KindCorruption, "engine: truncated wal row timestamp", err)
		return
	}
	var n uint32
	if err = binary.Read(rd, binary.LittleEndian, &n); err != nil {
		err = corerr.Wrap(corerr.KindCorruption, "engine: truncated wal cell count", err)
		return
	}
	cells := make(map[string]row.Cell, n)
	for i := uint32(0); i < n; i++ {
		var name string
		var c row.Cell
		name, c, err = readCell(rd)
		if err != nil {
			return
		}
		cells[name] = c
	}
	r = row.Row{PartitionKey: row.PartitionKey(pk), ClusteringKey: row.ClusteringKey(ck), Cells: cells, RowTimestamp: rowTS}
	return
}

// encodeUpsertCell carries a single cell update against an existing (or new)
// row coordinate, used by UpsertCell for narrow writes that shouldn't pay
// the cost of re-encoding every column in the row.
func encodeUpsertCell(keyspace, table string, pk row.PartitionKey, ck row.ClusteringKey, cellName string, c row.Cell) ([]byte, error) {
	var buf bytes.Buffer
	writeString(&buf, keyspace)
	writeString(&buf, table)
	if err := writeKeyTuple(&buf, pk); err != nil {
		return nil, err
	}
	if err := writeKeyTuple(&buf, ck); err != nil {
		return nil, err
	}
	if err := writeCell(&buf, cellName, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeUpsertCell(payload []byte) (keyspace, table string, pk row.PartitionKey, ck row.ClusteringKey, cellName string, c row.Cell, err error) {
	rd := bytes.NewReader(payload)
	if keyspace, err = readString(rd); err != nil {
		return
	}
	if table, err = readString(rd); err != nil {
		return
	}
	pkv, err := readKeyTuple(rd)
	if err != nil {
		return
	}
	ckv, err := readKeyTuple(rd)
	if err != nil {
		return
	}
	pk, ck = row.PartitionKey(pkv), row.ClusteringKey(ckv)
	cellName, c, err = readCell(rd)
	return
}

// encodeDeleteKey carries just the keys plus the tombstone timestamp, for both
// row deletes and partition deletes (nil ck); decodeDeleteKey reverses it.
func encodeDeleteKey(keyspace, table string, pk row.PartitionKey, ck row.ClusteringKey, timestamp int64) ([]byte, error) {
	var buf bytes.Buffer
	writeString(&buf, keyspace)
	writeString(&buf, table)
	if err := writeKeyTuple(&buf, pk); err != nil {
		return nil, err
	}
	if err := writeKeyTuple(&buf, ck); err != nil {
		return nil, err
	}
	_ = binary.Write(&buf, binary.LittleEndian, timestamp)
	return buf.Bytes(), nil
}

func decodeDeleteKey(payload []byte) (keyspace, table string, pk row.PartitionKey, ck row.ClusteringKey, timestamp int64, err error) {
	rd := bytes.NewReader(payload)
	if keyspace, err = readString(rd); err != nil {
		return
	}
	if table, err = readString(rd); err != nil {
		return
	}
	pkv, err := readKeyTuple(rd)
	if err != nil {
		return
	}
	ckv, err := readKeyTuple(rd)
	if err != nil {
		return
	}
	if err = binary.Read(rd, binary.LittleEndian, &timestamp); err != nil {
		err = corerr.Wrap(corerr.KindCorruption, "engine: truncated wal delete timestamp", err)
		return
	}
	pk, ck = row.PartitionKey(pkv), row.ClusteringKey(ckv)
	return
}

func encodeTableRef(keyspace, table string) []byte {
	var buf bytes.Buffer
	writeString(&buf, keyspace)
	writeString(&buf, table)
	return buf.Bytes()
}

func decodeTableRef(payload []byte) (keyspace, table string, err error) {
	rd := bytes.NewReader(payload)
	if keyspace, err = readString(rd); err != nil {
		return
	}
	table, err = readString(rd)
	return
}

func encodeCreateKeyspace(name string, replicationFactor int) []byte {
	var buf bytes.Buffer
	writeString(&buf, name)
	_ = binary.Write(&buf, binary.LittleEndian, int32(replicationFactor))
	return buf.Bytes()
}

func decodeCreateKeyspace(payload []byte) (name string, replicationFactor int, err error) {
	rd := bytes.NewReader(payload)
	if name, err = readString(rd); err != nil {
		return
	}
	var rf int32
	if err = binary.Read(rd, binary.LittleEndian, &rf); err != nil {
		err = corerr.Wrap(corerr.KindCorruption, "engine: truncated wal replication factor", err)
		return
	}
	replicationFactor = int(rf)
	return
}

func encodeDropKeyspace(name string) []byte {
	var buf bytes.Buffer
	writeString(&buf, name)
	return buf.Bytes()
}

func decodeDropKeyspace(payload []byte) (name string, err error) {
	rd := bytes.NewReader(payload)
	name, err = readString(rd)
	return
}

func encodeCreateTable(keyspace, table string, schema value.TableSchema) []byte {
	var buf bytes.Buffer
	writeString(&buf, keyspace)
	writeString(&buf, table)
	schemaBytes := schema.Encode()
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(schemaBytes)))
	buf.Write(schemaBytes)
	return buf.Bytes()
}

func decodeCreateTable(payload []byte) (keyspace, table string, schema value.TableSchema, err error) {
	rd := bytes.NewReader(payload)
	if keyspace, err = readString(rd); err != nil {
		return
	}
	if table, err = readString(rd); err != nil {
		return
	}
	var n uint32
	if err = binary.Read(rd, binary.LittleEndian, &n); err != nil {
		err = corerr.Wrap(corerr.KindCorruption, "engine: truncated wal schema length", err)
		return
	}
	schemaBytes := make([]byte, n)
	if _, rerr := io.ReadFull(rd, schemaBytes); rerr != nil {
		err = corerr.Wrap(corerr.KindCorruption, "engine: truncated wal schema bytes", rerr)
		return
	}
	schema, err = value.DecodeTableSchema(schemaBytes)
	return
}

// applyWAL dispatches one decoded commit log record into db's in-memory
// state. Only startup recovery replay (replayWAL) calls it; the live write
// path calls the matching apply* function directly.
func (db *Database) applyWAL(rec commitlog.Record) error {
	switch rec.Op {
	case commitlog.OpInsert:
		keyspace, table, r, err := decodeInsert(rec.Payload)
		if err != nil {
			return err
		}
		return db.applyInsert(keyspace, table, r)

	case commitlog.OpUpsertCell:
		keyspace, table, pk, ck, cellName, c, err := decodeUpsertCell(rec.Payload)
		if err != nil {
			return err
		}
		return db.applyUpsertCell(keyspace, table, pk, ck, cellName, c)

	case commitlog.OpDeleteRow:
		keyspace, table, pk, ck, ts, err := decodeDeleteKey(rec.Payload)
		if err != nil {
			return err
		}
		return db.applyDeleteRow(keyspace, table, pk, ck, ts)

	case commitlog.OpDeletePartition:
		keyspace, table, pk, _, ts, err := decodeDeleteKey(rec.Payload)
		if err != nil {
			return err
		}
		return db.applyDeletePartition(keyspace, table, pk, ts)

	case commitlog.OpTruncateTable:
		keyspace, table, err := decodeTableRef(rec.Payload)
		if err != nil {
			return err
		}
		return db.applyTruncateTable(keyspace, table)

	case commitlog.OpCreateKeyspace:
		name, rf, err := decodeCreateKeyspace(rec.Payload)
		if err != nil {
			return err
		}
		return db.applyCreateKeyspace(name, rf)

	case commitlog.OpCreateTable:
		keyspace, table, schema, err := decodeCreateTable(rec.Payload)
		if err != nil {
			return err
		}
		return db.applyCreateTable(keyspace, table, schema)

	case commitlog.OpDropKeyspace:
		name, err := decodeDropKeyspace(rec.Payload)
		if err != nil {
			return err
		}
		return db.applyDropKeyspace(name)

	case commitlog.OpDropTable:
		keyspace, table, err := decodeTableRef(rec.Payload)
		if err != nil {
			return err
		}
		return db.applyDropTable(keyspace, table)

	default:
		return corerr.New(corerr.KindCorruption, "engine: unknown wal op kind during replay")
	}
}
