// Package snapshot implements CoreDB's whole-database text snapshot (spec
// §4.7): a coarse, secondary durability mechanism taken at graceful
// shutdown or on demand, and loaded only when neither SSTables nor the
// commit log yield any recoverable state at startup.
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/kolibridb/coredb/corerr"
	"github.com/kolibridb/coredb/row"
	"github.com/kolibridb/coredb/value"
)

const formatHeader = "COREDB-SNAPSHOT v1"

// Keyspace is one keyspace's full state as captured in a snapshot.
type Keyspace struct {
	Name              string
	ReplicationFactor int
	Tables            []Table
}

// Table is one table's schema plus every live row, flattened out of the
// memtable and every registered SSTable at the time the snapshot was taken.
type Table struct {
	Name   string
	Schema value.TableSchema
	Rows   []Row
}

// Row is one persisted (pk, ck, cells) triple.
type Row struct {
	PartitionKey  row.PartitionKey
	ClusteringKey row.ClusteringKey
	Cells         map[string]row.Cell
}

// Write serializes keyspaces to w in the text snapshot format.
func Write(w io.Writer, keyspaces []Keyspace) error {
	bw := bufio.NewWriter(w)

	if _, err := fmt.Fprintln(bw, formatHeader); err != nil {
		return corerr.Wrap(corerr.KindIO, "snapshot: write header", err)
	}

	for _, ks := range keyspaces {
		if _, err := fmt.Fprintf(bw, "KEYSPACE %s %d\n", ks.Name, ks.ReplicationFactor); err != nil {
			return corerr.Wrap(corerr.KindIO, "snapshot: write keyspace line", err)
		}
		for _, tbl := range ks.Tables {
			if _, err := fmt.Fprintf(bw, "  TABLE %s\n", tbl.Name); err != nil {
				return corerr.Wrap(corerr.KindIO, "snapshot: write table line", err)
			}
			schemaB64 := base64.StdEncoding.EncodeToString(encodeSchema(tbl.Schema))
			if _, err := fmt.Fprintf(bw, "    SCHEMA %s\n", schemaB64); err != nil {
				return corerr.Wrap(corerr.KindIO, "snapshot: write schema line", err)
			}
			for _, r := range tbl.Rows {
				line, err := encodeRowLine(r)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(bw, "    ROW %s\n", line); err != nil {
					return corerr.Wrap(corerr.KindIO, "snapshot: write row line", err)
				}
			}
		}
	}

	if err := bw.Flush(); err != nil {
		return corerr.Wrap(corerr.KindIO, "snapshot: flush", err)
	}
	return nil
}

// Load parses a snapshot previously produced by Write. Loading the same
// bytes twice yields identical Keyspace slices (the format carries no
// mutable or time-dependent state), satisfying the idempotent-load
// requirement.
func Load(r io.Reader) ([]Keyspace, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		return nil, corerr.New(corerr.KindCorruption, "snapshot: empty file")
	}
	if strings.TrimSpace(scanner.Text()) != formatHeader {
		return nil, corerr.New(corerr.KindUnsupportedVersion, "snapshot: unrecognized header")
	}

	var keyspaces []Keyspace
	var curKS *Keyspace
	var curTable *Table

	flushTable := func() {
		if curTable != nil && curKS != nil {
			curKS.Tables = append(curKS.Tables, *curTable)
			curTable = nil
		}
	}
	flushKS := func() {
		flushTable()
		if curKS != nil {
			keyspaces = append(keyspaces, *curKS)
			curKS = nil
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "KEYSPACE "):
			flushKS()
			fields := strings.Fields(trimmed)
			if len(fields) != 3 {
				return nil, corerr.New(corerr.KindCorruption, "snapshot: malformed KEYSPACE line")
			}
			rf, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, corerr.Wrap(corerr.KindCorruption, "snapshot: malformed replication factor", err)
			}
			curKS = &Keyspace{Name: fields[1], ReplicationFactor: rf}

		case strings.HasPrefix(trimmed, "TABLE "):
			flushTable()
			fields := strings.Fields(trimmed)
			if len(fields) != 2 {
				return nil, corerr.New(corerr.KindCorruption, "snapshot: malformed TABLE line")
			}
			curTable = &Table{Name: fields[1]}

		case strings.HasPrefix(trimmed, "SCHEMA "):
			if curTable == nil {
				return nil, corerr.New(corerr.KindCorruption, "snapshot: SCHEMA line outside TABLE")
			}
			fields := strings.Fields(trimmed)
			if len(fields) != 2 {
				return nil, corerr.New(corerr.KindCorruption, "snapshot: malformed SCHEMA line")
			}
			raw, err := base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				return nil, corerr.Wrap(corerr.KindCorruption, "snapshot: bad schema base64", err)
			}
			schema, err := decodeSchema(raw)
			if err != nil {
				return nil, err
			}
			schema.Keyspace = curKS.Name
			schema.Name = curTable.Name
			curTable.Schema = schema

		case strings.HasPrefix(trimmed, "ROW "):
			if curTable == nil {
				return nil, corerr.New(corerr.KindCorruption, "snapshot: ROW line outside TABLE")
			}
			r, err := decodeRowLine(strings.TrimPrefix(trimmed, "ROW "))
			if err != nil {
				return nil, err
			}
			curTable.Rows = append(curTable.Rows, r)

		default:
			return nil, corerr.New(corerr.KindCorruption, "snapshot: unrecognized line: "+trimmed)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, corerr.Wrap(corerr.KindIO, "snapshot: scan", err)
	}
	flushKS()

	return keyspaces, nil
}

func encodeKeyTuple(vals []value.Value) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(vals)))
	for _, v := range vals {
		_ = value.Encode(&buf, v)
	}
	return buf.Bytes()
}

func decodeKeyTuple(data []byte) ([]value.Value, error) {
	r := bytes.NewReader(data)
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, corerr.Wrap(corerr.KindCorruption, "snapshot: truncated key tuple", err)
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

func encodeRowLine(r Row) (string, error) {
	pkB64 := base64.StdEncoding.EncodeToString(encodeKeyTuple(r.PartitionKey))
	ckB64 := base64.StdEncoding.EncodeToString(encodeKeyTuple(r.ClusteringKey))

	names := make([]string, 0, len(r.Cells))
	for name := range r.Cells {
		names = append(names, name)
	}
	// Deterministic ordering makes the same row snapshot byte-identical
	// across repeated saves.
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		c := r.Cells[name]
		var vbuf bytes.Buffer
		if err := value.Encode(&vbuf, c.Value); err != nil {
			return "", corerr.Wrap(corerr.KindCodec, "snapshot: encode cell value", err)
		}
		deleted := 0
		if c.IsDeleted {
			deleted = 1
		}
		token := fmt.Sprintf("%s=%s:%d:%d:%d", name, base64.StdEncoding.EncodeToString(vbuf.Bytes()), c.Timestamp, c.TTLMicros, deleted)
		parts = append(parts, token)
	}

	return pkB64 + " " + ckB64 + " " + strings.Join(parts, " "), nil
}

func decodeRowLine(s string) (Row, error) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return Row{}, corerr.New(corerr.KindCorruption, "snapshot: malformed ROW line")
	}

	pkBytes, err := base64.StdEncoding.DecodeString(fields[0])
	if err != nil {
		return Row{}, corerr.Wrap(corerr.KindCorruption, "snapshot: bad pk base64", err)
	}
	pk, err := decodeKeyTuple(pkBytes)
	if err != nil {
		return Row{}, err
	}

	ckBytes, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return Row{}, corerr.Wrap(corerr.KindCorruption, "snapshot: bad ck base64", err)
	}
	ck, err := decodeKeyTuple(ckBytes)
	if err != nil {
		return Row{}, err
	}

	cells := make(map[string]row.Cell, len(fields)-2)
	for _, tok := range fields[2:] {
		eq := strings.IndexByte(tok, '=')
		if eq < 0 {
			return Row{}, corerr.New(corerr.KindCorruption, "snapshot: malformed cell token")
		}
		name := tok[:eq]
		rest := strings.Split(tok[eq+1:], ":")
		if len(rest) != 4 {
			return Row{}, corerr.New(corerr.KindCorruption, "snapshot: malformed cell token fields")
		}
		valBytes, err := base64.StdEncoding.DecodeString(rest[0])
		if err != nil {
			return Row{}, corerr.Wrap(corerr.KindCorruption, "snapshot: bad cell value base64", err)
		}
		v, err := value.DecodeBytes(valBytes)
		if err != nil {
			return Row{}, err
		}
		ts, err := strconv.ParseInt(rest[1], 10, 64)
		if err != nil {
			return Row{}, corerr.Wrap(corerr.KindCorruption, "snapshot: bad cell timestamp", err)
		}
		ttl, err := strconv.ParseInt(rest[2], 10, 64)
		if err != nil {
			return Row{}, corerr.Wrap(corerr.KindCorruption, "snapshot: bad cell ttl", err)
		}
		deleted, err := strconv.Atoi(rest[3])
		if err != nil {
			return Row{}, corerr.Wrap(corerr.KindCorruption, "snapshot: bad cell deleted flag", err)
		}
		cells[name] = row.Cell{Value: v, Timestamp: ts, TTLMicros: ttl, IsDeleted: deleted != 0}
	}

	return Row{PartitionKey: row.PartitionKey(pk), ClusteringKey: row.ClusteringKey(ck), Cells: cells}, nil
}
