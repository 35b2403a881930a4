package commitlog

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/kolibridb/coredb/corerr"
)

// OpKind tags a commit log record's operation.
type OpKind uint8

const (
	OpInsert OpKind = iota
	OpUpsertCell
	OpDeleteRow
	OpDeletePartition
	OpTruncateTable
	OpCreateKeyspace
	OpCreateTable
	OpDropKeyspace
	OpDropTable
)

func (op OpKind) String() string {
	switch op {
	case OpInsert:
		return "INSERT"
	case OpUpsertCell:
		return "UPSERT_CELL"
	case OpDeleteRow:
		return "DELETE_ROW"
	case OpDeletePartition:
		return "DELETE_PARTITION"
	case OpTruncateTable:
		return "TRUNCATE_TABLE"
	case OpCreateKeyspace:
		return "CREATE_KEYSPACE"
	case OpCreateTable:
		return "CREATE_TABLE"
	case OpDropKeyspace:
		return "DROP_KEYSPACE"
	case OpDropTable:
		return "DROP_TABLE"
	default:
		return "UNKNOWN"
	}
}

// Record is one framed mutation record as it appears on disk:
//
//	[u32 payload_len] [u64 sequence] [u8 op_kind] [payload_len bytes] [u32 crc32(payload)]
type Record struct {
	Sequence uint64
	Op       OpKind
	Payload  []byte
}

// Encode writes r in the on-disk framing. The trailing CRC is
// crc32.ChecksumIEEE over the payload bytes only, written after the payload.
func Encode(w io.Writer, r Record) error {
	payloadLen := uint32(len(r.Payload))

	if err := binary.Write(w, binary.LittleEndian, payloadLen); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, r.Sequence); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(r.Op)); err != nil {
		return err
	}
	if _, err := w.Write(r.Payload); err != nil {
		return err
	}

	crc := crc32.ChecksumIEEE(r.Payload)
	return binary.Write(w, binary.LittleEndian, crc)
}

// Size returns the exact number of bytes Encode will write for r.
func Size(r Record) int {
	return 4 + 8 + 1 + len(r.Payload) + 4
}

// Decode reads one record written by Encode. A read that fails partway
// through the fixed header or the payload (EOF/ErrUnexpectedEOF) is treated
// as a crash boundary and reported as io.EOF, not an error — this is how the
// replay loop recognizes "last record never finished writing" versus real
// corruption. A record whose CRC does not match its payload, despite having
// a complete frame, is corerr.KindCorruption.
func Decode(r io.Reader) (Record, error) {
	var payloadLen uint32
	if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return Record{}, cleanEOF(err)
	}

	var sequence uint64
	if err := binary.Read(r, binary.LittleEndian, &sequence); err != nil {
		return Record{}, cleanEOF(err)
	}

	var opByte uint8
	if err := binary.Read(r, binary.LittleEndian, &opByte); err != nil {
		return Record{}, cleanEOF(err)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Record{}, cleanEOF(err)
	}

	var storedCRC uint32
	if err := binary.Read(r, binary.LittleEndian, &storedCRC); err != nil {
		return Record{}, cleanEOF(err)
	}

	if crc32.ChecksumIEEE(payload) != storedCRC {
		return Record{}, corerr.New(corerr.KindCorruption, "commitlog: crc mismatch")
	}

	return Record{Sequence: sequence, Op: OpKind(opByte), Payload: payload}, nil
}

func cleanEOF(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return io.EOF
	}
	return err
}
