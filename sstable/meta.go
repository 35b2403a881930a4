package sstable

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/kolibridb/coredb/corerr"
)

const (
	metaMagic   uint32 = 0x434F5245 // "CORE"
	metaVersion uint16 = 1
)

// Meta is the header persisted in NNN-Meta.db. Its presence on disk signals
// that id's flush or compaction output completed; Meta is always the last
// file fsynced during a build.
type Meta struct {
	MinKey            []byte
	MaxKey            []byte
	EntryCount        uint64
	DataSize          uint64
	CreatedAtUnixNano int64
	Level             uint32
	SchemaFingerprint uint64
	MaxWALSequence    uint64 // highest commit log sequence reflected in this table's rows
}

func (m Meta) encode() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, metaMagic)
	_ = binary.Write(&buf, binary.LittleEndian, metaVersion)
	writeLenPrefixed(&buf, m.MinKey)
	writeLenPrefixed(&buf, m.MaxKey)
	_ = binary.Write(&buf, binary.LittleEndian, m.EntryCount)
	_ = binary.Write(&buf, binary.LittleEndian, m.DataSize)
	_ = binary.Write(&buf, binary.LittleEndian, m.CreatedAtUnixNano)
	_ = binary.Write(&buf, binary.LittleEndian, m.Level)
	_ = binary.Write(&buf, binary.LittleEndian, m.SchemaFingerprint)
	_ = binary.Write(&buf, binary.LittleEndian, m.MaxWALSequence)
	return buf.Bytes()
}

func decodeMeta(data []byte) (Meta, error) {
	r := bytes.NewReader(data)

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return Meta{}, wrapTruncation(err)
	}
	if magic != metaMagic {
		return Meta{}, corerr.New(corerr.KindCorruption, "sstable: bad meta magic")
	}

	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return Meta{}, wrapTruncation(err)
	}
	if version != metaVersion {
		return Meta{}, corerr.New(corerr.KindUnsupportedVersion, "sstable: unknown meta version")
	}

	minKey, err := readLenPrefixed(r)
	if err != nil {
		return Meta{}, err
	}
	maxKey, err := readLenPrefixed(r)
	if err != nil {
		return Meta{}, err
	}

	var m Meta
	m.MinKey = minKey
	m.MaxKey = maxKey
	if err := binary.Read(r, binary.LittleEndian, &m.EntryCount); err != nil {
		return Meta{}, wrapTruncation(err)
	}
	if err := binary.Read(r, binary.LittleEndian, &m.DataSize); err != nil {
		return Meta{}, wrapTruncation(err)
	}
	if err := binary.Read(r, binary.LittleEndian, &m.CreatedAtUnixNano); err != nil {
		return Meta{}, wrapTruncation(err)
	}
	if err := binary.Read(r, binary.LittleEndian, &m.Level); err != nil {
		return Meta{}, wrapTruncation(err)
	}
	if err := binary.Read(r, binary.LittleEndian, &m.SchemaFingerprint); err != nil {
		return Meta{}, wrapTruncation(err)
	}
	if err := binary.Read(r, binary.LittleEndian, &m.MaxWALSequence); err != nil {
		return Meta{}, wrapTruncation(err)
	}

	return m, nil
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(b)))
	buf.Write(b)
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, wrapTruncation(err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, wrapTruncation(err)
	}
	return b, nil
}

// CreatedAt returns Meta.CreatedAtUnixNano as a time.Time.
func (m Meta) CreatedAt() time.Time {
	return time.Unix(0, m.CreatedAtUnixNano)
}
