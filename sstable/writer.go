// Package sstable implements CoreDB's immutable on-disk sorted table (spec
// §4.5): a set of sibling files sharing a numeric id — Data, Index, Filter,
// and Meta — built from a memtable's sorted entries or a compaction's
// merged stream, and read back via a bloom-filter-gated, sparse-indexed
// lookup.
package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kolibridb/coredb/bloomfilter"
	"github.com/kolibridb/coredb/codec"
	"github.com/kolibridb/coredb/corerr"
	"github.com/kolibridb/coredb/row"
)

const (
	defaultTargetBlockBytes = 4 * 1024
	defaultBloomFPRate      = 0.01
)

// Source is a lazily-pulled, already key-sorted stream of rows to persist,
// satisfied by memtable.IterSorted's output and by the compaction merge
// iterator alike.
type Source interface {
	// Next returns the next entry in ascending key order, or ok=false once
	// exhausted.
	Next() (pk row.PartitionKey, ck row.ClusteringKey, r row.Row, ok bool)
}

// sliceSource adapts an in-memory slice (the common case: a frozen
// memtable's IterSorted output) to Source.
type sliceSource struct {
	entries []SourceEntry
	pos     int
}

// SourceEntry is one (pk, ck, row) triple, the shape memtable.Entry and the
// compaction merge iterator both produce.
type SourceEntry struct {
	PartitionKey  row.PartitionKey
	ClusteringKey row.ClusteringKey
	Row           row.Row
}

func NewSliceSource(entries []SourceEntry) Source {
	return &sliceSource{entries: entries}
}

func (s *sliceSource) Next() (row.PartitionKey, row.ClusteringKey, row.Row, bool) {
	if s.pos >= len(s.entries) {
		return nil, nil, row.Row{}, false
	}
	e := s.entries[s.pos]
	s.pos++
	return e.PartitionKey, e.ClusteringKey, e.Row, true
}

// BuildOptions configures Build.
type BuildOptions struct {
	Dir               string
	ID                int
	Codec             codec.ID
	TargetBlockBytes  int
	BloomFPRate       float64
	ExpectedKeys      int
	Level             uint32
	SchemaFingerprint uint64
	NowUnixNano       int64
	MaxWALSequence    uint64
}

// Build streams src into a new SSTable identified by opts.ID, buffering
// entries into blocks until each reaches TargetBlockBytes, feeding every
// partition key to the bloom filter, then fsyncing Data, Index, Filter, and
// Meta last — Meta's presence is what later signals this id is complete.
func Build(src Source, opts BuildOptions) (Meta, error) {
	if opts.TargetBlockBytes <= 0 {
		opts.TargetBlockBytes = defaultTargetBlockBytes
	}
	if opts.BloomFPRate <= 0 {
		opts.BloomFPRate = defaultBloomFPRate
	}
	if opts.ExpectedKeys < 1 {
		opts.ExpectedKeys = 1
	}

	dataPath := FilePath(opts.Dir, opts.ID, fileKindData)
	indexPath := FilePath(opts.Dir, opts.ID, fileKindIndex)
	filterPath := FilePath(opts.Dir, opts.ID, fileKindFilter)
	metaPath := FilePath(opts.Dir, opts.ID, fileKindMeta)

	dataFile, err := os.Create(dataPath)
	if err != nil {
		return Meta{}, corerr.Wrap(corerr.KindIO, "sstable: create data file", err)
	}
	defer dataFile.Close()

	filter := bloomfilter.New(opts.ExpectedKeys, opts.BloomFPRate)

	var indexEntries []indexRecord
	var blockBuf bytes.Buffer
	var blockFirstKey []byte
	var dataOffset int64
	var entryCount uint64
	var minKey, maxKey []byte
	var lastPK row.PartitionKey
	havePK := false

	flushBlock := func() error {
		if blockBuf.Len() == 0 {
			return nil
		}
		raw := blockBuf.Bytes()
		compressed, err := codec.Compress(opts.Codec, raw)
		if err != nil {
			return err
		}

		var frame bytes.Buffer
		_ = binary.Write(&frame, binary.LittleEndian, uint32(len(raw)))
		_ = binary.Write(&frame, binary.LittleEndian, uint32(len(compressed)))
		_ = binary.Write(&frame, binary.LittleEndian, uint8(opts.Codec))
		frame.Write(compressed)

		n, err := dataFile.Write(frame.Bytes())
		if err != nil {
			return corerr.Wrap(corerr.KindIO, "sstable: write data block", err)
		}

		indexEntries = append(indexEntries, indexRecord{firstKey: blockFirstKey, offset: uint64(dataOffset)})
		dataOffset += int64(n)
		blockBuf.Reset()
		blockFirstKey = nil
		return nil
	}

	for {
		pk, ck, r, ok := src.Next()
		if !ok {
			break
		}

		e := entry{pk: pk, ck: ck, row: r}
		keyBytes := e.keyBytes()

		if blockBuf.Len() == 0 {
			blockFirstKey = keyBytes
		}
		if err := encodeEntry(&blockBuf, e); err != nil {
			return Meta{}, corerr.Wrap(corerr.KindIO, "sstable: encode entry", err)
		}

		if minKey == nil {
			minKey = keyBytes
		}
		maxKey = keyBytes
		entryCount++

		if !havePK || row.Compare(pk, lastPK) != 0 {
			filter.Insert(row.Encode(pk))
			lastPK = pk
			havePK = true
		}

		if blockBuf.Len() >= opts.TargetBlockBytes {
			if err := flushBlock(); err != nil {
				return Meta{}, err
			}
		}
	}
	if err := flushBlock(); err != nil {
		return Meta{}, err
	}

	if err := dataFile.Sync(); err != nil {
		return Meta{}, corerr.Wrap(corerr.KindIO, "sstable: fsync data", err)
	}

	if err := writeIndexFile(indexPath, indexEntries); err != nil {
		return Meta{}, err
	}
	if err := writeFilterFile(filterPath, filter); err != nil {
		return Meta{}, err
	}

	now := opts.NowUnixNano
	meta := Meta{
		MinKey:            minKey,
		MaxKey:            maxKey,
		EntryCount:        entryCount,
		DataSize:          uint64(dataOffset),
		CreatedAtUnixNano: now,
		Level:             opts.Level,
		SchemaFingerprint: opts.SchemaFingerprint,
		MaxWALSequence:    opts.MaxWALSequence,
	}
	if err := os.WriteFile(metaPath, meta.encode(), 0o644); err != nil {
		return Meta{}, corerr.Wrap(corerr.KindIO, "sstable: write meta", err)
	}
	metaFile, err := os.Open(metaPath)
	if err != nil {
		return Meta{}, corerr.Wrap(corerr.KindIO, "sstable: reopen meta for fsync", err)
	}
	syncErr := metaFile.Sync()
	metaFile.Close()
	if syncErr != nil {
		return Meta{}, corerr.Wrap(corerr.KindIO, "sstable: fsync meta", syncErr)
	}

	return meta, nil
}

type indexRecord struct {
	firstKey []byte
	offset   uint64 // set at write time, see writeIndexFile
}

func writeIndexFile(path string, entries []indexRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "sstable: create index file", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	for _, e := range entries {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(e.firstKey)))
		buf.Write(e.firstKey)
		_ = binary.Write(&buf, binary.LittleEndian, e.offset)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return corerr.Wrap(corerr.KindIO, "sstable: write index file", err)
	}
	return f.Sync()
}

func writeFilterFile(path string, filter *bloomfilter.Filter) error {
	f, err := os.Create(path)
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "sstable: create filter file", err)
	}
	defer f.Close()
	if _, err := f.Write(filter.Serialize()); err != nil {
		return corerr.Wrap(corerr.KindIO, "sstable: write filter file", err)
	}
	return f.Sync()
}

type fileKind int

const (
	fileKindData fileKind = iota
	fileKindIndex
	fileKindFilter
	fileKindMeta
)

// FilePath returns the sibling file path for an SSTable id and kind, e.g.
// "000042-Data.db".
func FilePath(dir string, id int, kind fileKind) string {
	var suffix string
	switch kind {
	case fileKindData:
		suffix = "Data.db"
	case fileKindIndex:
		suffix = "Index.db"
	case fileKindFilter:
		suffix = "Filter.db"
	case fileKindMeta:
		suffix = "Meta.db"
	}
	return filepath.Join(dir, fmt.Sprintf("%06d-%s", id, suffix))
}

// Remove deletes every sibling file for id under dir. Callers use this once
// an id has been superseded and durably replaced (e.g. a compaction output
// has committed), never before the replacement is safely in place.
func Remove(dir string, id int) error {
	for _, kind := range []fileKind{fileKindData, fileKindIndex, fileKindFilter, fileKindMeta} {
		if err := os.Remove(FilePath(dir, id, kind)); err != nil && !os.IsNotExist(err) {
			return corerr.Wrap(corerr.KindIO, "sstable: remove retired sibling file", err)
		}
	}
	return nil
}
