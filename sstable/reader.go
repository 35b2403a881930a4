package sstable

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/kolibridb/coredb/bloomfilter"
	"github.com/kolibridb/coredb/codec"
	"github.com/kolibridb/coredb/corerr"
	"github.com/kolibridb/coredb/row"
	"github.com/kolibridb/coredb/value"
)

// Table is a read handle over one on-disk SSTable: its Meta header, sparse
// index, and bloom filter are loaded eagerly; data blocks are decompressed
// on demand.
type Table struct {
	dir    string
	id     int
	meta   Meta
	index  []indexRecord
	filter *bloomfilter.Filter
}

// Open loads the sidecar files for id. Meta is read first: if it's missing,
// the flush or compaction that produced id never completed, and the caller
// should discard every sibling file for id rather than open it.
func Open(dir string, id int) (*Table, error) {
	metaPath := FilePath(dir, id, fileKindMeta)
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, corerr.New(corerr.KindNotFound, "sstable: meta file absent, incomplete table")
		}
		return nil, corerr.Wrap(corerr.KindIO, "sstable: read meta", err)
	}
	meta, err := decodeMeta(metaBytes)
	if err != nil {
		return nil, err
	}

	indexBytes, err := os.ReadFile(FilePath(dir, id, fileKindIndex))
	if err != nil {
		return nil, corerr.Wrap(corerr.KindIO, "sstable: read index", err)
	}
	index, err := decodeIndexFile(indexBytes)
	if err != nil {
		return nil, err
	}

	filterBytes, err := os.ReadFile(FilePath(dir, id, fileKindFilter))
	if err != nil {
		return nil, corerr.Wrap(corerr.KindIO, "sstable: read filter", err)
	}
	filter, err := bloomfilter.Deserialize(filterBytes)
	if err != nil {
		return nil, err
	}

	return &Table{dir: dir, id: id, meta: meta, index: index, filter: filter}, nil
}

func decodeIndexFile(data []byte) ([]indexRecord, error) {
	r := bytes.NewReader(data)
	var out []indexRecord
	for r.Len() > 0 {
		var keyLen uint32
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return nil, wrapTruncation(err)
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, wrapTruncation(err)
		}
		var offset uint64
		if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
			return nil, wrapTruncation(err)
		}
		out = append(out, indexRecord{firstKey: key, offset: offset})
	}
	return out, nil
}

// ID returns this table's numeric id.
func (t *Table) ID() int { return t.id }

// Meta returns the table's header.
func (t *Table) Meta() Meta { return t.meta }

// MightContain consults the bloom filter for a partition key; false is a
// certain negative.
func (t *Table) MightContain(pk row.PartitionKey) bool {
	return t.filter.MightContain(row.Encode(pk))
}

// Get looks up (pk, ck) via the sparse index and a linear scan of the
// candidate block, returning (row, true) or (zero, false) if absent.
func (t *Table) Get(pk row.PartitionKey, ck row.ClusteringKey) (row.Row, bool, error) {
	if !t.MightContain(pk) {
		return row.Row{}, false, nil
	}

	target := entry{pk: pk, ck: ck}.keyBytes()
	blockOffset, ok := t.locateBlock(target)
	if !ok {
		return row.Row{}, false, nil
	}

	entries, err := t.readBlockAt(blockOffset)
	if err != nil {
		return row.Row{}, false, err
	}
	for _, e := range entries {
		if bytes.Equal(e.keyBytes(), target) {
			return e.row, true, nil
		}
	}
	return row.Row{}, false, nil
}

// locateBlock finds the largest block whose first key is <= target, via
// binary search over the sparse index.
func (t *Table) locateBlock(target []byte) (uint64, bool) {
	if len(t.index) == 0 {
		return 0, false
	}
	// Encoded keys are not order-preserving, so compare decoded tuples.
	decode := func(b []byte) ([]value.Value, []value.Value) {
		r := bytes.NewReader(b)
		pk, _ := decodeKeyTuple(r)
		ck, _ := decodeKeyTuple(r)
		return pk, ck
	}
	targetPK, targetCK := decode(target)
	i := sort.Search(len(t.index), func(i int) bool {
		pk, ck := decode(t.index[i].firstKey)
		if c := row.Compare(pk, targetPK); c != 0 {
			return c > 0
		}
		return row.Compare(ck, targetCK) > 0
	})
	if i == 0 {
		return 0, false
	}
	return t.index[i-1].offset, true
}

func (t *Table) readBlockAt(offset uint64) ([]entry, error) {
	f, err := os.Open(FilePath(t.dir, t.id, fileKindData))
	if err != nil {
		return nil, corerr.Wrap(corerr.KindIO, "sstable: open data file", err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, corerr.Wrap(corerr.KindIO, "sstable: seek data file", err)
	}

	var rawLen, compLen uint32
	if err := binary.Read(f, binary.LittleEndian, &rawLen); err != nil {
		return nil, wrapTruncation(err)
	}
	if err := binary.Read(f, binary.LittleEndian, &compLen); err != nil {
		return nil, wrapTruncation(err)
	}
	var codecByte uint8
	if err := binary.Read(f, binary.LittleEndian, &codecByte); err != nil {
		return nil, wrapTruncation(err)
	}

	compressed := make([]byte, compLen)
	if _, err := io.ReadFull(f, compressed); err != nil {
		return nil, wrapTruncation(err)
	}

	raw, err := codec.Decompress(codec.ID(codecByte), compressed, int(rawLen))
	if err != nil {
		return nil, err
	}

	var out []entry
	br := bytes.NewReader(raw)
	for br.Len() > 0 {
		e, err := decodeEntry(br)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Scan returns every row whose partition key is in [fromPK, toPK], decoded
// block by block over the overlapping range of the sparse index. A nil
// fromPK/toPK means unbounded on that side.
func (t *Table) Scan(fromPK, toPK row.PartitionKey) ([]row.Row, error) {
	// Encoded keys are not order-preserving, so compare decoded partition keys.
	firstPK := func(i int) []value.Value {
		pk, _ := decodeKeyTuple(bytes.NewReader(t.index[i].firstKey))
		return pk
	}

	startIdx := 0
	if fromPK != nil {
		startIdx = sort.Search(len(t.index), func(i int) bool {
			return row.Compare(firstPK(i), fromPK) >= 0
		})
		if startIdx > 0 {
			startIdx--
		}
	}

	var out []row.Row
	for i := startIdx; i < len(t.index); i++ {
		if toPK != nil && row.Compare(firstPK(i), toPK) > 0 {
			break
		}
		entries, err := t.readBlockAt(t.index[i].offset)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if fromPK != nil && row.Compare(e.pk, fromPK) < 0 {
				continue
			}
			if toPK != nil && row.Compare(e.pk, toPK) > 0 {
				continue
			}
			out = append(out, e.row)
		}
	}
	return out, nil
}

var idPattern = regexp.MustCompile(`^(\d{6})-Meta\.db$`)

// Discover lists every id under dir whose Meta file is present — signaling
// a completed flush or compaction. Ids with only partial sibling files
// (Data/Index/Filter but no Meta, from a crash mid-build) are omitted; the
// caller should remove their stray files.
func Discover(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, corerr.Wrap(corerr.KindIO, "sstable: list dir", err)
	}

	var ids []int
	for _, e := range entries {
		m := idPattern.FindStringSubmatch(e.Name())
		if len(m) != 2 {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// DiscardIncomplete removes every sibling file for ids under dir that have
// no Meta file — a crash mid-build can leave Data/Index/Filter behind
// without ever finishing Meta, and Meta's absence is what marks those
// files as never having been a complete table.
func DiscardIncomplete(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return corerr.Wrap(corerr.KindIO, "sstable: list dir", err)
	}

	complete, err := Discover(dir)
	if err != nil {
		return err
	}
	completeSet := make(map[int]bool, len(complete))
	for _, id := range complete {
		completeSet[id] = true
	}

	suffixPattern := regexp.MustCompile(`^(\d{6})-(Data|Index|Filter|Meta)\.db$`)
	for _, e := range entries {
		m := suffixPattern.FindStringSubmatch(e.Name())
		if len(m) != 3 {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if completeSet[id] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return corerr.Wrap(corerr.KindIO, "sstable: remove incomplete sibling file", err)
		}
	}
	return nil
}
