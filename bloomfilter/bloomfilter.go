// Package bloomfilter implements CoreDB's per-SSTable probabilistic set: a
// bit array sized from (expected_n, fp_rate), populated by k hash functions
// derived by double-hashing from two independent 64-bit base hashes, with a
// compact fixed-header serialization.
package bloomfilter

import (
	"crypto/rand"
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/kolibridb/coredb/corerr"
)

// Filter is a serializable Bloom filter.
type Filter struct {
	bits   []byte // ceil(bitLen/8) bytes
	bitLen uint32
	k      uint32
	seedA  uint64
	seedB  uint64
}

// New sizes a filter for expectedN keys at the given false-positive rate
// using the standard formulas:
//
//	bitLen = ceil(-n * ln(p) / ln(2)^2)
//	k      = round(bitLen / n * ln(2))
func New(expectedN int, fpRate float64) *Filter {
	if expectedN < 1 {
		expectedN = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	n := float64(expectedN)
	bitLen := uint32(math.Ceil(-n * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	if bitLen < 8 {
		bitLen = 8
	}

	k := uint32(math.Round(float64(bitLen) / n * math.Ln2))
	if k < 1 {
		k = 1
	}

	return &Filter{
		bits:   make([]byte, (bitLen+7)/8),
		bitLen: bitLen,
		k:      k,
		seedA:  randomSeed(),
		seedB:  randomSeed(),
	}
}

func randomSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// fixed, non-secret seed rather than panicking a storage write path.
		return 0x9e3779b97f4a7c15
	}
	return binary.LittleEndian.Uint64(b[:])
}

// baseHashes computes the two independent 64-bit hashes that seed this
// filter's double-hashing scheme, by mixing the filter's stored seeds into
// the key before hashing with xxhash.
func (f *Filter) baseHashes(key []byte) (uint64, uint64) {
	var seedBuf [8]byte

	d1 := xxhash.New()
	binary.LittleEndian.PutUint64(seedBuf[:], f.seedA)
	_, _ = d1.Write(key)
	_, _ = d1.Write(seedBuf[:])
	h1 := d1.Sum64()

	d2 := xxhash.New()
	binary.LittleEndian.PutUint64(seedBuf[:], f.seedB)
	_, _ = d2.Write(key)
	_, _ = d2.Write(seedBuf[:])
	h2 := d2.Sum64()

	return h1, h2
}

func (f *Filter) bitIndex(h1, h2 uint64, i uint32) uint32 {
	combined := h1 + uint64(i)*h2
	return uint32(combined % uint64(f.bitLen))
}

func (f *Filter) setBit(idx uint32) {
	f.bits[idx/8] |= 1 << (idx % 8)
}

func (f *Filter) testBit(idx uint32) bool {
	return f.bits[idx/8]&(1<<(idx%8)) != 0
}

// Insert adds a key to the filter.
func (f *Filter) Insert(key []byte) {
	h1, h2 := f.baseHashes(key)
	for i := uint32(0); i < f.k; i++ {
		f.setBit(f.bitIndex(h1, h2, i))
	}
}

// MightContain reports whether key may be in the filter. A false result is
// certain; a true result may be a false positive. An empty filter (no key
// ever inserted, so every bit is clear) always returns false.
func (f *Filter) MightContain(key []byte) bool {
	h1, h2 := f.baseHashes(key)
	for i := uint32(0); i < f.k; i++ {
		if !f.testBit(f.bitIndex(h1, h2, i)) {
			return false
		}
	}
	return true
}

// Serialize writes the compact byte layout:
//
//	[u32 bit_len] [u32 k] [u64 hash_seed_a] [u64 hash_seed_b] [ceil(bit_len/8) bytes]
func (f *Filter) Serialize() []byte {
	out := make([]byte, 4+4+8+8+len(f.bits))
	binary.LittleEndian.PutUint32(out[0:4], f.bitLen)
	binary.LittleEndian.PutUint32(out[4:8], f.k)
	binary.LittleEndian.PutUint64(out[8:16], f.seedA)
	binary.LittleEndian.PutUint64(out[16:24], f.seedB)
	copy(out[24:], f.bits)
	return out
}

// Deserialize parses a filter previously produced by Serialize. Length
// mismatches between the header and the payload are reported as corruption.
func Deserialize(data []byte) (*Filter, error) {
	const headerLen = 4 + 4 + 8 + 8
	if len(data) < headerLen {
		return nil, corerr.New(corerr.KindCorruption, "bloomfilter: header truncated")
	}

	bitLen := binary.LittleEndian.Uint32(data[0:4])
	k := binary.LittleEndian.Uint32(data[4:8])
	seedA := binary.LittleEndian.Uint64(data[8:16])
	seedB := binary.LittleEndian.Uint64(data[16:24])

	wantBytes := int((bitLen + 7) / 8)
	if len(data)-headerLen != wantBytes {
		return nil, corerr.New(corerr.KindCorruption, "bloomfilter: bit array length disagrees with payload size")
	}
	if bitLen == 0 || k == 0 {
		return nil, corerr.New(corerr.KindCorruption, "bloomfilter: zero bit_len or k")
	}

	bits := make([]byte, wantBytes)
	copy(bits, data[headerLen:])

	return &Filter{
		bits:   bits,
		bitLen: bitLen,
		k:      k,
		seedA:  seedA,
		seedB:  seedB,
	}, nil
}
