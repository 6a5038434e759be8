// Package bloom implements the salted probabilistic set backing the crawl
// frontier's seen filter.
//
// Membership never yields false negatives; false positives are bounded by the
// error rate the filter was sized for. Every key is mixed with a per-job salt
// before hashing so that persisted filter state from one job cannot leak
// matches into another.
package bloom

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/wantnot/catalog-crawler/internal/bitmap"
)

// Filter is a Bloom filter over a Bitmap.
type Filter struct {
	bits   *bitmap.Bitmap
	rounds int
	salt   int64
}

// ForCapacity computes the bitmap size in bytes and the number of hash rounds
// for the given expected item count and target false-positive rate, using the
// standard closed-form sizing.
func ForCapacity(n int, p float64) (sizeBytes, rounds int) {
	if n <= 0 {
		panic("bloom: capacity must be positive")
	}
	if p <= 0 || p >= 1 {
		panic("bloom: error rate must be in (0, 1)")
	}
	mBits := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	sizeBytes = int(math.Ceil(mBits / 8))
	rounds = int(math.Round(mBits / float64(n) * math.Ln2))
	if rounds < 1 {
		rounds = 1
	}
	return sizeBytes, rounds
}

// New builds an empty filter sized for capacity n at error rate p.
func New(n int, p float64, salt int64) *Filter {
	size, rounds := ForCapacity(n, p)
	return &Filter{
		bits:   bitmap.New(size),
		rounds: rounds,
		salt:   salt,
	}
}

// FromExisting reconstructs a filter from persisted bitmap bytes. The round
// count must be the one the filter was built with; it is persisted alongside
// the bytes rather than re-derived, so resizing defaults between deploys
// cannot silently corrupt an existing filter.
func FromExisting(b []byte, rounds int, salt int64) *Filter {
	if rounds < 1 {
		panic("bloom: rounds must be at least 1")
	}
	return &Filter{
		bits:   bitmap.Load(b),
		rounds: rounds,
		salt:   salt,
	}
}

// Add inserts key into the set.
func (f *Filter) Add(key []byte) {
	h1, h2 := f.hashPair(key)
	m := uint64(f.bits.Len())
	for i := 0; i < f.rounds; i++ {
		f.bits.Set(int((h1+uint64(i)*h2)%m), true)
	}
}

// Contains reports whether key may have been added. A false result is
// definitive; a true result is probabilistic.
func (f *Filter) Contains(key []byte) bool {
	h1, h2 := f.hashPair(key)
	m := uint64(f.bits.Len())
	for i := 0; i < f.rounds; i++ {
		if !f.bits.Get(int((h1 + uint64(i)*h2) % m)) {
			return false
		}
	}
	return true
}

// Rounds returns the hash round count, persisted with the bitmap bytes.
func (f *Filter) Rounds() int {
	return f.rounds
}

// Bytes returns the serialized bitmap state.
func (f *Filter) Bytes() []byte {
	return f.bits.Bytes()
}

// hashPair derives two independent 64-bit hashes of the salted key for
// double hashing (Kirsch-Mitzenmacher).
func (f *Filter) hashPair(key []byte) (uint64, uint64) {
	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], uint64(f.salt))

	h := fnv.New64a()
	h.Write(salt[:])
	h.Write(key)
	h1 := h.Sum64()

	h.Reset()
	h.Write(key)
	h.Write(salt[:])
	h2 := h.Sum64() | 1

	return h1, h2
}
