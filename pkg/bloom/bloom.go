// Package bloom implements a bit-packed Bloom filter used as an SSTable
// sidecar to skip disk reads for keys that are definitely absent.
package bloom

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/cespare/xxhash/v2"
)

// DefaultFalsePositiveRate is the target rate new filters are sized for.
const DefaultFalsePositiveRate = 0.01

// Filter is a fixed-size Bloom filter over byte-string keys.
//
// False positives are possible; false negatives are not. Contains
// returning false means the key is definitely absent from the set the
// filter was built from.
type Filter struct {
	bits      []byte
	numBits   uint64
	numHashes uint32
}

// New sizes a filter for expectedItems entries at falsePositiveRate.
func New(expectedItems int, falsePositiveRate float64) *Filter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = DefaultFalsePositiveRate
	}

	numBits := uint64(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if numBits < 8 {
		numBits = 8
	}
	numHashes := uint32(math.Round((float64(numBits) / float64(expectedItems)) * math.Ln2))
	if numHashes < 1 {
		numHashes = 1
	}
	if numHashes > 30 {
		numHashes = 30
	}

	return &Filter{
		bits:      make([]byte, (numBits+7)/8),
		numBits:   numBits,
		numHashes: numHashes,
	}
}

// Add records key's presence in the filter.
func (f *Filter) Add(key []byte) {
	h1, h2 := f.seeds(key)
	for i := uint32(0); i < f.numHashes; i++ {
		bit := f.bitIndex(h1, h2, i)
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// Contains reports whether key may be present. A false result is
// authoritative; a true result may be a false positive.
func (f *Filter) Contains(key []byte) bool {
	h1, h2 := f.seeds(key)
	for i := uint32(0); i < f.numHashes; i++ {
		bit := f.bitIndex(h1, h2, i)
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// seeds derives two independent 64-bit hashes of key via xxhash, the
// second salted with a fixed suffix so the pair is usable with double
// hashing per Kirsch-Mitzenmacher.
func (f *Filter) seeds(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)

	d := xxhash.New()
	d.Write(key)
	d.Write(bloomSalt)
	h2 := d.Sum64()
	if h2%2 == 0 {
		h2++
	}
	return h1, h2
}

var bloomSalt = []byte{0x5b, 0xd1, 0xe9, 0x95}

func (f *Filter) bitIndex(h1, h2 uint64, i uint32) uint64 {
	combined := h1 + uint64(i)*h2
	return combined % f.numBits
}

// NumBits returns the filter's size in bits.
func (f *Filter) NumBits() uint64 { return f.numBits }

// NumHashes returns the number of hash functions used per key.
func (f *Filter) NumHashes() uint32 { return f.numHashes }

// ErrTruncated is returned by UnmarshalBinary when data is shorter than
// the header declares.
var ErrTruncated = errors.New("bloom: truncated filter data")

// MarshalBinary serializes the filter as a fixed 16-byte header
// (numBits, numHashes) followed by the bit-packed filter contents.
func (f *Filter) MarshalBinary() ([]byte, error) {
	out := make([]byte, 16+len(f.bits))
	binary.LittleEndian.PutUint64(out[0:8], f.numBits)
	binary.LittleEndian.PutUint32(out[8:12], f.numHashes)
	// bytes 12:16 reserved for future format revisions.
	copy(out[16:], f.bits)
	return out, nil
}

// UnmarshalBinary reconstructs a filter serialized by MarshalBinary.
func (f *Filter) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return ErrTruncated
	}
	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHashes := binary.LittleEndian.Uint32(data[8:12])
	body := data[16:]
	if uint64(len(body)) < (numBits+7)/8 {
		return ErrTruncated
	}

	f.numBits = numBits
	f.numHashes = numHashes
	f.bits = append([]byte(nil), body[:(numBits+7)/8]...)
	return nil
}
