package lsm

import (
	"github.com/cespare/xxhash/v2"
)

// BloomFilter is a fixed-size bit array with k probes derived by double
// hashing one 64-bit xxhash. It never reports a false negative.
type BloomFilter struct {
	bits []byte
	m    uint64
	k    int
}

func NewBloomFilter(m uint32, k int) *BloomFilter {
	if m == 0 {
		m = 1
	}
	if k <= 0 {
		k = 1
	}
	return &BloomFilter{
		bits: make([]byte, (uint64(m)+7)/8),
		m:    uint64(m),
		k:    k,
	}
}

func (bf *BloomFilter) hashes(key string) (uint64, uint64) {
	h1 := xxhash.Sum64String(key)
	// h2 must be odd so successive probes do not collapse onto h1.
	h2 := (h1>>32 | h1<<32) | 1
	return h1, h2
}

func (bf *BloomFilter) Add(key string) {
	h1, h2 := bf.hashes(key)
	for i := 0; i < bf.k; i++ {
		pos := (h1 + uint64(i)*h2) % bf.m
		bf.bits[pos/8] |= 1 << (pos % 8)
	}
}

func (bf *BloomFilter) MightContain(key string) bool {
	h1, h2 := bf.hashes(key)
	for i := 0; i < bf.k; i++ {
		pos := (h1 + uint64(i)*h2) % bf.m
		if bf.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}
