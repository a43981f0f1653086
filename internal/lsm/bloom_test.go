package lsm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(DefaultBloomBitSize, DefaultBloomHashCount)
	for i := 0; i < 1000; i++ {
		bf.Add(fmt.Sprintf("key-%d", i))
	}
	for i := 0; i < 1000; i++ {
		require.True(t, bf.MightContain(fmt.Sprintf("key-%d", i)), "key-%d", i)
	}
}

func TestBloomFilterRejectsMostAbsentKeys(t *testing.T) {
	bf := NewBloomFilter(DefaultBloomBitSize, DefaultBloomHashCount)
	for i := 0; i < 1000; i++ {
		bf.Add(fmt.Sprintf("key-%d", i))
	}
	falsePositives := 0
	for i := 0; i < 10000; i++ {
		if bf.MightContain(fmt.Sprintf("absent-%d", i)) {
			falsePositives++
		}
	}
	// 10 bits per key with 3 probes gives roughly 2%.
	require.Less(t, falsePositives, 1000)
}

func TestBloomFilterDegenerateSize(t *testing.T) {
	bf := NewBloomFilter(0, 0)
	bf.Add("a")
	require.True(t, bf.MightContain("a"))
}
