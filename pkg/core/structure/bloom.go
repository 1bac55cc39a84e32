package structure

import (
	"hash/fnv"
	"math"
	"sync"

	"segfs/pkg/common"
)

// BloomFilter answers "definitely not in this segment" for point reads,
// saving a record search in segments whose key span overlaps the query
// but which never stored the key.
type BloomFilter struct {
	bits  []bool
	k     uint
	nbits uint
	count uint
	lock  sync.RWMutex
}

// NewBloomFilter sizes the filter for about n keys at false positive
// rate p, using the usual optimums nbits = -n*ln(p)/ln(2)^2 and
// k = nbits/n * ln(2). Segments hold at most a few hundred thousand
// keys, so the bit array stays small next to the records it covers.
func NewBloomFilter(n uint, p float64) *BloomFilter {
	ln2 := math.Log(2.0)
	nbits := uint(math.Ceil(-float64(n) * math.Log(p) / (ln2 * ln2)))
	if nbits == 0 {
		nbits = 1
	}
	k := uint(math.Ceil(float64(nbits) / float64(n) * ln2))
	if k == 0 {
		k = 1
	}

	return &BloomFilter{
		bits:  make([]bool, nbits),
		k:     k,
		nbits: nbits,
	}
}

func (bf *BloomFilter) Add(key common.Key) {
	bf.lock.Lock()
	defer bf.lock.Unlock()

	h1, h2 := keyHashes(key)

	for i := uint(0); i < bf.k; i++ {
		pos := (h1 + uint32(i)*h2) % uint32(bf.nbits)
		bf.bits[pos] = true
	}
	bf.count++
}

func (bf *BloomFilter) Contains(key common.Key) bool {
	bf.lock.RLock()
	defer bf.lock.RUnlock()

	h1, h2 := keyHashes(key)

	for i := uint(0); i < bf.k; i++ {
		pos := (h1 + uint32(i)*h2) % uint32(bf.nbits)
		if !bf.bits[pos] {
			return false
		}
	}
	return true
}

// keyHashes derives the two probe hashes for double hashing from one
// fnv64 pass over the key. The second hash is forced odd so the probe
// step is never zero.
func keyHashes(key common.Key) (uint32, uint32) {
	h := fnv.New64a()
	h.Write(key)
	sum := h.Sum64()
	return uint32(sum), uint32(sum>>32) | 1
}

func (bf *BloomFilter) Stats() map[string]interface{} {
	bf.lock.RLock()
	defer bf.lock.RUnlock()
	return map[string]interface{}{
		"bloom_bits_size": bf.nbits,
		"bloom_hashes":    bf.k,
		"bloom_count":     bf.count,
	}
}
