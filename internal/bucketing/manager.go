package bucketing

import (
	"encoding/hex"
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

const defaultShards = 32

// BucketingManager assigns keys to a fixed number of shards and fingerprints
// content for cache keys.
type BucketingManager struct {
	shards     int
	hasherPool sync.Pool
}

func NewBucketingManager(shards int) *BucketingManager {
	if shards <= 0 {
		shards = defaultShards
	}
	bm := &BucketingManager{shards: shards}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// Shards returns the number of buckets keys are spread over.
func (bm *BucketingManager) Shards() int {
	return bm.shards
}

// Bucket returns a consistent shard (0 to Shards()-1) for key.
func (bm *BucketingManager) Bucket(key string) int {
	return int(bm.getHash(key) % uint64(bm.shards))
}

// GetConsistentHashes returns count independent hashes of key.
func (bm *BucketingManager) GetConsistentHashes(key string, count int) []uint64 {
	hashes := make([]uint64, count)
	for i := 0; i < count; i++ {
		hasher := murmur3.New64WithSeed(uint32(i))
		hasher.Write([]byte(key))
		hashes[i] = hasher.Sum64()
	}
	return hashes
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

// Fingerprinter builds a 128-bit murmur3 digest over a sequence of chunks.
type Fingerprinter struct {
	h murmur3.Hash128
}

func NewFingerprinter() *Fingerprinter {
	return &Fingerprinter{h: murmur3.New128()}
}

// Write adds a chunk. Chunks are length-prefixed so boundaries matter.
func (f *Fingerprinter) Write(chunk []byte) {
	var n [8]byte
	l := uint64(len(chunk))
	for i := range n {
		n[i] = byte(l >> (8 * i))
	}
	f.h.Write(n[:])
	f.h.Write(chunk)
}

func (f *Fingerprinter) WriteString(s string) {
	f.Write([]byte(s))
}

// Sum returns the hex encoded digest.
func (f *Fingerprinter) Sum() string {
	hi, lo := f.h.Sum128()
	var b [16]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(hi >> (56 - 8*i))
		b[8+i] = byte(lo >> (56 - 8*i))
	}
	return hex.EncodeToString(b[:])
}
