package bucketing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBucketIsStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(16)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("psn_%d", i)
		b := bm.Bucket(key)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		assert.Equal(t, b, bm.Bucket(key))
	}
}

func TestDefaultShards(t *testing.T) {
	assert.Equal(t, defaultShards, NewBucketingManager(0).Shards())
}

func TestConsistentHashesDiffer(t *testing.T) {
	hashes := NewBucketingManager(4).GetConsistentHashes("admin_1", 3)
	assert.Len(t, hashes, 3)
	assert.NotEqual(t, hashes[0], hashes[1])
}

func TestFingerprintRespectsChunkBoundaries(t *testing.T) {
	a := NewFingerprinter()
	a.WriteString("ab")
	a.WriteString("c")

	b := NewFingerprinter()
	b.WriteString("a")
	b.WriteString("bc")

	c := NewFingerprinter()
	c.WriteString("ab")
	c.WriteString("c")

	assert.NotEqual(t, a.Sum(), b.Sum())
	assert.Equal(t, a.Sum(), c.Sum())
	assert.Len(t, a.Sum(), 32)
}
