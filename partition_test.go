package kfetch

import (
	"testing"

	"github.com/esdb/pbloom"
	"github.com/stretchr/testify/require"
)

func testHashingStrategy() *pbloom.HashingStrategy {
	return pbloom.NewHashingStrategy(pbloom.HasherFnv, 2454, pbloom.BatchPutLocationsPerElement)
}

func testPartition(t *testing.T, segmentBytes int32) *cachePartition {
	partition := newCachePartition(0, t.TempDir(), testHashingStrategy(), segmentBytes, 8*1024)
	t.Cleanup(partition.close)
	return partition
}

func Test_partition_append_assigns_offsets(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 64*1024)
	for i := 0; i < 3; i++ {
		offset, err := partition.append(ctx, Record{Key: []byte("k"), Value: []byte("v")})
		should.NoError(err)
		should.Equal(int64(i), offset)
	}
	should.Equal(int64(3), partition.nextOffset())
	should.Equal(int64(0), partition.firstOffset())
}

func Test_partition_append_chains_ancestors(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 64*1024)
	partition.append(ctx, Record{Key: []byte("k"), Value: []byte("v1")})
	partition.append(ctx, Record{Key: []byte("other"), Value: []byte("x")})
	partition.append(ctx, Record{Key: []byte("k"), Value: []byte("v2"), Delta: []byte("patch")})

	segment := partition.head().segment
	var entry cacheEntry
	log := segment.logFile.readable()
	should.True(decodeEntry(log, 0, &entry))
	should.Equal(int64(-1), entry.ancestor)

	position := entry.position + entrySize(log, entry.position)
	should.True(decodeEntry(log, position, &entry))
	position = entry.position + entrySize(log, entry.position)
	should.True(decodeEntry(log, position, &entry))
	should.Equal(int64(2), entry.offset)
	should.Equal(int64(0), entry.ancestor)
	should.NotEqual(int32(-1), entry.deltaPosition)
}

func Test_partition_tombstone_clears_key_chain(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 64*1024)
	partition.append(ctx, Record{Key: []byte("k"), Value: []byte("v1")})
	partition.append(ctx, Record{Key: []byte("k"), Tombstone: true})
	offset, err := partition.append(ctx, Record{Key: []byte("k"), Value: []byte("v2")})
	should.NoError(err)

	segment := partition.head().segment
	var entry cacheEntry
	log := segment.logFile.readable()
	position := int32(0)
	for i := int64(0); i < offset; i++ {
		should.True(decodeEntry(log, position, &entry))
		position = entry.position + entrySize(log, entry.position)
	}
	should.True(decodeEntry(log, position, &entry))
	should.Equal(int64(-1), entry.ancestor) // tombstone broke the chain
}

func Test_partition_rolls_and_freezes_segments(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 512)
	for i := 0; i < 20; i++ {
		_, err := partition.append(ctx, Record{Key: []byte("key"), Value: make([]byte, 64)})
		should.NoError(err)
	}
	should.True(partition.segmentCount > 1)

	first := partition.first()
	should.False(first.sentinel())
	should.True(first.segment.hashIndex.isSealed())
	should.True(first.segment.hashIndex.isSorted())
	should.False(partition.head().segment.hashIndex.isSealed())
	should.Equal(int64(20), partition.nextOffset())
}

func Test_partition_seek_node(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 512)
	for i := 0; i < 20; i++ {
		partition.append(ctx, Record{Key: []byte("key"), Value: make([]byte, 64)})
	}
	node := partition.seekNode(0)
	should.Equal(int64(0), node.segment.baseOffset)

	tail := partition.seekNode(19)
	should.True(tail.segment.baseOffset <= 19)
	should.True(tail.segment.nextOffset() > 19)
}

func Test_partition_retention_respects_cursor_references(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 512)
	for i := 0; i < 20; i++ {
		partition.append(ctx, Record{Key: []byte("key"), Value: make([]byte, 64)})
	}
	first := partition.first()
	retained := first.segment.acquire()
	should.NotNil(retained)

	partition.retainFrom(partition.head().segment.baseOffset)
	should.True(partition.firstOffset() > 0)

	// the acquired segment still reads while the reference is held
	should.True(len(retained.logFile.readable()) > 0)
	retained.release()

	// retired segments are no longer acquirable
	should.Nil(first.segment.acquire())
}

func Test_partition_bloom_rejects_unseen_keys(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 512)
	for i := 0; i < 20; i++ {
		partition.append(ctx, Record{Key: []byte("present"), Value: make([]byte, 64)})
	}
	sealed := partition.first().segment
	should.True(sealed.hashIndex.isSealed())

	strategy := partition.hashingStrategy
	present := strategy.HashStage2(strategy.HashStage1(encodeComparableKey(messageKey{value: []byte("present")})))
	missing := strategy.HashStage2(strategy.HashStage1(encodeComparableKey(messageKey{value: []byte("missing")})))
	should.False(partition.bloomReject(sealed, present))
	should.True(partition.bloomReject(sealed, missing))

	// the head segment never consults the bloom bank
	should.False(partition.bloomReject(partition.head().segment, missing))
}

func Test_segment_bootstrap_recovers_progress(t *testing.T) {
	should := require.New(t)
	directory := t.TempDir()
	partition := newCachePartition(0, directory, testHashingStrategy(), 64*1024, 8*1024)
	partition.append(ctx, Record{Key: []byte("a"), Value: []byte("v1"),
		Headers: []RecordHeader{{Name: []byte("x"), Value: []byte("1")}}})
	partition.append(ctx, Record{Key: []byte("b"), Value: []byte("v2")})
	expectedLog := partition.head().segment.logFile.published()
	partition.close()

	reopened, err := openSegment(ctx, directory, 0, 0)
	should.NoError(err)
	defer reopened.release()
	should.Equal(expectedLog, reopened.logFile.published())
	should.Equal(int32(2*indexRowSize), reopened.offsetIndex.file.published())
	should.Equal(int32(3*indexRowSize), reopened.hashIndex.file.published())
	should.Equal(int64(2), reopened.nextOffset())
}
