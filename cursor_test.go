package kfetch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// appendVersions writes two versions of one key, the second carrying a
// delta payload against the first.
func appendVersions(t *testing.T, partition *cachePartition) {
	should := require.New(t)
	offset, err := partition.append(ctx, Record{Key: []byte("pad"), Value: []byte("p0")})
	should.NoError(err)
	should.Equal(int64(0), offset)
	for offset < 4 {
		offset, _ = partition.append(ctx, Record{Key: []byte("pad"), Value: []byte("p")})
	}
	offset, err = partition.append(ctx, Record{Key: []byte("k"), Value: []byte(`{"n":1}`)})
	should.NoError(err)
	should.Equal(int64(5), offset)
	for offset < 8 {
		offset, _ = partition.append(ctx, Record{Key: []byte("pad"), Value: []byte("p")})
	}
	offset, err = partition.append(ctx, Record{Key: []byte("k"), Value: []byte(`{"n":2}`),
		Delta: []byte(`patch5to9`)})
	should.NoError(err)
	should.Equal(int64(9), offset)
}

func Test_cursor_delta_within_horizon(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 64*1024)
	appendVersions(t, partition)

	cursor := testCursorOver(t, partition,
		[]Filter{{Conditions: []FilterCondition{KeyFilter{Value: []byte("k")}}}}, DeltaJSONPatch)
	var scratch cacheEntry

	entry := cursor.next(&scratch)
	should.NotNil(entry)
	should.Equal(int64(5), entry.offset)
	should.Equal([]byte(`{"n":1}`), entry.value)
	should.Equal(int64(-1), entry.ancestor)
	cursor.advance(entry.offset + 1)

	entry = cursor.next(&scratch)
	should.NotNil(entry)
	should.Equal(int64(9), entry.offset)
	should.Equal(int64(5), entry.ancestor)
	should.Equal([]byte(`patch5to9`), entry.value)
}

func Test_cursor_delta_collapses_outside_horizon(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 64*1024)
	appendVersions(t, partition)

	cursor := testCursorOver(t, partition,
		[]Filter{{Conditions: []FilterCondition{KeyFilter{Value: []byte("k")}}}}, DeltaJSONPatch)
	cursor.offset = 8 // subscribe past the ancestor

	var scratch cacheEntry
	entry := cursor.next(&scratch)
	should.NotNil(entry)
	should.Equal(int64(9), entry.offset)
	should.Equal(int64(-1), entry.ancestor)
	should.Equal([]byte(`{"n":2}`), entry.value)
}

func Test_cursor_tombstone_removes_ancestor_from_horizon(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 64*1024)
	partition.append(ctx, Record{Key: []byte("k"), Value: []byte("v1")})
	partition.append(ctx, Record{Key: []byte("k"), Tombstone: true})
	partition.append(ctx, Record{Key: []byte("k"), Value: []byte("v2"), Delta: []byte("unused")})

	cursor := testCursorOver(t, partition, nil, DeltaJSONPatch)
	var scratch cacheEntry

	entry := cursor.next(&scratch)
	should.Equal(int64(0), entry.offset)
	cursor.advance(1)

	entry = cursor.next(&scratch)
	should.Equal(int64(1), entry.offset)
	should.True(entry.tombstone)
	should.Equal(int64(0), entry.ancestor) // delivered verbatim
	cursor.advance(2)

	// the tombstone evicted offset 0 from the horizon and the ingest path
	// broke the chain, so the rewrite is a full value
	entry = cursor.next(&scratch)
	should.Equal(int64(2), entry.offset)
	should.Equal(int64(-1), entry.ancestor)
	should.Equal([]byte("v2"), entry.value)
}

func Test_cursor_waits_for_publication(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 64*1024)
	cursor := testCursorOver(t, partition, nil, DeltaNone)

	var scratch cacheEntry
	should.Nil(cursor.next(&scratch)) // empty partition parks

	partition.append(ctx, Record{Key: []byte("k"), Value: []byte("v")})
	entry := cursor.next(&scratch)
	should.NotNil(entry)
	should.Equal(int64(0), entry.offset)
}

func Test_cursor_entry_cache_reuse(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 64*1024)
	partition.append(ctx, Record{Key: []byte("k"), Value: []byte("v")})

	first := testCursorOver(t, partition, nil, DeltaNone)
	var scratch cacheEntry
	entry := first.next(&scratch)
	should.NotNil(entry)

	// second cursor sharing the entry cache resolves the cached copy
	second := newCacheCursor(partition, first.entryCache, &noneCondition{}, DeltaNone)
	second.init(partition.seekNode(0), 0, partition.nextOffset()-1)
	defer second.close()
	var other cacheEntry
	cached := second.next(&other)
	should.NotNil(cached)
	should.Equal(entry.offset, cached.offset)
	should.Equal([]byte("v"), cached.value)
}
