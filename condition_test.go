package kfetch

import (
	"testing"

	lru "github.com/hashicorp/golang-lru"
	"github.com/stretchr/testify/require"
)

func testCursorOver(t *testing.T, partition *cachePartition,
	filters []Filter, deltaType DeltaType) *cacheCursor {
	condition, err := asCondition(partition, filters)
	require.NoError(t, err)
	entryCache, err := lru.NewARC(128)
	require.NoError(t, err)
	cursor := newCacheCursor(partition, entryCache, condition, deltaType)
	cursor.init(partition.seekNode(0), 0, partition.nextOffset()-1)
	t.Cleanup(cursor.close)
	return cursor
}

// collect drains the cursor, advancing past each delivered entry the way
// the fetch stream does.
func collect(cursor *cacheCursor) []int64 {
	var offsets []int64
	var scratch cacheEntry
	for {
		entry := cursor.next(&scratch)
		if entry == nil {
			return offsets
		}
		offsets = append(offsets, entry.offset)
		cursor.advance(entry.offset + 1)
	}
}

func header(name string, value string) RecordHeader {
	return RecordHeader{Name: []byte(name), Value: []byte(value)}
}

func Test_condition_none_delivers_everything(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 64*1024)
	for i := 0; i < 5; i++ {
		partition.append(ctx, Record{Key: []byte("k"), Value: []byte("v")})
	}
	cursor := testCursorOver(t, partition, nil, DeltaNone)
	should.Equal([]int64{0, 1, 2, 3, 4}, collect(cursor))
}

func Test_condition_key_filters_by_exact_bytes(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 64*1024)
	partition.append(ctx, Record{Key: []byte("a"), Value: []byte("A1")})
	partition.append(ctx, Record{Key: []byte("b"), Value: []byte("B1")})
	partition.append(ctx, Record{Key: []byte("a"), Value: []byte("A2")})

	cursor := testCursorOver(t, partition,
		[]Filter{{Conditions: []FilterCondition{KeyFilter{Value: []byte("a")}}}}, DeltaNone)
	should.Equal([]int64{0, 2}, collect(cursor))
}

func Test_condition_key_and_header(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 64*1024)
	partition.append(ctx, Record{Key: []byte("a"), Value: []byte("v"), Headers: []RecordHeader{header("x", "1")}})
	partition.append(ctx, Record{Key: []byte("a"), Value: []byte("v"), Headers: []RecordHeader{header("x", "2")}})
	partition.append(ctx, Record{Key: []byte("b"), Value: []byte("v"), Headers: []RecordHeader{header("x", "1")}})

	cursor := testCursorOver(t, partition, []Filter{{Conditions: []FilterCondition{
		KeyFilter{Value: []byte("a")},
		HeaderFilter{Name: []byte("x"), Value: []byte("1")},
	}}}, DeltaNone)
	should.Equal([]int64{0}, collect(cursor))
}

func Test_condition_not_key(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 64*1024)
	partition.append(ctx, Record{Key: []byte("a"), Value: []byte("v"), Headers: []RecordHeader{header("x", "1")}})
	partition.append(ctx, Record{Key: []byte("a"), Value: []byte("v"), Headers: []RecordHeader{header("x", "2")}})
	partition.append(ctx, Record{Key: []byte("b"), Value: []byte("v"), Headers: []RecordHeader{header("x", "1")}})

	cursor := testCursorOver(t, partition, []Filter{{Conditions: []FilterCondition{
		NotFilter{Condition: KeyFilter{Value: []byte("a")}},
	}}}, DeltaNone)
	should.Equal([]int64{2}, collect(cursor))
}

func Test_condition_or_of_keys(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 64*1024)
	partition.append(ctx, Record{Key: []byte("a"), Value: []byte("v")})
	partition.append(ctx, Record{Key: []byte("b"), Value: []byte("v")})
	partition.append(ctx, Record{Key: []byte("c"), Value: []byte("v")})

	cursor := testCursorOver(t, partition, []Filter{
		{Conditions: []FilterCondition{KeyFilter{Value: []byte("a")}}},
		{Conditions: []FilterCondition{KeyFilter{Value: []byte("c")}}},
	}, DeltaNone)
	should.Equal([]int64{0, 2}, collect(cursor))
}

func Test_condition_null_key(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 64*1024)
	partition.append(ctx, Record{NullKey: true, Value: []byte("v")})
	partition.append(ctx, Record{Key: []byte("a"), Value: []byte("v")})
	partition.append(ctx, Record{Key: []byte(""), Value: []byte("v")})

	cursor := testCursorOver(t, partition,
		[]Filter{{Conditions: []FilterCondition{KeyFilter{Value: nil}}}}, DeltaNone)
	should.Equal([]int64{0}, collect(cursor))
}

func Test_condition_header_sequence(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 64*1024)
	// v1 then v2 directly
	partition.append(ctx, Record{Key: []byte("a"), Value: []byte("v"),
		Headers: []RecordHeader{header("h", "v1"), header("h", "v2")}})
	// v1, one intervening h header, then v2
	partition.append(ctx, Record{Key: []byte("b"), Value: []byte("v"),
		Headers: []RecordHeader{header("h", "v1"), header("h", "x"), header("h", "v2")}})
	// two intervening headers, one skip cannot absorb both
	partition.append(ctx, Record{Key: []byte("c"), Value: []byte("v"),
		Headers: []RecordHeader{header("h", "v1"), header("h", "x"), header("h", "y"), header("h", "v2")}})
	// trailing h header after the template completes
	partition.append(ctx, Record{Key: []byte("d"), Value: []byte("v"),
		Headers: []RecordHeader{header("h", "v1"), header("h", "v2"), header("h", "tail")}})
	// other header names in between do not participate
	partition.append(ctx, Record{Key: []byte("e"), Value: []byte("v"),
		Headers: []RecordHeader{header("h", "v1"), header("other", "z"), header("h", "v2")}})

	cursor := testCursorOver(t, partition, []Filter{{Conditions: []FilterCondition{
		HeadersFilter{Name: []byte("h"), Matches: []ValueMatch{
			{Value: []byte("v1")},
			{Skip: true},
			{Value: []byte("v2")},
		}},
	}}}, DeltaNone)
	should.Equal([]int64{0, 1, 4}, collect(cursor))
}

func Test_condition_multi_segment_walk(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 512)
	var matching []int64
	for i := 0; i < 30; i++ {
		key := "other"
		if i%3 == 0 {
			key = "wanted"
		}
		offset, err := partition.append(ctx, Record{Key: []byte(key), Value: make([]byte, 48)})
		should.NoError(err)
		if key == "wanted" {
			matching = append(matching, offset)
		}
	}
	should.True(partition.segmentCount > 1)

	cursor := testCursorOver(t, partition,
		[]Filter{{Conditions: []FilterCondition{KeyFilter{Value: []byte("wanted")}}}}, DeltaNone)
	should.Equal(matching, collect(cursor))
}

func Test_condition_validation_rejects_deep_not(t *testing.T) {
	should := require.New(t)
	partition := testPartition(t, 64*1024)

	_, err := asCondition(partition, []Filter{{Conditions: []FilterCondition{
		NotFilter{Condition: HeadersFilter{Name: []byte("h")}},
	}}})
	should.Equal(errNotOfHeaders, err)

	_, err = asCondition(partition, []Filter{{Conditions: []FilterCondition{
		NotFilter{Condition: NotFilter{Condition: HeadersFilter{Name: []byte("h")}}},
	}}})
	should.Equal(errDeepNot, err)

	// double negation over key collapses back to the key condition
	condition, err := asCondition(partition, []Filter{{Conditions: []FilterCondition{
		NotFilter{Condition: NotFilter{Condition: KeyFilter{Value: []byte("a")}}},
	}}})
	should.NoError(err)
	_, isKey := condition.(*keyCondition)
	should.True(isKey)
}
