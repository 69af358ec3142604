package kfetch

import (
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/v2pro/plz/countlog"
)

// cacheCursor is a stateful reader over one partition, advancing through
// the segment chain under a filter condition and a delta mode. The cursor
// holds at most one segment reference; it releases the reference before
// moving on, so retention can reclaim files behind it.
type cacheCursor struct {
	partition       *cachePartition
	entryCache      *lru.ARCCache
	condition       filterCondition
	deltaType       DeltaType
	deltaKeyOffsets map[int64]bool
	segmentNode     *partitionNode
	segment         *cacheSegment
	offset          int64
	latestOffset    int64
	cursor          int64
}

type entryCacheKey struct {
	segment  *cacheSegment
	position int32
}

func newCacheCursor(partition *cachePartition, entryCache *lru.ARCCache,
	condition filterCondition, deltaType DeltaType) *cacheCursor {
	return &cacheCursor{
		partition:       partition,
		entryCache:      entryCache,
		condition:       condition,
		deltaType:       deltaType,
		deltaKeyOffsets: map[int64]bool{},
	}
}

// init seats the cursor at offset. Partitions with no retained segment yet
// leave the cursor unseated; next will seat it once data arrives.
func (cursor *cacheCursor) init(segmentNode *partitionNode, offset int64, latestOffset int64) {
	cursor.offset = offset
	cursor.latestOffset = latestOffset
	if !cursor.seat(segmentNode) {
		return
	}
	c := cursor.condition.reset(cursor.segment, cursor.offset, cursor.latestOffset, positionUnset)
	if cursorRetryValue(c) || c == nextSegment {
		c = 0
	}
	cursor.cursor = c
}

// seat acquires the first acquirable segment at or after segmentNode.
func (cursor *cacheCursor) seat(segmentNode *partitionNode) bool {
	for !segmentNode.sentinel() {
		if acquired := segmentNode.segment.acquire(); acquired != nil {
			cursor.segmentNode = segmentNode
			cursor.segment = acquired
			return true
		}
		segmentNode = segmentNode.next
	}
	cursor.segmentNode = nil
	cursor.segment = nil
	return false
}

// next produces the next deliverable entry into scratch, or nil when the
// cursor has to wait: for the writer to publish more bytes, for a segment
// to appear, or for the caller to advance past a retained position.
func (cursor *cacheCursor) next(scratch *cacheEntry) *cacheEntry {
	if cursor.segment == nil {
		node := cursor.partition.seekNode(cursor.offset)
		if node == nil || node.sentinel() {
			return nil
		}
		cursor.init(node, cursor.offset, cursor.latestOffset)
		if cursor.segment == nil {
			return nil
		}
	}
	for {
		cursorNext := cursor.condition.next(cursor.cursor)
		if cursorRetryValue(cursorNext) {
			cursor.cursor = cursorNext
			return nil
		}
		if cursorNext == nextSegment {
			segmentNext := cursor.segmentNode.next
			if segmentNext.sentinel() {
				return nil
			}
			cursor.segment.release()
			if !cursor.seat(segmentNext) {
				return nil
			}
			c := cursor.condition.reset(cursor.segment, cursor.offset, cursor.latestOffset, positionUnset)
			if cursorRetryValue(c) || c == nextSegment {
				c = 0
			}
			cursor.cursor = c
			continue
		}
		position := cursorValue(cursorNext)
		entry := cursor.readEntry(position, scratch)
		if entry == nil {
			return nil
		}
		if entry.offset < cursor.offset || !cursor.condition.test(entry) {
			if entry.offset > cursor.offset {
				cursor.offset = entry.offset
			}
			cursor.cursor = nextIndex(nextValue(cursorNext))
			continue
		}
		if cursor.deltaType != DeltaNone {
			cursor.markAncestor(entry)
		}
		cursor.cursor = cursorNext
		return entry
	}
}

// markAncestor maintains the delta horizon: the set of offsets whose value
// is the latest this traversal has delivered for their key. An entry whose
// ancestor sits inside the horizon is rewritten to carry its delta payload;
// an entry whose ancestor fell outside has the ancestor cleared so the
// client does not chase a version it never saw.
func (cursor *cacheCursor) markAncestor(entry *cacheEntry) {
	if entry.tombstone {
		delete(cursor.deltaKeyOffsets, entry.ancestor)
		return
	}
	if entry.ancestor != -1 {
		if entry.deltaPosition != -1 && cursor.deltaKeyOffsets[entry.ancestor] {
			delete(cursor.deltaKeyOffsets, entry.ancestor)
			entry.value = cursor.readDelta(entry.deltaPosition)
		} else {
			entry.ancestor = -1
		}
	}
	cursor.deltaKeyOffsets[entry.offset] = true
}

func (cursor *cacheCursor) readEntry(position int32, scratch *cacheEntry) *cacheEntry {
	key := entryCacheKey{segment: cursor.segment, position: position}
	if cached, found := cursor.entryCache.Get(key); found {
		return copyEntry(scratch, cached.(*cacheEntry))
	}
	log := cursor.segment.logFile.readable()
	if int(position) >= len(log) {
		return nil
	}
	if !decodeEntry(log, position, scratch) {
		return nil
	}
	cursor.entryCache.Add(key, deepCopyEntry(scratch))
	return scratch
}

func (cursor *cacheCursor) readDelta(position int32) []byte {
	delta := cursor.segment.deltaFile.readable()
	if int(position)+4 > len(delta) {
		countlog.Error("event!cursor.delta position out of range",
			"position", position, "published", len(delta))
		return nil
	}
	size := int32(binary.LittleEndian.Uint32(delta[position:]))
	return delta[position+4 : position+4+size]
}

// advance fast-forwards the cursor after the caller consumed an entry or
// learned of external progress. Monotonic.
func (cursor *cacheCursor) advance(offset int64) {
	if offset <= cursor.offset {
		countlog.Fatal("event!cursor.advance not monotonic",
			"offset", offset, "cursorOffset", cursor.offset)
		return
	}
	cursor.offset = offset
	cursor.cursor = nextIndex(nextValue(cursor.cursor))
}

func (cursor *cacheCursor) close() {
	if cursor.segment != nil {
		cursor.segment.release()
		cursor.segment = nil
		cursor.segmentNode = nil
	}
}

func (cursor *cacheCursor) String() string {
	return fmt.Sprintf("cursor[offset %d, cursor %016x, condition %v]",
		cursor.offset, cursor.cursor, cursor.condition)
}

func deepCopyEntry(entry *cacheEntry) *cacheEntry {
	clone := &cacheEntry{
		offset:        entry.offset,
		timestamp:     entry.timestamp,
		ancestor:      entry.ancestor,
		deltaPosition: entry.deltaPosition,
		position:      entry.position,
		tombstone:     entry.tombstone,
	}
	if !entry.key.isNull() {
		keyCopy := make([]byte, len(entry.key.value))
		copy(keyCopy, entry.key.value)
		clone.key = messageKey{value: keyCopy}
	}
	if !entry.tombstone {
		clone.value = append([]byte(nil), entry.value...)
	}
	for _, header := range entry.headers {
		clone.headers = append(clone.headers, messageHeader{
			name:  append([]byte(nil), header.name...),
			value: append([]byte(nil), header.value...),
		})
	}
	return clone
}
