package kfetch

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/esdb/biter"
	"github.com/esdb/pbloom"
	"github.com/google/btree"
	"github.com/v2pro/plz/countlog"
)

var errRecordTooLarge = errors.New("record does not fit in an empty segment")

// Record is what the ingestion path appends to a partition. A nil Key with
// NullKey unset is an empty key; Tombstone delivers a null value. Delta, if
// present, is the encoded patch against the prior version of the same key.
type Record struct {
	Timestamp int64
	Key       []byte
	NullKey   bool
	Value     []byte
	Tombstone bool
	Headers   []RecordHeader
	Delta     []byte
}

type RecordHeader struct {
	Name  []byte
	Value []byte
}

// partitionNode is one link of the partition's segment chain. The chain
// terminates in a sentinel node so cursors can hold a stable "past the
// tail" position while new segments are appended before it.
type partitionNode struct {
	segment  *cacheSegment
	previous *partitionNode
	next     *partitionNode
}

func (node *partitionNode) sentinel() bool {
	return node.segment == nil
}

type nodeItem struct {
	baseOffset int64
	node       *partitionNode
}

func (item nodeItem) Less(than btree.Item) bool {
	return item.baseOffset < than.(nodeItem).baseOffset
}

// cachePartition owns the segment chain of one topic partition. Lookups go
// through a btree keyed by baseOffset; the doubly-linked chain is what
// cursors walk, because it keeps the successor stable even while the
// retention path unlinks nodes in front of a slow reader.
//
// The bloom bank gives every sealed segment one slot; Equals conditions
// probe it to skip segments that never saw a key or header hash.
type cachePartition struct {
	mutex           sync.Mutex
	id              int32
	directory       string
	anchor          *partitionNode // sentinel terminator
	tree            *btree.BTree
	bloom           pbloom.ParallelBloomFilter
	hashingStrategy *pbloom.HashingStrategy
	segmentBytes    int32
	indexBytes      int32
	segmentCount    int
	lastOffsetByKey map[string]int64
}

func newCachePartition(id int32, directory string,
	hashingStrategy *pbloom.HashingStrategy, segmentBytes int32, indexBytes int32) *cachePartition {
	anchor := &partitionNode{}
	anchor.previous = anchor
	anchor.next = anchor
	return &cachePartition{
		id:              id,
		directory:       directory,
		anchor:          anchor,
		tree:            btree.New(4),
		bloom:           hashingStrategy.New(),
		hashingStrategy: hashingStrategy,
		segmentBytes:    segmentBytes,
		indexBytes:      indexBytes,
		lastOffsetByKey: map[string]int64{},
	}
}

func (partition *cachePartition) head() *partitionNode {
	return partition.anchor.previous
}

func (partition *cachePartition) first() *partitionNode {
	return partition.anchor.next
}

// seekNode returns the node covering offset, the nearest forward node if
// the offset precedes every retained segment, or the sentinel when the
// partition is empty.
func (partition *cachePartition) seekNode(offset int64) *partitionNode {
	partition.mutex.Lock()
	defer partition.mutex.Unlock()
	var found *partitionNode
	partition.tree.DescendLessOrEqual(nodeItem{baseOffset: offset}, func(item btree.Item) bool {
		found = item.(nodeItem).node
		return false
	})
	if found != nil {
		return found
	}
	return partition.first()
}

// firstOffset is the earliest retained offset, for EARLIEST subscriptions.
func (partition *cachePartition) firstOffset() int64 {
	first := partition.first()
	if first.sentinel() {
		return 0
	}
	return first.segment.baseOffset
}

// nextOffset is the offset the next appended record will take.
func (partition *cachePartition) nextOffset() int64 {
	head := partition.head()
	if head.sentinel() {
		return 0
	}
	return head.segment.nextOffset()
}

func (partition *cachePartition) append(ctx countlog.Context, record Record) (int64, error) {
	head := partition.head()
	if head.sentinel() {
		var err error
		head, err = partition.roll(ctx, 0)
		if err != nil {
			return 0, err
		}
	}
	offset, ok, err := partition.appendTo(ctx, head.segment, record)
	if err != nil {
		return 0, err
	}
	if !ok {
		head, err = partition.roll(ctx, head.segment.nextOffset())
		if err != nil {
			return 0, err
		}
		offset, ok, err = partition.appendTo(ctx, head.segment, record)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errRecordTooLarge
		}
	}
	return offset, nil
}

func (partition *cachePartition) appendTo(ctx countlog.Context, segment *cacheSegment,
	record Record) (int64, bool, error) {
	offset := segment.nextOffset()
	key := messageKey{}
	if !record.NullKey {
		value := record.Key
		if value == nil {
			value = []byte{}
		}
		key = messageKey{value: value}
	}
	comparableKey := encodeComparableKey(key)
	ancestor := int64(-1)
	if prior, ok := partition.lastOffsetByKey[string(comparableKey)]; ok {
		ancestor = prior
	}
	deltaPosition := int32(-1)
	if record.Delta != nil && ancestor != -1 {
		var ok bool
		deltaPosition, ok = partition.appendDelta(segment, record.Delta)
		if !ok {
			return 0, false, nil
		}
	}
	entry := cacheEntry{
		offset:        offset,
		timestamp:     record.Timestamp,
		ancestor:      ancestor,
		deltaPosition: deltaPosition,
		key:           key,
		value:         record.Value,
		tombstone:     record.Tombstone,
	}
	for _, header := range record.Headers {
		entry.headers = append(entry.headers, messageHeader{name: header.Name, value: header.Value})
	}
	buf := encodeEntry(&entry)
	position, ok := segment.logFile.appendAt(buf)
	if !ok {
		return 0, false, nil
	}
	rows := int32(1+len(entry.headers)) * indexRowSize
	if segment.offsetIndex.file.published()+indexRowSize > segment.offsetIndex.file.capacity() ||
		segment.hashIndex.file.published()+rows > segment.hashIndex.file.capacity() {
		return 0, false, nil
	}
	// index rows first, the log publish last: a row pointing at an entry
	// that is not yet readable just parks the cursor until the publish
	segment.offsetIndex.appendRow(uint32(offset-segment.baseOffset), position)
	segment.hashIndex.appendRow(checksumComparable(comparableKey), position)
	partition.bloomPut(comparableKey, segment.bloomSlot)
	for _, header := range entry.headers {
		comparable := encodeComparableHeader(header.name, header.value)
		segment.hashIndex.appendRow(checksumComparable(comparable), position)
		partition.bloomPut(comparable, segment.bloomSlot)
	}
	segment.logFile.publish(position + int32(len(buf)))
	if record.Tombstone {
		delete(partition.lastOffsetByKey, string(comparableKey))
	} else {
		partition.lastOffsetByKey[string(comparableKey)] = offset
	}
	countlog.Trace("event!partition.appended",
		"partition", partition.id, "offset", offset, "position", position)
	return offset, true, nil
}

func (partition *cachePartition) appendDelta(segment *cacheSegment, delta []byte) (int32, bool) {
	buf := make([]byte, 4+len(delta))
	binary.LittleEndian.PutUint32(buf, uint32(len(delta)))
	copy(buf[4:], delta)
	position, ok := segment.deltaFile.appendAt(buf)
	if !ok {
		return -1, false
	}
	segment.deltaFile.publish(position + int32(len(buf)))
	return position, true
}

func (partition *cachePartition) bloomPut(comparable []byte, slot biter.Slot) {
	hashed := partition.hashingStrategy.HashStage1(comparable)
	mask := biter.SetBits[slot]
	pbloom.BatchPut(hashed, mask, mask, mask, partition.bloom, partition.bloom, partition.bloom)
}

// bloomReject reports that no entry of the sealed segment can match the
// bloom element. The head segment always probes, its bloom bits are still
// arriving.
func (partition *cachePartition) bloomReject(segment *cacheSegment, element pbloom.BloomElement) bool {
	if !segment.hashIndex.isSealed() {
		return false
	}
	return partition.bloom.Find(element)&biter.SetBits[segment.bloomSlot] == 0
}

func biterSlot(segmentCount int) biter.Slot {
	return biter.Slot(segmentCount % 64)
}

// roll freezes the head segment and links a fresh one before the sentinel.
func (partition *cachePartition) roll(ctx countlog.Context, baseOffset int64) (*partitionNode, error) {
	head := partition.head()
	if !head.sentinel() {
		if err := head.segment.freeze(ctx); err != nil {
			return nil, err
		}
	}
	slot := biterSlot(partition.segmentCount)
	segment, err := createSegment(ctx, partition.directory, baseOffset,
		slot, partition.segmentBytes, partition.indexBytes)
	if err != nil {
		return nil, err
	}
	return partition.link(segment), nil
}

func (partition *cachePartition) link(segment *cacheSegment) *partitionNode {
	partition.mutex.Lock()
	defer partition.mutex.Unlock()
	node := &partitionNode{segment: segment}
	last := partition.anchor.previous
	node.previous = last
	node.next = partition.anchor
	last.next = node
	partition.anchor.previous = node
	partition.tree.ReplaceOrInsert(nodeItem{baseOffset: segment.baseOffset, node: node})
	partition.segmentCount++
	return node
}

// retainFrom unlinks and retires every sealed segment that ends before
// offset. Cursors already inside keep their files alive through the
// reference count; new seeks no longer find the node.
func (partition *cachePartition) retainFrom(offset int64) {
	partition.mutex.Lock()
	var retired []*partitionNode
	for node := partition.anchor.next; !node.sentinel(); node = node.next {
		if !node.segment.hashIndex.isSealed() || node.segment.nextOffset() > offset {
			break
		}
		retired = append(retired, node)
	}
	for _, node := range retired {
		node.previous.next = node.next
		node.next.previous = node.previous
		partition.tree.Delete(nodeItem{baseOffset: node.segment.baseOffset})
	}
	partition.mutex.Unlock()
	for _, node := range retired {
		countlog.Debug("event!partition.retired segment",
			"partition", partition.id, "baseOffset", node.segment.baseOffset)
		node.segment.release()
	}
}

func (partition *cachePartition) close() {
	partition.mutex.Lock()
	var nodes []*partitionNode
	for node := partition.anchor.next; !node.sentinel(); node = node.next {
		nodes = append(nodes, node)
	}
	partition.anchor.next = partition.anchor
	partition.anchor.previous = partition.anchor
	partition.tree.Clear(false)
	partition.mutex.Unlock()
	for _, node := range nodes {
		node.segment.release()
	}
}
