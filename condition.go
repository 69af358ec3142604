package kfetch

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/esdb/pbloom"
)

// filterCondition is one node of a compiled filter tree. reset positions
// the node at the start of a segment, next advances to the next candidate
// log position, test verifies a materialized entry byte-for-byte. Index
// probing by hash is only a pre-filter; collisions are resolved by test.
type filterCondition interface {
	reset(segment *cacheSegment, offset int64, latestOffset int64, position int32) int64
	next(cursor int64) int64
	test(entry *cacheEntry) bool
}

var errNotOfHeaders = errors.New("not of a headers sequence condition is not supported")
var errDeepNot = errors.New("not nesting deeper than two levels is not supported")

// noneCondition walks the offset index, accepting everything.
type noneCondition struct {
	indexFile *indexFile
}

func (cond *noneCondition) reset(segment *cacheSegment, offset int64, latestOffset int64, position int32) int64 {
	if segment == nil {
		cond.indexFile = nil
		return nextSegment
	}
	cond.indexFile = segment.offsetIndex
	return cond.indexFile.first(segment.offsetDelta(offset))
}

func (cond *noneCondition) next(cursor int64) int64 {
	if cond.indexFile == nil {
		return nextSegment
	}
	return cond.indexFile.resolve(cursor)
}

func (cond *noneCondition) test(entry *cacheEntry) bool {
	return entry != nil
}

func (cond *noneCondition) String() string {
	return "None[]"
}

// equalsCondition seeks the hash index for one hashed comparable. The
// partition bloom bank short-circuits sealed segments that never indexed
// the hash.
type equalsCondition struct {
	hash       uint32
	comparable []byte
	bloom      pbloom.BloomElement
	partition  *cachePartition
	hashFile   *indexFile
}

func newEqualsCondition(partition *cachePartition, comparable []byte) equalsCondition {
	return equalsCondition{
		hash:       checksumComparable(comparable),
		comparable: comparable,
		bloom:      partition.hashingStrategy.HashStage2(partition.hashingStrategy.HashStage1(comparable)),
		partition:  partition,
	}
}

func (cond *equalsCondition) reset(segment *cacheSegment, offset int64, latestOffset int64, position int32) int64 {
	if segment == nil {
		cond.hashFile = nil
		return nextSegment
	}
	if cond.partition.bloomReject(segment, cond.bloom) {
		cond.hashFile = nil
		return nextSegment
	}
	cond.hashFile = segment.hashIndex
	if position == positionUnset {
		position = cursorValue(segment.offsetIndex.first(segment.offsetDelta(offset)))
	}
	c := cond.hashFile.first(cond.hash)
	if cursorValue(c) != cursorValue(retrySegment) {
		c = cond.hashFile.ceiling(cond.hash, cursor(cursorIndex(c), position))
	}
	return c
}

func (cond *equalsCondition) next(cursor int64) int64 {
	if cond.hashFile == nil {
		return nextSegment
	}
	return cond.hashFile.ceiling(cond.hash, cursor)
}

// keyCondition matches entries by exact key bytes; the null key is its own
// canonical comparable.
type keyCondition struct {
	equalsCondition
	null  bool
	value []byte
}

func newKeyCondition(partition *cachePartition, value []byte) *keyCondition {
	key := messageKey{value: value}
	return &keyCondition{
		equalsCondition: newEqualsCondition(partition, encodeComparableKey(key)),
		null:            key.isNull(),
		value:           value,
	}
}

func (cond *keyCondition) test(entry *cacheEntry) bool {
	if cond.null {
		return entry.key.isNull()
	}
	return !entry.key.isNull() && bytes.Equal(entry.key.value, cond.value)
}

func (cond *keyCondition) String() string {
	return fmt.Sprintf("Key[%08x]", cond.hash)
}

// headerCondition matches entries carrying an exact (name, value) header.
type headerCondition struct {
	equalsCondition
	name  []byte
	value []byte
}

func newHeaderCondition(partition *cachePartition, name []byte, value []byte) *headerCondition {
	return &headerCondition{
		equalsCondition: newEqualsCondition(partition, encodeComparableHeader(name, value)),
		name:            name,
		value:           value,
	}
}

func (cond *headerCondition) test(entry *cacheEntry) bool {
	for _, header := range entry.headers {
		if bytes.Equal(header.name, cond.name) && bytes.Equal(header.value, cond.value) {
			return true
		}
	}
	return false
}

func (cond *headerCondition) String() string {
	return fmt.Sprintf("Header[%08x]", cond.hash)
}

// notCondition scans everything and excludes entries the nested condition
// matches, tracking the nested condition's position as an exclusion anchor.
type notCondition struct {
	none   noneCondition
	nested filterCondition
	anchor int64
}

func newNotCondition(nested filterCondition) *notCondition {
	return &notCondition{nested: nested}
}

func (cond *notCondition) reset(segment *cacheSegment, offset int64, latestOffset int64, position int32) int64 {
	c := cond.none.reset(segment, offset, latestOffset, position)
	cond.anchor = cond.nested.reset(segment, offset, latestOffset, position)
	return c
}

func (cond *notCondition) next(cursor int64) int64 {
	cursorNext := cond.none.next(cursor)
	if cursorRetryValue(cond.anchor) {
		cond.anchor = cond.nested.next(cond.anchor)
	}
	for !cursorRetryValue(cursorNext) &&
		cond.anchor != nextSegment &&
		cursorValue(cursorNext) > cursorValue(cond.anchor) {
		cond.anchor = cond.nested.next(nextIndex(nextValue(cond.anchor)))
	}
	return cursorNext
}

func (cond *notCondition) test(entry *cacheEntry) bool {
	return cond.none.test(entry) &&
		(entry.position < cursorValue(cond.anchor) || !cond.nested.test(entry))
}

func (cond *notCondition) String() string {
	return fmt.Sprintf("Not[%v]", cond.nested)
}

// andCondition merge-joins its children: a position is a candidate only
// when every child proposes it. Children advance in lock step until they
// agree on a common value or one of them runs out.
type andCondition struct {
	conditions []filterCondition
}

func (cond *andCondition) reset(segment *cacheSegment, offset int64, latestOffset int64, position int32) int64 {
	nextCursorMin := nextSegment
	if segment == nil {
		return nextCursorMin
	}
	if position == positionUnset {
		position = cursorValue(segment.offsetIndex.first(segment.offsetDelta(offset)))
	}
	nextCursorMax := int64(0)
	for i, child := range cond.conditions {
		nextCursor := child.reset(segment, offset, latestOffset, position)
		if i == 0 || nextCursorMin != nextSegment {
			nextCursorMin = minByValue(nextCursor, nextCursorMin)
			nextCursorMax = maxByValue(nextCursor, nextCursorMax)
		}
	}
	if nextCursorMin == nextSegment {
		nextCursorMax = nextCursorMin
	}
	if cursorRetryValue(nextCursorMax) || nextCursorMax == nextSegment {
		nextCursorMin = nextCursorMax
	}
	return nextCursorMin
}

func (cond *andCondition) next(c int64) int64 {
	var nextCursorMin int64
	if cursorRetryValue(c) {
		nextCursorMin = cursor(cursorIndex(c)-1, 0)
	} else {
		nextCursorMin = cursor(-1, cursorValue(c))
	}
	var nextCursorMax int64
	for {
		nextCursorMax = nextIndex(nextCursorMin)
		nextCursorMin = math.MaxInt64
		nextCursorAnd := nextCursorMax
		for _, child := range cond.conditions {
			nextCursor := child.next(nextCursorAnd)
			nextCursorMin = minByValue(nextCursor, nextCursorMin)
			nextCursorMax = maxByValue(nextCursor, nextCursorMax)
			if nextCursorMin == nextSegment {
				nextCursorMax = nextCursorMin
				break
			}
		}
		if cursorRetryValue(nextCursorMax) || nextCursorMax == nextSegment {
			nextCursorMin = nextCursorMax
			break
		}
		if cursorValue(nextCursorMin) == cursorValue(nextCursorMax) {
			break
		}
	}
	return nextCursorMin
}

func (cond *andCondition) test(entry *cacheEntry) bool {
	for _, child := range cond.conditions {
		if !child.test(entry) {
			return false
		}
	}
	return true
}

func (cond *andCondition) String() string {
	return fmt.Sprintf("And%v", cond.conditions)
}

// orCondition follows whichever child proposes the nearest position.
type orCondition struct {
	conditions []filterCondition
}

func (cond *orCondition) reset(segment *cacheSegment, offset int64, latestOffset int64, position int32) int64 {
	nextCursorMin := nextSegment
	if segment == nil {
		return nextCursorMin
	}
	if position == positionUnset {
		position = cursorValue(segment.offsetIndex.first(segment.offsetDelta(offset)))
	}
	for _, child := range cond.conditions {
		nextCursor := child.reset(segment, offset, latestOffset, position)
		nextCursorMin = minByValue(nextCursor, nextCursorMin)
	}
	return nextCursorMin
}

func (cond *orCondition) next(c int64) int64 {
	nextCursorMin := nextSegment
	for _, child := range cond.conditions {
		nextCursorMin = minByValue(child.next(c), nextCursorMin)
	}
	return nextCursorMin
}

func (cond *orCondition) test(entry *cacheEntry) bool {
	for _, child := range cond.conditions {
		if child.test(entry) {
			return true
		}
	}
	return false
}

func (cond *orCondition) String() string {
	return fmt.Sprintf("Or%v", cond.conditions)
}

// headerSequenceCondition matches an ordered template over the headers
// carrying one name. Index seeking degenerates to an And over the value
// templates; test re-walks the header subsequence, letting a skip consume
// at most one intervening header of the template name.
type headerSequenceCondition struct {
	seeker  filterCondition
	name    []byte
	matches []ValueMatch
}

func newHeaderSequenceCondition(partition *cachePartition, name []byte, matches []ValueMatch) *headerSequenceCondition {
	var valueConditions []filterCondition
	for _, match := range matches {
		if !match.Skip {
			valueConditions = append(valueConditions, newHeaderCondition(partition, name, match.Value))
		}
	}
	var seeker filterCondition
	switch len(valueConditions) {
	case 0:
		seeker = &noneCondition{}
	case 1:
		seeker = valueConditions[0]
	default:
		seeker = &andCondition{conditions: valueConditions}
	}
	return &headerSequenceCondition{seeker: seeker, name: name, matches: matches}
}

func (cond *headerSequenceCondition) reset(segment *cacheSegment, offset int64, latestOffset int64, position int32) int64 {
	return cond.seeker.reset(segment, offset, latestOffset, position)
}

func (cond *headerSequenceCondition) next(cursor int64) int64 {
	return cond.seeker.next(cursor)
}

func (cond *headerSequenceCondition) test(entry *cacheEntry) bool {
	var sequence [][]byte
	for _, header := range entry.headers {
		if bytes.Equal(header.name, cond.name) {
			sequence = append(sequence, header.value)
		}
	}
	return cond.matchTemplate(0, sequence)
}

// matchTemplate consumes the template against the named header values: a
// value entry must match the next header of the name, a skip absorbs at
// most one of them. The template has to account for the whole subsequence,
// so trailing headers of the name fail the match.
func (cond *headerSequenceCondition) matchTemplate(ti int, sequence [][]byte) bool {
	if ti == len(cond.matches) {
		return len(sequence) == 0
	}
	match := cond.matches[ti]
	if match.Skip {
		if len(sequence) > 0 && cond.matchTemplate(ti+1, sequence[1:]) {
			return true
		}
		return cond.matchTemplate(ti+1, sequence)
	}
	return len(sequence) > 0 && bytes.Equal(sequence[0], match.Value) &&
		cond.matchTemplate(ti+1, sequence[1:])
}

func (cond *headerSequenceCondition) String() string {
	return fmt.Sprintf("Headers[%d]", len(cond.matches))
}

// asCondition compiles the filter disjuncts of a subscription into one
// condition tree: Or over filters, And within a filter.
func asCondition(partition *cachePartition, filters []Filter) (filterCondition, error) {
	if len(filters) == 0 {
		return &noneCondition{}, nil
	}
	var compiled []filterCondition
	for _, filter := range filters {
		condition, err := asFilterCondition(partition, filter)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, condition)
	}
	if len(compiled) == 1 {
		return compiled[0], nil
	}
	return &orCondition{conditions: compiled}, nil
}

func asFilterCondition(partition *cachePartition, filter Filter) (filterCondition, error) {
	if len(filter.Conditions) == 0 {
		return nil, errors.New("filter with no conditions")
	}
	var compiled []filterCondition
	for _, condition := range filter.Conditions {
		c, err := asSingleCondition(partition, condition)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, c)
	}
	if len(compiled) == 1 {
		return compiled[0], nil
	}
	return &andCondition{conditions: compiled}, nil
}

func asSingleCondition(partition *cachePartition, condition FilterCondition) (filterCondition, error) {
	switch c := condition.(type) {
	case KeyFilter:
		return newKeyCondition(partition, c.Value), nil
	case HeaderFilter:
		return newHeaderCondition(partition, c.Name, c.Value), nil
	case HeadersFilter:
		return newHeaderSequenceCondition(partition, c.Name, c.Matches), nil
	case NotFilter:
		return asNotCondition(partition, c)
	default:
		return nil, fmt.Errorf("unknown filter condition %T", condition)
	}
}

func asNotCondition(partition *cachePartition, not NotFilter) (filterCondition, error) {
	switch nested := not.Condition.(type) {
	case KeyFilter:
		return newNotCondition(newKeyCondition(partition, nested.Value)), nil
	case HeaderFilter:
		return newNotCondition(newHeaderCondition(partition, nested.Name, nested.Value)), nil
	case HeadersFilter:
		return nil, errNotOfHeaders
	case NotFilter:
		// double negation collapses, but only over the kinds whose
		// semantics are unambiguous
		switch inner := nested.Condition.(type) {
		case KeyFilter:
			return newKeyCondition(partition, inner.Value), nil
		case HeaderFilter:
			return newHeaderCondition(partition, inner.Name, inner.Value), nil
		default:
			return nil, errDeepNot
		}
	default:
		return nil, fmt.Errorf("unknown filter condition %T", not.Condition)
	}
}
