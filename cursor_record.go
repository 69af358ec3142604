package kfetch

// A cursor packs a position in an index file into one int64:
// high 32 bits are the slot index, low 31 bits are the byte position in the
// log file the slot points at, bit 31 is the retry flag.
//
// Two sentinel cursors flow through every condition and index probe:
// retrySegment means the probe landed on bytes still being appended and must
// be retried after the writer publishes, nextSegment means the segment is
// exhausted and the caller should move to the next one in the chain.

const cursorRetryBit = int64(0x8000_0000)

const retrySegment = int64(-1)                    // slot -1, retry bit, max value
const nextSegment = int64(-1)<<32 | 0x7FFF_FFFF   // slot -1, max value
const positionUnset = int32(-1)
const positionMaxValue = int32(0x7FFF_FFFF)

func cursor(index int32, value int32) int64 {
	return int64(index)<<32 | int64(uint32(value))
}

func cursorIndex(c int64) int32 {
	return int32(c >> 32)
}

func cursorValue(c int64) int32 {
	return int32(c & 0x7FFF_FFFF)
}

func cursorRetryValue(c int64) bool {
	return c&cursorRetryBit != 0
}

func cursorRetry(index int32) int64 {
	return cursor(index, positionMaxValue) | cursorRetryBit
}

func nextIndex(c int64) int64 {
	return cursor(cursorIndex(c)+1, cursorValue(c))
}

func previousIndex(c int64) int64 {
	return cursor(cursorIndex(c)-1, cursorValue(c))
}

func nextValue(c int64) int64 {
	return cursor(cursorIndex(c), cursorValue(c)+1)
}

func minByValue(c1 int64, c2 int64) int64 {
	if cursorValue(c2) < cursorValue(c1) {
		return c2
	}
	return c1
}

func maxByValue(c1 int64, c2 int64) int64 {
	if cursorValue(c2) > cursorValue(c1) {
		return c2
	}
	return c1
}
