package kfetch

import (
	"encoding/binary"
	"sort"
	"sync/atomic"

	"github.com/v2pro/plz/countlog"
)

// indexFile is a flat array of 8-byte rows (key32 big-endian, value32
// little-endian) over a cacheFile. The offset index is sorted by
// construction; the hash index of the head segment accumulates rows in
// append order and is only sorted when the segment freezes, so probes run
// in one of two modes: binary search over sorted rows, or a linear scan.
//
// Every probe returns a packed cursor. Probes that land on the appending
// tail of a live file return a retry cursor; probes past the end of a
// sealed file return nextSegment.
type indexFile struct {
	file   *cacheFile
	sorted int32
	sealed int32
}

const indexRowSize = 8

func newIndexFile(file *cacheFile, sorted bool, sealed bool) *indexFile {
	idx := &indexFile{file: file}
	if sorted {
		idx.sorted = 1
	}
	if sealed {
		idx.sealed = 1
	}
	return idx
}

func (idx *indexFile) isSorted() bool {
	return atomic.LoadInt32(&idx.sorted) != 0
}

func (idx *indexFile) isSealed() bool {
	return atomic.LoadInt32(&idx.sealed) != 0
}

func (idx *indexFile) slotCount() int32 {
	return idx.file.published() / indexRowSize
}

func (idx *indexFile) row(slot int32) (uint32, int32) {
	buf := idx.file.data[slot*indexRowSize:]
	key := binary.BigEndian.Uint32(buf)
	value := int32(binary.LittleEndian.Uint32(buf[4:]))
	return key, value
}

func (idx *indexFile) tail(slot int32) int64 {
	if idx.isSealed() {
		return nextSegment
	}
	return cursorRetry(slot)
}

// first returns the smallest qualifying slot for key.
func (idx *indexFile) first(key uint32) int64 {
	count := idx.slotCount()
	if idx.isSorted() {
		slot := idx.search(key, count)
		if slot == count {
			return idx.tail(slot)
		}
		_, value := idx.row(slot)
		return cursor(slot, value)
	}
	for slot := int32(0); slot < count; slot++ {
		rowKey, value := idx.row(slot)
		if rowKey == key {
			return cursor(slot, value)
		}
	}
	return idx.tail(count)
}

// ceiling resumes a probe: the smallest qualifying slot whose value is not
// below the prior cursor's value.
func (idx *indexFile) ceiling(key uint32, prior int64) int64 {
	count := idx.slotCount()
	floor := cursorValue(prior)
	if cursorRetryValue(prior) {
		// a retry cursor resumes at its slot, not at its value
		floor = 0
	}
	if idx.isSorted() {
		for slot := idx.search(key, count); slot < count; slot++ {
			rowKey, value := idx.row(slot)
			if rowKey >= key && value >= floor {
				return cursor(slot, value)
			}
		}
		return idx.tail(count)
	}
	slot := cursorIndex(prior)
	if slot < 0 {
		slot = 0
	}
	for ; slot < count; slot++ {
		rowKey, value := idx.row(slot)
		if rowKey == key && value >= floor {
			return cursor(slot, value)
		}
	}
	return idx.tail(count)
}

// resolve reads the row the cursor points at.
func (idx *indexFile) resolve(c int64) int64 {
	slot := cursorIndex(c)
	if slot < 0 {
		slot = 0
	}
	count := idx.slotCount()
	if slot >= count {
		return idx.tail(slot)
	}
	_, value := idx.row(slot)
	return cursor(slot, value)
}

// search returns the smallest slot whose key compares not less than key.
func (idx *indexFile) search(key uint32, count int32) int32 {
	lo, hi := int32(0), count
	for lo < hi {
		mid := (lo + hi) / 2
		rowKey, _ := idx.row(mid)
		if rowKey < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// appendRow writes one row and publishes it. Ingest only.
func (idx *indexFile) appendRow(key uint32, value int32) bool {
	var buf [indexRowSize]byte
	binary.BigEndian.PutUint32(buf[:], key)
	binary.LittleEndian.PutUint32(buf[4:], uint32(value))
	position, ok := idx.file.appendAt(buf[:])
	if !ok {
		return false
	}
	idx.file.publish(position + indexRowSize)
	return true
}

// seal marks the file complete; sortRows additionally orders the rows by
// (key, value) so probes switch to binary search. Both run on the ingest
// path when the segment rolls.
func (idx *indexFile) seal() {
	atomic.StoreInt32(&idx.sealed, 1)
}

func (idx *indexFile) sortRows(ctx countlog.Context) error {
	count := idx.slotCount()
	rows := make([]uint64, count)
	for slot := int32(0); slot < count; slot++ {
		key, value := idx.row(slot)
		rows[slot] = uint64(key)<<32 | uint64(uint32(value))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i] < rows[j] })
	for slot := int32(0); slot < count; slot++ {
		buf := idx.file.data[slot*indexRowSize:]
		binary.BigEndian.PutUint32(buf, uint32(rows[slot]>>32))
		binary.LittleEndian.PutUint32(buf[4:], uint32(rows[slot]))
	}
	err := idx.file.data.Flush()
	ctx.TraceCall("callee!mmap.Flush", err)
	if err != nil {
		return err
	}
	atomic.StoreInt32(&idx.sorted, 1)
	return nil
}
