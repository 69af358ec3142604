package kfetch

import (
	"encoding/binary"
	"hash/crc32"
)

// On-disk log entry, little-endian, length-prefixed:
//
//	length        int32  total size including this field
//	offset        int64
//	timestamp     int64
//	ancestor      int64  offset of the prior version of the same key, -1 none
//	deltaPosition int32  byte offset into the delta file, -1 none
//	keyLen        int32  -1 null key
//	key           bytes
//	valueLen      int32  -1 tombstone
//	value         bytes
//	headerCount   int32
//	headers       {nameLen int32, name, valueLen int32, value}*
const entryHeaderSize = 36

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

type cacheEntry struct {
	offset        int64
	timestamp     int64
	ancestor      int64
	deltaPosition int32
	position      int32 // byte position in the log file, not serialized
	key           messageKey
	value         []byte // nil = tombstone
	tombstone     bool
	headers       []messageHeader
}

func encodeEntry(entry *cacheEntry) []byte {
	size := entryHeaderSize + 4 // header incl. key length field, plus value length field
	if !entry.key.isNull() {
		size += len(entry.key.value)
	}
	if !entry.tombstone {
		size += len(entry.value)
	}
	size += 4
	for _, header := range entry.headers {
		size += 8 + len(header.name) + len(header.value)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf, uint32(size))
	binary.LittleEndian.PutUint64(buf[4:], uint64(entry.offset))
	binary.LittleEndian.PutUint64(buf[12:], uint64(entry.timestamp))
	binary.LittleEndian.PutUint64(buf[20:], uint64(entry.ancestor))
	binary.LittleEndian.PutUint32(buf[28:], uint32(entry.deltaPosition))
	pos := int(entryHeaderSize - 4)
	pos = putSized(buf, pos, entry.key.value, entry.key.isNull())
	pos = putSized(buf, pos, entry.value, entry.tombstone)
	binary.LittleEndian.PutUint32(buf[pos:], uint32(len(entry.headers)))
	pos += 4
	for _, header := range entry.headers {
		pos = putSized(buf, pos, header.name, false)
		pos = putSized(buf, pos, header.value, false)
	}
	return buf[:pos]
}

func putSized(buf []byte, pos int, value []byte, null bool) int {
	if null {
		binary.LittleEndian.PutUint32(buf[pos:], uint32(0xFFFFFFFF))
		return pos + 4
	}
	binary.LittleEndian.PutUint32(buf[pos:], uint32(len(value)))
	pos += 4
	copy(buf[pos:], value)
	return pos + len(value)
}

// decodeEntry reads the entry starting at position into scratch. It returns
// false if the published bytes do not yet hold a whole entry.
func decodeEntry(log []byte, position int32, scratch *cacheEntry) bool {
	buf := log[position:]
	if len(buf) < 4 {
		return false
	}
	size := int(binary.LittleEndian.Uint32(buf))
	if size < entryHeaderSize || size > len(buf) {
		return false
	}
	buf = buf[:size]
	scratch.position = position
	scratch.offset = int64(binary.LittleEndian.Uint64(buf[4:]))
	scratch.timestamp = int64(binary.LittleEndian.Uint64(buf[12:]))
	scratch.ancestor = int64(binary.LittleEndian.Uint64(buf[20:]))
	scratch.deltaPosition = int32(binary.LittleEndian.Uint32(buf[28:]))
	pos := entryHeaderSize - 4
	key, null, pos, ok := getSized(buf, pos)
	if !ok {
		return false
	}
	if null {
		scratch.key = messageKey{}
	} else {
		scratch.key = messageKey{value: key}
	}
	value, null, pos, ok := getSized(buf, pos)
	if !ok {
		return false
	}
	scratch.value = value
	scratch.tombstone = null
	if null {
		scratch.value = nil
	}
	if pos+4 > len(buf) {
		return false
	}
	headerCount := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4
	scratch.headers = scratch.headers[:0]
	for i := 0; i < headerCount; i++ {
		var name, hval []byte
		name, _, pos, ok = getSized(buf, pos)
		if !ok {
			return false
		}
		hval, _, pos, ok = getSized(buf, pos)
		if !ok {
			return false
		}
		scratch.headers = append(scratch.headers, messageHeader{name: name, value: hval})
	}
	return true
}

func getSized(buf []byte, pos int) ([]byte, bool, int, bool) {
	if pos+4 > len(buf) {
		return nil, false, pos, false
	}
	size := int32(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4
	if size == -1 {
		return nil, true, pos, true
	}
	if pos+int(size) > len(buf) {
		return nil, false, pos, false
	}
	return buf[pos : pos+int(size)], false, pos + int(size), true
}

func copyEntry(dst *cacheEntry, src *cacheEntry) *cacheEntry {
	headers := dst.headers[:0]
	*dst = *src
	dst.headers = append(headers, src.headers...)
	return dst
}

// Comparable encodings. The hash index keys every entry by the CRC32C of
// the serialized comparable, one row for the key and one per header; the
// same encoding feeds the partition bloom bank.

func encodeComparableKey(key messageKey) []byte {
	if key.isNull() {
		return []byte{0xFF, 0xFF, 0xFF, 0xFF}
	}
	buf := make([]byte, 4+len(key.value))
	binary.LittleEndian.PutUint32(buf, uint32(len(key.value)))
	copy(buf[4:], key.value)
	return buf
}

func encodeComparableHeader(name []byte, value []byte) []byte {
	buf := make([]byte, 8+len(name)+len(value))
	binary.LittleEndian.PutUint32(buf, uint32(len(name)))
	pos := 4 + copy(buf[4:], name)
	binary.LittleEndian.PutUint32(buf[pos:], uint32(len(value)))
	copy(buf[pos+4:], value)
	return buf
}

func checksumComparable(comparable []byte) uint32 {
	return crc32.Checksum(comparable, crc32cTable)
}
