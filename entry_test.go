package kfetch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_entry_codec(t *testing.T) {
	should := require.New(t)
	entry := cacheEntry{
		offset:        42,
		timestamp:     1234,
		ancestor:      7,
		deltaPosition: 99,
		key:           messageKey{value: []byte("k")},
		value:         []byte("v"),
		headers: []messageHeader{
			{name: []byte("x"), value: []byte("1")},
			{name: []byte("y"), value: []byte("")},
		},
	}
	buf := encodeEntry(&entry)

	var decoded cacheEntry
	should.True(decodeEntry(buf, 0, &decoded))
	should.Equal(int64(42), decoded.offset)
	should.Equal(int64(1234), decoded.timestamp)
	should.Equal(int64(7), decoded.ancestor)
	should.Equal(int32(99), decoded.deltaPosition)
	should.Equal([]byte("k"), decoded.key.value)
	should.Equal([]byte("v"), decoded.value)
	should.False(decoded.tombstone)
	should.Len(decoded.headers, 2)
	should.Equal([]byte("x"), decoded.headers[0].name)
}

func Test_entry_codec_null_key_tombstone(t *testing.T) {
	should := require.New(t)
	entry := cacheEntry{
		offset:        1,
		ancestor:      -1,
		deltaPosition: -1,
		tombstone:     true,
	}
	buf := encodeEntry(&entry)

	var decoded cacheEntry
	should.True(decodeEntry(buf, 0, &decoded))
	should.True(decoded.key.isNull())
	should.True(decoded.tombstone)
	should.Nil(decoded.value)
	should.Equal(int64(-1), decoded.ancestor)
	should.Equal(int32(-1), decoded.deltaPosition)
}

func Test_entry_decode_rejects_torn_tail(t *testing.T) {
	should := require.New(t)
	entry := cacheEntry{offset: 1, ancestor: -1, deltaPosition: -1, value: []byte("hello")}
	buf := encodeEntry(&entry)

	var decoded cacheEntry
	should.False(decodeEntry(buf[:len(buf)-1], 0, &decoded))
	should.False(decodeEntry(buf[:3], 0, &decoded))
}

func Test_comparable_hashing_distinguishes_null_key(t *testing.T) {
	should := require.New(t)
	nullKey := encodeComparableKey(messageKey{})
	emptyKey := encodeComparableKey(messageKey{value: []byte{}})
	should.NotEqual(checksumComparable(nullKey), checksumComparable(emptyKey))

	header := encodeComparableHeader([]byte("x"), []byte("1"))
	other := encodeComparableHeader([]byte("x1"), []byte(""))
	should.NotEqual(checksumComparable(header), checksumComparable(other))
}
