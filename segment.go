package kfetch

import (
	"fmt"
	"os"
	"path"

	"github.com/esdb/biter"
	"github.com/v2pro/plz/countlog"

	"github.com/esdb/kfetch/ref"
)

// cacheSegment owns the four files of one log segment: the entry log, the
// offset index, the hash index and the delta file. Segments are reference
// counted; a cursor acquires the segment before touching its files and the
// retention path retires a segment by dropping the owning reference, so
// files are only reclaimed once the last cursor lets go.
type cacheSegment struct {
	*ref.ReferenceCounted
	baseOffset  int64
	bloomSlot   biter.Slot
	logFile     *cacheFile
	deltaFile   *cacheFile
	offsetIndex *indexFile
	hashIndex   *indexFile
}

func segmentFilePath(directory string, baseOffset int64, extension string) string {
	return path.Join(directory, fmt.Sprintf("%020d.%s", baseOffset, extension))
}

// createSegment makes a fresh head segment for the ingest path.
func createSegment(ctx countlog.Context, directory string, baseOffset int64,
	bloomSlot biter.Slot, segmentBytes int32, indexBytes int32) (*cacheSegment, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, err
	}
	logFile, err := createCacheFile(ctx, segmentFilePath(directory, baseOffset, "log"), segmentBytes)
	if err != nil {
		return nil, err
	}
	indexFileData, err := createCacheFile(ctx, segmentFilePath(directory, baseOffset, "index"), indexBytes)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	hashFileData, err := createCacheFile(ctx, segmentFilePath(directory, baseOffset, "hash"), indexBytes*2)
	if err != nil {
		logFile.Close()
		indexFileData.Close()
		return nil, err
	}
	deltaFile, err := createCacheFile(ctx, segmentFilePath(directory, baseOffset, "delta"), segmentBytes)
	if err != nil {
		logFile.Close()
		indexFileData.Close()
		hashFileData.Close()
		return nil, err
	}
	segment := &cacheSegment{
		baseOffset:  baseOffset,
		bloomSlot:   bloomSlot,
		logFile:     logFile,
		deltaFile:   deltaFile,
		offsetIndex: newIndexFile(indexFileData, true, false),
		hashIndex:   newIndexFile(hashFileData, false, false),
	}
	segment.ReferenceCounted = ref.NewReferenceCounted(
		fmt.Sprintf("segment %d", baseOffset),
		logFile, indexFileData, hashFileData, deltaFile)
	countlog.Debug("event!segment.created", "directory", directory, "baseOffset", baseOffset)
	return segment, nil
}

// openSegment maps an existing segment read-only and recovers the published
// progress of each file by scanning the log. Used by topic bootstrap.
func openSegment(ctx countlog.Context, directory string, baseOffset int64,
	bloomSlot biter.Slot) (*cacheSegment, error) {
	logFile, err := openCacheFile(ctx, segmentFilePath(directory, baseOffset, "log"))
	if err != nil {
		return nil, err
	}
	indexFileData, err := openCacheFile(ctx, segmentFilePath(directory, baseOffset, "index"))
	if err != nil {
		logFile.Close()
		return nil, err
	}
	hashFileData, err := openCacheFile(ctx, segmentFilePath(directory, baseOffset, "hash"))
	if err != nil {
		logFile.Close()
		indexFileData.Close()
		return nil, err
	}
	deltaFile, err := openCacheFile(ctx, segmentFilePath(directory, baseOffset, "delta"))
	if err != nil {
		logFile.Close()
		indexFileData.Close()
		hashFileData.Close()
		return nil, err
	}
	segment := &cacheSegment{
		baseOffset:  baseOffset,
		bloomSlot:   bloomSlot,
		logFile:     logFile,
		deltaFile:   deltaFile,
		offsetIndex: newIndexFile(indexFileData, true, true),
		hashIndex:   newIndexFile(hashFileData, false, true),
	}
	segment.ReferenceCounted = ref.NewReferenceCounted(
		fmt.Sprintf("segment %d", baseOffset),
		logFile, indexFileData, hashFileData, deltaFile)
	segment.recover(ctx)
	return segment, nil
}

// recover republishes file progress from the entries actually present in
// the log, discarding any torn tail left by a writer that died mid-append.
func (segment *cacheSegment) recover(ctx countlog.Context) {
	var scratch cacheEntry
	log := segment.logFile.data
	segment.logFile.publish(int32(len(log)))
	entries := int32(0)
	hashRows := int32(0)
	logProgress := int32(0)
	deltaProgress := int32(0)
	expected := segment.baseOffset
	for int(logProgress)+4 <= len(log) {
		if !decodeEntry(log, logProgress, &scratch) || scratch.offset < expected {
			break
		}
		expected = scratch.offset + 1
		entries++
		hashRows += int32(1 + len(scratch.headers))
		logProgress = scratch.position + entrySize(log, scratch.position)
		if scratch.deltaPosition != -1 {
			deltaProgress = scratch.deltaPosition + deltaSize(segment.deltaFile.data, scratch.deltaPosition)
		}
	}
	segment.logFile.publish(logProgress)
	segment.offsetIndex.file.publish(min32(entries*indexRowSize, int32(len(segment.offsetIndex.file.data))))
	segment.hashIndex.file.publish(min32(hashRows*indexRowSize, int32(len(segment.hashIndex.file.data))))
	segment.deltaFile.publish(deltaProgress)
	countlog.Debug("event!segment.recovered",
		"baseOffset", segment.baseOffset, "entries", entries, "logProgress", logProgress)
}

// acquire returns the segment with one more reference held, or nil if the
// segment has been retired.
func (segment *cacheSegment) acquire() *cacheSegment {
	if segment.ReferenceCounted.Acquire() {
		return segment
	}
	return nil
}

func (segment *cacheSegment) release() {
	if err := segment.ReferenceCounted.Close(); err != nil {
		countlog.Error("event!segment.failed to release", "err", err, "baseOffset", segment.baseOffset)
	}
}

// nextOffset is the offset one past the last published entry.
func (segment *cacheSegment) nextOffset() int64 {
	count := segment.offsetIndex.slotCount()
	if count == 0 {
		return segment.baseOffset
	}
	delta, _ := segment.offsetIndex.row(count - 1)
	return segment.baseOffset + int64(delta) + 1
}

// offsetDelta clamps offsets before this segment to slot zero.
func (segment *cacheSegment) offsetDelta(offset int64) uint32 {
	if offset <= segment.baseOffset {
		return 0
	}
	return uint32(offset - segment.baseOffset)
}

// freeze seals the segment once the log rolls: the hash rows get sorted so
// probes switch to binary search, and tail probes stop returning retries.
func (segment *cacheSegment) freeze(ctx countlog.Context) error {
	if err := segment.hashIndex.sortRows(ctx); err != nil {
		return err
	}
	segment.offsetIndex.seal()
	segment.hashIndex.seal()
	if err := segment.logFile.data.Flush(); err != nil {
		return err
	}
	countlog.Debug("event!segment.frozen", "baseOffset", segment.baseOffset,
		"nextOffset", segment.nextOffset())
	return nil
}

func entrySize(log []byte, position int32) int32 {
	return int32(uint32(log[position]) | uint32(log[position+1])<<8 |
		uint32(log[position+2])<<16 | uint32(log[position+3])<<24)
}

func deltaSize(delta []byte, position int32) int32 {
	if int(position)+4 > len(delta) {
		return 0
	}
	return 4 + int32(uint32(delta[position])|uint32(delta[position+1])<<8|
		uint32(delta[position+2])<<16|uint32(delta[position+3])<<24)
}

func min32(a int32, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
