package kfetch

import (
	"os"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/v2pro/plz"
	"github.com/v2pro/plz/countlog"
)

// cacheFile is one memory mapped file of a segment. The ingest path appends
// bytes in place and publishes the new length with an atomic store only
// after the bytes are fully written, so readers slicing up to the published
// progress never observe a torn record. Freezing a segment does not truncate
// or remap its files; only files reopened by openCacheFile are mapped
// read-only.
type cacheFile struct {
	path     string
	file     *os.File
	data     mmap.MMap
	progress int32
	writable bool
}

func createCacheFile(ctx countlog.Context, path string, capacity int32) (*cacheFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	ctx.TraceCall("callee!os.OpenFile", err)
	if err != nil {
		return nil, err
	}
	err = file.Truncate(int64(capacity))
	ctx.TraceCall("callee!file.Truncate", err)
	if err != nil {
		file.Close()
		return nil, err
	}
	data, err := mmap.Map(file, mmap.RDWR, 0)
	ctx.TraceCall("callee!mmap.Map", err)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &cacheFile{path: path, file: file, data: data, writable: true}, nil
}

func openCacheFile(ctx countlog.Context, path string) (*cacheFile, error) {
	file, err := os.OpenFile(path, os.O_RDONLY, 0644)
	ctx.TraceCall("callee!os.OpenFile", err)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	var data mmap.MMap
	if info.Size() > 0 {
		data, err = mmap.Map(file, mmap.RDONLY, 0)
		ctx.TraceCall("callee!mmap.Map", err)
		if err != nil {
			file.Close()
			return nil, err
		}
	}
	f := &cacheFile{path: path, file: file, data: data}
	f.publish(int32(info.Size()))
	return f, nil
}

// readable returns the published prefix of the file.
func (f *cacheFile) readable() []byte {
	return f.data[:atomic.LoadInt32(&f.progress)]
}

func (f *cacheFile) published() int32 {
	return atomic.LoadInt32(&f.progress)
}

func (f *cacheFile) capacity() int32 {
	return int32(len(f.data))
}

// appendAt copies buf into the file at the current progress without
// publishing it. The caller publishes once every file of the entry has been
// written.
func (f *cacheFile) appendAt(buf []byte) (int32, bool) {
	position := atomic.LoadInt32(&f.progress)
	if int(position)+len(buf) > len(f.data) {
		return 0, false
	}
	copy(f.data[position:], buf)
	return position, true
}

func (f *cacheFile) publish(length int32) {
	atomic.StoreInt32(&f.progress, length)
}

func (f *cacheFile) Close() error {
	var errs []error
	if f.data != nil {
		if err := f.data.Unmap(); err != nil {
			errs = append(errs, err)
			countlog.Error("event!cacheFile.failed to unmap", "err", err, "path", f.path)
		}
		f.data = nil
	}
	if err := f.file.Close(); err != nil {
		errs = append(errs, err)
		countlog.Error("event!cacheFile.failed to close", "err", err, "path", f.path)
	}
	return plz.MergeErrors(errs...)
}
