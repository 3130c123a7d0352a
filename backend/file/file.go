// Package file provides a file-backed storage Backend, used as the
// backing store for the loop-back mock NBD peer in nbd/nbdtest. The
// NBD client core in package nbd has no server-side backend of its
// own; this exists purely to give the test harness a place to keep
// bytes.
package file

import (
	"os"

	"golang.org/x/net/context"
)

// Backend is a plain os.File-backed store: ReadAt/WriteAt over a
// fixed-size region.
type Backend struct {
	file *os.File
	size uint64
}

// WriteAt writes b at offset.
func (fb *Backend) WriteAt(ctx context.Context, b []byte, offset int64) (int, error) {
	return fb.file.WriteAt(b, offset)
}

// ReadAt reads into b from offset.
func (fb *Backend) ReadAt(ctx context.Context, b []byte, offset int64) (int, error) {
	return fb.file.ReadAt(b, offset)
}

// Close closes the underlying file.
func (fb *Backend) Close(ctx context.Context) error {
	return fb.file.Close()
}

// Size returns the backing store's size in bytes.
func (fb *Backend) Size() uint64 {
	return fb.size
}

// New opens path (creating it at the given size if it does not yet
// exist) and returns a Backend over it.
func New(ctx context.Context, path string, size uint64) (*Backend, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if uint64(stat.Size()) < size {
		if err := file.Truncate(int64(size)); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	return &Backend{
		file: file,
		size: size,
	}, nil
}
