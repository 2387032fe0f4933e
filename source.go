// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fspak

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/mmap"
)

// Open opens the archive at path and reads its file table. By default the
// file is memory-mapped; WithMmap(false) reads it through an *os.File.
// The returned archive must be closed.
func Open(path string, options ...Option) (*Archive, error) {
	return OpenWithContext(context.Background(), path, options...)
}

// OpenWithContext is Open with cancellation of the directory scan.
func OpenWithContext(ctx context.Context, path string, options ...Option) (*Archive, error) {
	config := newConfig(options)

	src, size, closer, err := openSource(path, config.UseMmap)
	if err != nil {
		return nil, err
	}

	a, err := NewReaderWithContext(ctx, src, size, options...)
	if err != nil {
		closer.Close()
		return nil, err
	}
	a.closer = closer

	config.Logger.Debug("opened pak archive", "path", path, "size", size, "mmap", config.UseMmap)
	return a, nil
}

// openSource exposes the file at path as a read-only random access view.
func openSource(path string, useMmap bool) (io.ReaderAt, int64, io.Closer, error) {
	if useMmap {
		m, err := mmap.Open(path)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("%w: map %s: %w", ErrIO, path, err)
		}
		return m, int64(m.Len()), m, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if stat.IsDir() {
		f.Close()
		return nil, 0, nil, fmt.Errorf("%w: %s is a directory", ErrIO, path)
	}

	return f, stat.Size(), f, nil
}
