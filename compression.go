// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fspak

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
)

// CompressionMethod is the compression flag of a pak entry.
// Any non-zero value means raw DEFLATE.
type CompressionMethod uint16

const (
	Stored   CompressionMethod = 0 // No compression - file stored as-is
	Deflated CompressionMethod = 8 // Raw DEFLATE, no zlib or gzip wrapper
)

// IsCompressed reports whether payload bytes have to be inflated.
func (m CompressionMethod) IsCompressed() bool { return m != Stored }

func (m CompressionMethod) String() string {
	switch m {
	case Stored:
		return "stored"
	case Deflated:
		return "deflate"
	}
	return fmt.Sprintf("deflate(%d)", uint16(m))
}

// flateReaders pools inflaters between entries.
var flateReaders = sync.Pool{
	New: func() interface{} {
		return flate.NewReader(nil)
	},
}

// inflate decompresses a raw deflate stream into a buffer of exactly size
// bytes. The stream must end right after the last byte of that buffer.
func inflate(src io.Reader, size int64) ([]byte, error) {
	fr := flateReaders.Get().(io.ReadCloser)
	defer flateReaders.Put(fr)

	if err := fr.(flate.Resetter).Reset(src, nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompression, err)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(fr, buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompression, err)
	}

	var probe [1]byte
	n, err := fr.Read(probe[:])
	switch {
	case n > 0:
		return nil, fmt.Errorf("%w: stream longer than %d bytes", ErrDecompression, size)
	case errors.Is(err, io.EOF):
		return buf, nil
	case err == nil:
		return nil, fmt.Errorf("%w: stream did not terminate", ErrDecompression)
	default:
		return nil, fmt.Errorf("%w: %w", ErrDecompression, err)
	}
}
