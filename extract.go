// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fspak

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"time"

	"github.com/lemon4ksan/fspak/internal"
)

// readLocalHeader re-derives the key of the file's local header from the
// initial key and deciphers the header with it. Nothing from the directory
// pass is reused besides the step count.
func (a *Archive) readLocalHeader(f *File) (internal.LocalFileHeader, error) {
	if f.localHeaderOffset+internal.LocalFileHeaderLen > a.size {
		return internal.LocalFileHeader{}, fmt.Errorf("%w: local header at %d out of range", ErrFormat, f.localHeaderOffset)
	}

	c := NewCipher(a.config.Key)
	c.Skip(f.rehashCounter)

	cr := &cipherReader{
		source: io.NewSectionReader(a.src, f.localHeaderOffset, internal.LocalFileHeaderLen),
		cipher: c,
	}

	h, err := internal.ReadLocalFileHeader(cr)
	if err != nil {
		return h, readError(err)
	}

	if h.Signature != internal.LocalFileHeaderSignature {
		return h, fmt.Errorf("%w: expected local file header signature", ErrFormat)
	}
	return h, nil
}

// openFile returns a reader of the file's original content and its size as
// recorded in the local header. Stored payloads are streamed from the source;
// compressed payloads are inflated completely before the reader is returned,
// so a broken stream is reported before anything is read.
func (a *Archive) openFile(f *File) (io.ReadCloser, int64, error) {
	h, err := a.readLocalHeader(f)
	if err != nil {
		return nil, 0, err
	}

	size := int64(h.UncompressedSize)
	method := CompressionMethod(h.CompressionMethod)
	dataOffset := f.localHeaderOffset + internal.LocalFileHeaderLen + int64(h.FilenameLength) + int64(h.ExtraFieldLength)

	dataLen := size
	if method.IsCompressed() {
		dataLen = int64(h.CompressedSize)
	}
	if dataOffset+dataLen > a.size {
		return nil, size, fmt.Errorf("%w: payload [%d, %d) exceeds archive size %d",
			ErrFormat, dataOffset, dataOffset+dataLen, a.size)
	}

	dataR := io.NewSectionReader(a.src, dataOffset, dataLen)

	var rc io.ReadCloser
	if method.IsCompressed() {
		data, err := inflate(dataR, size)
		if err != nil {
			return nil, size, err
		}
		rc = io.NopCloser(bytes.NewReader(data))
	} else {
		rc = io.NopCloser(dataR)
	}

	if a.config.VerifyChecksum {
		rc = &checksumReader{
			rc:   rc,
			hash: crc32.NewIEEE(),
			want: h.CRC32,
			size: uint64(size),
		}
	}

	return rc, size, nil
}

// timeSetter is implemented by sinks able to restore modification times.
type timeSetter interface {
	Chtimes(name string, mtime time.Time) error
}

// extractFile writes the content of a single file to the sink. It returns the
// local header size of the file, which is known as soon as the header has been
// deciphered, even if extraction fails later.
func (a *Archive) extractFile(ctx context.Context, f *File, sink Sink) (int64, error) {
	rc, size, err := a.openFile(f)
	if err != nil {
		return size, err
	}
	defer rc.Close()

	w, err := sink.Create(f.name, size)
	if err != nil {
		return size, ioError(err)
	}

	dst := &byteCountWriter{dest: w}

	bufPtr := a.bufferPool.Get().(*[]byte)
	_, err = io.CopyBuffer(dst, &contextReader{ctx: ctx, r: rc}, *bufPtr)
	a.bufferPool.Put(bufPtr)

	if cerr := w.Close(); err == nil && cerr != nil {
		err = ioError(cerr)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return size, ctxErr
		}
		if errors.Is(err, ErrSizeMismatch) || errors.Is(err, ErrIO) {
			return size, err
		}
		return size, ioError(err)
	}

	if err := rc.Close(); err != nil {
		return size, err
	}

	if dst.bytesWritten != size {
		return size, fmt.Errorf("%w: wrote %d, want %d", ErrSizeMismatch, dst.bytesWritten, size)
	}

	if ts, ok := sink.(timeSetter); ok && !f.modTime.IsZero() {
		// Best-effort; some file systems do not support it.
		if err := ts.Chtimes(f.name, f.modTime); err != nil {
			a.config.Logger.Debug("restore modification time", "name", f.name, "error", err)
		}
	}

	return size, nil
}

// ioError marks err as an I/O failure unless it is already classified.
func ioError(err error) error {
	if errors.Is(err, ErrIO) || errors.Is(err, ErrInsecurePath) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

// checksumReader wraps an io.ReadCloser to verify CRC32 checksum and size during reading.
// It ensures data integrity by comparing computed hash with expected value upon closing.
type checksumReader struct {
	rc   io.ReadCloser
	hash hash.Hash32
	want uint32
	read uint64
	size uint64
}

// Read implements io.Reader interface while calculating CRC32 and tracking bytes read
func (cr *checksumReader) Read(p []byte) (int, error) {
	n, err := cr.rc.Read(p)
	if n > 0 {
		cr.read += uint64(n)
		if cr.read > cr.size {
			return n, ErrSizeMismatch
		}
		cr.hash.Write(p[:n])
	}
	return n, err
}

// Close implements io.Closer interface and verifies CRC32 and size after reading completes
func (cr *checksumReader) Close() error {
	defer cr.rc.Close()

	if cr.read != cr.size {
		return fmt.Errorf("%w: read %d, want %d", ErrSizeMismatch, cr.read, cr.size)
	}

	if got := cr.hash.Sum32(); got != cr.want {
		return fmt.Errorf("%w: got %x, want %x", ErrChecksum, got, cr.want)
	}
	return nil
}
