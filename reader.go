// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fspak

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/lemon4ksan/fspak/internal"
)

// dirEntry is an extractable central directory record together with the
// number of cipher steps that lead from the initial key to its local header.
type dirEntry struct {
	header        internal.CentralDirectory
	rehashCounter uint64
}

// pakReader handles the directory pass over a pak archive.
type pakReader struct {
	src           io.ReaderAt  // Source stream for reading archive data
	fileSize      int64        // Total size of the archive
	key           uint32       // Initial cipher key
	maxNameLength int          // Upper bound on entry name lengths
	textDecoder   TextDecoder  // Raw name decoder
	logger        *slog.Logger // Debug output
}

// newPakReader creates a directory reader for an archive of the given size.
func newPakReader(src io.ReaderAt, size int64, config Config) *pakReader {
	return &pakReader{
		src:           src,
		fileSize:      size,
		key:           config.Key,
		maxNameLength: config.MaxNameLength,
		textDecoder:   config.TextEncoding,
		logger:        config.Logger,
	}
}

// ReadFiles deciphers the end record and the central directory and returns
// the extractable entries in directory order. One cipher, seeded from the
// initial key, is carried across the whole pass and dropped afterwards.
// Context is used to cancel the scanning process.
func (pr *pakReader) ReadFiles(ctx context.Context) (internal.EndOfCentralDirectory, []dirEntry, error) {
	c := NewCipher(pr.key)

	end, err := pr.readEndOfCentralDir(c)
	if err != nil {
		return end, nil, err
	}

	entries, err := pr.readCentralDir(ctx, c, end)
	if err != nil {
		return end, nil, err
	}
	return end, entries, nil
}

// readEndOfCentralDir deciphers the end record. Since the record is
// enciphered its signature cannot be searched for, so an archive comment is
// not supported and the record always occupies the last 22 bytes.
func (pr *pakReader) readEndOfCentralDir(c *Cipher) (internal.EndOfCentralDirectory, error) {
	var end internal.EndOfCentralDirectory

	if pr.fileSize < internal.EndOfCentralDirLen {
		return end, fmt.Errorf("%w: file too small", ErrFormat)
	}

	cr := &cipherReader{
		source: io.NewSectionReader(pr.src, pr.fileSize-internal.EndOfCentralDirLen, internal.EndOfCentralDirLen),
		cipher: c,
	}

	end, err := internal.ReadEndOfCentralDir(cr)
	if err != nil {
		return end, readError(err)
	}

	if end.Signature != internal.EndOfCentralDirSignature {
		return end, fmt.Errorf("%w: wrong key or not a pak archive", ErrFormat)
	}

	if int64(end.CentralDirOffset) > pr.fileSize-internal.EndOfCentralDirLen {
		return end, fmt.Errorf("%w: central directory offset %d out of range", ErrFormat, end.CentralDirOffset)
	}

	return end, nil
}

// readCentralDir walks the records of the central directory with the cipher
// left behind by the end record. Checks context cancellation between entries.
func (pr *pakReader) readCentralDir(ctx context.Context, c *Cipher, end internal.EndOfCentralDirectory) ([]dirEntry, error) {
	offset := int64(end.CentralDirOffset)
	records := int(end.TotalNumberOfEntriesOnThisDisk)

	entries := make([]dirEntry, 0, records)
	rehash := uint64(end.CentralDirSize) + internal.EndOfCentralDirLen

	cr := &cipherReader{
		source: io.NewSectionReader(pr.src, offset, pr.fileSize-offset),
		cipher: c,
	}

	for i := 0; i < records; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry, err := internal.ReadCentralDirEntry(cr)
		if err != nil {
			return nil, fmt.Errorf("directory record %d: %w", i, readError(err))
		}

		if entry.Signature != internal.CentralDirectorySignature {
			return nil, fmt.Errorf("%w: expected central directory signature at entry %d", ErrFormat, i)
		}

		if int(entry.FilenameLength) > pr.maxNameLength {
			return nil, fmt.Errorf("%w: entry %d name length %d exceeds %d",
				ErrFormat, i, entry.FilenameLength, pr.maxNameLength)
		}

		name := make([]byte, entry.FilenameLength)
		if _, err := io.ReadFull(cr, name); err != nil {
			return nil, fmt.Errorf("directory record %d name: %w", i, readError(err))
		}
		entry.Filename = normalizeName(pr.textDecoder(name))

		if entry.UncompressedSize != 0 {
			entries = append(entries, dirEntry{header: entry, rehashCounter: rehash})
		} else {
			pr.logger.Debug("skip directory marker", "name", entry.Filename)
		}

		rehash += uint64(entry.FilenameLength) + internal.LocalFileHeaderLen

		// Extra field and comment are not enciphered, but the key stream
		// still advances over them.
		if err := cr.Discard(int64(entry.ExtraFieldLength) + int64(entry.FileCommentLength)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}
	}

	return entries, nil
}

// readError classifies a failed record read: running out of archive bytes is
// a format problem, anything else comes from the source.
func readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated record: %w", ErrFormat, err)
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}
