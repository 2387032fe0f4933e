// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fspak

import (
	"io"
	"path"
	"time"
)

// File represents an extractable entry of a pak archive. Each File
// corresponds to one central directory record with a non-zero uncompressed
// size. The values reported here come from the central directory; the local
// header is authoritative for payload boundaries at extraction time.
type File struct {
	name string // Entry path within the archive (using forward slashes)

	localHeaderOffset int64  // Byte offset of this file's local header within archive
	rehashCounter     uint64 // Cipher steps from the initial key to the local header key

	compressionMethod CompressionMethod
	uncompressedSize  int64  // Size of original content before compression in bytes
	compressedSize    int64  // Size of compressed data within archive in bytes
	crc32             uint32 // CRC-32 checksum of uncompressed data
	modTime           time.Time

	archive *Archive
}

func (a *Archive) newFile(e dirEntry) *File {
	h := e.header
	return &File{
		name:              h.Filename,
		localHeaderOffset: int64(h.LocalHeaderOffset),
		rehashCounter:     e.rehashCounter,
		compressionMethod: CompressionMethod(h.CompressionMethod),
		uncompressedSize:  int64(h.UncompressedSize),
		compressedSize:    int64(h.CompressedSize),
		crc32:             h.CRC32,
		modTime:           msDosToTime(h.LastModFileDate, h.LastModFileTime),
		archive:           a,
	}
}

// Name returns the file's path within the archive.
func (f *File) Name() string { return f.name }

// BaseName returns the last element of the file's path.
func (f *File) BaseName() string { return path.Base(f.name) }

// Offset returns the position of the file's local header within the archive.
func (f *File) Offset() int64 { return f.localHeaderOffset }

// RehashCounter returns the number of cipher steps needed, starting from the
// archive's initial key, to reach the key of the file's local header.
func (f *File) RehashCounter() uint64 { return f.rehashCounter }

// CompressionMethod returns the compression flag from the central directory.
func (f *File) CompressionMethod() CompressionMethod { return f.compressionMethod }

// UncompressedSize returns the size of the original file content.
func (f *File) UncompressedSize() int64 { return f.uncompressedSize }

// CompressedSize returns the size of the payload stored in the archive.
func (f *File) CompressedSize() int64 { return f.compressedSize }

// CRC32 returns the CRC-32 checksum of the uncompressed file data.
func (f *File) CRC32() uint32 { return f.crc32 }

// ModTime returns the file's last modification timestamp, or the zero time
// if the archive does not record one.
func (f *File) ModTime() time.Time { return f.modTime }

// Open returns a ReadCloser for reading the original, uncompressed file
// content. The local header is deciphered on every call.
func (f *File) Open() (io.ReadCloser, error) {
	rc, _, err := f.archive.openFile(f)
	return rc, err
}
