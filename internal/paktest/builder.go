// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package paktest builds enciphered pak archives in memory for tests.
package paktest

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"math"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/lemon4ksan/fspak"
	"github.com/lemon4ksan/fspak/internal"
)

// Fixed timestamp of every entry: 2023-12-15 14:30:14.
const (
	ModDate uint16 = 0x578F
	ModTime uint16 = 0x73C7
)

// Entry describes one record of a test archive.
type Entry struct {
	Name string
	Data []byte

	// Compress stores Data as a raw deflate stream.
	Compress bool

	// Payload replaces the bytes stored after the local header. Sizes and
	// checksum are still computed from Data.
	Payload []byte

	// Extra and Comment are appended to the central directory record.
	Extra   []byte
	Comment []byte

	// LocalExtra is appended to the local header.
	LocalExtra []byte

	// CorruptLocalHeader damages the signature of the local header.
	CorruptLocalHeader bool

	// CRC overrides the recorded checksum when non-zero.
	CRC uint32
}

type record struct {
	local   []byte
	extra   []byte
	payload []byte
	central []byte
	tail    []byte
	corrupt bool
}

// Build lays out the entries as a pak archive (local sections, central
// directory, end record) and enciphers its metadata with key.
//
// The key stream covers, in order: the end record, every central directory
// record with its name (the stream advances over extra field and comment
// without touching them), then every local header with its name.
func Build(key uint32, entries ...Entry) ([]byte, error) {
	if len(entries) > math.MaxUint16 {
		return nil, fmt.Errorf("too many entries: %d", len(entries))
	}

	records := make([]record, len(entries))
	var offset int64

	for i, e := range entries {
		if len(e.Name) > math.MaxUint16 {
			return nil, fmt.Errorf("entry %d: name too long", i)
		}

		method := fspak.Stored
		payload := e.Data
		if e.Compress {
			method = fspak.Deflated
			var err error
			if payload, err = deflate(e.Data); err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
		}
		if e.Payload != nil {
			payload = e.Payload
		}

		crc := crc32.ChecksumIEEE(e.Data)
		if e.CRC != 0 {
			crc = e.CRC
		}

		local := internal.LocalFileHeader{
			VersionNeededToExtract: 20,
			CompressionMethod:      uint16(method),
			LastModFileTime:        ModTime,
			LastModFileDate:        ModDate,
			CRC32:                  crc,
			CompressedSize:         uint32(len(payload)),
			UncompressedSize:       uint32(len(e.Data)),
			FilenameLength:         uint16(len(e.Name)),
			ExtraFieldLength:       uint16(len(e.LocalExtra)),
			Filename:               e.Name,
		}

		central := internal.CentralDirectory{
			VersionMadeBy:          20,
			VersionNeededToExtract: 20,
			CompressionMethod:      uint16(method),
			LastModFileTime:        ModTime,
			LastModFileDate:        ModDate,
			CRC32:                  crc,
			CompressedSize:         uint32(len(payload)),
			UncompressedSize:       uint32(len(e.Data)),
			FilenameLength:         uint16(len(e.Name)),
			ExtraFieldLength:       uint16(len(e.Extra)),
			FileCommentLength:      uint16(len(e.Comment)),
			LocalHeaderOffset:      uint32(offset),
			Filename:               e.Name,
		}

		records[i] = record{
			local:   local.Encode(),
			extra:   e.LocalExtra,
			payload: payload,
			central: central.Encode(),
			tail:    append(append([]byte{}, e.Extra...), e.Comment...),
			corrupt: e.CorruptLocalHeader,
		}
		offset += int64(len(records[i].local) + len(e.LocalExtra) + len(payload))
	}

	centralDirOffset := offset
	var centralDirSize int
	for _, r := range records {
		centralDirSize += len(r.central) + len(r.tail)
	}
	end := internal.EncodeEndOfCentralDirRecord(uint16(len(entries)), uint32(centralDirSize), uint32(centralDirOffset))

	c := fspak.NewCipher(key)
	c.Encrypt(end)
	for _, r := range records {
		c.Encrypt(r.central)
		c.Skip(uint64(len(r.tail)))
	}
	for _, r := range records {
		c.Encrypt(r.local)
		if r.corrupt {
			r.local[0] ^= 0xFF
		}
	}

	var buf bytes.Buffer
	for _, r := range records {
		buf.Write(r.local)
		buf.Write(r.extra)
		buf.Write(r.payload)
	}
	for _, r := range records {
		buf.Write(r.central)
		buf.Write(r.tail)
	}
	buf.Write(end)

	return buf.Bytes(), nil
}

// MustBuild is Build that fails the test on error.
func MustBuild(tb testing.TB, key uint32, entries ...Entry) []byte {
	tb.Helper()
	data, err := Build(key, entries...)
	if err != nil {
		tb.Fatalf("build archive: %v", err)
	}
	return data
}

// RehashCounters returns the expected rehash counter of every entry, summed
// independently of any reader: the size of the whole central directory and
// the end record, plus a local header and name for every entry before it.
func RehashCounters(entries ...Entry) []uint64 {
	var centralDirSize uint64
	for _, e := range entries {
		centralDirSize += internal.CentralDirectoryLen + uint64(len(e.Name)+len(e.Extra)+len(e.Comment))
	}

	counters := make([]uint64, len(entries))
	for i := range entries {
		n := centralDirSize + internal.EndOfCentralDirLen
		for _, prev := range entries[:i] {
			n += internal.LocalFileHeaderLen + uint64(len(prev.Name))
		}
		counters[i] = n
	}
	return counters
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
