package fspak

import "errors"

var (
	// ErrFormat is returned when the input is not a valid pak archive, or the
	// initial key does not match it.
	ErrFormat = errors.New("fspak: not a valid pak file")

	// ErrIO is returned when the archive cannot be opened or read, or when an
	// extracted file cannot be created or written.
	ErrIO = errors.New("fspak: i/o error")

	// ErrDecompression is returned when a deflate stream does not end cleanly
	// with exactly the declared number of bytes.
	ErrDecompression = errors.New("fspak: decompression failed")

	// ErrChecksum is returned when checksum verification is enabled and a file
	// checksum does not match.
	ErrChecksum = errors.New("fspak: checksum error")

	// ErrSizeMismatch is returned when the uncompressed size does not match the header.
	ErrSizeMismatch = errors.New("fspak: uncompressed size mismatch")

	// ErrFileNotFound is returned when the requested file is not found in the archive.
	ErrFileNotFound = errors.New("fspak: file not found")

	// ErrInsecurePath is returned when a file path is invalid or attempts directory traversal (Zip Slip).
	ErrInsecurePath = errors.New("fspak: insecure file path")
)
