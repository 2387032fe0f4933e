// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fspak extracts encrypted pak archives.
//
// A pak archive uses the ZIP container layout (end of central directory
// record, central directory, local file headers), but every metadata record is
// covered by a keyed byte stream cipher, and file payloads are either stored
// or compressed with raw DEFLATE. Payload bytes themselves are not enciphered.
//
// Reading happens in two passes. The directory pass deciphers the end record
// and walks the central directory with one continuously advancing cipher,
// recording for every file the number of cipher steps (its rehash counter)
// needed to reach the key of its local header. The extraction pass re-derives
// that key for each file from the initial key, so files can be extracted in
// any order and in parallel.
//
// # Basic Usage
//
//	archive, err := fspak.Open("base.pak", fspak.WithKey(0xA2A2A2A2))
//	if err != nil {
//		return err
//	}
//	defer archive.Close()
//
//	for _, f := range archive.Files() {
//		fmt.Println(f.Name(), f.UncompressedSize())
//	}
//
//	// extract using 8 workers
//	err = archive.ExtractParallel("out", 8)
//
// The archive can also be accessed as a read-only filesystem:
//
//	data, _ := fs.ReadFile(archive.FS(), "scripts/main.lua")
package fspak

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	"github.com/lemon4ksan/fspak/internal"
)

// DefaultMaxNameLength is the longest entry name accepted by default.
const DefaultMaxNameLength = 260

// Config defines the parameters used to read an archive.
type Config struct {
	// Key is the initial cipher key of the archive.
	Key uint32

	// MaxNameLength bounds the length of entry names in the central directory.
	// Longer names are treated as a corrupt archive.
	MaxNameLength int

	// VerifyChecksum enables CRC-32 verification of extracted data.
	VerifyChecksum bool

	// TextEncoding decodes raw entry names. Default: UTF-8 with CP437 fallback.
	TextEncoding TextDecoder

	// UseMmap selects a memory mapping over plain file reads in Open.
	UseMmap bool

	// Logger receives debug output. Default: slog.Default().
	Logger *slog.Logger

	// OnFileProcessed is a callback triggered after a file is extracted or
	// fails to extract.
	// WARNING: In parallel operations, this is called concurrently.
	OnFileProcessed func(Progress)
}

// Progress reports the outcome of extracting a single file.
type Progress struct {
	File *File

	// Size is the uncompressed size from the file's local header, or zero
	// if the header could not be read.
	Size int64

	// Err is nil on success.
	Err error
}

// Option configures how an archive is read.
type Option func(c *Config)

// WithKey sets the initial cipher key.
func WithKey(key uint32) Option {
	return func(c *Config) { c.Key = key }
}

// WithMaxNameLength sets the maximum accepted entry name length.
func WithMaxNameLength(n int) Option {
	return func(c *Config) { c.MaxNameLength = n }
}

// WithChecksumVerification enables CRC-32 verification of extracted data.
func WithChecksumVerification(enabled bool) Option {
	return func(c *Config) { c.VerifyChecksum = enabled }
}

// WithTextDecoder overrides how raw entry names are decoded.
func WithTextDecoder(d TextDecoder) Option {
	return func(c *Config) { c.TextEncoding = d }
}

// WithMmap selects between a memory mapping (default) and plain file reads.
// Only used by Open.
func WithMmap(enabled bool) Option {
	return func(c *Config) { c.UseMmap = enabled }
}

// WithLogger sets the logger for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithOnFileProcessed sets the per-file progress callback.
func WithOnFileProcessed(fn func(Progress)) Option {
	return func(c *Config) { c.OnFileProcessed = fn }
}

func newConfig(options []Option) Config {
	c := Config{
		Key:           DefaultKey,
		MaxNameLength: DefaultMaxNameLength,
		TextEncoding:  DecodeCP437,
		UseMmap:       true,
	}
	for _, opt := range options {
		opt(&c)
	}
	if c.TextEncoding == nil {
		c.TextEncoding = DecodeCP437
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ExtractOption configures the extraction process (filtering).
type ExtractOption func(files []*File) []*File

// WithFiles filters the extraction to only the specific files provided.
func WithFiles(files []*File) ExtractOption {
	return func(_ []*File) []*File { return files }
}

// FromDir restricts extraction to files nested under the specified path.
func FromDir(path string) ExtractOption {
	return func(files []*File) []*File {
		if path == "" || path == "." {
			return files
		}

		dirPath := strings.TrimSuffix(path, "/") + "/"

		result := make([]*File, 0, len(files))
		for _, file := range files {
			if strings.HasPrefix(file.name, dirPath) {
				result = append(result, file)
			}
		}
		return result
	}
}

// WithoutDir excludes a directory and its contents from extraction.
func WithoutDir(path string) ExtractOption {
	return func(files []*File) []*File {
		if path == "" || path == "." {
			return nil
		}

		dirPath := strings.TrimSuffix(path, "/") + "/"

		result := make([]*File, 0, len(files))
		for _, file := range files {
			if !strings.HasPrefix(file.name, dirPath) {
				result = append(result, file)
			}
		}
		return result
	}
}

// Archive is an opened pak archive. The file table is read once when the
// archive is opened; the source is only read afterwards, never modified.
// It is safe for concurrent use.
type Archive struct {
	src        io.ReaderAt
	size       int64
	closer     io.Closer
	config     Config
	end        internal.EndOfCentralDirectory
	files      []*File
	bufferPool sync.Pool // Pool of 64KB buffers for IO optimization
}

// NewReader reads the file table of the archive stored in src, which is size
// bytes long. It fails with ErrFormat if the end record or a directory record
// does not decipher correctly with the configured key.
func NewReader(src io.ReaderAt, size int64, options ...Option) (*Archive, error) {
	return NewReaderWithContext(context.Background(), src, size, options...)
}

// NewReaderWithContext is NewReader with cancellation of the directory scan.
func NewReaderWithContext(ctx context.Context, src io.ReaderAt, size int64, options ...Option) (*Archive, error) {
	a := &Archive{
		src:    src,
		size:   size,
		config: newConfig(options),
		bufferPool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, 64*1024)
				return &b
			},
		},
	}

	pr := newPakReader(src, size, a.config)
	end, entries, err := pr.ReadFiles(ctx)
	if err != nil {
		return nil, err
	}

	a.end = end
	a.files = make([]*File, len(entries))
	for i, e := range entries {
		a.files[i] = a.newFile(e)
	}

	a.config.Logger.Debug("read pak directory",
		"records", end.TotalNumberOfEntriesOnThisDisk,
		"files", len(a.files),
		"directory_offset", end.CentralDirOffset,
		"directory_size", end.CentralDirSize)

	return a, nil
}

// Close releases the underlying source if the archive was created by Open.
func (a *Archive) Close() error {
	if a.closer == nil {
		return nil
	}
	c := a.closer
	a.closer = nil
	if err := c.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// Size returns the total length of the archive in bytes.
func (a *Archive) Size() int64 { return a.size }

// Key returns the initial cipher key the archive was read with.
func (a *Archive) Key() uint32 { return a.config.Key }

// Records returns the number of central directory records, including
// directory markers that are not listed by Files.
func (a *Archive) Records() int { return int(a.end.TotalNumberOfEntriesOnThisDisk) }

// Files returns the extractable files in central directory order.
// Directory markers (entries with zero uncompressed size) are not included.
func (a *Archive) Files() []*File {
	files := make([]*File, len(a.files))
	copy(files, a.files)
	return files
}

// File returns the entry with the given name.
func (a *Archive) File(name string) (*File, error) {
	name = normalizeName(name)
	for _, f := range a.files {
		if f.name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
}

// FS returns a read-only file system view of the archive.
func (a *Archive) FS() fs.FS {
	return &pakFS{a: a}
}

// Extract extracts files to the destination directory.
// Includes Zip Slip protection to ensure files stay within the target path.
// Failures of individual files do not stop the extraction; they are returned
// joined together once every file has been processed.
func (a *Archive) Extract(path string, options ...ExtractOption) error {
	return a.ExtractWithContext(context.Background(), path, options...)
}

// ExtractWithContext extracts files with context support.
func (a *Archive) ExtractWithContext(ctx context.Context, path string, options ...ExtractOption) error {
	return a.ExtractToSink(ctx, NewDirSink(path), options...)
}

// ExtractToSink extracts files one at a time, in central directory order, into sink.
func (a *Archive) ExtractToSink(ctx context.Context, sink Sink, options ...ExtractOption) error {
	var errs []error

	for _, f := range a.selectFiles(options) {
		if err := ctx.Err(); err != nil {
			return err
		}

		size, err := a.extractFile(ctx, f, sink)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			errs = append(errs, fmt.Errorf("failed to extract %s: %w", f.name, err))
		}
		a.report(f, size, err)
	}

	return errors.Join(errs...)
}

// ExtractParallel extracts files using multiple workers.
// Each file derives its own key, so files are independent of each other.
func (a *Archive) ExtractParallel(path string, workers int, options ...ExtractOption) error {
	return a.ExtractParallelWithContext(context.Background(), path, workers, options...)
}

// ExtractParallelWithContext extracts files concurrently with context support.
func (a *Archive) ExtractParallelWithContext(ctx context.Context, path string, workers int, options ...ExtractOption) error {
	return a.ExtractToSinkParallel(ctx, NewDirSink(path), workers, options...)
}

// ExtractToSinkParallel extracts files into sink using up to workers
// goroutines. Larger files are scheduled first. sink must be safe for
// concurrent use.
func (a *Archive) ExtractToSinkParallel(ctx context.Context, sink Sink, workers int, options ...ExtractOption) error {
	if workers < 1 {
		workers = 1
	}

	files := sortSizeDescending(a.selectFiles(options))

	sem := make(chan struct{}, workers)
	errChan := make(chan error, len(files))
	var wg sync.WaitGroup

	for _, f := range files {
		select {
		case <-ctx.Done():
			goto Finish
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(f *File) {
			defer func() { <-sem; wg.Done() }()

			size, err := a.extractFile(ctx, f, sink)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				errChan <- fmt.Errorf("failed to extract %s: %w", f.name, err)
			}
			a.report(f, size, err)
		}(f)
	}

Finish:
	wg.Wait()
	close(errChan)

	if err := ctx.Err(); err != nil {
		return err
	}

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// selectFiles applies extraction filters to the file table.
func (a *Archive) selectFiles(options []ExtractOption) []*File {
	files := a.Files()
	for _, opt := range options {
		files = opt(files)
	}
	return files
}

func (a *Archive) report(f *File, size int64, err error) {
	if err != nil {
		a.config.Logger.Debug("extract failed", "name", f.name, "error", err)
	}
	if a.config.OnFileProcessed != nil {
		a.config.OnFileProcessed(Progress{File: f, Size: size, Err: err})
	}
}
