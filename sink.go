// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fspak

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Sink receives the recovered content of extracted files.
type Sink interface {
	// Create opens the destination for the named file, which is size bytes
	// long. name uses forward slashes.
	Create(name string, size int64) (io.WriteCloser, error)
}

// DirSink writes extracted files below a root directory, creating parent
// directories as needed. It is safe for concurrent use.
type DirSink struct {
	root string
}

// NewDirSink returns a sink writing below root.
func NewDirSink(root string) *DirSink {
	return &DirSink{root: filepath.Clean(root)}
}

// Root returns the destination directory.
func (s *DirSink) Root() string { return s.root }

// Path returns the destination path of the named file. Names that would
// resolve outside the root (Zip Slip) are rejected with ErrInsecurePath.
func (s *DirSink) Path(name string) (string, error) {
	rel := filepath.FromSlash(name)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s", ErrInsecurePath, name)
	}
	return filepath.Join(s.root, rel), nil
}

// Create creates or truncates the destination file of name.
func (s *DirSink) Create(name string, size int64) (io.WriteCloser, error) {
	fpath, err := s.Path(name)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(fpath), 0755); err != nil {
		return nil, fmt.Errorf("%w: create dir for %s: %w", ErrIO, name, err)
	}

	dst, err := os.Create(fpath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	if size > 0 {
		if err := dst.Truncate(size); err != nil {
			dst.Close()
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}
	}
	return dst, nil
}

// Chtimes sets the modification time of an extracted file.
func (s *DirSink) Chtimes(name string, mtime time.Time) error {
	fpath, err := s.Path(name)
	if err != nil {
		return err
	}
	return os.Chtimes(fpath, time.Now(), mtime)
}
