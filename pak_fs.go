// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fspak

import (
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

var (
	_ fs.FS        = (*pakFS)(nil)
	_ fs.StatFS    = (*pakFS)(nil)
	_ fs.ReadDirFS = (*pakFS)(nil)
)

// pakFS exposes an archive as a read-only filesystem. The archive only
// records files, so every directory is implicit.
type pakFS struct {
	a *Archive
}

// Open implements fs.FS, allowing the archive to be used as a read-only filesystem.
func (pfs *pakFS) Open(name string) (fs.File, error) {
	info, err := pfs.stat(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	if info.IsDir() {
		return &fsDir{name: name, info: info, a: pfs.a}, nil
	}

	f := info.(fileInfoAdapter).f
	rc, err := f.Open()
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return &fsFile{entry: f, rc: rc}, nil
}

// Stat implements fs.StatFS.
func (pfs *pakFS) Stat(name string) (fs.FileInfo, error) {
	info, err := pfs.stat(name)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return info, nil
}

// ReadDir implements fs.ReadDirFS.
func (pfs *pakFS) ReadDir(name string) ([]fs.DirEntry, error) {
	file, err := pfs.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	dir, ok := file.(fs.ReadDirFile)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	return dir.ReadDir(-1)
}

// stat resolves the root directory, explicit files, and implicit directories.
func (pfs *pakFS) stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, fs.ErrInvalid
	}

	if name == "." {
		return dirInfo{name: "."}, nil
	}

	prefix := name + "/"
	for _, f := range pfs.a.files {
		if f.name == name {
			return fileInfoAdapter{f}, nil
		}
	}
	for _, f := range pfs.a.files {
		if strings.HasPrefix(f.name, prefix) {
			return dirInfo{name: name}, nil
		}
	}

	return nil, fs.ErrNotExist
}

// fsFile wraps a regular file to satisfy fs.File
type fsFile struct {
	entry *File
	rc    io.ReadCloser
}

func (f *fsFile) Stat() (fs.FileInfo, error) { return fileInfoAdapter{f.entry}, nil }
func (f *fsFile) Read(b []byte) (int, error) { return f.rc.Read(b) }
func (f *fsFile) Close() error               { return f.rc.Close() }

// fsDir wraps an implicit directory to satisfy fs.ReadDirFile
type fsDir struct {
	name    string
	info    fs.FileInfo
	a       *Archive
	entries []fs.DirEntry
	offset  int
	listed  bool
}

func (d *fsDir) Stat() (fs.FileInfo, error) { return d.info, nil }
func (d *fsDir) Close() error               { return nil }
func (d *fsDir) Read(b []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: fs.ErrInvalid}
}

// ReadDir searches file list to find current dir children.
func (d *fsDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if !d.listed {
		d.entries = d.list()
		d.listed = true
	}

	rest := d.entries[d.offset:]
	if n <= 0 {
		d.offset = len(d.entries)
		return rest, nil
	}

	if len(rest) == 0 {
		return nil, io.EOF
	}

	n = min(n, len(rest))
	d.offset += n
	return rest[:n], nil
}

func (d *fsDir) list() []fs.DirEntry {
	dirPath := d.name
	if dirPath == "." {
		dirPath = ""
	} else {
		dirPath += "/"
	}

	seen := make(map[string]bool)
	var entries []fs.DirEntry

	for _, f := range d.a.files {
		if !strings.HasPrefix(f.name, dirPath) {
			continue
		}

		rel := strings.TrimPrefix(f.name, dirPath)
		if rel == "" {
			continue
		}

		parts := strings.SplitN(rel, "/", 2)
		childName := parts[0]

		if seen[childName] {
			continue
		}
		seen[childName] = true

		var info fs.FileInfo = fileInfoAdapter{f}
		if len(parts) > 1 {
			info = dirInfo{name: path.Join(d.name, childName)}
		}
		entries = append(entries, fs.FileInfoToDirEntry(info))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	return entries
}

type fileInfoAdapter struct{ f *File }

func (i fileInfoAdapter) Name() string       { return path.Base(i.f.name) }
func (i fileInfoAdapter) Size() int64        { return i.f.uncompressedSize }
func (i fileInfoAdapter) Mode() fs.FileMode  { return 0444 }
func (i fileInfoAdapter) ModTime() time.Time { return i.f.modTime }
func (i fileInfoAdapter) IsDir() bool        { return false }
func (i fileInfoAdapter) Sys() interface{}   { return i.f }

type dirInfo struct{ name string }

func (i dirInfo) Name() string       { return path.Base(i.name) }
func (i dirInfo) Size() int64        { return 0 }
func (i dirInfo) Mode() fs.FileMode  { return fs.ModeDir | 0555 }
func (i dirInfo) ModTime() time.Time { return time.Time{} }
func (i dirInfo) IsDir() bool        { return true }
func (i dirInfo) Sys() interface{}   { return nil }
