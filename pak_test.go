// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fspak_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/lemon4ksan/fspak"
	"github.com/lemon4ksan/fspak/internal/paktest"
)

// --- Helpers ---

func newArchive(t *testing.T, data []byte, options ...fspak.Option) *fspak.Archive {
	t.Helper()
	a, err := fspak.NewReader(bytes.NewReader(data), int64(len(data)), options...)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return a
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	return data
}

func assertNotExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("%s should not exist, stat err: %v", path, err)
	}
}

func mustDeflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		t.Fatal(err)
	}
	w.Write(data)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// memSink collects extracted files in memory.
type memSink struct {
	mu    sync.Mutex
	files map[string]*bytes.Buffer
}

func newMemSink() *memSink { return &memSink{files: make(map[string]*bytes.Buffer)} }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (s *memSink) Create(name string, size int64) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := bytes.NewBuffer(make([]byte, 0, size))
	s.files[name] = buf
	return nopWriteCloser{buf}, nil
}

func sampleEntries() []paktest.Entry {
	return []paktest.Entry{
		{Name: "readme.txt", Data: []byte("stored payload, copied verbatim")},
		{Name: "scripts/", Data: nil},
		{Name: "scripts/main.lua", Data: bytes.Repeat([]byte("print('hello')\n"), 64), Compress: true},
		{Name: "textures/wall.dds", Data: bytes.Repeat([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 300), Extra: []byte{1, 2, 3, 4}, Comment: []byte("wall")},
	}
}

// --- Directory pass ---

func TestRehashCountersMatchIndependentSum(t *testing.T) {
	entries := []paktest.Entry{
		{Name: "a", Data: []byte("1")},
		{Name: "dir/", Data: nil, Comment: []byte("marker")},
		{Name: "dir/bb", Data: []byte("22"), Extra: []byte{9, 9}},
		{Name: "dir/ccc", Data: bytes.Repeat([]byte("3"), 100), Compress: true, Comment: []byte("c")},
		{Name: "dddd", Data: []byte("4444"), LocalExtra: []byte{0, 0, 0}},
	}
	data := paktest.MustBuild(t, fspak.DefaultKey, entries...)
	a := newArchive(t, data)

	want := paktest.RehashCounters(entries...)
	byName := make(map[string]uint64)
	for i, e := range entries {
		byName[e.Name] = want[i]
	}

	files := a.Files()
	if len(files) != 4 {
		t.Fatalf("got %d files, want 4", len(files))
	}
	for _, f := range files {
		if got := f.RehashCounter(); got != byName[f.Name()] {
			t.Errorf("%s: rehash = %d, want %d", f.Name(), got, byName[f.Name()])
		}
	}
}

func TestZeroSizeEntriesSkipped(t *testing.T) {
	data := paktest.MustBuild(t, fspak.DefaultKey,
		paktest.Entry{Name: "empty/"},
		paktest.Entry{Name: "empty.txt"},
		paktest.Entry{Name: "full.txt", Data: []byte("x")},
	)
	a := newArchive(t, data)

	files := a.Files()
	if len(files) != 1 || files[0].Name() != "full.txt" {
		names := make([]string, len(files))
		for i, f := range files {
			names[i] = f.Name()
		}
		t.Fatalf("files = %v, want [full.txt]", names)
	}

	if _, err := a.File("empty.txt"); !errors.Is(err, fspak.ErrFileNotFound) {
		t.Errorf("File(empty.txt): got %v, want ErrFileNotFound", err)
	}
}

func TestNewReader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		options []fspak.Option
	}{
		{
			name:    "Wrong key",
			data:    paktest.MustBuild(t, 0x11111111, paktest.Entry{Name: "a", Data: []byte("a")}),
			options: []fspak.Option{fspak.WithKey(0x22222222)},
		},
		{
			name: "Name too long",
			data: paktest.MustBuild(t, fspak.DefaultKey, paktest.Entry{Name: strings.Repeat("x", 300), Data: []byte("a")}),
		},
		{
			name: "Not an archive",
			data: []byte("definitely not a pak archive, just some text"),
		},
		{
			name: "Empty",
			data: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := fspak.NewReader(bytes.NewReader(tt.data), int64(len(tt.data)), tt.options...)
			if !errors.Is(err, fspak.ErrFormat) {
				t.Fatalf("got %v, want ErrFormat", err)
			}
			if a != nil {
				t.Error("archive returned on failure")
			}
		})
	}
}

func TestNameLimitOption(t *testing.T) {
	name := strings.Repeat("x", 300)
	data := paktest.MustBuild(t, fspak.DefaultKey, paktest.Entry{Name: name, Data: []byte("a")})

	a := newArchive(t, data, fspak.WithMaxNameLength(512))
	if _, err := a.File(name); err != nil {
		t.Errorf("File: %v", err)
	}
}

func TestFileMetadata(t *testing.T) {
	entries := sampleEntries()
	a := newArchive(t, paktest.MustBuild(t, fspak.DefaultKey, entries...))

	f, err := a.File("scripts/main.lua")
	if err != nil {
		t.Fatal(err)
	}

	if f.CompressionMethod() != fspak.Deflated {
		t.Errorf("method = %v, want deflate", f.CompressionMethod())
	}
	if f.UncompressedSize() != int64(len(entries[2].Data)) {
		t.Errorf("size = %d, want %d", f.UncompressedSize(), len(entries[2].Data))
	}
	if f.CompressedSize() >= f.UncompressedSize() {
		t.Errorf("compressed size %d not smaller than %d", f.CompressedSize(), f.UncompressedSize())
	}
	if f.BaseName() != "main.lua" {
		t.Errorf("BaseName = %q", f.BaseName())
	}

	wantTime := time.Date(2023, 12, 15, 14, 30, 14, 0, time.UTC)
	if !f.ModTime().Equal(wantTime) {
		t.Errorf("ModTime = %v, want %v", f.ModTime(), wantTime)
	}

	if _, err := a.File("\\scripts\\main.lua"); err != nil {
		t.Errorf("lookup with backslashes: %v", err)
	}
}

// --- Extraction ---

func TestExtract_StoredAndDeflated(t *testing.T) {
	entries := sampleEntries()
	a := newArchive(t, paktest.MustBuild(t, fspak.DefaultKey, entries...))

	var progress []fspak.Progress
	a2 := newArchive(t, paktest.MustBuild(t, fspak.DefaultKey, entries...),
		fspak.WithOnFileProcessed(func(p fspak.Progress) { progress = append(progress, p) }))

	for _, archive := range []*fspak.Archive{a, a2} {
		dest := t.TempDir()
		if err := archive.Extract(dest); err != nil {
			t.Fatalf("Extract: %v", err)
		}

		for _, e := range entries {
			path := filepath.Join(dest, filepath.FromSlash(e.Name))
			if len(e.Data) == 0 {
				continue
			}
			if got := readFile(t, path); !bytes.Equal(got, e.Data) {
				t.Errorf("%s: content mismatch (%d bytes, want %d)", e.Name, len(got), len(e.Data))
			}
		}

		info, err := os.Stat(filepath.Join(dest, "readme.txt"))
		if err != nil {
			t.Fatal(err)
		}
		if want := time.Date(2023, 12, 15, 14, 30, 14, 0, time.UTC); !info.ModTime().Equal(want) {
			t.Errorf("mod time = %v, want %v", info.ModTime(), want)
		}
	}

	if len(progress) != 3 {
		t.Fatalf("got %d progress reports, want 3", len(progress))
	}
	for _, p := range progress {
		if p.Err != nil {
			t.Errorf("%s: %v", p.File.Name(), p.Err)
		}
		if p.Size != p.File.UncompressedSize() {
			t.Errorf("%s: reported size %d, want %d", p.File.Name(), p.Size, p.File.UncompressedSize())
		}
	}
}

func TestExtract_CustomKeyAndLocalExtra(t *testing.T) {
	const key = 0x0BADF00D
	entries := []paktest.Entry{
		{Name: "one.bin", Data: []byte("first"), LocalExtra: []byte("local extra is skipped")},
		{Name: "two.bin", Data: bytes.Repeat([]byte("second"), 50), Compress: true, LocalExtra: []byte{1}},
	}
	a := newArchive(t, paktest.MustBuild(t, key, entries...), fspak.WithKey(key))

	sink := newMemSink()
	if err := a.ExtractToSink(context.Background(), sink); err != nil {
		t.Fatalf("ExtractToSink: %v", err)
	}

	for _, e := range entries {
		buf, ok := sink.files[e.Name]
		if !ok {
			t.Fatalf("%s not extracted", e.Name)
		}
		if !bytes.Equal(buf.Bytes(), e.Data) {
			t.Errorf("%s: content mismatch", e.Name)
		}
	}
}

func TestExtract_CorruptLocalHeaderDoesNotStopBatch(t *testing.T) {
	data := paktest.MustBuild(t, fspak.DefaultKey,
		paktest.Entry{Name: "broken.txt", Data: []byte("never extracted"), CorruptLocalHeader: true},
		paktest.Entry{Name: "good.txt", Data: []byte("extracted anyway")},
	)

	var reports []fspak.Progress
	a := newArchive(t, data, fspak.WithOnFileProcessed(func(p fspak.Progress) {
		reports = append(reports, p)
	}))

	dest := t.TempDir()
	err := a.Extract(dest)
	if !errors.Is(err, fspak.ErrFormat) {
		t.Fatalf("got %v, want ErrFormat", err)
	}
	if !strings.Contains(err.Error(), "broken.txt") {
		t.Errorf("error does not name the failed file: %v", err)
	}

	assertNotExist(t, filepath.Join(dest, "broken.txt"))
	if got := readFile(t, filepath.Join(dest, "good.txt")); string(got) != "extracted anyway" {
		t.Errorf("good.txt = %q", got)
	}

	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	if reports[0].Err == nil || reports[0].Size != 0 {
		t.Errorf("broken.txt report = %+v", reports[0])
	}
	if reports[1].Err != nil {
		t.Errorf("good.txt report error: %v", reports[1].Err)
	}
}

func TestExtract_DecompressionFailureWritesNothing(t *testing.T) {
	data := paktest.MustBuild(t, fspak.DefaultKey,
		paktest.Entry{Name: "bad.bin", Data: []byte("some content"), Compress: true, Payload: []byte{0xFF, 0xFF, 0xFF, 0xFF}},
		paktest.Entry{Name: "short.bin", Data: bytes.Repeat([]byte("a"), 100), Compress: true, Payload: mustDeflate(t, []byte("only a prefix"))},
		paktest.Entry{Name: "fine.bin", Data: []byte("fine")},
	)
	a := newArchive(t, data)

	dest := t.TempDir()
	err := a.Extract(dest)
	if !errors.Is(err, fspak.ErrDecompression) {
		t.Fatalf("got %v, want ErrDecompression", err)
	}

	assertNotExist(t, filepath.Join(dest, "bad.bin"))
	assertNotExist(t, filepath.Join(dest, "short.bin"))
	if got := readFile(t, filepath.Join(dest, "fine.bin")); string(got) != "fine" {
		t.Errorf("fine.bin = %q", got)
	}
}

func TestExtract_ChecksumVerification(t *testing.T) {
	data := paktest.MustBuild(t, fspak.DefaultKey,
		paktest.Entry{Name: "tampered.txt", Data: []byte("content"), CRC: 0xDEADBEEF},
		paktest.Entry{Name: "ok.txt", Data: []byte("content"), Compress: true},
	)

	t.Run("Disabled", func(t *testing.T) {
		a := newArchive(t, data)
		if err := a.ExtractToSink(context.Background(), newMemSink()); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("Enabled", func(t *testing.T) {
		a := newArchive(t, data, fspak.WithChecksumVerification(true))
		sink := newMemSink()
		err := a.ExtractToSink(context.Background(), sink)
		if !errors.Is(err, fspak.ErrChecksum) {
			t.Fatalf("got %v, want ErrChecksum", err)
		}
		if sink.files["ok.txt"].String() != "content" {
			t.Error("ok.txt not extracted")
		}
	})
}

func TestExtract_InsecurePath(t *testing.T) {
	data := paktest.MustBuild(t, fspak.DefaultKey,
		paktest.Entry{Name: "../escape.txt", Data: []byte("evil")},
		paktest.Entry{Name: "safe.txt", Data: []byte("safe")},
	)
	a := newArchive(t, data)

	parent := t.TempDir()
	dest := filepath.Join(parent, "out")

	err := a.Extract(dest)
	if !errors.Is(err, fspak.ErrInsecurePath) {
		t.Fatalf("got %v, want ErrInsecurePath", err)
	}
	assertNotExist(t, filepath.Join(parent, "escape.txt"))
	if got := readFile(t, filepath.Join(dest, "safe.txt")); string(got) != "safe" {
		t.Errorf("safe.txt = %q", got)
	}
}

func TestExtract_Filters(t *testing.T) {
	data := paktest.MustBuild(t, fspak.DefaultKey,
		paktest.Entry{Name: "root.txt", Data: []byte("r")},
		paktest.Entry{Name: "maps/one.bin", Data: []byte("1")},
		paktest.Entry{Name: "maps/sub/two.bin", Data: []byte("2")},
		paktest.Entry{Name: "mapsuffix.txt", Data: []byte("m")},
	)
	a := newArchive(t, data)
	root, _ := a.File("root.txt")

	tests := []struct {
		name    string
		options []fspak.ExtractOption
		want    []string
	}{
		{"All", nil, []string{"root.txt", "maps/one.bin", "maps/sub/two.bin", "mapsuffix.txt"}},
		{"FromDir", []fspak.ExtractOption{fspak.FromDir("maps")}, []string{"maps/one.bin", "maps/sub/two.bin"}},
		{"WithoutDir", []fspak.ExtractOption{fspak.WithoutDir("maps/")}, []string{"root.txt", "mapsuffix.txt"}},
		{"WithFiles", []fspak.ExtractOption{fspak.WithFiles([]*fspak.File{root})}, []string{"root.txt"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := newMemSink()
			if err := a.ExtractToSink(context.Background(), sink, tt.options...); err != nil {
				t.Fatal(err)
			}
			if len(sink.files) != len(tt.want) {
				t.Errorf("extracted %d files, want %d", len(sink.files), len(tt.want))
			}
			for _, name := range tt.want {
				if _, ok := sink.files[name]; !ok {
					t.Errorf("%s not extracted", name)
				}
			}
		})
	}
}

func TestExtractParallel(t *testing.T) {
	var entries []paktest.Entry
	for i := 0; i < 40; i++ {
		entries = append(entries, paktest.Entry{
			Name:     fmt.Sprintf("dir_%d/file_%d.dat", i%5, i),
			Data:     bytes.Repeat([]byte(fmt.Sprintf("payload %d;", i)), i*10+1),
			Compress: i%2 == 0,
		})
	}
	entries[7].CorruptLocalHeader = true

	var mu sync.Mutex
	processed := 0
	a := newArchive(t, paktest.MustBuild(t, fspak.DefaultKey, entries...),
		fspak.WithOnFileProcessed(func(fspak.Progress) {
			mu.Lock()
			processed++
			mu.Unlock()
		}))

	dest := t.TempDir()
	err := a.ExtractParallel(dest, 4)
	if !errors.Is(err, fspak.ErrFormat) {
		t.Fatalf("got %v, want ErrFormat for the corrupted entry", err)
	}

	if processed != len(entries) {
		t.Errorf("processed %d files, want %d", processed, len(entries))
	}

	for i, e := range entries {
		path := filepath.Join(dest, filepath.FromSlash(e.Name))
		if i == 7 {
			assertNotExist(t, path)
			continue
		}
		if got := readFile(t, path); !bytes.Equal(got, e.Data) {
			t.Errorf("%s: content mismatch", e.Name)
		}
	}
}

func TestExtract_ContextCanceled(t *testing.T) {
	a := newArchive(t, paktest.MustBuild(t, fspak.DefaultKey, sampleEntries()...))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := a.ExtractWithContext(ctx, t.TempDir()); !errors.Is(err, context.Canceled) {
		t.Errorf("sequential: got %v, want context.Canceled", err)
	}
	if err := a.ExtractParallelWithContext(ctx, t.TempDir(), 2); !errors.Is(err, context.Canceled) {
		t.Errorf("parallel: got %v, want context.Canceled", err)
	}
}

func TestFile_Open(t *testing.T) {
	entries := sampleEntries()
	a := newArchive(t, paktest.MustBuild(t, fspak.DefaultKey, entries...))

	for _, i := range []int{0, 2, 3} {
		f, err := a.File(entries[i].Name)
		if err != nil {
			t.Fatal(err)
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("Open(%s): %v", f.Name(), err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, entries[i].Data) {
			t.Errorf("%s: content mismatch", f.Name())
		}
	}
}

// --- Byte source ---

func TestOpen(t *testing.T) {
	entries := sampleEntries()
	path := filepath.Join(t.TempDir(), "base.pak")
	if err := os.WriteFile(path, paktest.MustBuild(t, fspak.DefaultKey, entries...), 0644); err != nil {
		t.Fatal(err)
	}

	for _, useMmap := range []bool{true, false} {
		t.Run(fmt.Sprintf("mmap=%v", useMmap), func(t *testing.T) {
			a, err := fspak.Open(path, fspak.WithMmap(useMmap))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer a.Close()

			if len(a.Files()) != 3 {
				t.Errorf("got %d files, want 3", len(a.Files()))
			}

			dest := t.TempDir()
			if err := a.Extract(dest); err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if got := readFile(t, filepath.Join(dest, "scripts", "main.lua")); !bytes.Equal(got, entries[2].Data) {
				t.Error("main.lua content mismatch")
			}
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := fspak.Open(filepath.Join(dir, "missing.pak")); !errors.Is(err, fspak.ErrIO) {
		t.Errorf("missing file: got %v, want ErrIO", err)
	}
	if _, err := fspak.Open(dir, fspak.WithMmap(false)); !errors.Is(err, fspak.ErrIO) {
		t.Errorf("directory: got %v, want ErrIO", err)
	}

	garbage := filepath.Join(dir, "garbage.pak")
	if err := os.WriteFile(garbage, bytes.Repeat([]byte{0x42}, 100), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := fspak.Open(garbage); !errors.Is(err, fspak.ErrFormat) {
		t.Errorf("garbage: got %v, want ErrFormat", err)
	}
}
