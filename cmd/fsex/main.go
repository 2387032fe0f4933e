// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command fsex extracts encrypted pak archives.
//
// Usage:
//
//	fsex [flags] <archive> <dest>
//	fsex list [--sort default|name|size|offset] <archive>
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/lemon4ksan/fspak"
	"github.com/spf13/cobra"
)

// errEntriesFailed is returned after a run in which some entries could not
// be extracted. The entries have been reported already.
var errEntriesFailed = errors.New("some entries failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errEntriesFailed) {
			fmt.Fprintf(stderr, "fsex: %v\n", err)
		}
		return 1
	}
	return 0
}

// keyValue is a uint32 flag accepting decimal, 0x-prefixed hex or 0-prefixed octal.
type keyValue uint32

func (k *keyValue) String() string { return fmt.Sprintf("%#08x", uint32(*k)) }
func (k *keyValue) Type() string   { return "uint32" }

func (k *keyValue) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid key %q", s)
	}
	*k = keyValue(v)
	return nil
}

type globalOptions struct {
	key     keyValue
	maxName int
	noMmap  bool
	verbose bool
}

func (g *globalOptions) archiveOptions(logger *slog.Logger) []fspak.Option {
	return []fspak.Option{
		fspak.WithKey(uint32(g.key)),
		fspak.WithMaxNameLength(g.maxName),
		fspak.WithMmap(!g.noMmap),
		fspak.WithLogger(logger),
	}
}

func (g *globalOptions) logger(stderr io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalOptions{key: keyValue(fspak.DefaultKey)}
	var (
		workers int
		verify  bool
	)

	cmd := &cobra.Command{
		Use:           "fsex [flags] <archive> <dest>",
		Short:         "Extract an encrypted pak archive",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := g.logger(stderr)
			p := newPrinter(stdout)

			options := append(g.archiveOptions(logger),
				fspak.WithChecksumVerification(verify),
				fspak.WithOnFileProcessed(p.report),
			)

			a, err := fspak.OpenWithContext(cmd.Context(), args[0], options...)
			if err != nil {
				return err
			}
			defer a.Close()

			logger.Debug("extracting", "archive", args[0], "dest", args[1], "files", len(a.Files()), "workers", workers)

			if workers > 1 {
				err = a.ExtractParallelWithContext(cmd.Context(), args[1], workers)
			} else {
				err = a.ExtractWithContext(cmd.Context(), args[1])
			}
			p.summary()

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if err != nil {
				logger.Debug("extraction finished with errors", "error", err)
				return errEntriesFailed
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.Var(&g.key, "key", "initial cipher key of the archive")
	pf.IntVar(&g.maxName, "max-name", fspak.DefaultMaxNameLength, "maximum accepted entry name length")
	pf.BoolVar(&g.noMmap, "no-mmap", false, "read the archive without memory mapping")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")

	cmd.Flags().IntVar(&workers, "workers", 1, "number of files extracted concurrently")
	cmd.Flags().BoolVar(&verify, "verify", false, "verify CRC-32 checksums of extracted files")

	cmd.AddCommand(newListCmd(g, stdout, stderr))
	return cmd
}

func newListCmd(g *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	var sortBy string

	cmd := &cobra.Command{
		Use:   "list [flags] <archive>",
		Short: "List the files of a pak archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := fspak.ParseSortStrategy(sortBy)
			if err != nil {
				return err
			}

			a, err := fspak.OpenWithContext(cmd.Context(), args[0], g.archiveOptions(g.logger(stderr))...)
			if err != nil {
				return err
			}
			defer a.Close()

			t := table.New().
				Border(lipgloss.HiddenBorder()).
				Headers("NAME", "SIZE", "PACKED", "METHOD", "OFFSET", "REHASH")

			var total uint64
			for _, f := range fspak.SortFiles(a.Files(), strategy) {
				t.Row(
					f.Name(),
					strconv.FormatInt(f.UncompressedSize(), 10),
					strconv.FormatInt(f.CompressedSize(), 10),
					f.CompressionMethod().String(),
					strconv.FormatInt(f.Offset(), 10),
					strconv.FormatUint(f.RehashCounter(), 10),
				)
				total += uint64(f.UncompressedSize())
			}

			fmt.Fprintln(stdout, t.String())
			fmt.Fprintf(stdout, "%d files, %s (%d directory records)\n", len(a.Files()), humanize.Bytes(total), a.Records())
			return nil
		},
	}

	cmd.Flags().StringVar(&sortBy, "sort", "default", "order of the listing: default, name, size, size-desc, offset, stored")
	return cmd
}

// printer reports per-file progress. Reports may arrive concurrently.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	ok     lipgloss.Style
	failed lipgloss.Style

	start     time.Time
	succeeded int
	failures  int
	written   uint64
}

func newPrinter(out io.Writer) *printer {
	// Bound to out, so styling is dropped when it is not a terminal.
	r := lipgloss.NewRenderer(out)
	return &printer{
		out:    out,
		ok:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		failed: r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		start:  time.Now(),
	}
}

func (p *printer) report(pr fspak.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "Extracting %s of size %d bytes... ", pr.File.Name(), pr.Size)
	if pr.Err != nil {
		p.failures++
		fmt.Fprintf(p.out, "%s (%v)\n", p.failed.Render("FAILED"), pr.Err)
		return
	}
	p.succeeded++
	p.written += uint64(pr.Size)
	fmt.Fprintln(p.out, p.ok.Render("SUCCEEDED"))
}

func (p *printer) summary() {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(p.start).Round(time.Millisecond)
	fmt.Fprintf(p.out, "%d extracted, %d failed, %s written in %s\n",
		p.succeeded, p.failures, humanize.Bytes(p.written), elapsed)
}
