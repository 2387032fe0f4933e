// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fspak

import (
	"fmt"
	"sort"
)

// FileSortStrategy defines the order in which files are listed or extracted.
type FileSortStrategy int

const (
	SortDefault        FileSortStrategy = iota // Central directory order
	SortAlphabetical                           // A-Z by filename
	SortSizeAscending                          // Smallest first
	SortSizeDescending                         // Largest first
	SortOffset                                 // Position in the archive
	SortStoredFirst                            // Stored entries before compressed ones
)

// ParseSortStrategy maps a strategy name ("default", "name", "size",
// "size-desc", "offset", "stored") to its FileSortStrategy.
func ParseSortStrategy(s string) (FileSortStrategy, error) {
	switch s {
	case "", "default":
		return SortDefault, nil
	case "name":
		return SortAlphabetical, nil
	case "size":
		return SortSizeAscending, nil
	case "size-desc":
		return SortSizeDescending, nil
	case "offset":
		return SortOffset, nil
	case "stored":
		return SortStoredFirst, nil
	}
	return SortDefault, fmt.Errorf("unknown sort strategy %q", s)
}

// SortFiles returns a sorted slice of files according to the strategy.
// Returns a new slice; the original slice is not modified.
func SortFiles(files []*File, strategy FileSortStrategy) []*File {
	if len(files) <= 1 {
		result := make([]*File, len(files))
		copy(result, files)
		return result
	}

	switch strategy {
	case SortAlphabetical:
		return sortAlphabetical(files)

	case SortSizeAscending:
		return sortSizeAscending(files)

	case SortSizeDescending:
		return sortSizeDescending(files)

	case SortOffset:
		return sortOffset(files)

	case SortStoredFirst:
		return partitionStable(files, func(f *File) bool {
			return !f.compressionMethod.IsCompressed()
		})

	default:
		// Default behavior: preserve directory order
		result := make([]*File, len(files))
		copy(result, files)
		return result
	}
}

// partitionStable splits files into two groups based on the keepFirst condition.
// It preserves the relative order of elements within groups (Stable).
// Complexity: O(N) time, O(N) space.
func partitionStable(files []*File, keepFirst func(*File) bool) []*File {
	countFirst := 0
	for _, f := range files {
		if keepFirst(f) {
			countFirst++
		}
	}

	result := make([]*File, len(files))

	// Pointers for where to write the next element
	idxFirst := 0
	idxSecond := countFirst

	for _, f := range files {
		if keepFirst(f) {
			result[idxFirst] = f
			idxFirst++
		} else {
			result[idxSecond] = f
			idxSecond++
		}
	}

	return result
}

func sortSizeAscending(files []*File) []*File {
	sorted := make([]*File, len(files))
	copy(sorted, files)
	// Use SliceStable to ensure deterministic order for equal-sized files
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].uncompressedSize < sorted[j].uncompressedSize
	})
	return sorted
}

func sortSizeDescending(files []*File) []*File {
	sorted := make([]*File, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].uncompressedSize > sorted[j].uncompressedSize
	})
	return sorted
}

// sortOffset orders files by local header position, which makes sequential
// extraction read the archive front to back.
func sortOffset(files []*File) []*File {
	sorted := make([]*File, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].localHeaderOffset < sorted[j].localHeaderOffset
	})
	return sorted
}

// sortAlphabetical sorts files by name A-Z.
// Note: This naturally groups files in the same directory together.
func sortAlphabetical(files []*File) []*File {
	sorted := make([]*File, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].name < sorted[j].name
	})
	return sorted
}
