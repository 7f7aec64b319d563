// Package types provides shared types used across the dupefind codebase.
package types

import (
	"cmp"
	"slices"
	"time"

	"github.com/ivoronin/dupefind/internal/digest"
	"github.com/ivoronin/dupefind/internal/pathtrie"
)

// Digest re-exports internal/digest.Digest so callers that only need the
// FileInfo/group plumbing don't have to import the digest package directly.
type Digest = digest.Digest

// FileInfo holds metadata for a scanned file, plus the fields the shred
// engine needs to drive progressive hashing.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	Dev     uint64
	Ino     uint64
	Nlink   uint32

	// Node is the interned path-trie leaf backing Path, letting Path be
	// reconstructed from parent pointers without a stored string; basename
	// rules (spec.md §4.7) compare Node.Basename() across siblings.
	Node *pathtrie.Node

	// DiskID identifies the physical disk Path resides on, as reported by
	// the mount table (spec.md §6). Empty until populated by the scanner.
	DiskID string

	// Traversal flags (spec.md §3).
	Preferred bool // path matched a --path-priority prefix
	Hidden    bool // basename begins with '.'
	Tagged    bool // path fell under a --tagged root
	IsSymlink bool // Update reads link target text, not file content

	// ExtCksum is a precomputed checksum recovered from an extended
	// attribute during preprocessing (populates the External digest
	// variant and lets the file skip straight to a resolved cluster).
	ExtCksum string

	// ClusterKey groups pre-bundled files (hardlinks sharing Dev+Ino, or
	// files sharing an identical ExtCksum) into a single logical entrant
	// to the shred engine (spec.md glossary: Cluster).
	ClusterKey string

	// HashOffset is the byte offset this file's current digest covers.
	HashOffset int64
	// DigestHandle is the current digest handle for this file, cloned from
	// its group's template on sift (spec.md §3).
	DigestHandle Digest
	// EnqueuedDisk is the DiskID this file is currently queued/running on
	// in the multi-disk scheduler.
	EnqueuedDisk string

	// Ignored marks a file that hit a read error or was aborted mid-stream;
	// it is dropped from its group on the next sift (spec.md §4.4 step 2).
	Ignored bool
}

// Sorted is an ordered collection that maintains sort order by a key function.
// T is the element type, K is the comparable key type.
// Once constructed, items are guaranteed to be sorted by key.
type Sorted[T any, K cmp.Ordered] struct {
	items   []T
	keyFunc func(T) K
}

// NewSorted creates a sorted collection from items using keyFunc for ordering.
// Items are copied and sorted at construction time.
func NewSorted[T any, K cmp.Ordered](items []T, keyFunc func(T) K) Sorted[T, K] {
	sorted := make([]T, len(items))
	copy(sorted, items)
	slices.SortFunc(sorted, func(a, b T) int {
		return cmp.Compare(keyFunc(a), keyFunc(b))
	})
	return Sorted[T, K]{items: sorted, keyFunc: keyFunc}
}

// Items returns the sorted items.
func (s Sorted[T, K]) Items() []T { return s.items }

// First returns the first item (smallest key), or zero value if empty.
func (s Sorted[T, K]) First() T {
	if len(s.items) == 0 {
		var zero T
		return zero
	}
	return s.items[0]
}

// Len returns the number of items.
func (s Sorted[T, K]) Len() int { return len(s.items) }

// SiblingGroup contains files sharing the same inode (hardlinks).
// Files are always sorted by Path for deterministic iteration.
type SiblingGroup = Sorted[*FileInfo, string]

// NewSiblingGroup creates a SiblingGroup sorted by file path.
func NewSiblingGroup(files []*FileInfo) SiblingGroup {
	return NewSorted(files, func(f *FileInfo) string { return f.Path })
}

// CandidateGroup contains sibling groups with same size (potential duplicates).
// Sorted by first file's path in each sibling group.
type CandidateGroup = Sorted[SiblingGroup, string]

// NewCandidateGroup creates a CandidateGroup sorted by first file's path.
func NewCandidateGroup(siblings []SiblingGroup) CandidateGroup {
	return NewSorted(siblings, func(sg SiblingGroup) string { return sg.First().Path })
}

// CandidateGroups is a sorted collection of candidate groups.
type CandidateGroups = Sorted[CandidateGroup, string]

// NewCandidateGroups creates sorted CandidateGroups.
func NewCandidateGroups(groups []CandidateGroup) CandidateGroups {
	return NewSorted(groups, func(cg CandidateGroup) string {
		return cg.First().First().Path
	})
}

// DuplicateGroup contains sibling groups with identical content.
// Sorted by first file's path in each sibling group.
type DuplicateGroup = Sorted[SiblingGroup, string]

// NewDuplicateGroup creates a DuplicateGroup sorted by first file's path.
func NewDuplicateGroup(siblings []SiblingGroup) DuplicateGroup {
	return NewSorted(siblings, func(sg SiblingGroup) string { return sg.First().Path })
}

// DuplicateGroups is a sorted collection of duplicate groups.
type DuplicateGroups = Sorted[DuplicateGroup, string]

// NewDuplicateGroups creates sorted DuplicateGroups.
func NewDuplicateGroups(groups []DuplicateGroup) DuplicateGroups {
	return NewSorted(groups, func(dg DuplicateGroup) string {
		return dg.First().First().Path
	})
}

// Semaphore implements a counting semaphore using a buffered channel.
// It limits concurrent access to a resource by blocking when the limit is reached.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }
