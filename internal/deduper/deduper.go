// Package deduper replaces duplicate files with hardlinks to reclaim disk space.
//
// # Overview
//
// The deduper is the final stage in the duplicate detection pipeline. It
// consumes internal/finalize's ranked, labeled groups — each already
// carrying an "original" decision per spec.md §4.6 — and replaces every
// non-original file with a hardlink (or symlink as fallback across device
// boundaries) to its group's original.
//
// # Processing Pipeline
//
//	Input: []*finalize.Group (ranked, original-labeled subgroups)
//	    │
//	    ├──► For each Group:
//	    │        │
//	    │        ├──► source := first file marked Original
//	    │        │
//	    │        └──► For each duplicate (non-original) file (target):
//	    │                 │
//	    │                 ├──► Skip if target already shares source's inode
//	    │                 ├──► Verify mtime unchanged (safety check)
//	    │                 ├──► Try hardlink (atomic replace)
//	    │                 └──► If EXDEV and --symlink-fallback: try symlink
//	    │
//	    └──► Output: stats (sets deduplicated, bytes saved)
//
// # Safety Mechanisms
//
//   - Mtime verification prevents replacing files modified during scan
//   - Atomic replacement via rename (write temp → rename over target)
//   - Dry-run mode for previewing changes
//
// # Why This Design?
//
//   - Sequential processing (I/O bound, not CPU bound)
//   - Hardlinks preferred (same device, no dangling refs)
//   - Symlinks as fallback (across device boundaries)
//   - Verbose mode for auditing replacements
//   - Original selection lives entirely in internal/finalize; the deduper
//     only executes the filesystem side effect of a decision already made
package deduper

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ivoronin/dupefind/internal/finalize"
	"github.com/ivoronin/dupefind/internal/progress"
	"github.com/ivoronin/dupefind/internal/types"
)

// Deduper replaces duplicate files with hardlinks (or symlinks as fallback).
//
// The deduper is designed for single-use: create with New(), call Run() once.
type Deduper struct {
	// Config (immutable, set by New)
	groups          []*finalize.Group // Ranked, original-labeled groups to process
	dryRun          bool              // Preview mode (don't modify files)
	symlinkFallback bool              // Fall back to symlinks across device boundaries
	verbose         bool              // Print each replacement to stdout
	showProgress    bool              // Whether to display progress bar
	errCh           chan error        // Non-fatal errors (permission denied, etc.)
}

// New creates a Deduper for replacing duplicates with links.
func New(groups []*finalize.Group, dryRun, symlinkFallback, verbose, showProgress bool, errCh chan error) *Deduper {
	return &Deduper{
		groups:          groups,
		dryRun:          dryRun,
		symlinkFallback: symlinkFallback,
		verbose:         verbose,
		showProgress:    showProgress,
		errCh:           errCh,
	}
}

// stats tracks deduplication progress.
type stats struct {
	totalFiles     int
	processedFiles int
	totalSets      int
	processedSets  int
	savedBytes     int64
	startTime      time.Time
}

func (s *stats) String() string {
	pct := 0.0
	if s.totalFiles > 0 {
		pct = float64(s.processedFiles) / float64(s.totalFiles) * 100
	}
	return fmt.Sprintf("Deduplicated %d/%d files in %d/%d sets (%.0f%%), saved %s in %.1fs",
		s.processedFiles, s.totalFiles,
		s.processedSets, s.totalSets,
		pct,
		humanize.IBytes(uint64(s.savedBytes)),
		time.Since(s.startTime).Seconds())
}

// countTargetFiles counts the total number of files to be deduplicated
// (every non-original file across every group).
func (d *Deduper) countTargetFiles() int {
	total := 0
	for _, g := range d.groups {
		total += len(g.Duplicates())
	}
	return total
}

// firstOriginal returns the file finalize marked original, preferring the
// first one in rank order (the winner, when only one was marked).
func firstOriginal(g *finalize.Group) *types.FileInfo {
	for _, f := range g.Files {
		if g.IsOriginal(f) {
			return f
		}
	}
	return g.Files[0]
}

// Run executes deduplication on all ranked, labeled groups.
//
// Processing sequence:
//  1. For each group, take the file internal/finalize marked original
//  2. For each duplicate (non-original) file, skip if already the same
//     inode as the source, else verify unchanged and replace with a link
//  3. Track bytes saved and report stats
func (d *Deduper) Run() {
	bar := progress.New(d.showProgress, -1)
	st := &stats{totalFiles: d.countTargetFiles(), totalSets: len(d.groups), startTime: time.Now()}
	bar.Describe(st) // Render progress bar immediately

	for _, g := range d.groups {
		source := firstOriginal(g)

		for _, target := range g.Duplicates() {
			// Already the same inode as the source (e.g. a pre-existing
			// hardlink that finalize didn't mark original) - nothing to do.
			if target.Dev == source.Dev && target.Ino == source.Ino {
				continue
			}

			result := d.dedupeFile(source, target)
			if result.Err != nil {
				d.sendError(fmt.Errorf("%s: %w", target.Path, result.Err))
				continue
			}
			st.savedBytes += result.BytesSaved
			st.processedFiles++
			if d.verbose {
				fmt.Fprintf(os.Stderr, "\r\033[K") // Clear progress line
				_, _ = fmt.Fprintln(os.Stdout, result)
			}
			bar.Describe(st)
		}

		st.processedSets++
		bar.Describe(st)
	}

	bar.Finish(st)
}

// dedupeFile replaces target with a link to source.
//
// Safety checks:
//   - Acquires exclusive advisory lock on target (skips if file in use)
//   - Verifies target mtime unchanged since scan
//   - Returns skip result if file was modified or locked
//
// Link strategy:
//   - Tries hardlink first (preferred)
//   - Falls back to symlink if EXDEV and symlinkFallback enabled
func (d *Deduper) dedupeFile(source, target *types.FileInfo) *DedupeResult {
	// Open target file to acquire advisory lock.
	// This prevents race conditions with other processes modifying the file.
	f, err := os.Open(target.Path)
	if err != nil {
		return &DedupeResult{
			Source: source.Path,
			Target: target.Path,
			Action: ActionSkipped,
			Err:    err,
		}
	}
	defer func() { _ = f.Close() }()

	// Try to acquire exclusive non-blocking lock.
	// If file is in use by another process, skip it rather than wait.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return &DedupeResult{
			Source: source.Path,
			Target: target.Path,
			Action: ActionSkipped,
			Err:    errors.New("file in use (locked by another process)"),
		}
	}
	// Lock released automatically when file is closed (deferred above)

	// Check if mtime changed since scan
	info, err := f.Stat()
	if err != nil {
		return &DedupeResult{
			Source: source.Path,
			Target: target.Path,
			Action: ActionSkipped,
			Err:    err,
		}
	}
	if !info.ModTime().Equal(target.ModTime) {
		return &DedupeResult{
			Source: source.Path,
			Target: target.Path,
			Action: ActionSkipped,
			Err:    errors.New("file modified since scan"),
		}
	}

	if d.dryRun {
		return &DedupeResult{
			Source:     source.Path,
			Target:     target.Path,
			Action:     ActionHardlink,
			BytesSaved: target.Size,
		}
	}

	// Try hardlink first
	err = CreateHardlink(source.Path, target.Path)
	if err == nil {
		return &DedupeResult{
			Source:     source.Path,
			Target:     target.Path,
			Action:     ActionHardlink,
			BytesSaved: target.Size,
		}
	}

	// Check for EXDEV error
	if errors.Is(err, syscall.EXDEV) {
		if !d.symlinkFallback {
			return &DedupeResult{
				Source: source.Path,
				Target: target.Path,
				Action: ActionSkipped,
				Err:    errors.New("cannot hardlink across device boundaries (use --symlink-fallback)"),
			}
		}

		// Try symlink as fallback
		err = CreateSymlink(source.Path, target.Path)
		if err == nil {
			return &DedupeResult{
				Source:     source.Path,
				Target:     target.Path,
				Action:     ActionSymlink,
				BytesSaved: target.Size,
			}
		}
		return &DedupeResult{
			Source: source.Path,
			Target: target.Path,
			Action: ActionSkipped,
			Err:    err,
		}
	}

	// Other errors (EMLINK, EACCES, etc.) - skip and continue
	return &DedupeResult{
		Source: source.Path,
		Target: target.Path,
		Action: ActionSkipped,
		Err:    err,
	}
}

// sendError sends an error to the errors channel if it's not nil.
func (d *Deduper) sendError(err error) {
	if d.errCh != nil {
		d.errCh <- err
	}
}
