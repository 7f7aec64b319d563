package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/ivoronin/dupefind/internal/cache"
	"github.com/ivoronin/dupefind/internal/config"
	"github.com/ivoronin/dupefind/internal/deduper"
	"github.com/ivoronin/dupefind/internal/digest"
	"github.com/ivoronin/dupefind/internal/finalize"
	"github.com/ivoronin/dupefind/internal/mount"
	"github.com/ivoronin/dupefind/internal/progress"
	"github.com/ivoronin/dupefind/internal/scanner"
	"github.com/ivoronin/dupefind/internal/screener"
	"github.com/ivoronin/dupefind/internal/shred"
	"github.com/spf13/cobra"
)

// dedupeOptions holds CLI flags for the dedupe command: the shared
// internal/config surface plus the flags unique to actually executing a
// dedupe (dry-run, verbose, symlink fallback, paranoid, caching).
type dedupeOptions struct {
	config.Config

	minSizeStr            string
	excludes              []string
	noProgress            bool
	verbose               bool
	dryRun                bool
	trustDeviceBoundaries bool
	cacheFile             string
	paranoid              bool
}

// newDedupeCmd creates the dedupe subcommand.
func newDedupeCmd() *cobra.Command {
	opts := &dedupeOptions{
		Config:     config.Defaults(),
		minSizeStr: "1",
	}
	opts.Threads = runtime.NumCPU()

	cmd := &cobra.Command{
		Use:   "dedupe [paths...]",
		Short: "Find and deduplicate files",
		Long: `Scans for duplicates and replaces them with hardlinks (or symlinks as fallback).

The original in each duplicate group is chosen by --rank-criteria (default "pmao":
path-priority, oldest mtime, first basename, insertion order). Without --path-priority,
the path-priority key prefers files under the paths given first on the command line.
Use --path-priority to control which location keeps actual data when using
--symlink-fallback. For example:
  dupefind dedupe /primary /secondary --symlink-fallback --path-priority /primary
keeps files in /primary, with /secondary containing symlinks pointing to them.

Use --dry-run to preview without making changes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runDedupe(args, opts)
		},
	}

	opts.Config.BindFlags(cmd.Flags())
	cmd.Flags().StringVarP(&opts.minSizeStr, "min-size", "m", opts.minSizeStr, "Minimum file size (e.g., 100, 1K, 10M, 1G)")
	cmd.Flags().StringSliceVarP(&opts.excludes, "exclude", "e", nil, "Glob patterns to exclude")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Show individual file operations")
	cmd.Flags().BoolVarP(&opts.dryRun, "dry-run", "n", false, "Preview changes without executing")
	cmd.Flags().BoolVar(&opts.trustDeviceBoundaries, "trust-device-boundaries", false,
		"Assume devices have independent inode spaces. WARNING: Unsafe if the same filesystem is mounted at multiple paths (e.g., NFS)")
	cmd.Flags().StringVar(&opts.cacheFile, "cache-file", "", "Path to hash cache file (enables caching)")
	cmd.Flags().BoolVar(&opts.paranoid, "paranoid", false, "Confirm duplicates by byte-exact comparison instead of hashing")

	return cmd
}

// drainErrors consumes errors from a channel and writes them to stderr.
// Clears progress bar line before printing to avoid visual collision.
func drainErrors(errs <-chan error) {
	for err := range errs {
		fmt.Fprintf(os.Stderr, "\r\033[Kerror: %v\n", err)
	}
}

// runDedupe executes the dedupe pipeline: scan → screen → shred → finalize → dedupe.
func runDedupe(paths []string, opts *dedupeOptions) error {
	minSize, err := parseSize(opts.minSizeStr)
	if err != nil {
		return fmt.Errorf("invalid --min-size: %w", err)
	}

	if err := validateGlobPatterns(opts.excludes); err != nil {
		return fmt.Errorf("invalid --exclude: %w", err)
	}

	if !opts.paranoid {
		if _, err := digest.New(digest.Type(opts.ChecksumType), 0); err != nil {
			return fmt.Errorf("invalid --checksum-type: %w", err)
		}
	}

	resolved, err := opts.Config.Resolve()
	if err != nil {
		return err
	}

	showProgress := !opts.noProgress

	// Create shared error channel
	errors := make(chan error, 100)
	go drainErrors(errors)
	defer close(errors)

	// Phase 1: Scan filesystem
	files := scanner.New(paths, minSize, opts.excludes, opts.Threads, showProgress, errors,
		scanner.WithPathPriority(opts.PathPriority),
		scanner.WithTagged(opts.Tagged),
		scanner.WithXattrCache(opts.XattrCache),
	).Run()

	if len(files) == 0 {
		return nil
	}

	// Phase 2: Screen for duplicate candidates
	candidates := screener.New(files, showProgress, opts.trustDeviceBoundaries).Run()
	if candidates.Len() == 0 {
		return nil
	}

	// Phase 3: Open cache (if enabled) and shred candidates down to confirmed duplicates
	hashCache, err := cache.Open(opts.cacheFile)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer func() { _ = hashCache.Close() }()

	mountTable, err := mount.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: mount table unavailable, assuming rotational media: %v\n", err)
	}

	var bar *progress.Bar
	if showProgress {
		var totalBytes int64
		for _, cg := range candidates.Items() {
			for _, sg := range cg.Items() {
				totalBytes += sg.First().Size
			}
		}
		bar = progress.New(true, totalBytes)
	}

	engine := shred.New(shred.Config{
		DigestType:      digest.Type(opts.ChecksumType),
		Paranoid:        opts.paranoid,
		Threads:         opts.Threads,
		ThreadsPerDisk:  opts.ThreadsPerDisk,
		PassQuota:       opts.SweepCount,
		BufferSize:      int(resolved.ReadBufLen),
		UseBufferedRead: opts.UseBufferedRead,
		TotalMem:        resolved.TotalMem,
		MountTable:      mountTable,
		Cache:           hashCache,
		Progress:        bar,
		AlwaysWait:      opts.ShredAlwaysWait,
		NeverWait:       opts.ShredNeverWait,

		TaggedOnly:     opts.TaggedOnly,
		UntaggedOnly:   opts.UntaggedOnly,
		MinMtime:       resolved.MinMtime,
		UniqueBasename: opts.ShredUniqueBasename,

		WriteXattrCache: opts.XattrCache,
		WriteUnfinished: opts.WriteUnfinished,
	})
	duplicates, err := engine.Run(candidates)
	if err != nil {
		return fmt.Errorf("shred: %w", err)
	}

	// Phase 4: rank each duplicate group and mark originals. With no
	// --path-priority, the scanned roots in command-line order serve as the
	// p/P prefixes.
	pathPriority := opts.PathPriority
	if len(pathPriority) == 0 {
		for _, p := range paths {
			if abs, err := filepath.Abs(p); err == nil {
				pathPriority = append(pathPriority, abs)
			}
		}
	}
	groups := finalize.Run(duplicates, finalize.Config{
		RankCriteria:       opts.RankCriteria,
		PathPriority:       pathPriority,
		MtimeWindow:        opts.MtimeWindow,
		UnmatchedBasenames: opts.UnmatchedBasenames,
		KeepAllTagged:      opts.KeepAllTagged,
		KeepAllUntagged:    opts.KeepAllUntagged,
	})

	// Phase 5: execute deduplication
	deduper.New(groups, opts.dryRun, opts.SymlinkFallback, opts.verbose, showProgress, errors).Run()

	return nil
}
