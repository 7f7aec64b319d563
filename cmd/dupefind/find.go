package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/ivoronin/dupefind/internal/cache"
	"github.com/ivoronin/dupefind/internal/config"
	"github.com/ivoronin/dupefind/internal/digest"
	"github.com/ivoronin/dupefind/internal/finalize"
	"github.com/ivoronin/dupefind/internal/formatter"
	"github.com/ivoronin/dupefind/internal/mount"
	"github.com/ivoronin/dupefind/internal/progress"
	"github.com/ivoronin/dupefind/internal/scanner"
	"github.com/ivoronin/dupefind/internal/screener"
	"github.com/ivoronin/dupefind/internal/shred"
	"github.com/spf13/cobra"
)

// findOptions holds CLI flags for the read-only find command: the same
// config.Config surface as dedupe, plus the flags unique to reporting
// (format, output file) instead of acting (spec.md's non-goals keep a
// deletion policy engine out of the core; find is the reporting half,
// dedupe and the sh formatter are the two ways something downstream can
// act on it).
type findOptions struct {
	config.Config

	minSizeStr            string
	excludes              []string
	noProgress            bool
	trustDeviceBoundaries bool
	cacheFile             string
	paranoid              bool
	format                string
	useHardlinks          bool
	output                string
}

func newFindCmd() *cobra.Command {
	opts := &findOptions{
		Config:     config.Defaults(),
		minSizeStr: "1",
		format:     "pretty",
	}
	opts.Threads = runtime.NumCPU()

	cmd := &cobra.Command{
		Use:   "find [paths...]",
		Short: "Find duplicate files and report them without modifying anything",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runFind(args, opts)
		},
	}

	opts.Config.BindFlags(cmd.Flags())
	cmd.Flags().StringVarP(&opts.minSizeStr, "min-size", "m", opts.minSizeStr, "Minimum file size (e.g., 100, 1K, 10M, 1G)")
	cmd.Flags().StringSliceVarP(&opts.excludes, "exclude", "e", nil, "Glob patterns to exclude")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	cmd.Flags().BoolVar(&opts.trustDeviceBoundaries, "trust-device-boundaries", false,
		"Assume devices have independent inode spaces. WARNING: Unsafe if the same filesystem is mounted at multiple paths (e.g., NFS)")
	cmd.Flags().StringVar(&opts.cacheFile, "cache-file", "", "Path to hash cache file (enables caching)")
	cmd.Flags().BoolVar(&opts.paranoid, "paranoid", false, "Confirm duplicates by byte-exact comparison instead of hashing")
	cmd.Flags().StringVar(&opts.format, "format", opts.format, "Output format: pretty or sh")
	cmd.Flags().BoolVar(&opts.useHardlinks, "sh-use-hardlinks", false, "sh format: emit ln -f instead of rm -f")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Write report to this file instead of stdout")

	return cmd
}

func runFind(paths []string, opts *findOptions) error {
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
	if opts.format != "pretty" && opts.format != "sh" {
		return fmt.Errorf("invalid --format %q: must be pretty or sh", opts.format)
	}

	resolved, err := opts.Config.Resolve()
	if err != nil {
		return err
	}

	showProgress := !opts.noProgress

	errors := make(chan error, 100)
	go drainErrors(errors)
	defer close(errors)

	files := scanner.New(paths, minSize, opts.excludes, opts.Threads, showProgress, errors,
		scanner.WithPathPriority(opts.PathPriority),
		scanner.WithTagged(opts.Tagged),
		scanner.WithXattrCache(opts.XattrCache),
	).Run()
	if len(files) == 0 {
		return nil
	}

	candidates := screener.New(files, showProgress, opts.trustDeviceBoundaries).Run()
	if candidates.Len() == 0 {
		return nil
	}

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

	groups := finalize.Run(duplicates, finalize.Config{
		RankCriteria:       opts.RankCriteria,
		PathPriority:       opts.PathPriority,
		MtimeWindow:        opts.MtimeWindow,
		UnmatchedBasenames: opts.UnmatchedBasenames,
		KeepAllTagged:      opts.KeepAllTagged,
		KeepAllUntagged:    opts.KeepAllUntagged,
	})

	out := os.Stdout
	if opts.output != "" {
		f, err := os.Create(opts.output)
		if err != nil {
			return fmt.Errorf("create %s: %w", opts.output, err)
		}
		defer func() { _ = f.Close() }()
		if opts.format == "sh" {
			_ = f.Chmod(0o755)
		}
		out = f
	}

	switch opts.format {
	case "sh":
		return formatter.Sh(out, groups, formatter.ShOptions{UseHardlinks: opts.useHardlinks})
	default:
		return formatter.Pretty(out, groups)
	}
}
