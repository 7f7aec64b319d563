package main

import (
	"fmt"
	"runtime"

	"github.com/ivoronin/dupefind/internal/lint"
	"github.com/ivoronin/dupefind/internal/progress"
	"github.com/spf13/cobra"
)

// lintOptions holds CLI flags for the lint command.
type lintOptions struct {
	excludes             []string
	workers              int
	noProgress           bool
	skipEmptyFiles       bool
	skipEmptyDirs        bool
	skipBadIDs           bool
	skipDanglingSymlinks bool
	skipNonStripped      bool
}

func newLintCmd() *cobra.Command {
	opts := &lintOptions{workers: runtime.NumCPU()}

	cmd := &cobra.Command{
		Use:   "lint [paths...]",
		Short: "Report housekeeping problems unrelated to duplicate content",
		Long: `Walks paths looking for empty files, empty directories, files owned by a
uid/gid absent from the local passwd/group databases, dangling symlinks,
and non-stripped ELF binaries.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runLint(args, opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.excludes, "exclude", "e", nil, "Glob patterns to exclude")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", opts.workers, "Number of parallel workers")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	cmd.Flags().BoolVar(&opts.skipEmptyFiles, "skip-empty-files", false, "Don't report empty files")
	cmd.Flags().BoolVar(&opts.skipEmptyDirs, "skip-empty-dirs", false, "Don't report empty directories")
	cmd.Flags().BoolVar(&opts.skipBadIDs, "skip-bad-ids", false, "Don't report files with an unresolvable uid/gid")
	cmd.Flags().BoolVar(&opts.skipDanglingSymlinks, "skip-dangling-symlinks", false, "Don't report dangling symlinks")
	cmd.Flags().BoolVar(&opts.skipNonStripped, "skip-non-stripped", false, "Don't report non-stripped ELF binaries")

	return cmd
}

func runLint(paths []string, opts *lintOptions) error {
	if err := validateGlobPatterns(opts.excludes); err != nil {
		return fmt.Errorf("invalid --exclude: %w", err)
	}

	var bar *progress.Bar
	if !opts.noProgress {
		bar = progress.New(true, -1)
	}

	findings, err := lint.New(paths, lint.Config{
		Excludes:             opts.excludes,
		Workers:              opts.workers,
		Progress:             bar,
		SkipEmptyFiles:       opts.skipEmptyFiles,
		SkipEmptyDirs:        opts.skipEmptyDirs,
		SkipBadIDs:           opts.skipBadIDs,
		SkipDanglingSymlinks: opts.skipDanglingSymlinks,
		SkipNonStripped:      opts.skipNonStripped,
	}).Run()
	if err != nil {
		return fmt.Errorf("lint: %w", err)
	}

	for _, f := range findings {
		fmt.Printf("%s\t%s\n", f.Category, f.Path)
	}
	fmt.Printf("%d findings\n", len(findings))

	return nil
}
