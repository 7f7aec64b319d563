// Package config centralizes the Config struct spec.md §6 describes
// (checksum_type, threads, sweep_count, sweep_size, total_mem,
// read_buf_len, tagged/mtime/rank-criteria policy) and binds it to CLI
// flags with spf13/cobra's bundled pflag, in the same flag-struct pattern
// ivoronin-dupedog's cmd/dupedog/dedupe.go used for its narrower surface.
// Size strings parse with dustin/go-humanize, exactly as --min-size always
// has in this repo.
package config

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
)

// Config is the full shred/finalize/scanner tuning surface (spec.md §6).
// Size and duration fields are kept as the raw flag strings so callers can
// report the exact offending value on a parse error; call Resolve to get
// them converted into a Resolved.
type Config struct {
	ChecksumType    string
	Threads         int
	ThreadsPerDisk  int
	SweepCount      int
	SweepSizeStr    string
	TotalMemStr     string
	ReadBufLenStr   string
	UseBufferedRead bool

	SymlinkFallback bool
	TaggedOnly      bool
	UntaggedOnly    bool
	PathPriority    []string
	Tagged          []string
	XattrCache      bool

	MinMtimeStr         string
	MtimeWindow         time.Duration
	ShredUniqueBasename bool
	UnmatchedBasenames  bool
	MergeDirectories    bool
	WriteUnfinished     bool
	RankCriteria        string
	KeepAllTagged       bool
	KeepAllUntagged     bool

	ShredAlwaysWait bool
	ShredNeverWait  bool
}

// Defaults returns a Config with spec.md §6's documented defaults.
func Defaults() Config {
	return Config{
		ChecksumType:  "blake2b",
		SweepCount:    32,
		SweepSizeStr:  "1MiB",
		TotalMemStr:   "256MiB",
		ReadBufLenStr: "1MiB",
		RankCriteria:  "pmao",
	}
}

// BindFlags registers every Config field as a flag on fs. Callers combine
// this with their own command-specific flags (--dry-run, --format, ...).
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ChecksumType, "checksum-type", c.ChecksumType, "Digest variant for shredding (blake2b, xxhash, cumulative)")
	fs.IntVarP(&c.Threads, "workers", "w", c.Threads, "Number of parallel workers")
	fs.IntVar(&c.ThreadsPerDisk, "threads-per-disk", c.ThreadsPerDisk, "Worker threads per physical disk (0 uses the shred engine's default)")
	fs.IntVar(&c.SweepCount, "sweep-count", c.SweepCount, "Tasks dispatched per elevator pass")
	fs.StringVar(&c.SweepSizeStr, "sweep-size", c.SweepSizeStr, "Sweep size (e.g. 1MiB, 4MiB); validated, but increment sizes follow the shred engine's own schedule")
	fs.StringVar(&c.TotalMemStr, "total-mem", c.TotalMemStr, "Paranoid-mode governor memory budget (e.g. 256MiB)")
	fs.StringVar(&c.ReadBufLenStr, "read-buf-len", c.ReadBufLenStr, "Read buffer size (e.g. 1MiB)")
	fs.BoolVar(&c.UseBufferedRead, "buffered-read", c.UseBufferedRead, "Use sequential buffered reads instead of vectored preadv")

	fs.BoolVar(&c.SymlinkFallback, "symlink-fallback", c.SymlinkFallback, "Fall back to symlinks when deduplicating files across device boundaries")
	fs.BoolVar(&c.TaggedOnly, "shred-tagged-only", c.TaggedOnly, "Only hash files under a --tagged root; candidates with no tagged member are dropped")
	fs.BoolVar(&c.UntaggedOnly, "shred-untagged-only", c.UntaggedOnly, "Only hash files NOT under a --tagged root")
	fs.StringSliceVar(&c.PathPriority, "path-priority", c.PathPriority, "Path prefixes in preference order, consulted by the p/P rank criterion")
	fs.StringSliceVar(&c.Tagged, "tagged", c.Tagged, "Path prefixes whose files are marked Tagged")
	fs.BoolVar(&c.XattrCache, "xattr-cache", c.XattrCache, "Read/write cached digests from file extended attributes")

	fs.StringVar(&c.MinMtimeStr, "min-mtime", c.MinMtimeStr, "Drop candidate groups whose newest member is older than this RFC3339 timestamp")
	fs.DurationVar(&c.MtimeWindow, "mtime-window", c.MtimeWindow, "Split a duplicate group into subgroups when consecutive mtimes differ by more than this")
	fs.BoolVar(&c.ShredUniqueBasename, "shred-unique-basename", c.ShredUniqueBasename, "Drop candidate groups where every member shares the same basename")
	fs.BoolVar(&c.UnmatchedBasenames, "unmatched-basenames", c.UnmatchedBasenames, "Peel files whose basename doesn't match the group's rank-winning basename into their own subgroup")
	fs.BoolVar(&c.MergeDirectories, "merge-directories", c.MergeDirectories, "Accepted but has no effect; duplicate groups are always reported per file")
	fs.BoolVar(&c.WriteUnfinished, "write-unfinished", c.WriteUnfinished, "Accepted but has no effect; only fully hashed files have their digest written")
	fs.StringVar(&c.RankCriteria, "rank-criteria", c.RankCriteria, "Rank-criteria string selecting which duplicate in a group is the original")
	fs.BoolVar(&c.KeepAllTagged, "keep-all-tagged", c.KeepAllTagged, "Mark every Tagged file in a group as original")
	fs.BoolVar(&c.KeepAllUntagged, "keep-all-untagged", c.KeepAllUntagged, "Mark every untagged file in a group as original")

	fs.BoolVar(&c.ShredAlwaysWait, "shred-always-wait", c.ShredAlwaysWait, "Always hold the disk arm for a file's next increment instead of releasing it to the elevator queue")
	fs.BoolVar(&c.ShredNeverWait, "shred-never-wait", c.ShredNeverWait, "Never hold the disk arm; always release back to the elevator queue")
}

// Resolved holds Config's size/duration strings converted to the types the
// shred engine and finalize package actually take.
type Resolved struct {
	SweepSize  int64
	TotalMem   int64
	ReadBufLen int64
	MinMtime   time.Time
}

// Resolve parses every size/timestamp string field, returning the first
// error encountered naming the offending flag.
func (c Config) Resolve() (Resolved, error) {
	var r Resolved
	var err error

	if r.SweepSize, err = parseSize(c.SweepSizeStr); err != nil {
		return r, fmt.Errorf("invalid --sweep-size: %w", err)
	}
	if r.TotalMem, err = parseSize(c.TotalMemStr); err != nil {
		return r, fmt.Errorf("invalid --total-mem: %w", err)
	}
	if r.ReadBufLen, err = parseSize(c.ReadBufLenStr); err != nil {
		return r, fmt.Errorf("invalid --read-buf-len: %w", err)
	}
	if c.MinMtimeStr != "" {
		if r.MinMtime, err = time.Parse(time.RFC3339, c.MinMtimeStr); err != nil {
			return r, fmt.Errorf("invalid --min-mtime: %w", err)
		}
	}
	return r, nil
}

func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
