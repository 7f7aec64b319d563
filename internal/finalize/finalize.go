// Package finalize ranks each confirmed duplicate group, marks the file (or
// files) to keep as "original", and splits groups by mtime window or
// unique basename before handing them to a formatter or the deduper
// (spec.md §4.6).
package finalize

import (
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ivoronin/dupefind/internal/types"
)

// Config controls ranking and splitting (spec.md §4.6, §6).
type Config struct {
	// RankCriteria is a string of single-character keys, consulted left
	// to right until one breaks a tie: p/P path-priority index, m/M
	// mtime, a/A basename, s/S size, n/N link count. Uppercase inverts that
	// key's natural direction. o/O is accepted but always ties: group
	// insertion order is applied as the final tiebreak after every key, and
	// O does not reverse it. An empty string falls back to "pmao".
	RankCriteria string

	// PathPriority lists path prefixes consulted by the p/P criterion,
	// in preference order (index 0 is most preferred).
	PathPriority []string

	// MtimeWindow splits a ranked group into subgroups whenever two
	// mtime-adjacent files differ by more than this (0 disables).
	MtimeWindow time.Duration

	// UnmatchedBasenames peels any file whose basename doesn't match the
	// subgroup's rank-winning basename into its own singleton subgroup.
	UnmatchedBasenames bool

	// KeepAllTagged/KeepAllUntagged mark every Tagged (or every
	// untagged) file in a group as an original instead of exactly one
	// (spec.md §4.6's keep_all_tagged|untagged override).
	KeepAllTagged   bool
	KeepAllUntagged bool
}

func (c Config) criteria() string {
	if c.RankCriteria == "" {
		return "pmao"
	}
	return c.RankCriteria
}

// Group is one ranked, labeled, post-split subgroup (spec.md §4.6). Files
// is sorted best-to-worst by the rank-criteria string; Files[0] is the
// designated original unless KeepAll* marked additional files.
type Group struct {
	Files     []*types.FileInfo
	Originals map[*types.FileInfo]bool
}

// IsOriginal reports whether f was marked as an original to keep.
func (g *Group) IsOriginal(f *types.FileInfo) bool { return g.Originals[f] }

// Duplicates returns the files NOT marked original, in rank order.
func (g *Group) Duplicates() []*types.FileInfo {
	var dupes []*types.FileInfo
	for _, f := range g.Files {
		if !g.Originals[f] {
			dupes = append(dupes, f)
		}
	}
	return dupes
}

// BytesSaved sums the size of every non-original file.
func (g *Group) BytesSaved() int64 {
	var n int64
	for _, f := range g.Duplicates() {
		n += f.Size
	}
	return n
}

// Run ranks, labels, and splits every confirmed duplicate group. A
// subgroup that degenerates to all-originals (no duplicates survive the
// split) is suppressed, per spec.md §4.6.
func Run(groups types.DuplicateGroups, cfg Config) []*Group {
	var out []*Group
	for _, dg := range groups.Items() {
		out = append(out, finalizeOne(dg, cfg)...)
	}
	return out
}

func finalizeOne(dg types.DuplicateGroup, cfg Config) []*Group {
	files := unbundle(dg)
	order := insertionOrder(files)
	sortByCriteria(files, cfg, order)

	subgroups := [][]*types.FileInfo{files}
	if cfg.MtimeWindow > 0 {
		subgroups = splitMtimeWindow(subgroups, cfg.MtimeWindow)
		for _, sub := range subgroups {
			sortByCriteria(sub, cfg, order)
		}
	}
	if cfg.UnmatchedBasenames {
		subgroups = splitUnmatchedBasenames(subgroups)
		for _, sub := range subgroups {
			sortByCriteria(sub, cfg, order)
		}
	}

	var out []*Group
	for _, sub := range subgroups {
		if len(sub) < 2 {
			continue
		}
		g := &Group{Files: sub, Originals: markOriginals(sub, cfg)}
		if len(g.Duplicates()) == 0 {
			continue
		}
		out = append(out, g)
	}
	return out
}

// unbundle flattens a duplicate group's hardlink/ext-checksum sibling
// bundles into one flat queue of individual files, preserving each
// sibling group's already-sorted internal order (spec.md §4.6 step 1).
func unbundle(dg types.DuplicateGroup) []*types.FileInfo {
	var files []*types.FileInfo
	for _, sg := range dg.Items() {
		files = append(files, sg.Items()...)
	}
	return files
}

// insertionOrder records each file's position in the unbundled queue, for
// the 'o' rank criterion. Computed once before any splitting so that a
// later mtime-window or basename split doesn't reshuffle what "insertion
// order" means.
func insertionOrder(files []*types.FileInfo) map[*types.FileInfo]int {
	order := make(map[*types.FileInfo]int, len(files))
	for i, f := range files {
		order[f] = i
	}
	return order
}

func sortByCriteria(files []*types.FileInfo, cfg Config, order map[*types.FileInfo]int) {
	criteria := cfg.criteria()
	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		for _, c := range criteria {
			if cmp := compareKey(c, a, b, cfg); cmp != 0 {
				return cmp < 0
			}
		}
		return order[a] < order[b]
	})
}

// compareKey compares a and b under rank key c, returning <0 if a ranks
// ahead of b (more deserving of "original" status), 0 on a tie, >0 if b
// ranks ahead. Uppercase keys invert the natural direction.
func compareKey(c rune, a, b *types.FileInfo, cfg Config) int {
	lower := c | 0x20
	var cmp int
	switch lower {
	case 'p':
		cmp = intCmp(pathPriorityIndex(a.Path, cfg.PathPriority), pathPriorityIndex(b.Path, cfg.PathPriority))
	case 'm':
		cmp = timeCmp(a.ModTime, b.ModTime)
	case 'a':
		cmp = strings.Compare(basenameOf(a), basenameOf(b))
	case 's':
		cmp = int64Cmp(a.Size, b.Size)
	case 'n':
		cmp = -intCmp(int(a.Nlink), int(b.Nlink)) // higher nlink ranks ahead
	case 'o':
		return 0 // insertion order is the caller's final tiebreak, not a selectable key
	default:
		return 0
	}
	if rune(lower) != c {
		cmp = -cmp
	}
	return cmp
}

func basenameOf(f *types.FileInfo) string {
	if f.Node != nil {
		return f.Node.Basename()
	}
	return filepath.Base(f.Path)
}

// pathPriorityIndex returns the index of the first prefix in priority that
// matches path, or len(priority) if none match (least preferred).
func pathPriorityIndex(path string, priority []string) int {
	for i, pref := range priority {
		if strings.HasPrefix(path, pref) {
			return i
		}
	}
	return len(priority)
}

func intCmp(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func int64Cmp(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func timeCmp(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

// splitMtimeWindow re-buckets each subgroup by mtime proximity: sorted by
// mtime ascending, a new bucket starts whenever consecutive files' mtimes
// differ by more than window (spec.md §4.6 step 4).
func splitMtimeWindow(subgroups [][]*types.FileInfo, window time.Duration) [][]*types.FileInfo {
	var out [][]*types.FileInfo
	for _, sub := range subgroups {
		sorted := append([]*types.FileInfo(nil), sub...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].ModTime.Before(sorted[j].ModTime) })

		start := 0
		for i := 1; i < len(sorted); i++ {
			if sorted[i].ModTime.Sub(sorted[i-1].ModTime) > window {
				out = append(out, sorted[start:i])
				start = i
			}
		}
		out = append(out, sorted[start:])
	}
	return out
}

// splitUnmatchedBasenames peels files whose basename doesn't match the
// rank-winning file's basename into their own singleton subgroups
// (spec.md §4.6 step 4).
func splitUnmatchedBasenames(subgroups [][]*types.FileInfo) [][]*types.FileInfo {
	var out [][]*types.FileInfo
	for _, sub := range subgroups {
		if len(sub) == 0 {
			continue
		}
		want := basenameOf(sub[0])
		var matched []*types.FileInfo
		for _, f := range sub {
			if basenameOf(f) == want {
				matched = append(matched, f)
			} else {
				out = append(out, []*types.FileInfo{f})
			}
		}
		if len(matched) > 0 {
			out = append(out, matched)
		}
	}
	return out
}

func markOriginals(sub []*types.FileInfo, cfg Config) map[*types.FileInfo]bool {
	originals := make(map[*types.FileInfo]bool)
	switch {
	case cfg.KeepAllTagged:
		for _, f := range sub {
			if f.Tagged {
				originals[f] = true
			}
		}
	case cfg.KeepAllUntagged:
		for _, f := range sub {
			if !f.Tagged {
				originals[f] = true
			}
		}
	}
	if len(originals) == 0 {
		originals[sub[0]] = true
	}
	return originals
}
