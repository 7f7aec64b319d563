// Package formatter renders finalized duplicate groups for human or script
// consumption. The core (internal/finalize) only ranks and labels; handing
// that ranking to a user-facing report or an external shell script is the
// "user or external scripts act" boundary spec.md's non-goals describe
// (internal/formatter, grounded on original_source/lib/formats/pretty.c and
// lib/formats/sh.c + src/formats/sh_script.c).
package formatter

import "github.com/ivoronin/dupefind/internal/finalize"

// Summary totals what a formatter reported, for a final one-line footer.
type Summary struct {
	Groups     int
	Duplicates int
	BytesSaved int64
}

func summarize(groups []*finalize.Group) Summary {
	var s Summary
	for _, g := range groups {
		s.Groups++
		s.Duplicates += len(g.Duplicates())
		s.BytesSaved += g.BytesSaved()
	}
	return s
}
