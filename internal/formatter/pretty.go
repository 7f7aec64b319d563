package formatter

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/ivoronin/dupefind/internal/finalize"
)

// Pretty renders groups as colored terminal output, one block per group:
// the original in green, duplicates in yellow, grounded on
// original_source/lib/formats/pretty.c's per-file original/duplicate
// coloring.
func Pretty(w io.Writer, groups []*finalize.Group) error {
	original := color.New(color.FgGreen, color.Bold)
	duplicate := color.New(color.FgYellow)
	header := color.New(color.FgCyan, color.Bold)

	for i, g := range groups {
		if _, err := header.Fprintf(w, "\n# Duplicate group %d (%s wasted)\n", i+1, humanize.IBytes(uint64(g.BytesSaved()))); err != nil {
			return err
		}
		for _, f := range g.Files {
			c := duplicate
			marker := "  "
			if g.IsOriginal(f) {
				c = original
				marker = "* "
			}
			if _, err := c.Fprintf(w, "%s%s\n", marker, f.Path); err != nil {
				return err
			}
		}
	}

	s := summarize(groups)
	_, err := fmt.Fprintf(w, "\n%d groups, %d duplicates, %s total savings\n",
		s.Groups, s.Duplicates, humanize.IBytes(uint64(s.BytesSaved)))
	return err
}
