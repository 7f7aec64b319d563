package formatter

import (
	"fmt"
	"io"

	"github.com/ivoronin/dupefind/internal/finalize"
)

// ShOptions controls the emitted script (grounded on
// original_source/src/formats/sh_script.c's opt_use_ln/opt_symlinks_only).
type ShOptions struct {
	// UseHardlinks emits "ln -f" instead of "rm -f" for duplicates,
	// turning the script into a reviewable hardlinking plan rather than a
	// deletion plan.
	UseHardlinks bool
}

// Sh writes a `#!/bin/sh` script that the user reviews and runs themselves
// to act on a finalize run: one rm (or ln -f) per duplicate, an original
// per group left untouched. This is the formatter half of the "user or
// external scripts act" boundary spec.md's non-goals describe — the core
// only ranks and labels (grounded on original_source/lib/formats/sh.c and
// src/formats/sh_script.c, reworked as a small idiomatic template instead
// of the original's embedded C heredoc).
func Sh(w io.Writer, groups []*finalize.Group, opts ShOptions) error {
	if _, err := io.WriteString(w, "#!/bin/sh\n"+
		"# generated by dupefind - review before running\n"+
		"set -eu\n\n"); err != nil {
		return err
	}

	for i, g := range groups {
		original := firstOriginal(g)
		if _, err := fmt.Fprintf(w, "# group %d, original: %s\n", i+1, shQuote(original)); err != nil {
			return err
		}
		for _, dup := range g.Duplicates() {
			var line string
			if opts.UseHardlinks {
				line = fmt.Sprintf("ln -f %s %s\n", shQuote(original), shQuote(dup.Path))
			} else {
				line = fmt.Sprintf("rm -f %s\n", shQuote(dup.Path))
			}
			if _, err := io.WriteString(w, line); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}

	s := summarize(groups)
	_, err := fmt.Fprintf(w, "# %d groups, %d duplicates\n", s.Groups, s.Duplicates)
	return err
}

func firstOriginal(g *finalize.Group) string {
	for _, f := range g.Files {
		if g.IsOriginal(f) {
			return f.Path
		}
	}
	return ""
}

// shQuote wraps path in single quotes, escaping embedded single quotes the
// usual POSIX-shell way ('\'').
func shQuote(path string) string {
	out := "'"
	for _, r := range path {
		if r == '\'' {
			out += `'\''`
		} else {
			out += string(r)
		}
	}
	return out + "'"
}
