// Package core holds the error taxonomy shared across the scanning, shred
// and finalization pipeline (spec.md §7), so that every component wraps
// failures into one of a small closed set of types instead of ad-hoc
// fmt.Errorf strings.
package core

import "fmt"

// PathError reports a failure tied to a specific filesystem path (stat,
// open, read, xattr). Non-fatal: the run continues without that path.
type PathError struct {
	Path string
	Op   string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// DigestError reports a failure inside a digest implementation (unknown
// type, malformed external checksum). Fatal at config-parse time, non-fatal
// (file ignored) mid-run.
type DigestError struct {
	Type string
	Err  error
}

func (e *DigestError) Error() string {
	return fmt.Sprintf("digest %s: %v", e.Type, e.Err)
}

func (e *DigestError) Unwrap() error { return e.Err }

// ParanoidCollision reports a shadow-hash collision caught by paranoid
// mode: two files whose cheap hash matched but whose bytes did not
// (spec.md §4.5). This is always fatal — it indicates either a hash
// collision astronomically unlikely to be coincidental, or a bug in the
// digest/compare path, and the run aborts rather than risk silently
// merging non-duplicates.
type ParanoidCollision struct {
	PathA, PathB string
	Offset       int64
}

func (e *ParanoidCollision) Error() string {
	return fmt.Sprintf("paranoid collision between %s and %s at offset %d", e.PathA, e.PathB, e.Offset)
}

// MemoryExhaustion reports that the paranoid governor could not admit a
// group within its memory budget. It is deliberately NOT surfaced as an
// error return — spec.md §7 requires it be reported via telemetry only,
// with the affected group remaining Dormant until memory frees up.
type MemoryExhaustion struct {
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *MemoryExhaustion) Error() string {
	return fmt.Sprintf("paranoid memory exhausted: need %d, have %d", e.RequiredBytes, e.AvailableBytes)
}

// Aborted reports that the run was cancelled (context cancellation, signal)
// before completion. write_unfinished has no effect on it: no partial
// results are written for a cancelled run.
type Aborted struct {
	Reason string
}

func (e *Aborted) Error() string {
	return fmt.Sprintf("aborted: %s", e.Reason)
}
