package shred

import "os"

// balancedBytesUnit is the base increment unit, page_size x 4 (spec.md §4.4).
var balancedBytesUnit = int64(os.Getpagesize()) * 4

// incrementCeiling caps how large a single non-paranoid increment can grow
// regardless of generation (spec.md §4.4: "capped at a 256 MB ceiling").
const incrementCeiling = 256 << 20

// paranoidIncrementCeiling caps a single increment in paranoid mode
// regardless of the generation-driven growth (spec.md §4.4).
const paranoidIncrementCeiling = 16 << 20

// nextIncrement computes the byte length of the next read for a group at
// the given generation (0-indexed, incremented once per sift a file
// survives into a new child), given how many bytes remain to be hashed.
// offset_factor grows 8x per generation; if what remains after this
// increment would leave a sliver smaller than one more balanced window,
// the increment is extended to cover the rest of the file in one read
// (spec.md §4.4: "If the remaining file fits within an additional balanced
// window, the increment extends to EOF").
func nextIncrement(generation int, remaining int64, paranoid bool) int64 {
	if remaining <= 0 {
		return 0
	}

	increment := balancedBytesUnit
	for i := 0; i < generation && increment < incrementCeiling; i++ {
		increment *= 8
	}
	if increment > incrementCeiling {
		increment = incrementCeiling
	}
	if paranoid && increment > paranoidIncrementCeiling {
		increment = paranoidIncrementCeiling
	}

	if increment >= remaining {
		return remaining
	}
	if remaining-increment <= balancedBytesUnit {
		return remaining
	}
	return increment
}
