// Package xattrcache persists a file's completed digest in an extended
// attribute so future runs can skip re-hashing (spec.md §6).
//
// Format: "<digest-type-name>:<hex-digest>" stored under the well-known key
// "user.dupefind.digest". Reads happen during preprocess (populating a
// FileInfo's ExtCksum/ClusterKey); writes happen on finalization of a
// fully-hashed file, unless disabled.
package xattrcache

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// AttrName is the extended attribute key dupefind reads and writes.
const AttrName = "user.dupefind.digest"

// maxAttrSize bounds the buffer used for Getxattr; well above any digest
// variant's hex-encoded output (BLAKE2b-512 hex is 128 bytes).
const maxAttrSize = 512

// Read retrieves path's cached "<type>:<hexdigest>" value, if any. Returns
// ("", "", nil) on a missing attribute (ENODATA) — that is a normal cache
// miss, not an error.
func Read(path string) (digestType, hexDigest string, err error) {
	buf := make([]byte, maxAttrSize)
	n, err := unix.Getxattr(path, AttrName, buf)
	if err != nil {
		if err == unix.ENODATA || err == unix.ENOTSUP {
			return "", "", nil
		}
		return "", "", fmt.Errorf("xattrcache: getxattr %s: %w", path, err)
	}

	typ, hexVal, ok := splitValue(string(buf[:n]))
	if !ok {
		return "", "", nil
	}
	if _, decodeErr := hex.DecodeString(hexVal); decodeErr != nil {
		return "", "", nil
	}
	return typ, hexVal, nil
}

// Write stores digestType and the raw digest bytes (hex-encoded) on path.
func Write(path, digestType string, digest []byte) error {
	val := digestType + ":" + hex.EncodeToString(digest)
	if err := unix.Setxattr(path, AttrName, []byte(val), 0); err != nil {
		return fmt.Errorf("xattrcache: setxattr %s: %w", path, err)
	}
	return nil
}

func splitValue(v string) (digestType, hexDigest string, ok bool) {
	idx := strings.IndexByte(v, ':')
	if idx < 0 {
		return "", "", false
	}
	return v[:idx], v[idx+1:], true
}
