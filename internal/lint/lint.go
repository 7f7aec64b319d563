// Package lint walks the scanned paths looking for housekeeping problems
// that have nothing to do with duplicate content: empty files and
// directories, files owned by a uid/gid absent from the local passwd/group
// databases, dangling symlinks, and non-stripped ELF binaries. It is a peer
// of the duplicate engine (spec.md's non-goals exclude a deletion policy
// engine, not these checks) and reports through the same Progress callback
// convention as scanner/shred (internal/lint, grounded on
// original_source/src/linttests.c and src/traverse.c).
package lint

import (
	"debug/elf"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/ivoronin/dupefind/internal/progress"
)

// Category identifies a single kind of lint finding.
type Category string

// The categories mirror linttests.c's TYPE_BADUID/TYPE_BADGID/TYPE_BADUGID
// and traverse.c's empty-file/dir handling, plus a non-stripped-binary
// check driven by debug/elf instead of libelf.
const (
	EmptyFile         Category = "empty-file"
	EmptyDirectory    Category = "empty-directory"
	BadUID            Category = "bad-uid"
	BadGID            Category = "bad-gid"
	BadUGID           Category = "bad-ugid"
	DanglingSymlink   Category = "dangling-symlink"
	NonStrippedBinary Category = "non-stripped-binary"
)

// Finding is one reported problem.
type Finding struct {
	Path     string
	Category Category
}

// Config selects which checks run. A zero Config runs every check.
type Config struct {
	Excludes []string

	SkipEmptyFiles       bool
	SkipEmptyDirs        bool
	SkipBadIDs           bool
	SkipDanglingSymlinks bool
	SkipNonStripped      bool

	Workers  int
	Progress *progress.Bar
	Logger   *zap.Logger
}

// Linter walks a set of root paths applying Config's checks.
type Linter struct {
	paths  []string
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	findings []Finding

	idCache idCache
}

// New creates a Linter over paths.
func New(paths []string, cfg Config) *Linter {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Linter{paths: paths, cfg: cfg, logger: logger}
}

// Run walks every root path and returns every finding. Entries are
// inspected on up to cfg.Workers goroutines and findings are appended as
// inspections complete, so they follow filepath.WalkDir's visiting order
// (lexical per directory, directories before their descendants) only when
// Workers is 1.
func (l *Linter) Run() ([]Finding, error) {
	sem := make(chan struct{}, l.cfg.Workers)
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for _, root := range l.paths {
		root := root
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				l.logger.Debug("lint: walk error", zap.String("path", path), zap.Error(err))
				return nil
			}
			if l.excluded(path) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				l.inspect(path, d)
			}()
			return nil
		})
		if err != nil {
			errOnce.Do(func() { firstErr = err })
		}
	}

	wg.Wait()

	if l.cfg.Progress != nil {
		l.cfg.Progress.Finish(countStringer(len(l.findings)))
	}

	return l.findings, firstErr
}

func (l *Linter) excluded(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range l.cfg.Excludes {
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

func (l *Linter) inspect(path string, d fs.DirEntry) {
	info, err := d.Info()
	if err != nil {
		l.logger.Debug("lint: stat failed", zap.String("path", path), zap.Error(err))
		return
	}

	if d.IsDir() {
		if !l.cfg.SkipEmptyDirs && isEmptyDir(path) {
			l.report(path, EmptyDirectory)
		}
		return
	}

	if d.Type()&fs.ModeSymlink != 0 {
		if !l.cfg.SkipDanglingSymlinks {
			if _, err := os.Stat(path); err != nil {
				l.report(path, DanglingSymlink)
			}
		}
		return
	}

	if !l.cfg.SkipEmptyFiles && info.Size() == 0 {
		l.report(path, EmptyFile)
	}

	if !l.cfg.SkipBadIDs {
		if cat, ok := l.idCache.check(info); ok {
			l.report(path, cat)
		}
	}

	if !l.cfg.SkipNonStripped && info.Mode().IsRegular() && info.Size() > 0 {
		if isNonStrippedELF(path) {
			l.report(path, NonStrippedBinary)
		}
	}
}

func (l *Linter) report(path string, cat Category) {
	l.mu.Lock()
	l.findings = append(l.findings, Finding{Path: path, Category: cat})
	l.mu.Unlock()
}

func isEmptyDir(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) == 0
}

// isNonStrippedELF reports whether path is an ELF binary retaining a
// symbol table section, mirroring linttests.c's is_nonstripped (which
// scans libelf sections for SHT_SYMTAB).
func isNonStrippedELF(path string) bool {
	f, err := elf.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	for _, section := range f.Sections {
		if section.Type == elf.SHT_SYMTAB {
			return true
		}
	}
	return false
}

// idCache memoizes uid/gid passwd/group lookups (userlist_contains in
// linttests.c caches the same way via a loaded UserGroupList).
type idCache struct {
	mu     sync.Mutex
	users  map[uint32]bool
	groups map[uint32]bool
}

func (c *idCache) check(info fs.FileInfo) (Category, bool) {
	uid, gid, ok := ownerIDs(info)
	if !ok {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.users == nil {
		c.users = make(map[uint32]bool)
		c.groups = make(map[uint32]bool)
	}

	hasUser, cached := c.users[uid]
	if !cached {
		_, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
		hasUser = err == nil
		c.users[uid] = hasUser
	}

	hasGroup, cached := c.groups[gid]
	if !cached {
		_, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10))
		hasGroup = err == nil
		c.groups[gid] = hasGroup
	}

	switch {
	case !hasUser && !hasGroup:
		return BadUGID, true
	case !hasUser:
		return BadUID, true
	case !hasGroup:
		return BadGID, true
	default:
		return "", false
	}
}

func ownerIDs(info fs.FileInfo) (uid, gid uint32, ok bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return stat.Uid, stat.Gid, true
}

type countStringer int

func (c countStringer) String() string {
	return strconv.Itoa(int(c)) + " lint findings"
}
