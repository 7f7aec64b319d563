// Package mount answers physical-disk identity questions for the multi-disk
// scheduler: which physical disk a device id lives on, whether that disk is
// rotational, and whether two paths can be reflinked. It is read-only after
// construction (spec.md §5).
//
// Grounded on src/mounttable.c (rmlint): parse the mount table once, map
// each mounted device to its whole-disk block device, and probe
// /sys/block/*/queue/rotational for the rotational bit.
package mount

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Table answers disk-identity questions for a fixed snapshot of the mount
// namespace, taken once at construction.
type Table struct {
	mu sync.RWMutex

	// devToDisk maps a mounted filesystem's st_dev to a stable disk id
	// (the whole-disk block device name, e.g. "sda", or a synthetic id for
	// pseudo/network filesystems).
	devToDisk map[uint64]string
	// rotational maps a disk id to whether it is rotational media.
	rotational map[string]bool
	// fsType maps st_dev to the mounted filesystem type, used by
	// CanReflink's same-filesystem heuristic.
	fsType map[uint64]string
}

var ramdiskFSTypes = map[string]bool{
	"tmpfs": true, "rootfs": true, "devtmpfs": true,
	"cgroup": true, "cgroup2": true, "proc": true, "sysfs": true, "devfs": true,
}

// reflinkCapableFS lists filesystems known to support copy-on-write
// reflinks (FICLONE) between files on the same volume.
var reflinkCapableFS = map[string]bool{
	"btrfs": true, "xfs": true, "ocfs2": true,
}

var mountLineRE = regexp.MustCompile(`^(\S+) (\S+) (\S+) `)

// New parses /proc/self/mountinfo (falling back to /etc/mtab-style
// /proc/mounts if mountinfo is unavailable, e.g. under a non-Linux build)
// and probes /sys/block for rotational status.
func New() (*Table, error) {
	t := &Table{
		devToDisk:  make(map[uint64]string),
		rotational: make(map[string]bool),
		fsType:     make(map[uint64]string),
	}

	entries, err := readMounts()
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	nfsCounter := 1
	for _, e := range entries {
		var st unix.Stat_t
		if err := unix.Stat(e.dir, &st); err != nil {
			continue
		}
		dev := uint64(st.Dev) //nolint:unconvert // platform-dependent width

		diskName := wholeDiskName(e.fsname)
		isRotational := true

		switch {
		case diskName != "":
			if roto := readRotationalFlag(diskName); roto >= 0 {
				isRotational = roto == 1
			}
		case ramdiskFSTypes[e.fstype]:
			diskName = e.fstype
			isRotational = false
		case strings.Contains(e.fsname, ":/"):
			// NFS-style "host:/export" source; each gets its own synthetic
			// disk id since we cannot resolve physical media remotely.
			diskName = fmt.Sprintf("nfs-%d", nfsCounter)
			nfsCounter++
			isRotational = true
		default:
			diskName = "disk-" + strconv.FormatUint(dev, 10)
		}

		t.devToDisk[dev] = diskName
		t.fsType[dev] = e.fstype
		if _, ok := t.rotational[diskName]; !ok {
			t.rotational[diskName] = isRotational
		}
	}

	return t, nil
}

type mountEntry struct {
	fsname string
	dir    string
	fstype string
}

func readMounts() ([]mountEntry, error) {
	for _, path := range []string{"/proc/self/mountinfo", "/proc/mounts", "/etc/mtab"} {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer func() { _ = f.Close() }()

		var entries []mountEntry
		scanner := bufio.NewScanner(f)
		isMountinfo := strings.HasSuffix(path, "mountinfo")
		for scanner.Scan() {
			line := scanner.Text()
			if isMountinfo {
				if e, ok := parseMountinfoLine(line); ok {
					entries = append(entries, e)
				}
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 3 {
				continue
			}
			entries = append(entries, mountEntry{fsname: fields[0], dir: fields[1], fstype: fields[2]})
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return entries, nil
	}
	return nil, fmt.Errorf("no readable mount table found")
}

// parseMountinfoLine parses one /proc/self/mountinfo line. Format (man 5
// proc): fields up to a literal "-" separator are optional tagged fields;
// after it come filesystem type, mount source, super options.
func parseMountinfoLine(line string) (mountEntry, bool) {
	fields := strings.Fields(line)
	sep := -1
	for i, f := range fields {
		if f == "-" {
			sep = i
			break
		}
	}
	if sep < 0 || sep+2 >= len(fields) || len(fields) < 5 {
		return mountEntry{}, false
	}
	return mountEntry{
		dir:    fields[4],
		fstype: fields[sep+1],
		fsname: fields[sep+2],
	}, true
}

// wholeDiskName derives the whole-disk block device name (e.g. "sda" from
// "/dev/sda1", "nvme0n1" from "/dev/nvme0n1p2") from a mount source path.
// Returns "" if fsname does not look like a local block device.
var partitionSuffixRE = regexp.MustCompile(`^(nvme\d+n\d+)p\d+$|^([a-z]+)\d+$|^(mmcblk\d+)p\d+$`)

func wholeDiskName(fsname string) string {
	if !strings.HasPrefix(fsname, "/dev/") {
		return ""
	}
	name := strings.TrimPrefix(fsname, "/dev/")
	if m := partitionSuffixRE.FindStringSubmatch(name); m != nil {
		for _, g := range m[1:] {
			if g != "" {
				return g
			}
		}
	}
	return name
}

// readRotationalFlag reads /sys/block/<disk>/queue/rotational. Returns -1 if
// unreadable (treated by the caller as "assume rotational", the safer
// default for elevator ordering).
func readRotationalFlag(disk string) int {
	data, err := os.ReadFile("/sys/block/" + disk + "/queue/rotational")
	if err != nil || len(data) == 0 {
		return -1
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return -1
	}
	return v
}

// DiskID returns a stable identifier for the physical disk backing dev. If
// dev is unknown (not seen at construction time, e.g. a late bind-mount),
// it returns a synthetic per-device id so callers can still bucket work,
// just without rotational-awareness.
func (t *Table) DiskID(dev uint64, path string) string {
	t.mu.RLock()
	id, ok := t.devToDisk[dev]
	t.mu.RUnlock()
	if ok {
		return id
	}
	return "unknown-" + strconv.FormatUint(dev, 10)
}

// IsNonRotational reports whether diskID is solid-state/non-rotational
// media. Unknown disks are treated as rotational (the conservative choice
// for elevator ordering and the wait-for-own-file heuristic).
func (t *Table) IsNonRotational(diskID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	isRotational, known := t.rotational[diskID]
	if !known {
		return false
	}
	return !isRotational
}

// CanReflink reports whether src and dst can plausibly share a
// copy-on-write reflink: same device and a filesystem known to support
// FICLONE. It is a heuristic, not a guarantee; callers still handle EOPNOTSUPP.
func (t *Table) CanReflink(srcDev, dstDev uint64) bool {
	if srcDev != dstDev {
		return false
	}
	t.mu.RLock()
	fsType := t.fsType[srcDev]
	t.mu.RUnlock()
	return reflinkCapableFS[fsType]
}
