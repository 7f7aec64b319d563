// Package hasher turns "read N bytes from path P starting at offset O into
// digest D" into work, the way spec.md §4.2 describes.
//
// Reading happens synchronously on the caller's goroutine — in practice the
// multi-disk scheduler's per-device worker — because rotational-disk
// throughput collapses under concurrent reads. The digest Update call is
// farmed out to a per-task serial worker goroutine so that the scheduler
// thread is never blocked on CPU-bound hashing and so that Update calls for
// a single file are delivered in strict offset order.
package hasher

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/ivoronin/dupefind/internal/types"
)

// ReadMode selects how file content is read.
type ReadMode int

const (
	// ReadBuffered uses sequential read() calls with advisory readahead.
	ReadBuffered ReadMode = iota
	// ReadPreadv uses vectored preadv-style reads to amortize syscalls.
	ReadPreadv
)

// preadvVectors is the number of buffers read() at a time in Preadv mode
// (spec.md §4.2: "vectored preadv-style reads of N (≈4) buffers at a time").
const preadvVectors = 4

// Hasher bounds concurrent reads/hashes and owns the buffer-allocation
// semaphore shared across every task it creates.
type Hasher struct {
	mode       ReadMode
	bufferSize int
	bufSem     *semaphore.Weighted
	onComplete func(t *Task)
	logger     *zap.Logger
}

// SetLogger replaces the Hasher's logger (defaults to a no-op). Non-fatal
// read errors are reported through it instead of os.Stderr (spec.md §7).
func (h *Hasher) SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	h.logger = l
}

// New creates a Hasher. maxConcurrency is the target number of files being
// actively read/hashed at once; the buffer semaphore is sized to
// maxConcurrency×64 buffers in buffered mode, or ×256 in preadv mode
// (spec.md §4.2), so that fast disks cannot outrun slow hash workers.
func New(maxConcurrency int, mode ReadMode, bufferSize int, onComplete func(t *Task)) *Hasher {
	multiplier := int64(64)
	if mode == ReadPreadv {
		multiplier = 256
	}
	return &Hasher{
		mode:       mode,
		bufferSize: bufferSize,
		bufSem:     semaphore.NewWeighted(int64(maxConcurrency) * multiplier * int64(bufferSize)),
		onComplete: onComplete,
		logger:     zap.NewNop(),
	}
}

// readJob is one unit handed from Task.Hash to the task's serial worker.
type readJob struct {
	buf      []byte
	sentinel bool
}

// Task drives one file's digest through zero or more Hash calls followed by
// exactly one Finish call. A Task is single-owner: only the goroutine that
// created it should call Hash/Finish.
type Task struct {
	hasher   *Hasher
	Digest   types.Digest
	UserData any

	jobs chan readJob
	err  error
}

// NewTask creates a Task wrapping digest and starts its serial worker
// goroutine. userData is opaque caller context (typically the *FileInfo)
// threaded through to the Hasher's onComplete callback.
func NewTask(h *Hasher, digest types.Digest, userData any) *Task {
	t := &Task{hasher: h, Digest: digest, UserData: userData, jobs: make(chan readJob, preadvVectors)}
	go t.serialWorker()
	return t
}

func (t *Task) serialWorker() {
	for job := range t.jobs {
		if job.sentinel {
			if t.hasher.onComplete != nil {
				t.hasher.onComplete(t)
			}
			return
		}
		t.Digest.Update(job.buf)
		t.hasher.bufSem.Release(int64(cap(job.buf)))
	}
}

// Hash reads length bytes from path starting at start and feeds them to the
// task's digest. When isSymlink is true, it reads the link target text
// instead of file content (spec.md §4.2). Returns the number of bytes
// actually read. The digest Update happens asynchronously on the task's
// serial worker; Hash returns as soon as the read itself completes.
func (t *Task) Hash(path string, start, length int64, isSymlink bool) (int, error) {
	if t.err != nil {
		return 0, t.err
	}

	if isSymlink {
		target, err := os.Readlink(path)
		if err != nil {
			t.err = err
			return 0, fmt.Errorf("hasher: readlink %s: %w", path, err)
		}
		buf := []byte(target)
		if err := t.hasher.bufSem.Acquire(context.Background(), int64(cap(buf))); err != nil {
			return 0, err
		}
		t.jobs <- readJob{buf: buf}
		return len(buf), nil
	}

	if err := t.hasher.bufSem.Acquire(context.Background(), length); err != nil {
		return 0, err
	}

	buf := make([]byte, length)
	var n int
	var err error
	switch t.hasher.mode {
	case ReadPreadv:
		n, err = readPreadv(path, start, buf)
	default:
		n, err = readBuffered(path, start, buf)
	}
	if err != nil {
		t.hasher.bufSem.Release(length)
		t.err = err
		t.hasher.logger.Debug("hasher: read failed, task will be ignored", zap.String("path", path), zap.Error(err))
		return 0, fmt.Errorf("hasher: read %s: %w", path, err)
	}

	t.jobs <- readJob{buf: buf[:n]}
	return n, nil
}

// Finish signals that no more Hash calls will come for this task. Once the
// serial worker drains any pending Update calls, it invokes the Hasher's
// onComplete callback with this Task (spec.md §4.2's "zero-length sentinel
// buffer").
func (t *Task) Finish() {
	t.jobs <- readJob{sentinel: true}
}

// Err returns the first read error encountered by this task, if any. A
// file in this state is reported as Ignored by the shred engine on its
// next sift (spec.md §4.4 step 2).
func (t *Task) Err() error { return t.err }

func readBuffered(path string, start int64, buf []byte) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, err
	}
	return n, nil
}

// readPreadv splits buf into preadvVectors chunks and issues a single
// vectored pread to fill them, amortizing syscalls relative to sequential
// reads (spec.md §4.2).
func readPreadv(path string, start int64, buf []byte) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	iovecs := splitIntoVectors(buf, preadvVectors)
	n, err := unix.Preadv(int(f.Fd()), iovecs, start)
	if err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}

func splitIntoVectors(buf []byte, n int) [][]byte {
	if n <= 1 || len(buf) < n {
		return [][]byte{buf}
	}
	chunk := len(buf) / n
	var vecs [][]byte
	for i := 0; i < n-1; i++ {
		vecs = append(vecs, buf[i*chunk:(i+1)*chunk])
	}
	vecs = append(vecs, buf[(n-1)*chunk:])
	return vecs
}
