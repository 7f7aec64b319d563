// Package mds implements the multi-disk I/O scheduler: one worker pool per
// physical device, elevator-style ordering on rotational media, and
// cooperative reference counting so callers can keep a device "open" while
// more work may still arrive for it (spec.md §4.3).
package mds

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// waitPollInterval bounds how long an idle device worker waits for new work
// before re-checking its refcount (spec.md §4.3 step 1: "~50 ms").
const waitPollInterval = 50 * time.Millisecond

// Task is one unit of scheduled work: "read from path at offset on behalf
// of dev". Dev need not equal the physical disk id — it distinguishes
// logical streams (e.g. partitions) sharing one arm for elevator ordering.
type Task struct {
	Dev      uint64
	Offset   int64
	Path     string
	UserData any
}

// HandlerFunc processes one task. Returning true consumes it; returning
// false defers it — the scheduler re-queues it for a later pass (spec.md
// §4.3 step 3).
type HandlerFunc func(task Task) bool

// Mds is the multi-disk scheduler. Create with New, wire a handler with
// Configure, then Start before pushing tasks to any Device.
type Mds struct {
	threadSem      *semaphore.Weighted
	handler        HandlerFunc
	passQuota      int
	threadsPerDisk int

	mu      sync.Mutex
	devices map[string]*Device
	started bool
	logger  *zap.Logger

	wg sync.WaitGroup
}

// New creates a scheduler allowing up to maxThreads device workers to be
// actively processing a batch at once, across all devices combined.
func New(maxThreads int) *Mds {
	return &Mds{
		threadSem: semaphore.NewWeighted(int64(maxThreads)),
		devices:   make(map[string]*Device),
		logger:    zap.NewNop(),
	}
}

// SetLogger replaces the scheduler's logger (defaults to a no-op). Device
// worker lifecycle and deferred-task events are reported through it.
func (m *Mds) SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	m.mu.Lock()
	m.logger = l
	m.mu.Unlock()
}

// Configure sets the task handler and per-device scheduling parameters.
// Must be called before Start.
func (m *Mds) Configure(handler HandlerFunc, passQuota, threadsPerDisk int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
	m.passQuota = passQuota
	m.threadsPerDisk = threadsPerDisk
}

// Start marks the scheduler ready to spin up workers for devices as they
// are created via Device.
func (m *Mds) Start() {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
}

// Device returns the Device for diskID, creating it (and launching its
// worker pool, if Start has already been called) on first use.
func (m *Mds) Device(diskID string, isRotational bool) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[diskID]
	if ok {
		return d
	}

	threadsPerDisk := m.threadsPerDisk
	if isRotational && threadsPerDisk > 2 {
		// Rotational media gains little from more than a couple of
		// concurrent arm positions; SSDs scale further (spec.md §4.3).
		threadsPerDisk = 2
	}

	d = &Device{
		id:           diskID,
		isRotational: isRotational,
		wake:         make(chan struct{}, 1),
		scheduler:    m,
	}
	m.devices[diskID] = d
	m.logger.Debug("mds: device registered", zap.String("disk", diskID), zap.Bool("rotational", isRotational))

	if m.started {
		d.startWorkers(threadsPerDisk)
	}
	return d
}

// Finish blocks until every device worker has exited (i.e. every device's
// refcount dropped to zero and its queues drained).
func (m *Mds) Finish() {
	m.wg.Wait()
}

func (m *Mds) elevatorLess(a, b *Task) bool {
	if a.Dev != b.Dev {
		return a.Dev < b.Dev
	}
	return a.Offset < b.Offset
}

// Device owns one physical disk's work queues.
type Device struct {
	id           string
	isRotational bool

	mu       sync.Mutex
	unsorted []*Task // LIFO staging
	sorted   []*Task // ready for dispatch, elevator-ordered
	refcount int

	wake      chan struct{}
	scheduler *Mds
}

// ID returns the physical disk identifier this device represents.
func (d *Device) ID() string { return d.id }

// IsRotational reports whether this device is rotational media.
func (d *Device) IsRotational() bool { return d.isRotational }

// PushTask enqueues t for this device. The caller must have already called
// Ref(1) (or otherwise hold a positive refcount) so the device's workers
// know not to exit before processing it.
func (d *Device) PushTask(t *Task) {
	d.mu.Lock()
	d.unsorted = append(d.unsorted, t)
	d.mu.Unlock()
	d.signal()
}

// Ref adjusts the device's reference count. A positive count keeps workers
// alive waiting for more work even when queues are momentarily empty; it
// must reach zero (and queues drain) for the device's workers to exit.
func (d *Device) Ref(delta int) {
	d.mu.Lock()
	d.refcount += delta
	d.mu.Unlock()
	d.signal()
}

func (d *Device) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Device) startWorkers(n int) {
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		d.scheduler.wg.Add(1)
		go d.workerLoop()
	}
}

func (d *Device) workerLoop() {
	defer d.scheduler.wg.Done()
	defer d.scheduler.logger.Debug("mds: worker exiting", zap.String("disk", d.id))

	for {
		d.mu.Lock()
		for len(d.unsorted) == 0 && len(d.sorted) == 0 && d.refcount > 0 {
			d.mu.Unlock()
			select {
			case <-d.wake:
			case <-time.After(waitPollInterval):
			}
			d.mu.Lock()
		}

		if len(d.unsorted) == 0 && len(d.sorted) == 0 && d.refcount <= 0 {
			d.mu.Unlock()
			return
		}

		// Drain unsorted into sorted under elevator ordering.
		if len(d.unsorted) > 0 {
			d.sorted = append(d.sorted, d.unsorted...)
			d.unsorted = d.unsorted[:0]
			sort.SliceStable(d.sorted, func(i, j int) bool {
				return d.scheduler.elevatorLess(d.sorted[i], d.sorted[j])
			})
		}

		quota := d.scheduler.passQuota
		if quota <= 0 || quota > len(d.sorted) {
			quota = len(d.sorted)
		}
		batch := d.sorted[:quota]
		d.sorted = d.sorted[quota:]
		d.mu.Unlock()

		if err := d.scheduler.threadSem.Acquire(context.Background(), 1); err != nil {
			continue
		}
		var deferred []*Task
		for _, task := range batch {
			if !d.scheduler.handler(*task) {
				deferred = append(deferred, task)
			}
		}
		d.scheduler.threadSem.Release(1)

		if len(deferred) > 0 {
			d.scheduler.logger.Debug("mds: tasks deferred to next pass",
				zap.String("disk", d.id), zap.Int("count", len(deferred)))
			d.mu.Lock()
			d.unsorted = append(d.unsorted, deferred...)
			d.mu.Unlock()
		}
	}
}
