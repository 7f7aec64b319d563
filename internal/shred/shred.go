// Package shred implements progressive sifting: the core duplicate
// detection engine described in spec.md §4.4.
//
// Files that share a size bucket start as one candidate group and are
// hashed in successively larger increments (see nextIncrement); on each
// increment's completion a file is sifted into whichever child bucket
// currently holds files with an identical digest state, creating a new
// bucket the first time a distinct state is seen. A bucket only starts
// hashing once it holds at least two files and passes the configured
// viability rules (tagging, mtime, unique-basename); a bucket that never
// gains a second file is simply abandoned once its parent has no more
// siblings left to deliver. A bucket that reaches end-of-file while still
// holding two or more files is a confirmed duplicate set.
//
// There is deliberately no per-round barrier: each file moves independently
// as its own hash increment completes, exactly as a file arriving late
// (behind a slower disk or a slower sibling) should not stall its faster
// siblings.
package shred

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ivoronin/dupefind/internal/cache"
	"github.com/ivoronin/dupefind/internal/core"
	"github.com/ivoronin/dupefind/internal/digest"
	"github.com/ivoronin/dupefind/internal/hasher"
	"github.com/ivoronin/dupefind/internal/mds"
	"github.com/ivoronin/dupefind/internal/mount"
	"github.com/ivoronin/dupefind/internal/paranoid"
	"github.com/ivoronin/dupefind/internal/progress"
	"github.com/ivoronin/dupefind/internal/types"
	"github.com/ivoronin/dupefind/internal/xattrcache"

	"go.uber.org/zap"
)

// waitArmThreshold is the increment-size cutoff below which a rotational
// disk worker stays on the same file rather than releasing it back to the
// elevator queue (spec.md §4.4's "waiting optimization").
const waitArmThreshold = 64 << 20

// waitTimeout bounds how long a worker will hold a disk arm waiting for a
// single file's next sift decision before giving up and returning to the
// elevator queue, so a stuck digest goroutine cannot wedge a whole device.
const waitTimeout = 5 * time.Second

// paranoidRetryInterval is how long StartHashing backs off between
// admission attempts when the paranoid governor is over budget and the
// active-group escape hatch does not apply.
const paranoidRetryInterval = 20 * time.Millisecond

// cacheHashSize is the fixed digest size internal/cache persists; Store
// silently no-ops for any other length, so variants producing a different
// size (xxhash's 8 bytes, cumulative, paranoid's shadow choice) simply
// don't participate in the cross-run cache.
const cacheHashSize = 32

// groupState is a shred group's position in the state machine described by
// spec.md §4.4.
type groupState int

const (
	stateDormant groupState = iota
	stateStartHashing
	stateHashing
	stateFinishing
	stateFinished
)

// member is one candidate entrant to the shred engine: a representative
// file (hardlinks/ext-checksum siblings already collapsed upstream by the
// screener) plus the full sibling group it stands in for, so the original
// paths can be reconstructed when a bucket is finalized.
type member struct {
	rep      *types.FileInfo
	siblings types.SiblingGroup
}

// group is one node in the sifting tree: either a root candidate bucket (a
// size class) or a child created when one or more files' digests diverged
// from their siblings at a given hash offset.
type group struct {
	mu sync.Mutex

	state      groupState
	parent     *group
	size       int64 // constant file size shared by the whole lineage
	hashOffset int64 // bytes already proven equal among this bucket's members
	generation int   // increments survived to reach hashOffset

	members  []*member
	numPending int
	children map[uint64][]*group

	paranoidAllocated int64
}

// Config tunes the shred engine (spec.md §6 / SPEC_FULL.md §2.3).
type Config struct {
	DigestType     digest.Type
	Paranoid       bool
	Threads        int
	ThreadsPerDisk int
	PassQuota      int // sweep_count
	BufferSize     int // read_buf_len
	UseBufferedRead bool
	TotalMem       int64 // paranoid governor budget

	TaggedOnly     bool
	UntaggedOnly   bool
	MinMtime       time.Time
	UniqueBasename bool

	// WriteXattrCache persists a fully-hashed file's digest to its
	// user.dupefind.digest extended attribute so a later run's scanner
	// preprocess step can skip straight to a resolved cluster. Only
	// applies to non-paranoid variants with a fixed-size result.
	WriteXattrCache bool
	// WriteUnfinished carries spec.md §6's write_unfinished. It has no
	// effect: only a bucket whose hashOffset has reached the full file
	// size gets to the xattr writer, so there is never an unfinished
	// digest to write (see checkCollisionAndFinish).
	WriteUnfinished bool

	// AlwaysWait and NeverWait override the 64MB waiting-optimization
	// heuristic unconditionally; at most one should be set (AlwaysWait
	// wins if both are, since that is the conservative choice for
	// rotational media). Whenever an override changes the heuristic's
	// decision for an increment, it is logged at debug level (spec.md §9).
	AlwaysWait bool
	NeverWait  bool

	MountTable *mount.Table
	Cache      *cache.Cache
	Logger     *zap.Logger
	Progress   *progress.Bar // advanced by cumulative bytes read across all members
}

// Engine drives the progressive sifting algorithm across a run's candidate
// groups, wiring internal/mds for disk scheduling, internal/hasher for
// reads, and internal/paranoid for byte-exact mode.
type Engine struct {
	cfg      Config
	logger   *zap.Logger
	scheduler *mds.Mds
	hasher   *hasher.Hasher
	governor *paranoid.Governor

	devMu   sync.Mutex
	devices map[string]*mds.Device

	waitMu    sync.Mutex
	waitChans map[*member]chan *dispatchCtx

	wg sync.WaitGroup

	resultsMu sync.Mutex
	results   []types.DuplicateGroup

	errMu sync.Mutex
	fatal error

	bytesDone atomic.Uint64
}

// dispatchCtx is the UserData threaded through an mds.Task and a
// hasher.Task down to the completion callback.
type dispatchCtx struct {
	grp *group
	mem *member
}

// New creates a shred Engine. Call Run once per invocation.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 4
	}
	if cfg.ThreadsPerDisk <= 0 {
		cfg.ThreadsPerDisk = 2
	}
	if cfg.PassQuota <= 0 {
		cfg.PassQuota = 32
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1 << 20
	}

	e := &Engine{
		cfg:       cfg,
		logger:    cfg.Logger,
		scheduler: mds.New(cfg.Threads),
		governor:  paranoid.NewGovernor(cfg.TotalMem),
		devices:   make(map[string]*mds.Device),
		waitChans: make(map[*member]chan *dispatchCtx),
	}
	e.scheduler.SetLogger(cfg.Logger)
	e.governor.SetLogger(cfg.Logger)

	mode := hasher.ReadPreadv
	if cfg.UseBufferedRead {
		mode = hasher.ReadBuffered
	}
	e.hasher = hasher.New(cfg.Threads, mode, cfg.BufferSize, e.onHashComplete)
	e.hasher.SetLogger(cfg.Logger)

	e.scheduler.Configure(e.handle, cfg.PassQuota, cfg.ThreadsPerDisk)
	e.scheduler.Start()

	return e
}

// Run sifts candidate groups to confirmed duplicate sets. It blocks until
// every candidate has either been confirmed, eliminated, or abandoned for
// failing viability.
func (e *Engine) Run(groups types.CandidateGroups) (types.DuplicateGroups, error) {
	for _, cg := range groups.Items() {
		e.seedRoot(cg)
	}

	e.wg.Wait()
	e.devMu.Lock()
	for _, d := range e.devices {
		d.Ref(-1)
	}
	e.devMu.Unlock()
	e.scheduler.Finish()

	e.errMu.Lock()
	fatal := e.fatal
	e.errMu.Unlock()
	if fatal != nil {
		return types.NewDuplicateGroups(nil), fatal
	}

	e.resultsMu.Lock()
	defer e.resultsMu.Unlock()
	return types.NewDuplicateGroups(e.results), nil
}

// seedRoot builds the root group for one size-bucketed candidate group and,
// if it already qualifies, starts hashing it.
func (e *Engine) seedRoot(cg types.CandidateGroup) {
	if cg.Len() == 0 {
		return
	}

	members := make([]*member, 0, cg.Len())
	for _, sg := range cg.Items() {
		rep := sg.First()
		rep.DigestHandle = e.newDigestFor(rep)
		members = append(members, &member{rep: rep, siblings: sg})
	}

	// Cache fast path: if every root member's whole-file content was
	// already hashed and cached on a previous run, confirm (or eliminate)
	// this bucket without touching the scheduler at all.
	if e.cfg.Cache != nil && !e.cfg.Paranoid && e.tryCacheFastPath(members) {
		return
	}

	g := &group{
		size:     members[0].rep.Size,
		children: make(map[uint64][]*group),
	}
	for _, m := range members {
		m.rep.HashOffset = 0
	}

	if e.viable(members) {
		e.startHashing(g, members)
	}
}

// tryCacheFastPath reports whether it fully resolved this root's
// membership using cached whole-file hashes, emitting a result if so.
func (e *Engine) tryCacheFastPath(members []*member) bool {
	type hit struct {
		m    *member
		hash string
	}
	var hits []hit
	for _, m := range members {
		cached, err := e.cfg.Cache.Lookup(m.rep, 0, m.rep.Size)
		if err != nil || cached == nil {
			return false
		}
		hits = append(hits, hit{m: m, hash: string(cached)})
	}

	byHash := make(map[string][]*member)
	for _, h := range hits {
		byHash[h.hash] = append(byHash[h.hash], h.m)
	}
	for _, matched := range byHash {
		if len(matched) < 2 {
			continue
		}
		if !e.viable(matched) {
			continue
		}
		siblings := make([]types.SiblingGroup, 0, len(matched))
		for _, m := range matched {
			siblings = append(siblings, m.siblings)
		}
		e.resultsMu.Lock()
		e.results = append(e.results, types.NewDuplicateGroup(siblings))
		e.resultsMu.Unlock()
	}
	return true
}

// newDigestFor constructs the initial digest handle for a root file per
// the configured variant.
func (e *Engine) newDigestFor(f *types.FileInfo) types.Digest {
	if e.cfg.Paranoid {
		shadow, _ := digest.New(digest.TypeBLAKE2b, 0)
		return paranoid.NewState(shadow)
	}
	d, err := digest.New(e.cfg.DigestType, 0)
	if err != nil {
		// Config validation should have caught an unknown digest type
		// long before a run starts; fall back to BLAKE2b rather than
		// crash mid-traversal.
		d, _ = digest.New(digest.TypeBLAKE2b, 0)
	}
	return d
}

// viable reports whether a candidate member set meets spec.md §4.4's
// viability rules.
func (e *Engine) viable(members []*member) bool {
	if len(members) < 2 {
		return false
	}
	if e.cfg.TaggedOnly {
		for _, m := range members {
			if !m.rep.Tagged {
				return false
			}
		}
	}
	if e.cfg.UntaggedOnly {
		for _, m := range members {
			if m.rep.Tagged {
				return false
			}
		}
	}
	if !e.cfg.MinMtime.IsZero() {
		newEnough := false
		for _, m := range members {
			if m.rep.ModTime.After(e.cfg.MinMtime) {
				newEnough = true
				break
			}
		}
		if !newEnough {
			return false
		}
	}
	if e.cfg.UniqueBasename {
		first := members[0].rep.Node.Basename()
		disagree := false
		for _, m := range members[1:] {
			if m.rep.Node.Basename() != first {
				disagree = true
				break
			}
		}
		if !disagree {
			return false
		}
	}
	return true
}

func (e *Engine) viableGroup(g *group) bool { return e.viable(g.members) }

// isRotational reports whether diskID names rotational media, defaulting
// to true (conservative: prefer elevator ordering) when no mount table was
// supplied or the disk is unrecognized.
func (e *Engine) isRotational(diskID string) bool {
	if e.cfg.MountTable == nil {
		return true
	}
	return !e.cfg.MountTable.IsNonRotational(diskID)
}

func (e *Engine) getDevice(diskID string) *mds.Device {
	e.devMu.Lock()
	defer e.devMu.Unlock()
	d, ok := e.devices[diskID]
	if ok {
		return d
	}
	d = e.scheduler.Device(diskID, e.isRotational(diskID))
	d.Ref(1)
	e.devices[diskID] = d
	return d
}

// startHashing admits (if paranoid) and dispatches a newly-qualified
// group's members for their next increment.
func (e *Engine) startHashing(g *group, members []*member) {
	if e.cfg.Paranoid {
		required := paranoid.Required(len(members), g.size-g.hashOffset)
		var inherited int64
		if g.parent != nil {
			g.parent.mu.Lock()
			inherited = g.parent.paranoidAllocated
			g.parent.paranoidAllocated = 0
			g.parent.mu.Unlock()
		}
		granted, ok := e.governor.Admit(required, inherited)
		for !ok {
			time.Sleep(paranoidRetryInterval)
			granted, ok = e.governor.Admit(required, inherited)
		}
		g.mu.Lock()
		g.paranoidAllocated = granted
		g.mu.Unlock()
	}

	g.mu.Lock()
	g.state = stateHashing
	g.numPending = len(members)
	g.members = members
	g.mu.Unlock()

	e.wg.Add(len(members))
	e.dispatch(g, members)
}

// dispatch hands each member off to the scheduler, honoring any pending
// waiting-optimization handoff already registered for it.
func (e *Engine) dispatch(g *group, members []*member) {
	for _, m := range members {
		e.waitMu.Lock()
		ch, waiting := e.waitChans[m]
		if waiting {
			delete(e.waitChans, m)
		}
		e.waitMu.Unlock()

		if waiting {
			ch <- &dispatchCtx{grp: g, mem: m}
			continue
		}

		dev := e.getDevice(m.rep.DiskID)
		dev.PushTask(&mds.Task{
			Dev:    m.rep.Dev,
			Offset: m.rep.HashOffset,
			Path:   m.rep.Path,
			UserData: &dispatchCtx{grp: g, mem: m},
		})
	}
}

// handle is the mds.HandlerFunc: it performs exactly one file's next
// increment, implementing the waiting optimization by looping in place
// when the heuristic favors holding the disk arm (spec.md §4.4).
func (e *Engine) handle(task mds.Task) bool {
	ctx := task.UserData.(*dispatchCtx)
	for {
		grp, mem := ctx.grp, ctx.mem

		grp.mu.Lock()
		generation := grp.generation
		grp.mu.Unlock()

		remaining := grp.size - mem.rep.HashOffset
		length := nextIncrement(generation, remaining, e.cfg.Paranoid)
		rotational := e.isRotational(mem.rep.DiskID)
		moreWork := remaining > length

		var waiting bool
		switch {
		case e.cfg.AlwaysWait:
			waiting = moreWork
		case e.cfg.NeverWait:
			waiting = false
		default:
			waiting = rotational && length < waitArmThreshold && moreWork
		}
		if heuristic := rotational && length < waitArmThreshold && moreWork; heuristic != waiting && e.logger != nil {
			e.logger.Debug("shred: wait heuristic overridden",
				zap.String("path", mem.rep.Path),
				zap.Bool("heuristic", heuristic),
				zap.Bool("waiting", waiting))
		}

		var ch chan *dispatchCtx
		if waiting {
			ch = make(chan *dispatchCtx, 1)
			e.waitMu.Lock()
			e.waitChans[mem] = ch
			e.waitMu.Unlock()
		}

		start := mem.rep.HashOffset
		ht := hasher.NewTask(e.hasher, mem.rep.DigestHandle, ctx)
		n, err := ht.Hash(mem.rep.Path, start, length, mem.rep.IsSymlink)
		if err != nil {
			mem.rep.Ignored = true
			e.logger.Debug("shred: read failed, ignoring file", zap.String("path", mem.rep.Path), zap.Error(err))
		} else {
			mem.rep.HashOffset = start + int64(n)
			if e.cfg.Progress != nil {
				e.cfg.Progress.Set(e.bytesDone.Add(uint64(n)))
			}
		}
		ht.Finish()

		if !waiting {
			return true
		}

		select {
		case next := <-ch:
			ctx = next
			continue
		case <-time.After(waitTimeout):
			e.waitMu.Lock()
			delete(e.waitChans, mem)
			e.waitMu.Unlock()
			return true
		}
	}
}

// onHashComplete is the Hasher's onComplete callback: it runs once a
// file's digest has been updated with its latest increment, and performs
// the sift (spec.md §4.4).
func (e *Engine) onHashComplete(ht *hasher.Task) {
	ctx := ht.UserData.(*dispatchCtx)
	e.sift(ctx.grp, ctx.mem)
}

// sift implements spec.md §4.4's five-step algorithm for a single file's
// hasher completion.
func (e *Engine) sift(g *group, m *member) {
	g.mu.Lock()
	g.numPending--

	var target *group
	var activate []*member
	var straggler *member
	var finishTarget *group

	if !m.rep.Ignored {
		key := m.rep.DigestHandle.Key()
		for _, c := range g.children[key] {
			c.mu.Lock()
			matches := len(c.members) > 0 && c.members[0].rep.DigestHandle.Equal(m.rep.DigestHandle)
			c.mu.Unlock()
			if matches {
				target = c
				break
			}
		}
		if target == nil {
			target = &group{
				parent:     g,
				size:       g.size,
				hashOffset: m.rep.HashOffset,
				generation: g.generation + 1,
				children:   make(map[uint64][]*group),
			}
			g.children[key] = append(g.children[key], target)
		}

		target.mu.Lock()
		target.members = append(target.members, m)
		switch target.state {
		case stateDormant:
			if e.viableGroup(target) {
				if target.hashOffset >= target.size {
					target.state = stateFinishing
					finishTarget = target
				} else {
					target.state = stateStartHashing
					activate = append([]*member(nil), target.members...)
				}
			}
		case stateHashing:
			target.numPending++
			straggler = m
		default:
			// Finishing/Finished: a rare straggler arriving after this
			// bucket already resolved. Recorded in membership but not
			// re-emitted; see DESIGN.md for the accepted tradeoff.
		}
		target.mu.Unlock()
	}

	var leftoverMem int64
	if g.numPending == 0 && g.paranoidAllocated > 0 {
		leftoverMem = g.paranoidAllocated
		g.paranoidAllocated = 0
	}
	g.mu.Unlock()

	if activate != nil {
		e.startHashing(target, activate)
	}
	if straggler != nil {
		e.wg.Add(1)
		e.dispatch(target, []*member{straggler})
	}
	if finishTarget != nil {
		e.checkCollisionAndFinish(finishTarget)
	}
	if leftoverMem > 0 {
		// g has fully drained into children (or dropped members) without any
		// child claiming its paranoid allocation; return it to the governor
		// rather than leaking it for the rest of the run.
		e.governor.Release(leftoverMem)
	}

	e.wg.Done()
}

// checkCollisionAndFinish finalizes a bucket that reached end-of-file
// while still holding 2+ members, surfacing a paranoid shadow-hash
// collision as a fatal error instead of emitting a result.
func (e *Engine) checkCollisionAndFinish(g *group) {
	g.mu.Lock()
	members := append([]*member(nil), g.members...)
	allocated := g.paranoidAllocated
	g.paranoidAllocated = 0
	g.mu.Unlock()

	if e.cfg.Paranoid {
		for _, m := range members {
			if ps, ok := m.rep.DigestHandle.(*paranoid.State); ok {
				if err := ps.Collision(); err != nil {
					e.reportFatal(&core.ParanoidCollision{
						PathA: members[0].rep.Path,
						PathB: m.rep.Path,
					})
					return
				}
			}
		}
	}

	if allocated > 0 {
		e.governor.Release(allocated)
	}

	siblings := make([]types.SiblingGroup, 0, len(members))
	for _, m := range members {
		siblings = append(siblings, m.siblings)
	}

	if e.cfg.Cache != nil {
		for _, m := range members {
			stolen := m.rep.DigestHandle.Steal()
			if len(stolen) == cacheHashSize {
				_ = e.cfg.Cache.Store(m.rep, 0, m.rep.Size, stolen)
			}
		}
	}

	// A bucket only reaches here once its hashOffset has caught up to the
	// full file size (sift only sets finishTarget at that point), so every
	// write below is a full-file digest; WriteUnfinished exists for
	// spec.md §6 parity but has nothing to gate in this engine's sift order.
	if e.cfg.WriteXattrCache && !e.cfg.Paranoid {
		for _, m := range members {
			stolen := m.rep.DigestHandle.Steal()
			if len(stolen) > 0 {
				_ = xattrcache.Write(m.rep.Path, string(e.cfg.DigestType), stolen)
			}
		}
	}

	e.resultsMu.Lock()
	e.results = append(e.results, types.NewDuplicateGroup(siblings))
	e.resultsMu.Unlock()
}

func (e *Engine) reportFatal(err error) {
	e.errMu.Lock()
	if e.fatal == nil {
		e.fatal = err
	}
	e.errMu.Unlock()
}
