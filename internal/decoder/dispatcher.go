package decoder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/syscat/internal/abi"
	"github.com/coral-mesh/syscat/internal/schema"
	"github.com/coral-mesh/syscat/internal/semantic"
)

// StackLevel controls how much of the call stack is captured per syscall.
type StackLevel int

const (
	// StackNone captures nothing.
	StackNone StackLevel = iota
	// StackPartial keeps the frames the backend already knows.
	StackPartial
	// StackFull synchronizes the full stack before decoding.
	StackFull
)

func (l StackLevel) String() string {
	switch l {
	case StackNone:
		return "none"
	case StackPartial:
		return "partial"
	case StackFull:
		return "full"
	default:
		return fmt.Sprintf("stack(%d)", int(l))
	}
}

// ParseStackLevel converts a configured stack level.
func ParseStackLevel(name string) (StackLevel, error) {
	switch name {
	case "", "none":
		return StackNone, nil
	case "partial":
		return StackPartial, nil
	case "full":
		return StackFull, nil
	default:
		return StackNone, fmt.Errorf("invalid stack level %q (want none, partial or full)", name)
	}
}

// Filter decides whether a syscall is decoded at all.
type Filter interface {
	Allow(syscall, process string, pid, tid uint64) bool
}

// Options is the configuration shared by every decoder of a dispatcher.
type Options struct {
	// Convention is where the backend stops threads.
	Convention abi.Convention
	StackLevel StackLevel
	// MaxStackDepth bounds the captured callers, zero means unbounded.
	MaxStackDepth int
	Filter        Filter
	// Clock stamps events, time.Now when nil.
	Clock func() time.Time
}

// ID identifies a decoder in the registry.
type ID struct {
	ThreadID uint64
	Seq      uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d/%d", id.ThreadID, id.Seq)
}

// ProcessInfo is the cached identity of a traced process.
type ProcessInfo struct {
	ID   uint64
	Name string
	Arch abi.Arch
}

// ThreadInfo is the cached identity of a traced thread.
type ThreadInfo struct {
	ID      uint64
	Process *ProcessInfo
}

// Dispatcher owns every live decoder. Backends report stops through its
// exported methods from any goroutine; the work itself runs on the loop
// (Run or Drain), one event at a time.
type Dispatcher struct {
	logger     zerolog.Logger
	controller Controller
	consumer   Consumer
	opts       Options
	semantics  *semantic.Inference

	queueMu sync.Mutex
	queue   []event
	wake    chan struct{}

	mu        sync.RWMutex
	decoders  map[ID]*SyscallDecoder
	waiting   map[uint64]ID
	seq       uint64
	processes map[uint64]*ProcessInfo
	threads   map[uint64]*ThreadInfo
}

// NewDispatcher creates a dispatcher handing decoded syscalls to consumer.
func NewDispatcher(logger zerolog.Logger, controller Controller, consumer Consumer, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Dispatcher{
		logger:     logger.With().Str("component", "dispatcher").Logger(),
		controller: controller,
		consumer:   consumer,
		opts:       opts,
		semantics:  semantic.NewInference(),
		wake:       make(chan struct{}, 1),
		decoders:   make(map[ID]*SyscallDecoder),
		waiting:    make(map[uint64]ID),
		processes:  make(map[uint64]*ProcessInfo),
		threads:    make(map[uint64]*ThreadInfo),
	}
}

// Options returns the dispatcher configuration.
func (d *Dispatcher) Options() Options { return d.opts }

// Semantics returns the fd inference table shared by all decoders.
func (d *Dispatcher) Semantics() *semantic.Inference { return d.semantics }

func (d *Dispatcher) now() time.Time { return d.opts.Clock() }

// SyscallEntered reports a thread stopped at the entry of sc.
func (d *Dispatcher) SyscallEntered(thread Thread, sc *schema.Syscall) {
	d.post(syscallEntered{thread: thread, syscall: sc})
}

// ExitReached reports a thread stopped at the return of its syscall.
func (d *Dispatcher) ExitReached(thread Thread) {
	d.post(exitReached{thread: thread})
}

// ThreadGone reports a thread that exited or was detached.
func (d *Dispatcher) ThreadGone(tid uint64) {
	d.post(threadGone{tid: tid})
}

// ProcessGone reports a process that exited or was detached.
func (d *Dispatcher) ProcessGone(pid uint64) {
	d.post(processGone{pid: pid})
}

// AbortAll aborts every live decoder, for example on detach.
func (d *Dispatcher) AbortAll() {
	d.post(abortAll{})
}

// Run processes events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Debug().Msg("Dispatcher loop started")
	for {
		d.Drain()
		select {
		case <-ctx.Done():
			d.logger.Debug().Int("live_decoders", d.Len()).Msg("Dispatcher loop stopped")
			return ctx.Err()
		case <-d.wake:
		}
	}
}

// Drain processes queued events, including the ones they post, until the
// queue is empty. It returns the number of events processed. It must not
// be called while Run is active.
func (d *Dispatcher) Drain() int {
	n := 0
	for {
		ev, ok := d.pop()
		if !ok {
			return n
		}
		ev.apply(d)
		n++
	}
}

func (d *Dispatcher) post(ev event) {
	d.queueMu.Lock()
	d.queue = append(d.queue, ev)
	d.queueMu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) pop() (event, bool) {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()

	if len(d.queue) == 0 {
		return nil, false
	}
	ev := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return ev, true
}

// Len returns the number of live decoders.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.decoders)
}

// Decoders returns the ids of the live decoders in creation order.
func (d *Dispatcher) Decoders() []ID {
	d.mu.RLock()
	ids := make([]ID, 0, len(d.decoders))
	for id := range d.decoders {
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].Seq < ids[j].Seq })
	return ids
}

// Decoder returns a live decoder.
func (d *Dispatcher) Decoder(id ID) (*SyscallDecoder, bool) {
	return d.lookup(id)
}

func (d *Dispatcher) lookup(id ID) (*SyscallDecoder, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dec, ok := d.decoders[id]
	return dec, ok
}

// SearchProcess returns the cached identity of pid.
func (d *Dispatcher) SearchProcess(pid uint64) *ProcessInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.processes[pid]
}

// CreateProcess caches the identity of pid.
func (d *Dispatcher) CreateProcess(pid uint64, name string, arch abi.Arch) *ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	info := &ProcessInfo{ID: pid, Name: name, Arch: arch}
	d.processes[pid] = info
	return info
}

// SearchThread returns the cached identity of tid.
func (d *Dispatcher) SearchThread(tid uint64) *ThreadInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threads[tid]
}

// CreateThread caches the identity of tid.
func (d *Dispatcher) CreateThread(tid uint64, process *ProcessInfo) *ThreadInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	info := &ThreadInfo{ID: tid, Process: process}
	d.threads[tid] = info
	return info
}

func (d *Dispatcher) identify(thread Thread) *ProcessInfo {
	proc := thread.Process()
	pinfo := d.SearchProcess(proc.ID())
	if pinfo == nil {
		pinfo = d.CreateProcess(proc.ID(), proc.Name(), proc.Arch())
	}
	if d.SearchThread(thread.ID()) == nil {
		d.CreateThread(thread.ID(), pinfo)
	}
	return pinfo
}

func (d *Dispatcher) createDecoder(thread Thread, sc *schema.Syscall) {
	pinfo := d.identify(thread)

	if d.opts.Filter != nil && !d.opts.Filter.Allow(sc.Name, pinfo.Name, pinfo.ID, thread.ID()) {
		d.logger.Debug().
			Str("syscall", sc.Name).
			Uint64("tid", thread.ID()).
			Msg("Syscall filtered out")
		d.controller.Release(thread)
		return
	}

	d.mu.Lock()
	d.seq++
	id := ID{ThreadID: thread.ID(), Seq: d.seq}
	dec := newSyscallDecoder(d, id, thread, *pinfo, sc)
	d.decoders[id] = dec
	d.mu.Unlock()

	dec.Decode()
}

func (d *Dispatcher) registerWaiting(dec *SyscallDecoder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waiting[dec.thread.ID()] = dec.id
}

func (d *Dispatcher) exitReached(thread Thread) {
	d.mu.Lock()
	id, ok := d.waiting[thread.ID()]
	if ok {
		delete(d.waiting, thread.ID())
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Debug().Uint64("tid", thread.ID()).Msg("Exit reached without a waiting decoder")
		d.controller.Release(thread)
		return
	}
	if dec, ok := d.lookup(id); ok {
		dec.loadReturnValue()
	}
}

// deleteDecoder removes dec from the registry. It is only called once the
// decoder has no outstanding read.
func (d *Dispatcher) deleteDecoder(dec *SyscallDecoder) {
	d.mu.Lock()
	delete(d.decoders, dec.id)
	if id, ok := d.waiting[dec.thread.ID()]; ok && id == dec.id {
		delete(d.waiting, dec.thread.ID())
	}
	d.mu.Unlock()

	dec.logger.Debug().Bool("aborted", dec.aborted).Msg("Decoder deleted")
	d.controller.Release(dec.thread)
}

// abortMatching aborts every decoder selected by match.
func (d *Dispatcher) abortMatching(match func(dec *SyscallDecoder) bool) {
	d.mu.RLock()
	var targets []*SyscallDecoder
	for _, dec := range d.decoders {
		if match(dec) {
			targets = append(targets, dec)
		}
	}
	d.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id.Seq < targets[j].id.Seq })
	for _, dec := range targets {
		dec.abort()
	}
}

func (d *Dispatcher) forgetThread(tid uint64) {
	d.abortMatching(func(dec *SyscallDecoder) bool { return dec.thread.ID() == tid })

	d.mu.Lock()
	delete(d.threads, tid)
	d.mu.Unlock()
}

func (d *Dispatcher) forgetProcess(pid uint64) {
	d.abortMatching(func(dec *SyscallDecoder) bool { return dec.info.ID == pid })
	d.semantics.ForgetProcess(pid)

	d.mu.Lock()
	delete(d.processes, pid)
	for tid, info := range d.threads {
		if info.Process != nil && info.Process.ID == pid {
			delete(d.threads, tid)
		}
	}
	d.mu.Unlock()
}
