//go:build linux && (amd64 || arm64)

package ptrace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/syscat/internal/abi"
	"github.com/coral-mesh/syscat/internal/decoder"
	"github.com/coral-mesh/syscat/internal/schema"
	"github.com/coral-mesh/syscat/internal/sys/proc"
)

// errTasksChanged is returned when threads appeared while attaching.
var errTasksChanged = errors.New("thread list changed while attaching")

const syscallTrap = unix.SIGTRAP | 0x80

type request struct {
	fn   func() error
	done chan error
}

// Tracer traces processes with ptrace. It implements decoder.Controller.
type Tracer struct {
	logger zerolog.Logger
	opts   Options
	table  *schema.Table

	requests chan request
	stopped  chan struct{}

	// Owned by the tracer goroutine.
	sink      Sink
	threads   map[int]*thread
	processes map[int]*process
	// orphans are new tracees that stopped before the event of their
	// parent announced them.
	orphans  map[int]bool
	mainPID  int
	launched bool
	exitCode int
}

// New creates a tracer.
func New(logger zerolog.Logger, opts Options) (*Tracer, error) {
	opts.setDefaults()
	table, err := schema.LinuxTable(nativeArch)
	if err != nil {
		return nil, err
	}
	return &Tracer{
		logger:    logger.With().Str("component", "ptrace").Logger(),
		opts:      opts,
		table:     table,
		requests:  make(chan request),
		stopped:   make(chan struct{}),
		threads:   make(map[int]*thread),
		processes: make(map[int]*process),
		orphans:   make(map[int]bool),
	}, nil
}

// Arch returns the architecture of the traced processes.
func (t *Tracer) Arch() abi.Arch { return nativeArch }

// ExitCode returns the exit code of the launched command, valid after Run
// returned.
func (t *Tracer) ExitCode() int { return t.exitCode }

// Run traces target until every traced process is gone or ctx is done.
// On cancellation a launched command is killed and attached processes are
// detached.
func (t *Tracer) Run(ctx context.Context, sink Sink, target Target) error {
	if target.PID == 0 && len(target.Command) == 0 {
		return errors.New("nothing to trace: need a pid or a command")
	}
	t.sink = sink
	t.logger.Debug().
		Str("arch", string(nativeArch)).
		Str("kernel", proc.GetKernelVersion()).
		Bool("follow_forks", t.opts.FollowForks).
		Msg("Starting tracer")

	errc := make(chan error, 1)
	go func() {
		// The thread is never unlocked: it is the only one allowed to
		// issue ptrace requests for the tracees, and it exits with the
		// goroutine.
		runtime.LockOSThread()
		defer close(t.stopped)
		errc <- t.loop(ctx, target)
	}()
	return <-errc
}

// do runs fn on the tracer goroutine.
func (t *Tracer) do(fn func() error) error {
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case t.requests <- req:
	case <-t.stopped:
		return ErrStopped
	}
	return <-req.done
}

// AddExitBreakpoint implements decoder.Controller. Only the next syscall
// exit of the thread can be waited for.
func (t *Tracer) AddExitBreakpoint(th decoder.Thread, syscallName string, address uint64) error {
	if address != 0 {
		return fmt.Errorf("%s: breakpoints at %#x are not supported, only syscall exits", syscallName, address)
	}
	pt, ok := th.(*thread)
	if !ok {
		return fmt.Errorf("foreign thread %d", th.ID())
	}
	return t.do(func() error {
		pt.exitWanted = true
		return nil
	})
}

// Release implements decoder.Controller.
func (t *Tracer) Release(th decoder.Thread) {
	pt, ok := th.(*thread)
	if !ok {
		return
	}
	err := t.do(func() error {
		pt.exitWanted = false
		return pt.resume()
	})
	if err != nil && !errors.Is(err, ErrStopped) {
		t.logger.Warn().Err(err).Int("tid", pt.tid).Msg("Failed to release thread")
	}
}

func (t *Tracer) loop(ctx context.Context, target Target) error {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, unix.SIGCHLD)
	defer signal.Stop(sigc)

	if target.PID != 0 {
		if err := t.attach(ctx, target.PID); err != nil {
			t.detachAll()
			return err
		}
	} else if err := t.launch(target.Command); err != nil {
		return err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := t.reap(); err != nil {
			return err
		}
		if len(t.processes) == 0 {
			t.logger.Debug().Int("exit_code", t.exitCode).Msg("Every traced process is gone")
			return nil
		}

		select {
		case <-ctx.Done():
			t.shutdown()
			return nil
		case req := <-t.requests:
			req.done <- req.fn()
		case <-sigc:
		case <-ticker.C:
		}
	}
}

func (t *Tracer) ptraceOptions() int {
	opts := unix.PTRACE_O_TRACESYSGOOD | unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEEXEC
	if t.launched {
		opts |= unix.PTRACE_O_EXITKILL
	}
	if t.opts.FollowForks {
		opts |= unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK
	}
	return opts
}

func (t *Tracer) launch(command []string) error {
	cmd := exec.Command(command[0], command[1:]...) // #nosec G204
	cmd.Stdin = t.opts.Stdin
	cmd.Stdout = t.opts.Stdout
	cmd.Stderr = t.opts.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", command[0], err)
	}
	pid := cmd.Process.Pid
	t.mainPID = pid
	t.launched = true

	// The child stops with SIGTRAP once the exec is done.
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, unix.WALL, nil); err != nil {
		return fmt.Errorf("failed to wait for %s: %w", command[0], err)
	}
	if !ws.Stopped() {
		return fmt.Errorf("%s exited before it could be traced", command[0])
	}
	if err := unix.PtraceSetOptions(pid, t.ptraceOptions()); err != nil {
		_ = unix.Kill(pid, unix.SIGKILL)
		return fmt.Errorf("failed to set ptrace options: %w", err)
	}

	th := t.newThread(pid, t.newProcess(pid))
	t.logger.Info().Int("pid", pid).Str("command", command[0]).Msg("Command started")
	t.cont(th, 0)
	return nil
}

func (t *Tracer) attach(ctx context.Context, pid int) error {
	t.mainPID = pid
	p := t.newProcess(pid)

	err := retry.Do(
		func() error { return t.attachTasks(p) },
		retry.Context(ctx),
		retry.Attempts(t.opts.AttachAttempts),
		retry.Delay(t.opts.AttachDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errTasksChanged) }),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("failed to attach to %d: %w", pid, err)
	}

	for _, th := range t.threads {
		t.cont(th, 0)
	}
	t.logger.Info().Int("pid", pid).Str("process", p.Name()).Int("threads", len(t.threads)).Msg("Attached")
	return nil
}

// attachTasks attaches to the threads of p not traced yet. The attached
// threads stay stopped so they cannot create threads meanwhile.
func (t *Tracer) attachTasks(p *process) error {
	tids, err := proc.ListTasks(p.pid)
	if err != nil {
		return err
	}
	for _, tid := range tids {
		if _, ok := t.threads[tid]; ok {
			continue
		}
		if err := unix.PtraceAttach(tid); err != nil {
			if errors.Is(err, unix.ESRCH) {
				return errTasksChanged
			}
			return fmt.Errorf("failed to attach to thread %d: %w", tid, err)
		}
		if err := t.waitAttachStop(tid); err != nil {
			return err
		}
		if err := unix.PtraceSetOptions(tid, t.ptraceOptions()); err != nil {
			return fmt.Errorf("failed to set ptrace options: %w", err)
		}
		t.newThread(tid, p).parked = true
	}

	tids, err = proc.ListTasks(p.pid)
	if err != nil {
		return err
	}
	for _, tid := range tids {
		if _, ok := t.threads[tid]; !ok {
			return errTasksChanged
		}
	}
	return nil
}

func (t *Tracer) waitAttachStop(tid int) error {
	for {
		var ws unix.WaitStatus
		if _, err := unix.Wait4(tid, &ws, unix.WALL, nil); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("failed to wait for thread %d: %w", tid, err)
		}
		switch {
		case ws.Exited() || ws.Signaled():
			return errTasksChanged
		case ws.Stopped() && ws.StopSignal() == unix.SIGSTOP:
			return nil
		case ws.Stopped():
			// Another signal arrived first; deliver it and keep waiting
			// for the attach stop.
			if err := unix.PtraceCont(tid, int(ws.StopSignal())); err != nil {
				return fmt.Errorf("failed to continue thread %d: %w", tid, err)
			}
		}
	}
}

func (t *Tracer) newProcess(pid int) *process {
	p := &process{tracer: t, pid: pid, name: processName(pid)}
	t.processes[pid] = p
	return p
}

func (t *Tracer) newThread(tid int, p *process) *thread {
	th := &thread{tracer: t, tid: tid, process: p}
	th.alive.Store(true)
	t.threads[tid] = th
	return th
}

func (t *Tracer) cont(th *thread, sig unix.Signal) {
	th.parked = false
	if err := unix.PtraceSyscall(th.tid, int(sig)); err != nil && !errors.Is(err, unix.ESRCH) {
		t.logger.Warn().Err(err).Int("tid", th.tid).Msg("Failed to continue thread")
	}
}

// reap handles every pending wait status without blocking.
func (t *Tracer) reap() error {
	for {
		var ws unix.WaitStatus
		tid, err := unix.Wait4(-1, &ws, unix.WALL|unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			t.forgetAll()
			return nil
		case err != nil:
			return fmt.Errorf("wait4: %w", err)
		case tid <= 0:
			return nil
		}
		t.handle(tid, ws)
	}
}

func (t *Tracer) handle(tid int, ws unix.WaitStatus) {
	th := t.threads[tid]
	if th == nil {
		if ws.Stopped() {
			t.orphans[tid] = true
		}
		return
	}

	switch {
	case ws.Exited() || ws.Signaled():
		t.exited(th, ws)
	case !ws.Stopped():
	case ws.StopSignal() == syscallTrap:
		t.syscallStop(th)
	case ws.StopSignal() == unix.SIGTRAP && ws.TrapCause() > 0:
		t.eventStop(th, ws.TrapCause())
	case ws.StopSignal() == unix.SIGSTOP && th.awaitingStop:
		th.awaitingStop = false
		t.cont(th, 0)
	default:
		t.cont(th, ws.StopSignal())
	}
}

func (t *Tracer) syscallStop(th *thread) {
	if err := th.stopped(); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to inspect syscall stop")
		t.cont(th, 0)
		return
	}

	entry := !th.inSyscall
	switch syscallStopKind(th.tid) {
	case syscallInfoEntry:
		entry = true
	case syscallInfoExit:
		entry = false
	}
	th.inSyscall = entry

	if entry {
		regs, _ := th.GeneralRegisters()
		table, _ := abi.Lookup(nativeArch, abi.ConventionKernel)
		th.parked = true
		t.sink.SyscallEntered(th, t.table.Lookup(regs.Value(table.SyscallNumber)))
		return
	}
	if th.exitWanted {
		th.exitWanted = false
		th.parked = true
		t.sink.ExitReached(th)
		return
	}
	t.cont(th, 0)
}

func (t *Tracer) eventStop(th *thread, cause int) {
	msg, err := unix.PtraceGetEventMsg(th.tid)
	if err != nil {
		t.logger.Warn().Err(err).Int("tid", th.tid).Msg("Failed to read ptrace event")
		t.cont(th, 0)
		return
	}
	child := int(msg) // #nosec G115

	switch cause {
	case unix.PTRACE_EVENT_CLONE:
		p := th.process
		if tgid, err := proc.Tgid(child); err == nil && tgid != p.pid {
			p = t.newProcess(tgid)
		}
		t.adopt(child, p)
	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK:
		t.adopt(child, t.newProcess(child))
		t.logger.Debug().Int("pid", th.process.pid).Int("child", child).Msg("Following child process")
	case unix.PTRACE_EVENT_EXEC:
		// A non leader thread calling exec takes over the leader's id.
		if child != th.tid {
			if old := t.threads[child]; old != nil {
				t.forgetThread(old)
			}
		}
		th.inSyscall = true
		th.process.refresh()
		t.logger.Debug().Int("pid", th.process.pid).Str("process", th.process.Name()).Msg("Process executed a new program")
	}
	t.cont(th, 0)
}

func (t *Tracer) adopt(tid int, p *process) {
	th := t.newThread(tid, p)
	if t.orphans[tid] {
		delete(t.orphans, tid)
		t.cont(th, 0)
		return
	}
	th.awaitingStop = true
}

func (t *Tracer) exited(th *thread, ws unix.WaitStatus) {
	t.forgetThread(th)

	p := th.process
	if th.tid != p.pid {
		return
	}
	for _, other := range t.threads {
		if other.process == p {
			t.forgetThread(other)
		}
	}
	t.forgetProcess(p)

	if p.pid == t.mainPID {
		if ws.Signaled() {
			t.exitCode = 128 + int(ws.Signal())
		} else {
			t.exitCode = ws.ExitStatus()
		}
		t.logger.Debug().Int("pid", p.pid).Int("exit_code", t.exitCode).Msg("Traced process exited")
	}
}

func (t *Tracer) forgetThread(th *thread) {
	delete(t.threads, th.tid)
	th.alive.Store(false)
	th.parked = false
	t.sink.ThreadGone(th.ID())
}

func (t *Tracer) forgetProcess(p *process) {
	delete(t.processes, p.pid)
	p.close()
	t.sink.ProcessGone(p.ID())
}

func (t *Tracer) forgetAll() {
	for _, th := range t.threads {
		t.forgetThread(th)
	}
	for _, p := range t.processes {
		t.forgetProcess(p)
	}
}

// shutdown stops tracing after a cancellation.
func (t *Tracer) shutdown() {
	t.sink.AbortAll()
	if t.launched {
		t.logger.Info().Int("pid", t.mainPID).Msg("Killing traced command")
		_ = unix.Kill(t.mainPID, unix.SIGKILL)
		t.forgetAll()
		return
	}
	t.detachAll()
}

// detachAll detaches every thread. A running thread must be in a ptrace
// stop to be detached, so it is stopped first and its process continued
// afterwards.
func (t *Tracer) detachAll() {
	for _, th := range t.threads {
		if !th.parked {
			if err := unix.Tgkill(th.process.pid, th.tid, unix.SIGSTOP); err != nil {
				continue
			}
			if !t.waitStop(th.tid) {
				continue
			}
		}
		if err := unix.PtraceDetach(th.tid); err != nil && !errors.Is(err, unix.ESRCH) {
			t.logger.Warn().Err(err).Int("tid", th.tid).Msg("Failed to detach thread")
		}
	}
	for pid := range t.processes {
		_ = unix.Kill(pid, unix.SIGCONT)
	}
	t.logger.Info().Int("threads", len(t.threads)).Msg("Detached")
	t.forgetAll()
}

func (t *Tracer) waitStop(tid int) bool {
	for {
		var ws unix.WaitStatus
		if _, err := unix.Wait4(tid, &ws, unix.WALL, nil); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return false
		}
		if ws.Exited() || ws.Signaled() {
			return false
		}
		if ws.Stopped() {
			return true
		}
	}
}
