package decoder

import "github.com/coral-mesh/syscat/internal/schema"

// event is a unit of work of the dispatcher loop. Asynchronous completions
// refer to decoders by ID so a completion for a deleted decoder is dropped.
type event interface {
	apply(d *Dispatcher)
}

type syscallEntered struct {
	thread  Thread
	syscall *schema.Syscall
}

func (ev syscallEntered) apply(d *Dispatcher) {
	d.createDecoder(ev.thread, ev.syscall)
}

type exitReached struct {
	thread Thread
}

func (ev exitReached) apply(d *Dispatcher) {
	d.exitReached(ev.thread)
}

type framesSynced struct {
	id  ID
	err error
}

func (ev framesSynced) apply(d *Dispatcher) {
	dec, ok := d.lookup(ev.id)
	if !ok {
		return
	}
	if ev.err != nil {
		// Decoding goes on with the frames we have.
		dec.logger.Debug().Err(ev.err).Msg("Failed to sync stack frames")
	}
	dec.doDecode()
}

type threadGone struct {
	tid uint64
}

func (ev threadGone) apply(d *Dispatcher) {
	d.forgetThread(ev.tid)
}

type processGone struct {
	pid uint64
}

func (ev processGone) apply(d *Dispatcher) {
	d.forgetProcess(ev.pid)
}

type abortAll struct{}

func (abortAll) apply(d *Dispatcher) {
	d.abortMatching(func(*SyscallDecoder) bool { return true })
}
