// Package semantic infers what file descriptors refer to by watching the
// syscalls that create, duplicate and release them.
package semantic

import (
	"fmt"
	"sync"
)

// Description is what is known about a file descriptor.
type Description struct {
	// Kind is a short type tag ("file", "stdio", "dup").
	Kind string
	// Path is the path the descriptor was opened with, when known.
	Path string
}

func (d Description) String() string {
	if d.Path == "" {
		return d.Kind
	}
	return fmt.Sprintf("%s:%s", d.Kind, d.Path)
}

type fdKey struct {
	pid uint64
	fd  int64
}

var stdio = map[int64]Description{
	0: {Kind: "stdio", Path: "stdin"},
	1: {Kind: "stdio", Path: "stdout"},
	2: {Kind: "stdio", Path: "stderr"},
}

// Inference is the per-trace table of known descriptors, keyed by process.
// It is shared by all decoders of a dispatcher.
type Inference struct {
	mu     sync.RWMutex
	fds    map[fdKey]Description
	closed map[fdKey]bool
}

// NewInference returns an empty table.
func NewInference() *Inference {
	return &Inference{
		fds:    make(map[fdKey]Description),
		closed: make(map[fdKey]bool),
	}
}

// Lookup returns the description of fd in process pid.
func (i *Inference) Lookup(pid uint64, fd int64) (Description, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	key := fdKey{pid: pid, fd: fd}
	if desc, ok := i.fds[key]; ok {
		return desc, true
	}
	if i.closed[key] {
		return Description{}, false
	}
	desc, ok := stdio[fd]
	return desc, ok
}

// Open records that fd now refers to path.
func (i *Inference) Open(pid uint64, fd int64, path string) {
	if fd < 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	key := fdKey{pid: pid, fd: fd}
	i.fds[key] = Description{Kind: "file", Path: path}
	delete(i.closed, key)
}

// Close forgets fd.
func (i *Inference) Close(pid uint64, fd int64) {
	i.mu.Lock()
	defer i.mu.Unlock()

	key := fdKey{pid: pid, fd: fd}
	delete(i.fds, key)
	i.closed[key] = true
}

// Dup records that newFD refers to whatever oldFD refers to.
func (i *Inference) Dup(pid uint64, oldFD, newFD int64) {
	if newFD < 0 {
		return
	}
	desc, ok := i.Lookup(pid, oldFD)
	if !ok {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	key := fdKey{pid: pid, fd: newFD}
	i.fds[key] = desc
	delete(i.closed, key)
}

// ForgetProcess drops every descriptor of pid.
func (i *Inference) ForgetProcess(pid uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for key := range i.fds {
		if key.pid == pid {
			delete(i.fds, key)
		}
	}
	for key := range i.closed {
		if key.pid == pid {
			delete(i.closed, key)
		}
	}
}

// Len returns the number of descriptors recorded explicitly.
func (i *Inference) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.fds)
}
