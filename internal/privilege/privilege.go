// Package privilege deals with running syscat under sudo: finding the user
// who invoked it, handing files back to that user and explaining why an
// attach to a running process is refused.
package privilege

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// UserContext is the identity of the user who started syscat.
type UserContext struct {
	Username string
	UID      int
	GID      int
	HomeDir  string
}

// DetectOriginalUser returns the user who invoked sudo, from SUDO_USER,
// SUDO_UID and SUDO_GID, or the current user when not under sudo.
func DetectOriginalUser() (*UserContext, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return currentUser()
	}

	uidStr, gidStr := os.Getenv("SUDO_UID"), os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		return nil, fmt.Errorf("SUDO_USER set but SUDO_UID or SUDO_GID missing")
	}
	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_UID: %w", err)
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_GID: %w", err)
	}

	u, err := user.Lookup(sudoUser)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup user %s: %w", sudoUser, err)
	}
	return &UserContext{Username: sudoUser, UID: uid, GID: gid, HomeDir: u.HomeDir}, nil
}

func currentUser() (*UserContext, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}
	return &UserContext{
		Username: u.Username,
		UID:      os.Getuid(),
		GID:      os.Getgid(),
		HomeDir:  u.HomeDir,
	}, nil
}

// IsRoot reports whether the effective user is root.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// IsRunningUnderSudo reports whether SUDO_USER is set.
func IsRunningUnderSudo() bool {
	return os.Getenv("SUDO_USER") != ""
}

// FixFileOwnership gives path to the user who invoked sudo, so traces and
// event stores written as root stay usable. It does nothing unless root was
// obtained through sudo.
func FixFileOwnership(path string) error {
	if !IsRoot() || !IsRunningUnderSudo() {
		return nil
	}
	userCtx, err := DetectOriginalUser()
	if err != nil {
		return fmt.Errorf("failed to detect original user: %w", err)
	}
	if err := os.Chown(path, userCtx.UID, userCtx.GID); err != nil {
		return fmt.Errorf("failed to chown %s to %d:%d: %w", path, userCtx.UID, userCtx.GID, err)
	}
	return nil
}

// PtraceScope values of the Yama security module.
const (
	ScopeClassic  = 0
	ScopeRelation = 1
	ScopeAdmin    = 2
	ScopeNone     = 3
)

// ProcRoot is the mount point of procfs.
var ProcRoot = "/proc"

// PtraceScope reads kernel.yama.ptrace_scope. ok is false when Yama is not
// enabled, in which case classic ptrace permissions apply.
func PtraceScope() (scope int, ok bool) {
	data, err := os.ReadFile(filepath.Join(ProcRoot, "sys", "kernel", "yama", "ptrace_scope"))
	if err != nil {
		return ScopeClassic, false
	}
	scope, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return ScopeClassic, false
	}
	return scope, true
}

// AttachHint explains why attaching to a running process may be refused,
// or returns an empty string when nothing stands in the way.
func AttachHint() string {
	scope, ok := PtraceScope()
	if !ok {
		return ""
	}
	switch {
	case scope >= ScopeNone:
		return "ptrace attach is disabled (kernel.yama.ptrace_scope=3)"
	case scope == ScopeAdmin && !IsRoot():
		return "attaching needs CAP_SYS_PTRACE (kernel.yama.ptrace_scope=2), run as root"
	case scope == ScopeRelation && !IsRoot():
		return "only descendants can be traced (kernel.yama.ptrace_scope=1), run as root or launch the command with syscat"
	default:
		return ""
	}
}
