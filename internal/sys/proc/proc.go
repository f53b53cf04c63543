// Package proc reads process information from the /proc filesystem.
package proc

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Root is the mount point of procfs.
var Root = "/proc"

// GetKernelVersion reads the kernel version from /proc/version.
func GetKernelVersion() string {
	data, err := os.ReadFile(filepath.Join(Root, "version"))
	if err != nil {
		return "unknown"
	}

	// "Linux version 6.8.0-xxx (...) ..."
	version := string(data)
	if idx := strings.Index(version, "Linux version "); idx >= 0 {
		version = version[idx+len("Linux version "):]
		if idx := strings.Index(version, " "); idx >= 0 {
			version = version[:idx]
		}
		return version
	}

	return "unknown"
}

// GetBinaryPath returns the path to the executable for the given PID.
func GetBinaryPath(pid int) (string, error) {
	return os.Readlink(filepath.Join(Root, strconv.Itoa(pid), "exe"))
}

// Comm returns the command name of pid.
func Comm(pid int) (string, error) {
	data, err := os.ReadFile(filepath.Join(Root, strconv.Itoa(pid), "comm"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Tgid returns the thread group id, the process id, of a thread.
func Tgid(tid int) (int, error) {
	f, err := os.Open(filepath.Join(Root, strconv.Itoa(tid), "status"))
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if value, ok := strings.CutPrefix(scanner.Text(), "Tgid:"); ok {
			return strconv.Atoi(strings.TrimSpace(value))
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no Tgid in status of %d", tid)
}

// ListTasks returns the thread ids of pid in ascending order.
func ListTasks(pid int) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(Root, strconv.Itoa(pid), "task"))
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks of %d: %w", pid, err)
	}

	var tids []int
	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil || tid <= 0 {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)

	return tids, nil
}

// Mapping is one line of /proc/PID/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Path   string
}

// Executable reports whether the mapping is executable.
func (m Mapping) Executable() bool {
	return len(m.Perms) >= 3 && m.Perms[2] == 'x'
}

// Contains reports whether addr is inside the mapping.
func (m Mapping) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// ReadMaps parses /proc/PID/maps.
func ReadMaps(pid int) ([]Mapping, error) {
	path := filepath.Join(Root, strconv.Itoa(pid), "maps")
	f, err := os.Open(path) // #nosec G304: pid is an int
	if err != nil {
		return nil, fmt.Errorf("failed to read maps: %w", err)
	}
	defer f.Close() // nolint:errcheck

	var maps []Mapping
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m, ok := parseMapping(scanner.Text())
		if ok {
			maps = append(maps, m)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read maps: %w", err)
	}
	return maps, nil
}

// Format: address           perms offset  dev   inode   pathname
// Example: 555555554000-555555556000 r-xp 00000000 08:01 123456 /path/to/binary
func parseMapping(line string) (Mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false
	}
	start, end, ok := strings.Cut(fields[0], "-")
	if !ok {
		return Mapping{}, false
	}

	var m Mapping
	var err error
	if m.Start, err = strconv.ParseUint(start, 16, 64); err != nil {
		return Mapping{}, false
	}
	if m.End, err = strconv.ParseUint(end, 16, 64); err != nil {
		return Mapping{}, false
	}
	if m.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return Mapping{}, false
	}
	m.Perms = fields[1]
	if len(fields) >= 6 {
		m.Path = strings.Join(fields[5:], " ")
	}
	return m, true
}

// FindMapping returns the mapping holding addr.
func FindMapping(maps []Mapping, addr uint64) (Mapping, bool) {
	for _, m := range maps {
		if m.Contains(addr) {
			return m, true
		}
	}
	return Mapping{}, false
}
