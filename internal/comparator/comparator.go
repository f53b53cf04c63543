// Package comparator checks a live trace against a golden trace recorded
// earlier with process information on every line.
//
// Process and thread ids differ between runs, so each live thread is mapped
// to the golden thread whose first message matches its own first message.
// After that, every message of the live thread must match the next lines of
// its golden thread.
package comparator

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	syserrors "github.com/coral-mesh/syscat/internal/errors"
)

// ErrMismatch is returned by Finish when the traces differ.
var ErrMismatch = errors.New("trace differs from golden trace")

// headerPattern matches "name pid:tid content".
var headerPattern = regexp.MustCompile(`^(.+?) (\d+):(\d+) ?(.*)$`)

type threadKey struct {
	pid uint64
	tid uint64
}

type goldenThread struct {
	key    threadKey
	name   string
	lines  []string
	cursor int
	// matched is set once a live thread is mapped to this one.
	matched bool
}

func (g *goldenThread) next(n int) []string {
	end := min(g.cursor+n, len(g.lines))
	out := g.lines[g.cursor:end]
	g.cursor = end
	return out
}

// Difference is one mismatch between the live and the golden trace.
type Difference struct {
	Process string
	PID     uint64
	TID     uint64
	Reason  string
	// Diff is a unified diff, golden first.
	Diff string
}

// Comparator implements consumer.Comparator.
type Comparator struct {
	logger zerolog.Logger

	mu          sync.Mutex
	golden      map[threadKey]*goldenThread
	byFirstLine map[uint64][]threadKey
	// live pid -> golden pid and back.
	processes       map[uint64]uint64
	goldenProcesses map[uint64]uint64
	threads         map[uint64]threadKey
	differences     []Difference
	compared        int
}

// Load reads the golden trace at path.
func Load(logger zerolog.Logger, path string) (*Comparator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open golden trace: %w", err)
	}
	defer syserrors.DeferClose(logger, f, "failed to close golden trace")
	return New(logger, f)
}

// New parses a golden trace.
func New(logger zerolog.Logger, golden io.Reader) (*Comparator, error) {
	c := &Comparator{
		logger:          logger.With().Str("component", "comparator").Logger(),
		golden:          make(map[threadKey]*goldenThread),
		byFirstLine:     make(map[uint64][]threadKey),
		processes:       make(map[uint64]uint64),
		goldenProcesses: make(map[uint64]uint64),
		threads:         make(map[uint64]threadKey),
	}

	scanner := bufio.NewScanner(golden)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		name, key, content, ok := parseLine(scanner.Text())
		if !ok || content == "" {
			continue
		}
		g := c.golden[key]
		if g == nil {
			g = &goldenThread{key: key, name: name}
			c.golden[key] = g
		}
		g.lines = append(g.lines, content)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read golden trace: %w", err)
	}
	if len(c.golden) == 0 {
		return nil, errors.New("golden trace has no line with process information")
	}

	for key, g := range c.golden {
		h := xxh3.HashString(g.lines[0])
		c.byFirstLine[h] = append(c.byFirstLine[h], key)
	}
	for _, keys := range c.byFirstLine {
		sortKeys(keys)
	}

	c.logger.Debug().Int("threads", len(c.golden)).Msg("Golden trace loaded")
	return c, nil
}

func sortKeys(keys []threadKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].pid != keys[j].pid {
			return keys[i].pid < keys[j].pid
		}
		return keys[i].tid < keys[j].tid
	})
}

func parseLine(line string) (name string, key threadKey, content string, ok bool) {
	m := headerPattern.FindStringSubmatch(line)
	if m == nil {
		return "", threadKey{}, "", false
	}
	pid, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return "", threadKey{}, "", false
	}
	tid, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return "", threadKey{}, "", false
	}
	return m[1], threadKey{pid: pid, tid: tid}, strings.TrimRight(m[4], " "), true
}

// contentLines strips the headers of a displayed message and drops the
// lines without content.
func contentLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if _, _, content, ok := parseLine(line); ok {
			if content != "" {
				out = append(out, content)
			}
			continue
		}
		if line = strings.TrimRight(line, " "); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// CompareInput implements consumer.Comparator.
func (c *Comparator) CompareInput(text, processName string, pid, tid uint64) {
	c.compare(text, processName, pid, tid)
}

// CompareOutput implements consumer.Comparator.
func (c *Comparator) CompareOutput(text, processName string, pid, tid uint64) {
	c.compare(text, processName, pid, tid)
}

// DecodingError implements consumer.Comparator. The thread is taken from
// the header of the error lines.
func (c *Comparator) DecodingError(text string) {
	for _, line := range strings.Split(text, "\n") {
		if name, key, _, ok := parseLine(line); ok {
			c.compare(text, name, key.pid, key.tid)
			return
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Difference{Reason: "decoding error without thread information", Diff: text})
}

func (c *Comparator) compare(text, processName string, pid, tid uint64) {
	lines := contentLines(text)
	if len(lines) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.compared++

	key, ok := c.threads[tid]
	if !ok {
		key, ok = c.match(processName, pid, lines)
		if !ok {
			c.record(Difference{
				Process: processName, PID: pid, TID: tid,
				Reason: "no golden thread starts with this message",
				Diff:   unifiedDiff(nil, lines),
			})
			return
		}
		c.threads[tid] = key
		c.processes[pid] = key.pid
		c.goldenProcesses[key.pid] = pid
		c.golden[key].matched = true
		c.logger.Debug().
			Uint64("pid", pid).Uint64("tid", tid).
			Uint64("golden_pid", key.pid).Uint64("golden_tid", key.tid).
			Msg("Thread matched")
	}

	want := c.golden[key].next(len(lines))
	if !equalLines(want, lines) {
		c.record(Difference{
			Process: processName, PID: pid, TID: tid,
			Reason: fmt.Sprintf("message differs from golden thread %d:%d", key.pid, key.tid),
			Diff:   unifiedDiff(want, lines),
		})
	}
}

// match finds the golden thread whose first lines are lines, honoring the
// process mapping already established.
func (c *Comparator) match(processName string, pid uint64, lines []string) (threadKey, bool) {
	goldenPID, pidMapped := c.processes[pid]
	for _, key := range c.byFirstLine[xxh3.HashString(lines[0])] {
		g := c.golden[key]
		if g.matched || g.name != processName || len(g.lines) < len(lines) {
			continue
		}
		if pidMapped && key.pid != goldenPID {
			continue
		}
		if owner, ok := c.goldenProcesses[key.pid]; ok && owner != pid {
			continue
		}
		if equalLines(g.lines[:len(lines)], lines) {
			return key, true
		}
	}
	return threadKey{}, false
}

func (c *Comparator) record(d Difference) {
	c.differences = append(c.differences, d)
	c.logger.Debug().Uint64("pid", d.PID).Uint64("tid", d.TID).Msg(d.Reason)
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func unifiedDiff(golden, actual []string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        joinLines(golden),
		B:        joinLines(actual),
		FromFile: "golden",
		ToFile:   "actual",
		Context:  2,
	})
	if err != nil {
		return strings.Join(actual, "\n")
	}
	return diff
}

func joinLines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l + "\n"
	}
	return out
}

// Finish reports the golden lines that were never reached and returns
// ErrMismatch when any difference was found.
func (c *Comparator) Finish() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]threadKey, 0, len(c.golden))
	for key := range c.golden {
		keys = append(keys, key)
	}
	sortKeys(keys)
	for _, key := range keys {
		g := c.golden[key]
		if !g.matched || g.cursor >= len(g.lines) {
			continue
		}
		c.record(Difference{
			Process: g.name, PID: c.goldenProcesses[key.pid], TID: key.tid,
			Reason: fmt.Sprintf("golden thread %d:%d has %d lines left", key.pid, key.tid, len(g.lines)-g.cursor),
			Diff:   unifiedDiff(g.lines[g.cursor:], nil),
		})
		g.cursor = len(g.lines)
	}

	if len(c.differences) == 0 {
		c.logger.Info().Int("messages", c.compared).Msg("Trace matches golden trace")
		return nil
	}
	return fmt.Errorf("%w: %d differences", ErrMismatch, len(c.differences))
}

// Differences returns the mismatches found so far.
func (c *Comparator) Differences() []Difference {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Difference(nil), c.differences...)
}

// Report writes the differences in a readable form.
func (c *Comparator) Report(w io.Writer) error {
	for _, d := range c.Differences() {
		if _, err := fmt.Fprintf(w, "%s %d:%d: %s\n%s\n", d.Process, d.PID, d.TID, d.Reason, d.Diff); err != nil {
			return err
		}
	}
	return nil
}
