package comparator_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/syscat/internal/comparator"
	"github.com/coral-mesh/syscat/internal/testutil"
)

const golden = `app 10:11
app 10:11 close(fd: fd = 3)
app 10:11   -> 0

app 10:12
app 10:12 getpid()
app 10:12   -> 10
`

func newComparator(t *testing.T, trace string) *comparator.Comparator {
	t.Helper()
	c, err := comparator.New(testutil.NewTestLogger(t), strings.NewReader(trace))
	require.NoError(t, err)
	return c
}

func TestComparator_Match(t *testing.T) {
	c := newComparator(t, golden)

	c.CompareInput("app 200:202 \napp 200:202 getpid()\n", "app", 200, 202)
	c.CompareInput("app 200:201 \napp 200:201 close(fd: fd = 3)\n", "app", 200, 201)
	c.CompareOutput("app 200:201   -> 0\n", "app", 200, 201)
	c.CompareOutput("\napp 200:202   -> 10\n", "app", 200, 202)

	assert.Empty(t, c.Differences())
	assert.NoError(t, c.Finish())
}

func TestComparator_MessageDiffers(t *testing.T) {
	c := newComparator(t, golden)

	c.CompareInput("app 200:201 \napp 200:201 close(fd: fd = 3)\n", "app", 200, 201)
	c.CompareOutput("app 200:201   -> 1\n", "app", 200, 201)

	diffs := c.Differences()
	require.Len(t, diffs, 1)
	assert.Equal(t, uint64(201), diffs[0].TID)
	assert.Contains(t, diffs[0].Reason, "10:11")
	assert.Contains(t, diffs[0].Diff, "-  -> 0")
	assert.Contains(t, diffs[0].Diff, "+  -> 1")

	err := c.Finish()
	require.Error(t, err)
	assert.ErrorIs(t, err, comparator.ErrMismatch)
}

func TestComparator_UnknownThread(t *testing.T) {
	c := newComparator(t, golden)

	c.CompareInput("app 200:201 \napp 200:201 close(fd: fd = 4)\n", "app", 200, 201)

	diffs := c.Differences()
	require.Len(t, diffs, 1)
	assert.Contains(t, diffs[0].Reason, "no golden thread")
	assert.Contains(t, diffs[0].Diff, "+close(fd: fd = 4)")
}

func TestComparator_ProcessNameMustMatch(t *testing.T) {
	c := newComparator(t, golden)

	c.CompareInput("other 200:201 \nother 200:201 close(fd: fd = 3)\n", "other", 200, 201)
	assert.Len(t, c.Differences(), 1)
}

func TestComparator_GoldenLinesLeft(t *testing.T) {
	c := newComparator(t, golden)

	c.CompareInput("app 200:201 \napp 200:201 close(fd: fd = 3)\n", "app", 200, 201)
	require.Empty(t, c.Differences())

	err := c.Finish()
	require.ErrorIs(t, err, comparator.ErrMismatch)

	diffs := c.Differences()
	require.Len(t, diffs, 1)
	assert.Contains(t, diffs[0].Reason, "1 lines left")
	assert.Equal(t, uint64(200), diffs[0].PID)
}

func TestComparator_ProcessMapping(t *testing.T) {
	trace := `app 10:11 close(fd: fd = 3)
app 10:13 getpid()
app 20:21 close(fd: fd = 3)
app 20:23 getpid()
app 20:23   -> 20
`
	c := newComparator(t, trace)

	// The first live process takes golden process 10, so its second
	// thread must be 10:13 even though 20:23 starts the same way.
	c.CompareInput("app 300:301 close(fd: fd = 3)\n", "app", 300, 301)
	c.CompareInput("app 300:303 getpid()\n", "app", 300, 303)
	// The second live process gets golden process 20.
	c.CompareInput("app 400:401 close(fd: fd = 3)\n", "app", 400, 401)
	c.CompareInput("app 400:403 getpid()\n", "app", 400, 403)
	c.CompareOutput("app 400:403   -> 20\n", "app", 400, 403)

	assert.Empty(t, c.Differences())
	assert.NoError(t, c.Finish())
}

func TestComparator_DecodingError(t *testing.T) {
	trace := "app 10:11 write: can't load memory at 0x1000/5: boom\n"
	c := newComparator(t, trace)

	c.DecodingError("app 100:101 write: can't load memory at 0x1000/5: boom\n\n")
	assert.Empty(t, c.Differences())

	c.DecodingError("no header here\n")
	assert.Len(t, c.Differences(), 1)
}

func TestComparator_Report(t *testing.T) {
	c := newComparator(t, golden)
	c.CompareInput("app 200:201 close(fd: fd = 9)\n", "app", 200, 201)

	var buf bytes.Buffer
	require.NoError(t, c.Report(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), "app 200:201: no golden thread"))
}

func TestNew_EmptyGolden(t *testing.T) {
	_, err := comparator.New(testutil.NewTestLogger(t), strings.NewReader("\n\nplain text\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "golden.txt")
	require.NoError(t, os.WriteFile(path, []byte(golden), 0o600))

	c, err := comparator.Load(testutil.NewTestLogger(t), path)
	require.NoError(t, err)
	c.CompareInput("app 1:2 close(fd: fd = 3)\n", "app", 1, 2)
	assert.Empty(t, c.Differences())

	_, err = comparator.Load(testutil.NewTestLogger(t), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
