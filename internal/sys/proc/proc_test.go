package proc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRoot builds a procfs tree for pid 42 and points Root at it.
func fakeRoot(t *testing.T) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "42")
	for _, tid := range []string{"42", "44", "43", "self"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "task", tid), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte("nginx\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps"), []byte(
		"555555554000-555555556000 r--p 00000000 08:01 123456 /usr/bin/app\n"+
			"555555556000-555555558000 r-xp 00002000 08:01 123456 /usr/bin/app\n"+
			"7ffff7fc1000-7ffff7fc5000 rw-p 00000000 00:00 0 \n"+
			"7ffffffde000-7ffffffff000 rw-p 00000000 00:00 0                          [stack]\n"+
			"garbage\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "44"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "44", "status"),
		[]byte("Name:\tnginx\nUmask:\t0022\nState:\tS (sleeping)\nTgid:\t42\nNgid:\t0\nPid:\t44\n"), 0o644))
	require.NoError(t, os.Symlink("/usr/bin/app", filepath.Join(dir, "exe")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "version"),
		[]byte("Linux version 6.8.0-41-generic (buildd@lcy02) #41-Ubuntu SMP\n"), 0o644))

	old := Root
	Root = root
	t.Cleanup(func() { Root = old })
}

func TestListTasks(t *testing.T) {
	fakeRoot(t)

	tids, err := ListTasks(42)
	require.NoError(t, err)
	assert.Equal(t, []int{42, 43, 44}, tids)

	_, err = ListTasks(7)
	assert.Error(t, err)
}

func TestCommAndBinaryPath(t *testing.T) {
	fakeRoot(t)

	name, err := Comm(42)
	require.NoError(t, err)
	assert.Equal(t, "nginx", name)

	path, err := GetBinaryPath(42)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/app", path)
}

func TestReadMaps(t *testing.T) {
	fakeRoot(t)

	maps, err := ReadMaps(42)
	require.NoError(t, err)
	require.Len(t, maps, 4)

	exe := maps[1]
	assert.Equal(t, uint64(0x555555556000), exe.Start)
	assert.Equal(t, uint64(0x555555558000), exe.End)
	assert.Equal(t, uint64(0x2000), exe.Offset)
	assert.Equal(t, "/usr/bin/app", exe.Path)
	assert.True(t, exe.Executable())
	assert.False(t, maps[0].Executable())
	assert.Equal(t, "", maps[2].Path)
	assert.Equal(t, "[stack]", maps[3].Path)

	m, ok := FindMapping(maps, 0x555555557000)
	require.True(t, ok)
	assert.Equal(t, exe, m)
	_, ok = FindMapping(maps, 0x1000)
	assert.False(t, ok)
}

func TestGetKernelVersion(t *testing.T) {
	fakeRoot(t)
	assert.Equal(t, "6.8.0-41-generic", GetKernelVersion())

	Root = t.TempDir()
	assert.Equal(t, "unknown", GetKernelVersion())
}

func TestTgid(t *testing.T) {
	fakeRoot(t)

	tgid, err := Tgid(44)
	require.NoError(t, err)
	assert.Equal(t, 42, tgid)

	_, err = Tgid(42)
	assert.Error(t, err)
}
