package syscalls

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/syscat/internal/abi"
)

func TestRows(t *testing.T) {
	for _, arch := range abi.Supported() {
		rows, err := Rows(arch)
		require.NoError(t, err, arch)
		require.NotEmpty(t, rows)

		names := make(map[string]Row)
		for _, r := range rows {
			names[r.Name] = r
		}
		assert.Contains(t, names, "openat", arch)
		assert.Contains(t, names, "close", arch)
	}

	_, err := Rows(abi.Arch("mips"))
	assert.Error(t, err)
}

func TestSyscallsCmd_JSON(t *testing.T) {
	cmd := NewSyscallsCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--arch", "arm64", "-o", "json"})
	require.NoError(t, cmd.Execute())

	var rows []Row
	require.NoError(t, json.Unmarshal(out.Bytes(), &rows))
	require.NotEmpty(t, rows)
	for _, r := range rows {
		if r.Name == "openat" {
			assert.Equal(t, uint64(56), r.Number)
		}
	}
}

func TestSyscallsCmd_Errors(t *testing.T) {
	cmd := NewSyscallsCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--arch", "sparc"})
	assert.Error(t, cmd.Execute())

	cmd = NewSyscallsCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"-o", "xml"})
	assert.Error(t, cmd.Execute())
}
