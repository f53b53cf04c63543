package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInference_OpenClose(t *testing.T) {
	inf := NewInference()

	inf.Open(100, 3, "/etc/passwd")
	desc, ok := inf.Lookup(100, 3)
	assert.True(t, ok)
	assert.Equal(t, "file:/etc/passwd", desc.String())

	// Other processes do not share descriptors.
	_, ok = inf.Lookup(200, 3)
	assert.False(t, ok)

	inf.Close(100, 3)
	_, ok = inf.Lookup(100, 3)
	assert.False(t, ok)
}

func TestInference_Stdio(t *testing.T) {
	inf := NewInference()

	desc, ok := inf.Lookup(1, 1)
	assert.True(t, ok)
	assert.Equal(t, "stdout", desc.Path)

	inf.Close(1, 1)
	_, ok = inf.Lookup(1, 1)
	assert.False(t, ok, "closed stdio descriptors are forgotten")

	inf.Open(1, 1, "/tmp/out")
	desc, ok = inf.Lookup(1, 1)
	assert.True(t, ok)
	assert.Equal(t, "/tmp/out", desc.Path)
}

func TestInference_Dup(t *testing.T) {
	inf := NewInference()
	inf.Open(7, 4, "/var/log/app.log")

	inf.Dup(7, 4, 10)
	desc, ok := inf.Lookup(7, 10)
	assert.True(t, ok)
	assert.Equal(t, "/var/log/app.log", desc.Path)

	// Unknown source is ignored.
	inf.Dup(7, 42, 11)
	_, ok = inf.Lookup(7, 11)
	assert.False(t, ok)

	// Failed dup (negative result) is ignored.
	inf.Dup(7, 4, -9)
	assert.Equal(t, 2, inf.Len())
}

func TestInference_ForgetProcess(t *testing.T) {
	inf := NewInference()
	inf.Open(1, 3, "a")
	inf.Open(1, 4, "b")
	inf.Open(2, 3, "c")

	inf.ForgetProcess(1)

	assert.Equal(t, 1, inf.Len())
	_, ok := inf.Lookup(2, 3)
	assert.True(t, ok)
}
