package ptrace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coral-mesh/syscat/internal/decoder"
)

var (
	_ Sink               = (*decoder.Dispatcher)(nil)
	_ decoder.Controller = (*Tracer)(nil)
)

func TestOptions_Defaults(t *testing.T) {
	var opts Options
	opts.setDefaults()
	assert.Equal(t, uint(defaultAttachAttempts), opts.AttachAttempts)
	assert.Equal(t, defaultAttachDelay, opts.AttachDelay)
	assert.Equal(t, defaultStackDepth, opts.StackDepth)

	opts = Options{AttachAttempts: 2, AttachDelay: time.Second, StackDepth: 8}
	opts.setDefaults()
	assert.Equal(t, uint(2), opts.AttachAttempts)
	assert.Equal(t, time.Second, opts.AttachDelay)
	assert.Equal(t, 8, opts.StackDepth)
}
