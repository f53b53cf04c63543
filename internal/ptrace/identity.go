package ptrace

import (
	"context"
	"strconv"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/coral-mesh/syscat/internal/sys/proc"
)

// processName resolves the name shown for pid.
func processName(pid int) string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// #nosec G115 - pids fit in int32
	if p, err := gopsprocess.NewProcessWithContext(ctx, int32(pid)); err == nil {
		if name, err := p.NameWithContext(ctx); err == nil && name != "" {
			return name
		}
	}
	if name, err := proc.Comm(pid); err == nil && name != "" {
		return name
	}
	return strconv.Itoa(pid)
}
