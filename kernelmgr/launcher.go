package kernelmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/influxdata/kernelc"
)

var _ Launcher = (*HostLauncher)(nil)

// HostLauncher records launches instead of running them and echoes each
// kernel's arguments into the result buffer, one per slot. It stands in for
// the device execution engine in tests and in the command line tools.
type HostLauncher struct {
	mu       sync.Mutex
	launches []Launch
}

// NewHostLauncher returns an empty launcher.
func NewHostLauncher() *HostLauncher {
	return &HostLauncher{}
}

// Launch records l and copies its arguments into the result buffer.
func (h *HostLauncher) Launch(ctx context.Context, l Launch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(l.Args) > l.Result.Len() {
		return kernelc.NewInvalidError("kernelmgr.Launch",
			fmt.Sprintf("kernel %s: %d arguments exceed %d result slots", l.Name, len(l.Args), l.Result.Len()))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, v := range l.Args {
		l.Result.Set(i, v)
	}
	h.launches = append(h.launches, l)
	return nil
}

// Launches returns the launches recorded so far.
func (h *HostLauncher) Launches() []Launch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Launch(nil), h.launches...)
}
