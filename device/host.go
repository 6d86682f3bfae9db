package device

import (
	"fmt"
	"sync"

	"github.com/influxdata/kernelc"
)

var _ kernelc.Device = (*HostDevice)(nil)

// HostDevice is a kernelc.Device backed by host memory. It stands in for a
// real accelerator in tests and in the command line tools.
type HostDevice struct {
	mu     sync.Mutex
	nextID uint64
	allocs map[uint64]hostAlloc
}

type hostAlloc struct {
	params kernelc.AllocParams
	mem    []byte
}

// NewHostDevice returns an empty host device.
func NewHostDevice() *HostDevice {
	return &HostDevice{allocs: make(map[uint64]hostAlloc)}
}

// Allocate reserves params.Size bytes.
func (d *HostDevice) Allocate(params kernelc.AllocParams) (kernelc.Allocation, error) {
	if params.Size <= 0 {
		return kernelc.Allocation{}, fmt.Errorf("allocation size must be positive, got %d", params.Size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.allocs[d.nextID] = hostAlloc{
		params: params,
		mem:    make([]byte, params.Size),
	}
	return kernelc.Allocation{
		ID:       d.nextID,
		Size:     params.Size,
		Usage:    params.Usage,
		HostRead: params.HostRead,
	}, nil
}

// Deallocate frees a.
func (d *HostDevice) Deallocate(a kernelc.Allocation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.allocs[a.ID]; !ok {
		return fmt.Errorf("allocation %d not found", a.ID)
	}
	delete(d.allocs, a.ID)
	return nil
}

// Map returns the memory of a host readable allocation.
func (d *HostDevice) Map(a kernelc.Allocation) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	al, ok := d.allocs[a.ID]
	if !ok {
		return nil, fmt.Errorf("allocation %d not found", a.ID)
	}
	if !al.params.HostRead {
		return nil, fmt.Errorf("allocation %d is not host readable", a.ID)
	}
	return al.mem, nil
}

// Params returns the parameters a was requested with.
func (d *HostDevice) Params(a kernelc.Allocation) (kernelc.AllocParams, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	al, ok := d.allocs[a.ID]
	return al.params, ok
}

// Len returns the number of live allocations.
func (d *HostDevice) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.allocs)
}
