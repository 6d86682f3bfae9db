package kernelc

import "fmt"

// AllocUsage declares what a device allocation will be used for.
type AllocUsage uint8

const (
	UsageStorage AllocUsage = iota
	UsageUniform
)

func (u AllocUsage) String() string {
	switch u {
	case UsageStorage:
		return "storage"
	case UsageUniform:
		return "uniform"
	}
	return fmt.Sprintf("AllocUsage(%d)", u)
}

// MarshalText encodes the usage by name.
func (u AllocUsage) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText decodes a usage name.
func (u *AllocUsage) UnmarshalText(b []byte) error {
	switch string(b) {
	case "storage":
		*u = UsageStorage
	case "uniform":
		*u = UsageUniform
	default:
		return fmt.Errorf("unknown allocation usage %q", b)
	}
	return nil
}

// AllocParams is a request for device memory.
type AllocParams struct {
	Size          int64
	Usage         AllocUsage
	HostRead      bool
	HostWrite     bool
	ExportSharing bool
}

// Allocation is a handle to device memory.
type Allocation struct {
	ID       uint64
	Size     int64
	Usage    AllocUsage
	HostRead bool
}

// Device is the allocation interface of a device backend. The pipeline
// never allocates raw device memory itself.
type Device interface {
	Allocate(params AllocParams) (Allocation, error)
	Deallocate(a Allocation) error

	// Map returns a host view of an allocation made with HostRead.
	Map(a Allocation) ([]byte, error)
}

// HostAllocator hands out aligned host memory.
type HostAllocator interface {
	Allocate(size, align int) ([]byte, error)
	Release(b []byte)
}

// BufferMeta describes a device buffer compiled kernels are launched with.
// Tree is only meaningful for root buffers.
type BufferMeta struct {
	Kind  BufferKind `json:"kind" yaml:"kind"`
	Tree  TreeID     `json:"tree" yaml:"tree"`
	Size  int64      `json:"size" yaml:"size"`
	Usage AllocUsage `json:"usage" yaml:"usage"`
}
