// Package kernelmgr owns the device side of a session: the buffers compiled
// kernels are launched with and the binding of compiled kernels to them.
package kernelmgr

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/influxdata/kernelc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Buffer is a device buffer resolved for one launch.
type Buffer struct {
	Binding    kernelc.BufferBinding
	Allocation kernelc.Allocation
}

// Launch is a single execution of a compiled kernel.
type Launch struct {
	Name    string
	Kernel  *kernelc.CompiledKernel
	Buffers []Buffer
	Result  *kernelc.ResultBuffer
	Args    []uint64
}

// Launcher executes kernels on the device.
type Launcher interface {
	Launch(ctx context.Context, l Launch) error
}

// Params binds a Manager to a materialized runtime.
type Params struct {
	Result   *kernelc.ResultBuffer
	Runtime  *kernelc.RuntimeModule
	Device   kernelc.Device
	Launcher Launcher
	// Profiler is optional.
	Profiler kernelc.KernelProfiler
	Logger   *zap.Logger
}

type rootBuffer struct {
	layout *kernelc.CompiledLayout
	alloc  kernelc.Allocation
}

// Manager owns device allocations and turns compiled kernels into
// executables.
type Manager struct {
	params Params
	logger *zap.Logger

	mu       sync.RWMutex
	runtime  kernelc.Allocation
	roots    map[kernelc.TreeID]rootBuffer
	ndarrays []kernelc.Allocation
}

// New returns a Manager and allocates the runtime buffer holding the
// runtime module.
func New(p Params) (*Manager, error) {
	switch {
	case p.Result == nil:
		return nil, kernelc.NewInvalidError("kernelmgr.New", "a result buffer is required")
	case p.Runtime == nil:
		return nil, kernelc.NewPreconditionError("kernelmgr.New", "runtime must be compiled before creating the kernel manager")
	case p.Device == nil:
		return nil, kernelc.NewInvalidError("kernelmgr.New", "a device is required")
	case p.Launcher == nil:
		return nil, kernelc.NewInvalidError("kernelmgr.New", "a launcher is required")
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}

	size := int64(len(p.Runtime.Code))
	if size == 0 {
		size = int64(p.Runtime.ABI.Alignment)
	}
	rt, err := p.Device.Allocate(kernelc.AllocParams{
		Size:  size,
		Usage: kernelc.UsageStorage,
	})
	if err != nil {
		return nil, kernelc.NewInternalError("kernelmgr.New", "allocating runtime buffer", err)
	}

	return &Manager{
		params:  p,
		logger:  p.Logger.With(zap.String("service", "kernel-manager")),
		runtime: rt,
		roots:   make(map[kernelc.TreeID]rootBuffer),
	}, nil
}

// AllocateRootBuffer allocates the storage of a compiled layout. The buffer
// is host readable so the runtime can inspect dynamic node headers. A
// buffer already allocated for the same tree is released.
func (m *Manager) AllocateRootBuffer(l *kernelc.CompiledLayout) (kernelc.Allocation, error) {
	alloc, err := m.params.Device.Allocate(kernelc.AllocParams{
		Size:      int64(l.RootSize),
		Usage:     kernelc.UsageStorage,
		HostRead:  true,
		HostWrite: true,
	})
	if err != nil {
		return kernelc.Allocation{}, kernelc.NewInternalError("kernelmgr.AllocateRootBuffer",
			fmt.Sprintf("allocating root buffer of tree %d", l.Tree), err)
	}

	m.mu.Lock()
	old, ok := m.roots[l.Tree]
	m.roots[l.Tree] = rootBuffer{layout: l, alloc: alloc}
	m.mu.Unlock()

	if ok {
		if err := m.params.Device.Deallocate(old.alloc); err != nil {
			m.logger.Warn("Failed to release replaced root buffer", zap.Int("tree", int(l.Tree)), zap.Error(err))
		}
	}
	m.logger.Debug("Allocated root buffer", zap.Int("tree", int(l.Tree)), zap.Int("size", l.RootSize))
	return alloc, nil
}

// AllocateMemory requests device memory on behalf of an ndarray.
func (m *Manager) AllocateMemory(params kernelc.AllocParams) (kernelc.Allocation, error) {
	alloc, err := m.params.Device.Allocate(params)
	if err != nil {
		return kernelc.Allocation{}, err
	}
	m.mu.Lock()
	m.ndarrays = append(m.ndarrays, alloc)
	m.mu.Unlock()
	return alloc, nil
}

// Bind returns an executable that launches ck under name. Root buffers are
// resolved at launch, so a kernel may be compiled before its trees are
// materialized.
func (m *Manager) Bind(name string, ck *kernelc.CompiledKernel) (kernelc.Executable, error) {
	if ck == nil {
		return nil, kernelc.NewInvalidError("kernelmgr.Bind", "compiled kernel is nil")
	}

	return func(ctx context.Context, args ...uint64) error {
		buffers, err := m.resolve(name, ck)
		if err != nil {
			return err
		}

		start := time.Now()
		err = m.params.Launcher.Launch(ctx, Launch{
			Name:    name,
			Kernel:  ck,
			Buffers: buffers,
			Result:  m.params.Result,
			Args:    args,
		})
		if m.params.Profiler != nil {
			m.params.Profiler.Observe(name, time.Since(start))
		}
		return err
	}, nil
}

func (m *Manager) resolve(name string, ck *kernelc.CompiledKernel) ([]Buffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	buffers := make([]Buffer, 0, len(ck.Buffers))
	for _, b := range ck.Buffers {
		buf := Buffer{Binding: b}
		switch b.Kind {
		case kernelc.BufferRoot:
			root, ok := m.roots[b.Tree]
			if !ok {
				return nil, kernelc.NewPreconditionError("kernelmgr.Launch",
					fmt.Sprintf("layout tree %d has not been materialized", b.Tree))
			}
			buf.Allocation = root.alloc
		case kernelc.BufferRuntime:
			buf.Allocation = m.runtime
		case kernelc.BufferResult:
			buf.Allocation = kernelc.Allocation{
				Size:     int64(len(m.params.Result.Bytes())),
				Usage:    kernelc.UsageStorage,
				HostRead: true,
			}
		default:
			return nil, kernelc.NewUnsupportedError("kernelmgr.Launch",
				fmt.Sprintf("kernel %s binds an unsupported %s buffer", name, b.Kind))
		}
		buffers = append(buffers, buf)
	}
	return buffers, nil
}

// BufferMetadata describes every buffer compiled kernels may be launched
// with: root buffers in tree order, then the runtime and result buffers,
// then ndarray allocations in allocation order.
func (m *Manager) BufferMetadata() []kernelc.BufferMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()

	trees := make([]kernelc.TreeID, 0, len(m.roots))
	for id := range m.roots {
		trees = append(trees, id)
	}
	sort.Slice(trees, func(i, j int) bool { return trees[i] < trees[j] })

	var metas []kernelc.BufferMeta
	for _, id := range trees {
		a := m.roots[id].alloc
		metas = append(metas, kernelc.BufferMeta{Kind: kernelc.BufferRoot, Tree: id, Size: a.Size, Usage: a.Usage})
	}
	metas = append(metas,
		kernelc.BufferMeta{Kind: kernelc.BufferRuntime, Size: m.runtime.Size, Usage: m.runtime.Usage},
		kernelc.BufferMeta{Kind: kernelc.BufferResult, Size: int64(len(m.params.Result.Bytes())), Usage: kernelc.UsageStorage},
	)
	for _, a := range m.ndarrays {
		metas = append(metas, kernelc.BufferMeta{Kind: kernelc.BufferNdarray, Size: a.Size, Usage: a.Usage})
	}
	return metas
}

// NumDynamicallyAllocated returns the current length of a dynamic node,
// read from the list header in its tree's root buffer.
func (m *Manager) NumDynamicallyAllocated(tree kernelc.TreeID, node kernelc.NodeID) (int, error) {
	m.mu.RLock()
	root, ok := m.roots[tree]
	m.mu.RUnlock()
	if !ok {
		return 0, kernelc.NewPreconditionError("kernelmgr.NumDynamicallyAllocated",
			fmt.Sprintf("layout tree %d has not been materialized", tree))
	}

	d, ok := root.layout.Descriptor(node)
	if !ok {
		return 0, kernelc.NewInvalidError("kernelmgr.NumDynamicallyAllocated",
			fmt.Sprintf("node %d is not part of tree %d", node, tree))
	}
	if d.Kind != kernelc.KindDynamic {
		return 0, kernelc.NewInvalidError("kernelmgr.NumDynamicallyAllocated",
			fmt.Sprintf("node %d of tree %d is %s, not dynamic", node, tree, d.Kind))
	}

	mem, err := m.params.Device.Map(root.alloc)
	if err != nil {
		return 0, err
	}
	return ReadListLength(mem, d)
}

// ReadListLength decodes the length stored in the header of a dynamic node.
// The header starts with the length as a little-endian uint32.
func ReadListLength(root []byte, d kernelc.NodeDescriptor) (int, error) {
	if d.HeaderBytes < 4 || d.AbsOffset+4 > len(root) {
		return 0, kernelc.NewInvalidError("kernelmgr.ReadListLength",
			fmt.Sprintf("list header of node %d is out of range", d.Node))
	}
	return int(binary.LittleEndian.Uint32(root[d.AbsOffset:])), nil
}

// WriteListLength stores n in the header of a dynamic node.
func WriteListLength(root []byte, d kernelc.NodeDescriptor, n int) error {
	if d.HeaderBytes < 4 || d.AbsOffset+4 > len(root) {
		return kernelc.NewInvalidError("kernelmgr.WriteListLength",
			fmt.Sprintf("list header of node %d is out of range", d.Node))
	}
	if n < 0 || n > d.Cells {
		return kernelc.NewInvalidError("kernelmgr.WriteListLength",
			fmt.Sprintf("length %d exceeds the capacity %d of node %d", n, d.Cells, d.Node))
	}
	binary.LittleEndian.PutUint32(root[d.AbsOffset:], uint32(n))
	return nil
}

// Close releases every device allocation of the manager.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for id, root := range m.roots {
		err = multierr.Append(err, m.params.Device.Deallocate(root.alloc))
		delete(m.roots, id)
	}
	for _, a := range m.ndarrays {
		err = multierr.Append(err, m.params.Device.Deallocate(a))
	}
	m.ndarrays = nil
	if m.runtime.ID != 0 {
		err = multierr.Append(err, m.params.Device.Deallocate(m.runtime))
		m.runtime = kernelc.Allocation{}
	}
	return err
}
