package kernelc

import (
	"context"
	"time"
)

// Compiler is the underlying kernel and runtime compiler. It must be
// deterministic: the same kernel compiled against the same layouts and
// runtime yields the same artifact.
type Compiler interface {
	CompileRuntime(ctx context.Context, platform string) (*RuntimeModule, error)
	CompileKernel(ctx context.Context, k *Kernel, layouts []*CompiledLayout, rt *RuntimeModule) (*CompiledKernel, error)
}

// KernelProfiler observes kernel launches.
type KernelProfiler interface {
	Observe(kernel string, d time.Duration)
}

// AOTModuleBuilder collects kernels for an ahead-of-time module.
type AOTModuleBuilder interface {
	AddKernel(name string, k *CompiledKernel) error
	Dump(dir, format string) error
}

// Backend is the capability set every device backend provides.
type Backend interface {
	MaterializeRuntime(ctx context.Context, pool HostAllocator, profiler KernelProfiler) (*RuntimeModule, *ResultBuffer, error)
	CompileLayoutTree(tree *LayoutTree) (*CompiledLayout, error)
	Compile(ctx context.Context, k *Kernel) (Executable, error)
	MakeAOTModuleBuilder() (AOTModuleBuilder, error)
	AllocateNdarray(size int64) (Allocation, error)
	DumpCache(ctx context.Context) error
}
