// Package session ties the compile pipeline together: it materializes the
// runtime, compiles and registers layouts, compiles kernels through the
// cache and exports AOT modules. A Session implements kernelc.Backend.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/influxdata/kernelc"
	"github.com/influxdata/kernelc/aot"
	"github.com/influxdata/kernelc/cache"
	"github.com/influxdata/kernelc/codegen"
	"github.com/influxdata/kernelc/device"
	"github.com/influxdata/kernelc/kernelmgr"
	"github.com/influxdata/kernelc/kit/tracing"
	"github.com/influxdata/kernelc/layout"
	"github.com/influxdata/kernelc/logger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var _ kernelc.Backend = (*Session)(nil)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger of the session. Without it the session logs
// to the logger on the context passed to MaterializeRuntime, if any.
func WithLogger(log *zap.Logger) Option {
	return func(s *Session) { s.logger = log }
}

// WithCompiler replaces the reference compiler.
func WithCompiler(c kernelc.Compiler) Option {
	return func(s *Session) { s.compiler = c }
}

// WithDevice replaces the in-memory host device.
func WithDevice(d kernelc.Device) Option {
	return func(s *Session) { s.device = d }
}

// WithLauncher replaces the recording host launcher.
func WithLauncher(l kernelmgr.Launcher) Option {
	return func(s *Session) { s.launcher = l }
}

// WithClock sets the clock used to timestamp cache entries.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// Session is a single compile timeline for one platform.
//
// mu is the compile-path lock. Compile holds it shared; every operation
// that changes the runtime, the layouts or the disk cache holds it
// exclusively.
type Session struct {
	id       uuid.UUID
	config   Config
	compiler kernelc.Compiler
	device   kernelc.Device
	launcher kernelmgr.Launcher
	clock    clock.Clock
	logger   *zap.Logger
	// ownLogger is set when WithLogger supplied the logger; otherwise
	// MaterializeRuntime adopts the logger carried by its context.
	ownLogger bool

	mu        sync.RWMutex
	state     kernelc.RuntimeState
	pool      kernelc.HostAllocator
	resultMem []byte
	result    *kernelc.ResultBuffer
	kernels   *kernelmgr.Manager
	layouts   *layout.Registry

	cacheMu sync.Mutex
	cache   *cache.Manager
}

// New returns an uninitialized session. The reference compiler, the host
// device and the host launcher are used unless replaced by options.
func New(c Config, opts ...Option) (*Session, error) {
	if err := c.Validate(); err != nil {
		return nil, kernelc.NewInvalidError("session.New", err.Error())
	}

	s := &Session{
		id:      uuid.New(),
		config:  c,
		state:   kernelc.Uninitialized{},
		layouts: layout.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.compiler == nil {
		s.compiler = codegen.New()
	}
	if s.device == nil {
		s.device = device.NewHostDevice()
	}
	if s.launcher == nil {
		s.launcher = kernelmgr.NewHostLauncher()
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	s.ownLogger = s.logger != nil
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.named(s.logger)
	return s, nil
}

func (s *Session) named(log *zap.Logger) *zap.Logger {
	return log.With(
		zap.String("service", "session"),
		zap.Stringer("session_id", s.id),
		zap.String("platform", s.config.Platform),
	)
}

// ID returns the id the session logs under.
func (s *Session) ID() uuid.UUID { return s.id }

// Config returns the configuration of the session.
func (s *Session) Config() Config { return s.config }

// State returns the runtime state.
func (s *Session) State() kernelc.RuntimeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Layouts returns the registry of compiled layouts.
func (s *Session) Layouts() *layout.Registry { return s.layouts }

// Result returns the result buffer, or nil before the runtime is
// materialized.
func (s *Session) Result() *kernelc.ResultBuffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

func (s *Session) runtime() *kernelc.RuntimeModule {
	if r, ok := s.state.(kernelc.Ready); ok {
		return r.Module
	}
	return nil
}

// MaterializeRuntime allocates the result buffer from pool and compiles the
// runtime module. It must be called exactly once, before anything else.
func (s *Session) MaterializeRuntime(ctx context.Context, pool kernelc.HostAllocator, profiler kernelc.KernelProfiler) (*kernelc.RuntimeModule, *kernelc.ResultBuffer, error) {
	const op = "session.MaterializeRuntime"
	span, ctx := tracing.StartSpanFromContext(ctx)
	defer span.Finish()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runtime() != nil {
		return nil, nil, kernelc.NewDoubleInitError(op, "runtime is already materialized")
	}
	if l := logger.FromContext(ctx); l != nil && !s.ownLogger {
		s.logger = s.named(l)
	}
	if pool == nil {
		return nil, nil, kernelc.NewInvalidError(op, "a host allocator is required")
	}

	mem, err := pool.Allocate(kernelc.ResultBufferEntries*kernelc.ResultSlotBytes, kernelc.ResultSlotBytes)
	if err != nil {
		return nil, nil, tracing.LogError(span, kernelc.NewInternalError(op, "allocating result buffer", err))
	}
	result, err := kernelc.NewResultBuffer(mem)
	if err != nil {
		pool.Release(mem)
		return nil, nil, tracing.LogError(span, err)
	}

	rt, err := s.compiler.CompileRuntime(ctx, s.config.Platform)
	if err != nil {
		pool.Release(mem)
		return nil, nil, tracing.LogError(span, kernelc.NewCompileError(op, err))
	}

	km, err := kernelmgr.New(kernelmgr.Params{
		Result:   result,
		Runtime:  rt,
		Device:   s.device,
		Launcher: s.launcher,
		Profiler: profiler,
		Logger:   s.logger,
	})
	if err != nil {
		pool.Release(mem)
		return nil, nil, tracing.LogError(span, err)
	}

	s.pool = pool
	s.resultMem = mem
	s.result = result
	s.kernels = km
	s.state = kernelc.Ready{Module: rt}

	s.logger.Info("Runtime materialized",
		zap.String("runtime_version", rt.Version),
		zap.Int("runtime_bytes", len(rt.Code)))
	return rt, result, nil
}

// CompileLayoutTree compiles tree against the runtime ABI and registers the
// result.
func (s *Session) CompileLayoutTree(tree *kernelc.LayoutTree) (*kernelc.CompiledLayout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := layout.Compile(s.state, tree)
	if err != nil {
		return nil, err
	}
	s.layouts.Append(l)
	s.logger.Debug("Compiled layout", zap.Int("tree", int(l.Tree)), zap.Int("root_size", l.RootSize))
	return l, nil
}

// MaterializeLayoutTree compiles and registers tree and allocates its root
// buffer.
func (s *Session) MaterializeLayoutTree(ctx context.Context, tree *kernelc.LayoutTree) (*kernelc.CompiledLayout, error) {
	span, _ := tracing.StartSpanFromContext(ctx)
	defer span.Finish()

	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := layout.Compile(s.state, tree)
	if err != nil {
		return nil, tracing.LogError(span, err)
	}
	if s.kernels == nil {
		return nil, tracing.LogError(span, kernelc.NewPreconditionError("session.MaterializeLayoutTree", "session is closed"))
	}
	if _, err := s.kernels.AllocateRootBuffer(l); err != nil {
		return nil, tracing.LogError(span, err)
	}
	s.layouts.Append(l)
	return l, nil
}

// Compile returns an executable for k, compiling it only when no cache
// tier holds it.
func (s *Session) Compile(ctx context.Context, k *kernelc.Kernel) (kernelc.Executable, error) {
	const op = "session.Compile"
	span, ctx := tracing.StartSpanFromContext(ctx)
	defer span.Finish()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rt := s.runtime()
	if rt == nil {
		return nil, tracing.LogError(span, kernelc.NewPreconditionError(op, "runtime must be materialized before compiling kernels"))
	}
	if k == nil {
		return nil, tracing.LogError(span, kernelc.NewInvalidError(op, "kernel is nil"))
	}
	if s.kernels == nil {
		return nil, tracing.LogError(span, kernelc.NewPreconditionError(op, "session is closed"))
	}
	span.SetTag("kernel", k.Name)
	for _, id := range k.Trees {
		if _, ok := s.layouts.Lookup(id); !ok {
			return nil, tracing.LogError(span, kernelc.NewUnresolvedLayoutError(op, id))
		}
	}

	cm, err := s.ensureCacheManager(ctx, rt)
	if err != nil {
		return nil, tracing.LogError(span, err)
	}
	ck, err := cm.LoadOrCompile(ctx, k)
	if err != nil {
		return nil, tracing.LogError(span, err)
	}
	exec, err := s.kernels.Bind(k.Name, ck)
	if err != nil {
		return nil, tracing.LogError(span, err)
	}
	return exec, nil
}

// EnsureCacheManager returns the cache manager of the session, creating it
// on first use.
func (s *Session) EnsureCacheManager(ctx context.Context) (*cache.Manager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rt := s.runtime()
	if rt == nil {
		return nil, kernelc.NewPreconditionError("session.EnsureCacheManager", "runtime must be materialized before creating the kernel cache")
	}
	return s.ensureCacheManager(ctx, rt)
}

func (s *Session) ensureCacheManager(ctx context.Context, rt *kernelc.RuntimeModule) (*cache.Manager, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if s.cache != nil {
		return s.cache, nil
	}
	cm, err := cache.NewManager(ctx, cache.Params{
		Mode:     s.config.CacheMode(),
		Path:     s.config.CachePath(),
		Compiler: s.compiler,
		Runtime:  rt,
		Layouts:  s.layouts,
		Policy:   s.config.CleaningPolicy(),
		MaxSize:  int64(s.config.OfflineCacheMaxSizeOfFiles),
		Factor:   s.config.OfflineCacheCleaningFactor,
		Clock:    s.clock,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.cache = cm
	return cm, nil
}

// MakeAOTModuleBuilder returns a builder over the compiled layouts.
func (s *Session) MakeAOTModuleBuilder() (kernelc.AOTModuleBuilder, error) {
	b, err := s.AOTBuilder()
	if err != nil {
		return nil, err
	}
	return b, nil
}

// AOTBuilder is MakeAOTModuleBuilder returning the concrete builder.
func (s *Session) AOTBuilder() (*aot.Builder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buffers []kernelc.BufferMeta
	if s.kernels != nil {
		buffers = s.kernels.BufferMetadata()
	}
	return aot.NewBuilder(s.layouts.All(), s.state, buffers)
}

// AllocateNdarray requests device storage for an ndarray of size bytes.
func (s *Session) AllocateNdarray(size int64) (kernelc.Allocation, error) {
	const op = "session.AllocateNdarray"

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.kernels == nil {
		return kernelc.Allocation{}, kernelc.NewPreconditionError(op, "runtime must be materialized before allocating device memory")
	}
	if size <= 0 {
		return kernelc.Allocation{}, kernelc.NewInvalidError(op, fmt.Sprintf("ndarray size must be positive, got %d", size))
	}
	return s.kernels.AllocateMemory(kernelc.AllocParams{
		Size:          size,
		Usage:         kernelc.UsageStorage,
		HostRead:      false,
		HostWrite:     false,
		ExportSharing: false,
	})
}

// NumDynamicallyAllocated returns the current length of a dynamic node.
func (s *Session) NumDynamicallyAllocated(tree kernelc.TreeID, node kernelc.NodeID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.kernels == nil {
		return 0, kernelc.NewPreconditionError("session.NumDynamicallyAllocated", "runtime must be materialized first")
	}
	return s.kernels.NumDynamicallyAllocated(tree, node)
}

// DumpCache cleans the disk tier with the configured policy and merges the
// memory tier into it. No compile runs while the cache is dumped.
func (s *Session) DumpCache(ctx context.Context) error {
	span, ctx := tracing.StartSpanFromContext(ctx)
	defer span.Finish()

	s.mu.Lock()
	defer s.mu.Unlock()

	rt := s.runtime()
	if rt == nil {
		return tracing.LogError(span, kernelc.NewPreconditionError("session.DumpCache", "runtime must be materialized before dumping the kernel cache"))
	}
	cm, err := s.ensureCacheManager(ctx, rt)
	if err != nil {
		return tracing.LogError(span, err)
	}

	c := s.config
	if err := cm.Clean(ctx, c.CleaningPolicy(), int64(c.OfflineCacheMaxSizeOfFiles), c.OfflineCacheCleaningFactor); err != nil {
		return tracing.LogError(span, err)
	}
	if err := cm.DumpWithMerging(ctx); err != nil {
		return tracing.LogError(span, err)
	}
	s.logger.Info("Dumped kernel cache", zap.Int("kernels", cm.Len()), zap.Bool("persistent", cm.Persistent()))
	return nil
}

// PrometheusCollectors returns the collectors to register.
// The cache collectors are only present once the cache manager exists.
func (s *Session) PrometheusCollectors() []prometheus.Collector {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cache == nil {
		return nil
	}
	return s.cache.PrometheusCollectors()
}

// Close closes the cache, releases the device allocations of the session
// and returns the result buffer to its pool.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	s.cacheMu.Lock()
	if s.cache != nil {
		err = multierr.Append(err, s.cache.Close())
		s.cache = nil
	}
	s.cacheMu.Unlock()

	if s.kernels != nil {
		err = multierr.Append(err, s.kernels.Close())
		s.kernels = nil
	}
	if s.resultMem != nil {
		s.pool.Release(s.resultMem)
		s.resultMem = nil
	}
	return err
}
