// Package cache implements the two-tier kernel cache. Compiled kernels are
// kept in memory for the life of the process and, in MemAndDiskCache mode,
// written through to a bolt database so later sessions can skip compiling.
package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/kernelc"
	"github.com/influxdata/kernelc/bolt"
	ierrors "github.com/influxdata/kernelc/kit/platform/errors"
	"github.com/influxdata/kernelc/kit/tracing"
	"github.com/influxdata/kernelc/logger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Mode selects the tiers of the cache.
type Mode int

const (
	// MemCache keeps compiled kernels for the life of the process only.
	MemCache Mode = iota
	// MemAndDiskCache also persists compiled kernels across sessions.
	MemAndDiskCache
)

func (m Mode) String() string {
	switch m {
	case MemCache:
		return "memory"
	case MemAndDiskCache:
		return "memory+disk"
	}
	return "unknown"
}

// DBFile is the name of the disk tier database inside the cache path.
const DBFile = "kernels.db"

// LayoutResolver returns the compiled layout of a tree.
type LayoutResolver interface {
	Lookup(id kernelc.TreeID) (*kernelc.CompiledLayout, bool)
}

// Params configures a Manager.
type Params struct {
	Mode Mode
	// Path is the directory of the disk tier, already specific to the
	// platform.
	Path string

	Compiler kernelc.Compiler
	Runtime  *kernelc.RuntimeModule
	Layouts  LayoutResolver

	// Policy, MaxSize and Factor control admission into the disk tier.
	Policy  CleanPolicy
	MaxSize int64
	Factor  float64

	Clock  clock.Clock
	Logger *zap.Logger
}

type entry struct {
	kernel     *kernelc.CompiledKernel
	created    time.Time
	lastAccess time.Time
}

// Manager maps kernel identities to compiled kernels. At most one compiled
// kernel is live per identity; concurrent requests for an uncached
// identity share a single compile.
type Manager struct {
	params Params
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[kernelc.KernelIdentity]*entry
	size    int64

	group singleflight.Group
	store *bolt.KernelStore // nil in memory-only mode

	metrics *cacheMetrics
}

// NewManager returns a cache manager. In MemAndDiskCache mode it opens the
// disk tier; when that fails the manager logs the failure and runs memory
// only.
func NewManager(ctx context.Context, p Params) (*Manager, error) {
	if p.Compiler == nil {
		return nil, kernelc.NewInvalidError("cache.NewManager", "a compiler is required")
	}
	if p.Runtime == nil {
		return nil, kernelc.NewPreconditionError("cache.NewManager", "runtime must be materialized before creating the kernel cache")
	}
	if p.Layouts == nil {
		return nil, kernelc.NewInvalidError("cache.NewManager", "a layout resolver is required")
	}
	if p.Factor < 0 || p.Factor > 1 {
		return nil, kernelc.NewInvalidError("cache.NewManager", "cleaning factor must be within [0, 1]")
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Logger == nil {
		p.Logger = logger.FromContextOr(ctx, nil)
	}

	m := &Manager{
		params:  p,
		clock:   p.Clock,
		logger:  p.Logger.With(zap.String("service", "kernel-cache"), zap.Stringer("mode", p.Mode)),
		entries: make(map[kernelc.KernelIdentity]*entry),
		metrics: newCacheMetrics(prometheus.Labels{"platform": p.Runtime.Platform}),
	}

	if p.Mode == MemAndDiskCache {
		store := bolt.NewKernelStore(filepath.Join(p.Path, DBFile))
		store.WithLogger(m.logger)
		if err := store.Open(ctx); err != nil {
			m.ioError("open", kernelc.NewCacheIOError("cache.NewManager", err))
		} else {
			m.store = store
		}
	}
	return m, nil
}

// Persistent reports whether the disk tier is in use.
func (m *Manager) Persistent() bool {
	return m.store != nil
}

// LoadOrCompile returns the compiled kernel for k, compiling it only when
// neither tier holds it.
func (m *Manager) LoadOrCompile(ctx context.Context, k *kernelc.Kernel) (*kernelc.CompiledKernel, error) {
	span, ctx := tracing.StartSpanFromContext(ctx)
	defer span.Finish()

	layouts, err := m.resolve(k)
	if err != nil {
		return nil, tracing.LogError(span, err)
	}
	id := Identity(k, layouts)

	if ck, ok := m.load(id); ok {
		m.metrics.Hits.With(m.metrics.TierLabels("memory")).Inc()
		return ck, nil
	}

	// The compile is shared by every caller waiting on id, so it must not
	// be cut short when the caller that started it gives up.
	ch := m.group.DoChan(id.String(), func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)

		// A compile for id may have finished between the lookup above
		// and joining the group.
		if ck, ok := m.load(id); ok {
			m.metrics.Hits.With(m.metrics.TierLabels("memory")).Inc()
			return ck, nil
		}
		if ck, ok := m.loadDisk(ctx, id); ok {
			m.metrics.Hits.With(m.metrics.TierLabels("disk")).Inc()
			return m.insert(ck), nil
		}

		m.metrics.Misses.With(m.metrics.labels).Inc()
		ck, err := m.compile(ctx, id, k, layouts)
		if err != nil {
			return nil, err
		}
		ck = m.insert(ck)
		m.writeThrough(ctx, ck)
		return ck, nil
	})

	select {
	case <-ctx.Done():
		return nil, tracing.LogError(span, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, tracing.LogError(span, r.Err)
		}
		return r.Val.(*kernelc.CompiledKernel), nil
	}
}

func (m *Manager) resolve(k *kernelc.Kernel) ([]*kernelc.CompiledLayout, error) {
	seen := make(map[kernelc.TreeID]bool, len(k.Trees))
	layouts := make([]*kernelc.CompiledLayout, 0, len(k.Trees))
	for _, tid := range k.Trees {
		if seen[tid] {
			continue
		}
		seen[tid] = true

		l, ok := m.params.Layouts.Lookup(tid)
		if !ok {
			return nil, kernelc.NewUnresolvedLayoutError("cache.LoadOrCompile", tid)
		}
		layouts = append(layouts, l)
	}
	return layouts, nil
}

func (m *Manager) load(id kernelc.KernelIdentity) (*kernelc.CompiledKernel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	e.lastAccess = m.clock.Now()
	return e.kernel, true
}

// loadDisk reads id from the disk tier. Every failure is a miss; corrupt
// records are removed so the next compile replaces them.
func (m *Manager) loadDisk(ctx context.Context, id kernelc.KernelIdentity) (*kernelc.CompiledKernel, bool) {
	if m.store == nil {
		return nil, false
	}

	ck, err := m.store.Get(ctx, id, m.clock.Now())
	switch {
	case err == nil:
		return ck, true
	case ierrors.ErrorCode(err) == ierrors.ENotFound:
		return nil, false
	case errors.Is(err, bolt.ErrCorrupt):
		m.metrics.CorruptRecords.With(m.metrics.labels).Inc()
		m.logger.Warn("Discarding corrupt kernel record", zap.Stringer("kernel", id), zap.Error(err))
		if err := m.store.Delete(ctx, id); err != nil {
			m.ioError("delete", kernelc.NewCacheIOError("cache.LoadOrCompile", err))
		}
		return nil, false
	default:
		m.ioError("read", kernelc.NewCacheIOError("cache.LoadOrCompile", err))
		return nil, false
	}
}

func (m *Manager) compile(ctx context.Context, id kernelc.KernelIdentity, k *kernelc.Kernel, layouts []*kernelc.CompiledLayout) (*kernelc.CompiledKernel, error) {
	start := m.clock.Now()
	ck, err := m.params.Compiler.CompileKernel(ctx, k, layouts, m.params.Runtime)
	if err != nil {
		m.metrics.CompileErrors.With(m.metrics.labels).Inc()
		return nil, kernelc.NewCompileError("cache.LoadOrCompile", err)
	}
	m.metrics.Compiles.With(m.metrics.labels).Inc()

	ck.ID = id
	m.logger.Debug("Compiled kernel",
		zap.String("kernel", k.Name),
		zap.Stringer("id", id),
		zap.Int64("size", ck.Size()),
		zap.Duration("elapsed", m.clock.Since(start)))
	return ck, nil
}

// insert publishes ck in the memory tier and returns the live kernel for
// its identity.
func (m *Manager) insert(ck *kernelc.CompiledKernel) *kernelc.CompiledKernel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[ck.ID]; ok {
		return e.kernel
	}

	now := m.clock.Now()
	m.entries[ck.ID] = &entry{kernel: ck, created: now, lastAccess: now}
	m.size += ck.Size()
	m.updateGauges()
	return ck
}

func (m *Manager) writeThrough(ctx context.Context, ck *kernelc.CompiledKernel) {
	if m.store == nil {
		return
	}
	if m.oversized(ck) {
		m.logger.Debug("Kernel exceeds the disk cache size; keeping it in memory only",
			zap.Stringer("id", ck.ID), zap.Int64("size", ck.Size()), zap.Int64("max", m.params.MaxSize))
		return
	}

	victims, err := m.store.Put(ctx, ck, m.clock.Now(), m.selector())
	if err != nil {
		m.ioError("write", kernelc.NewCacheIOError("cache.LoadOrCompile", err))
		return
	}
	m.evicted(victims)
}

// oversized reports whether ck can never fit under the disk size cap.
func (m *Manager) oversized(ck *kernelc.CompiledKernel) bool {
	p := m.params
	return p.Policy != CleanNever && p.MaxSize > 0 && ck.Size() > p.MaxSize
}

func (m *Manager) selector() bolt.Selector {
	return NewSelector(m.params.Policy, m.params.MaxSize, m.params.Factor)
}

func (m *Manager) evicted(victims []kernelc.KernelIdentity) {
	if len(victims) == 0 {
		return
	}
	m.metrics.Evictions.With(m.metrics.labels).Add(float64(len(victims)))
	m.logger.Info("Removed kernels from the disk cache", zap.Int("count", len(victims)))
}

func (m *Manager) ioError(op string, err error) {
	m.metrics.IOErrors.With(m.metrics.labels).Inc()
	m.logger.Warn("Kernel cache disk tier failed; continuing in memory",
		zap.String("op", op), zap.Error(err))
}

// DumpWithMerging writes every kernel of the memory tier to disk. A disk
// entry with the same identity is overwritten; entries only on disk are
// kept unless the size cap forces them out. Kernels are admitted under the
// same policy as write-through, so kernels larger than the cap stay in
// memory only. The memory tier cannot change while the merge runs.
func (m *Manager) DumpWithMerging(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	span, ctx := tracing.StartSpanFromContext(ctx)
	defer span.Finish()

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]bolt.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if m.oversized(e.kernel) {
			continue
		}
		entries = append(entries, bolt.Entry{
			Kernel:     e.kernel,
			Created:    e.created,
			LastAccess: e.lastAccess,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Kernel.ID.String() < entries[j].Kernel.ID.String()
	})

	victims, err := m.store.Merge(ctx, entries, m.selector())
	if err != nil {
		err = kernelc.NewCacheIOError("cache.DumpWithMerging", err)
		m.ioError("merge", err)
		return tracing.LogError(span, err)
	}
	m.evicted(victims)
	m.logger.Info("Merged kernel cache to disk", zap.Int("kernels", len(entries)), zap.String("path", m.store.Path()))
	return nil
}

// Clean applies policy to the disk tier, removing entries when its total
// size exceeds max.
func (m *Manager) Clean(ctx context.Context, policy CleanPolicy, max int64, factor float64) error {
	if m.store == nil {
		return nil
	}
	span, ctx := tracing.StartSpanFromContext(ctx)
	defer span.Finish()

	victims, err := m.store.Clean(ctx, NewSelector(policy, max, factor))
	if err != nil {
		err = kernelc.NewCacheIOError("cache.Clean", err)
		m.ioError("clean", err)
		return tracing.LogError(span, err)
	}
	m.evicted(victims)
	return nil
}

// Entries returns the metadata of every kernel stored on disk. It is empty
// in memory-only mode.
func (m *Manager) Entries(ctx context.Context) ([]bolt.Meta, error) {
	if m.store == nil {
		return nil, nil
	}
	metas, err := m.store.Entries(ctx)
	if err != nil {
		return nil, kernelc.NewCacheIOError("cache.Entries", err)
	}
	return metas, nil
}

// Evict drops id from the memory tier.
func (m *Manager) Evict(id kernelc.KernelIdentity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false
	}
	delete(m.entries, id)
	m.size -= e.kernel.Size()
	m.updateGauges()
	return true
}

// Purge empties the memory tier. The disk tier is untouched.
func (m *Manager) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[kernelc.KernelIdentity]*entry)
	m.size = 0
	m.updateGauges()
}

// Len returns the number of kernels in memory.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Size returns the bytes of compiled kernels in memory.
func (m *Manager) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *Manager) updateGauges() {
	m.metrics.MemEntries.With(m.metrics.labels).Set(float64(len(m.entries)))
	m.metrics.MemBytes.With(m.metrics.labels).Set(float64(m.size))
}

// Close closes the disk tier.
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

// PrometheusCollectors returns the collectors to register.
func (m *Manager) PrometheusCollectors() []prometheus.Collector {
	collectors := m.metrics.PrometheusCollectors()
	if m.store != nil {
		collectors = append(collectors, m.store)
	}
	return collectors
}
