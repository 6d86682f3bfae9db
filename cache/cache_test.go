package cache_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/kernelc"
	"github.com/influxdata/kernelc/cache"
	"github.com/influxdata/kernelc/codegen"
	ierrors "github.com/influxdata/kernelc/kit/platform/errors"
	"github.com/influxdata/kernelc/kit/prom/promtest"
	"github.com/influxdata/kernelc/layout"
	"github.com/influxdata/kernelc/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

// countingCompiler counts kernel compiles and can be made to fail. When
// gate is set, each compile signals started and then blocks until gate is
// closed.
type countingCompiler struct {
	*codegen.Compiler
	compiles atomic.Int32
	delay    time.Duration
	err      error

	started chan struct{}
	gate    chan struct{}
}

func (c *countingCompiler) CompileKernel(ctx context.Context, k *kernelc.Kernel, layouts []*kernelc.CompiledLayout, rt *kernelc.RuntimeModule) (*kernelc.CompiledKernel, error) {
	c.compiles.Add(1)
	if c.gate != nil {
		c.started <- struct{}{}
		<-c.gate
	}
	time.Sleep(c.delay)
	if c.err != nil {
		return nil, c.err
	}
	return c.Compiler.CompileKernel(ctx, k, layouts, rt)
}

type fixture struct {
	compiler *countingCompiler
	runtime  *kernelc.RuntimeModule
	layouts  *layout.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	c := &countingCompiler{Compiler: codegen.New()}
	rt, err := c.CompileRuntime(context.Background(), "metal")
	require.NoError(t, err)

	tree := kernelc.NewLayoutTree(0, "particles")
	d := tree.Dense(tree.Root(), 16)
	tree.Place(d, "x", kernelc.F32)
	tree.Place(d, "v", kernelc.F32)
	l, err := layout.Compile(kernelc.Ready{Module: rt}, tree)
	require.NoError(t, err)

	reg := layout.NewRegistry()
	reg.Append(l)
	return &fixture{compiler: c, runtime: rt, layouts: reg}
}

func (f *fixture) params(t *testing.T, mode cache.Mode, path string) cache.Params {
	return cache.Params{
		Mode:     mode,
		Path:     path,
		Compiler: f.compiler,
		Runtime:  f.runtime,
		Layouts:  f.layouts,
		Policy:   cache.CleanLRU,
		MaxSize:  1 << 20,
		Factor:   0.25,
		Logger:   zaptest.NewLogger(t),
	}
}

func newManager(t *testing.T, p cache.Params) *cache.Manager {
	t.Helper()
	m, err := cache.NewManager(context.Background(), p)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func kernel(name, ir string) *kernelc.Kernel {
	return &kernelc.Kernel{Name: name, IR: []byte(ir), Trees: []kernelc.TreeID{0}}
}

func TestManager_ConcurrentIdenticalRequestsCompileOnce(t *testing.T) {
	f := newFixture(t)
	f.compiler.delay = 20 * time.Millisecond
	m := newManager(t, f.params(t, cache.MemCache, ""))

	const n = 16
	results := make([]*kernelc.CompiledKernel, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			ck, err := m.LoadOrCompile(context.Background(), kernel("fill", "x[i] = 1"))
			results[i] = ck
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.EqualValues(t, 1, f.compiler.compiles.Load())
	for _, ck := range results {
		require.Same(t, results[0], ck)
	}

	// Same IR under another name shares the artifact.
	again, err := m.LoadOrCompile(context.Background(), kernel("fill_copy", "x[i] = 1"))
	require.NoError(t, err)
	require.Same(t, results[0], again)
	require.EqualValues(t, 1, f.compiler.compiles.Load())
	require.Equal(t, 1, m.Len())
}

func TestManager_CancelledCallerDoesNotFailWaiters(t *testing.T) {
	f := newFixture(t)
	f.compiler.started = make(chan struct{}, 1)
	f.compiler.gate = make(chan struct{})
	m := newManager(t, f.params(t, cache.MemCache, ""))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := m.LoadOrCompile(ctx, kernel("fill", "x[i] = 1"))
		first <- err
	}()
	<-f.compiler.started

	type result struct {
		ck  *kernelc.CompiledKernel
		err error
	}
	second := make(chan result, 1)
	go func() {
		ck, err := m.LoadOrCompile(context.Background(), kernel("fill", "x[i] = 1"))
		second <- result{ck, err}
	}()

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	// Give the second request time to join the compile in flight.
	time.Sleep(10 * time.Millisecond)
	close(f.compiler.gate)

	r := <-second
	require.NoError(t, r.err)
	require.NotNil(t, r.ck)
	require.EqualValues(t, 1, f.compiler.compiles.Load())
	require.Equal(t, 1, m.Len())
}

func TestManager_SharedIdentityIsInterchangeable(t *testing.T) {
	f := newFixture(t)
	m := newManager(t, f.params(t, cache.MemCache, ""))
	ctx := context.Background()

	fill, err := m.LoadOrCompile(ctx, kernel("fill", "x[i] *= 2"))
	require.NoError(t, err)
	scale, err := m.LoadOrCompile(ctx, kernel("scale", "x[i] *= 2"))
	require.NoError(t, err)
	require.Same(t, fill, scale)

	l, _ := f.layouts.Lookup(0)
	fresh, err := codegen.New().CompileKernel(ctx, kernel("scale", "x[i] *= 2"), []*kernelc.CompiledLayout{l}, f.runtime)
	require.NoError(t, err)
	fresh.ID = scale.ID
	require.Equal(t, fresh, scale)
}

func TestManager_DistinctKernels(t *testing.T) {
	f := newFixture(t)
	m := newManager(t, f.params(t, cache.MemCache, ""))

	a, err := m.LoadOrCompile(context.Background(), kernel("a", "x[i] = 1"))
	require.NoError(t, err)
	b, err := m.LoadOrCompile(context.Background(), kernel("b", "x[i] = 2"))
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
	require.EqualValues(t, 2, f.compiler.compiles.Load())
	require.Equal(t, a.Size()+b.Size(), m.Size())
	require.False(t, m.Persistent())
}

func TestManager_UnresolvedLayout(t *testing.T) {
	f := newFixture(t)
	m := newManager(t, f.params(t, cache.MemCache, ""))

	_, err := m.LoadOrCompile(context.Background(), &kernelc.Kernel{Name: "k", IR: []byte("x"), Trees: []kernelc.TreeID{3}})
	require.Equal(t, ierrors.EUnresolvedLayout, ierrors.ErrorCode(err))
	require.Zero(t, f.compiler.compiles.Load())
}

func TestManager_CompileErrorLeavesCacheUnmodified(t *testing.T) {
	f := newFixture(t)
	f.compiler.err = errors.New("boom")
	m := newManager(t, f.params(t, cache.MemAndDiskCache, t.TempDir()))

	_, err := m.LoadOrCompile(context.Background(), kernel("k", "x"))
	require.Equal(t, ierrors.ECompile, ierrors.ErrorCode(err))
	require.Zero(t, m.Len())
	metas, err := m.Entries(context.Background())
	require.NoError(t, err)
	require.Empty(t, metas)

	f.compiler.err = nil
	_, err = m.LoadOrCompile(context.Background(), kernel("k", "x"))
	require.NoError(t, err)
	require.EqualValues(t, 2, f.compiler.compiles.Load())
}

func TestManager_DumpAndReload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dir := t.TempDir()

	m, err := cache.NewManager(ctx, f.params(t, cache.MemAndDiskCache, dir))
	require.NoError(t, err)
	require.True(t, m.Persistent())
	want, err := m.LoadOrCompile(ctx, kernel("fill", "x[i] = 1"))
	require.NoError(t, err)
	require.NoError(t, m.DumpWithMerging(ctx))

	// Dropping the memory tier falls back to disk.
	m.Purge()
	got, err := m.LoadOrCompile(ctx, kernel("fill", "x[i] = 1"))
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.EqualValues(t, 1, f.compiler.compiles.Load())
	require.NoError(t, m.Close())

	// So does a new session.
	m = newManager(t, f.params(t, cache.MemAndDiskCache, dir))
	got, err = m.LoadOrCompile(ctx, kernel("fill", "x[i] = 1"))
	require.NoError(t, err)
	require.Equal(t, want.Artifact, got.Artifact)
	require.Equal(t, want.Buffers, got.Buffers)
	require.EqualValues(t, 1, f.compiler.compiles.Load())
}

func TestManager_DumpKeepsDiskOnlyEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dir := t.TempDir()

	m := newManager(t, f.params(t, cache.MemAndDiskCache, dir))
	a, err := m.LoadOrCompile(ctx, kernel("a", "x[i] = 1"))
	require.NoError(t, err)
	m.Purge()

	b, err := m.LoadOrCompile(ctx, kernel("b", "x[i] = 2"))
	require.NoError(t, err)
	require.NoError(t, m.DumpWithMerging(ctx))

	metas, err := m.Entries(ctx)
	require.NoError(t, err)
	ids := map[kernelc.KernelIdentity]bool{}
	for _, meta := range metas {
		ids[meta.ID] = true
	}
	require.Equal(t, map[kernelc.KernelIdentity]bool{a.ID: true, b.ID: true}, ids)
}

func TestManager_CorruptRecordIsAMiss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dir := t.TempDir()

	m, err := cache.NewManager(ctx, f.params(t, cache.MemAndDiskCache, dir))
	require.NoError(t, err)
	want, err := m.LoadOrCompile(ctx, kernel("fill", "x[i] = 1"))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	db, err := bbolt.Open(filepath.Join(dir, cache.DBFile), 0600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte("kernelsv1")).Put(want.ID[:], []byte{1, 2, 3})
	}))
	require.NoError(t, db.Close())

	reg := prometheus.NewRegistry()
	m = newManager(t, f.params(t, cache.MemAndDiskCache, dir))
	reg.MustRegister(m.PrometheusCollectors()...)

	got, err := m.LoadOrCompile(ctx, kernel("fill", "x[i] = 1"))
	require.NoError(t, err)
	require.Equal(t, want.Artifact, got.Artifact)
	require.EqualValues(t, 2, f.compiler.compiles.Load())

	mfs := promtest.MustGather(t, reg)
	labels := map[string]string{"platform": "metal"}
	require.Equal(t, float64(1), promtest.MustFindMetric(t, mfs, "kernelc_cache_corrupt_records_total", labels).GetCounter().GetValue())
	require.Equal(t, float64(1), promtest.MustFindMetric(t, mfs, "kernelc_cache_compiles_total", labels).GetCounter().GetValue())

	// The corrupt record was replaced by the recompiled kernel.
	m.Purge()
	_, err = m.LoadOrCompile(ctx, kernel("fill", "x[i] = 1"))
	require.NoError(t, err)
	require.EqualValues(t, 2, f.compiler.compiles.Load())
	mfs = promtest.MustGather(t, reg)
	hits := promtest.MustFindMetric(t, mfs, "kernelc_cache_hits_total", map[string]string{"platform": "metal", "tier": "disk"})
	require.Equal(t, float64(1), hits.GetCounter().GetValue())
}

func TestManager_DiskOpenFailureDegradesToMemory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// A regular file where the cache directory should be.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, writeFile(blocker))

	m := newManager(t, f.params(t, cache.MemAndDiskCache, filepath.Join(blocker, "metal")))
	require.False(t, m.Persistent())

	_, err := m.LoadOrCompile(ctx, kernel("fill", "x[i] = 1"))
	require.NoError(t, err)
	require.NoError(t, m.DumpWithMerging(ctx))
	require.NoError(t, m.Clean(ctx, cache.CleanLRU, 1, 1))
	metas, err := m.Entries(ctx)
	require.NoError(t, err)
	require.Empty(t, metas)
}

func TestManager_WriteThroughEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mock := clock.NewMock()

	p := f.params(t, cache.MemAndDiskCache, t.TempDir())
	p.Clock = mock
	m := newManager(t, p)

	var kernels []*kernelc.CompiledKernel
	for _, ir := range []string{"a", "b", "c"} {
		ck, err := m.LoadOrCompile(ctx, kernel(ir, ir))
		require.NoError(t, err)
		kernels = append(kernels, ck)
		mock.Add(time.Second)
	}
	// Make "a" the most recently used entry on disk.
	m.Purge()
	_, err := m.LoadOrCompile(ctx, kernel("a", "a"))
	require.NoError(t, err)
	mock.Add(time.Second)
	require.NoError(t, m.Close())

	// Reopen with a cap that only fits three kernels, then add a fourth.
	size := kernels[0].Size()
	p.MaxSize = 3 * size
	p.Factor = 0.01
	m = newManager(t, p)
	_, err = m.LoadOrCompile(ctx, kernel("d", "d"))
	require.NoError(t, err)

	metas, err := m.Entries(ctx)
	require.NoError(t, err)
	ids := map[kernelc.KernelIdentity]bool{}
	for _, meta := range metas {
		ids[meta.ID] = true
	}
	require.Len(t, ids, 3)
	require.True(t, ids[kernels[0].ID])
	require.False(t, ids[kernels[1].ID], "least recently used kernel should be evicted")
	require.True(t, ids[kernels[2].ID])
}

func TestManager_OversizedKernelStaysInMemory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.params(t, cache.MemAndDiskCache, t.TempDir())
	p.MaxSize = 8
	m := newManager(t, p)

	ck, err := m.LoadOrCompile(ctx, kernel("big", "x"))
	require.NoError(t, err)
	require.Greater(t, ck.Size(), p.MaxSize)
	require.Equal(t, 1, m.Len())

	metas, err := m.Entries(ctx)
	require.NoError(t, err)
	require.Empty(t, metas)

	// Dumping does not admit it either.
	require.NoError(t, m.DumpWithMerging(ctx))
	metas, err = m.Entries(ctx)
	require.NoError(t, err)
	require.Empty(t, metas)
}

func TestManager_DumpRespectsSizeCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mock := clock.NewMock()

	p := f.params(t, cache.MemAndDiskCache, t.TempDir())
	p.Clock = mock
	m := newManager(t, p)
	first, err := m.LoadOrCompile(ctx, kernel("a", "a"))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	// Every kernel stays in memory, but only two fit on disk.
	p.MaxSize = 2 * first.Size()
	p.Factor = 0.01
	m = newManager(t, p)
	for _, ir := range []string{"a", "b", "c", "d"} {
		_, err := m.LoadOrCompile(ctx, kernel(ir, ir))
		require.NoError(t, err)
		mock.Add(time.Second)
	}
	require.Equal(t, 4, m.Len())

	require.NoError(t, m.DumpWithMerging(ctx))
	metas, err := m.Entries(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, metas)
	var total int64
	for _, meta := range metas {
		total += meta.Size
	}
	require.LessOrEqual(t, total, p.MaxSize)
}

func TestManager_Clean(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := newManager(t, f.params(t, cache.MemAndDiskCache, t.TempDir()))

	for _, ir := range []string{"a", "b", "c", "d"} {
		_, err := m.LoadOrCompile(ctx, kernel(ir, ir))
		require.NoError(t, err)
	}
	metas, err := m.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 4)
	size := metas[0].Size

	// Under the cap nothing happens.
	require.NoError(t, m.Clean(ctx, cache.CleanFIFO, 4*size, 0.5))
	metas, err = m.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 4)

	require.NoError(t, m.Clean(ctx, cache.CleanFIFO, 3*size, 0.5))
	metas, err = m.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)
}

func TestNewManager_Validation(t *testing.T) {
	f := newFixture(t)

	p := f.params(t, cache.MemCache, "")
	p.Runtime = nil
	_, err := cache.NewManager(context.Background(), p)
	require.Equal(t, ierrors.EPrecondition, ierrors.ErrorCode(err))

	p = f.params(t, cache.MemCache, "")
	p.Factor = 2
	_, err = cache.NewManager(context.Background(), p)
	require.Equal(t, ierrors.EInvalid, ierrors.ErrorCode(err))
}

func TestManager_ConcurrentLoadAndDump(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := newManager(t, f.params(t, cache.MemAndDiskCache, t.TempDir()))

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		ir := string(rune('a' + i))
		g.Go(func() error {
			if _, err := m.LoadOrCompile(ctx, kernel("k", ir)); err != nil {
				return err
			}
			return m.DumpWithMerging(ctx)
		})
	}
	require.NoError(t, g.Wait())

	metas, err := m.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 8)
}

func TestNewManager_LoggerFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := logger.NewContextWithLogger(context.Background(), zap.New(core))

	f := newFixture(t)
	p := f.params(t, cache.MemAndDiskCache, t.TempDir())
	p.Logger = nil
	m, err := cache.NewManager(ctx, p)
	require.NoError(t, err)
	defer m.Close()

	opened := logs.FilterMessage("Kernel store opened").All()
	require.Len(t, opened, 1)
	require.Equal(t, "kernel-cache", opened[0].ContextMap()["service"])
}
