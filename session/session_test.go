package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/influxdata/kernelc"
	"github.com/influxdata/kernelc/aot"
	"github.com/influxdata/kernelc/codegen"
	"github.com/influxdata/kernelc/device"
	"github.com/influxdata/kernelc/kernelmgr"
	ierrors "github.com/influxdata/kernelc/kit/platform/errors"
	"github.com/influxdata/kernelc/logger"
	"github.com/influxdata/kernelc/session"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

type countingCompiler struct {
	*codegen.Compiler
	kernels    atomic.Int32
	runtimeErr error
}

func (c *countingCompiler) CompileRuntime(ctx context.Context, platform string) (*kernelc.RuntimeModule, error) {
	if c.runtimeErr != nil {
		return nil, c.runtimeErr
	}
	return c.Compiler.CompileRuntime(ctx, platform)
}

func (c *countingCompiler) CompileKernel(ctx context.Context, k *kernelc.Kernel, layouts []*kernelc.CompiledLayout, rt *kernelc.RuntimeModule) (*kernelc.CompiledKernel, error) {
	c.kernels.Add(1)
	return c.Compiler.CompileKernel(ctx, k, layouts, rt)
}

type fixture struct {
	session  *session.Session
	compiler *countingCompiler
	device   *device.HostDevice
	launcher *kernelmgr.HostLauncher
	pool     *device.MemoryPool
}

func newFixture(t *testing.T, c session.Config) *fixture {
	t.Helper()
	f := &fixture{
		compiler: &countingCompiler{Compiler: codegen.New()},
		device:   device.NewHostDevice(),
		launcher: kernelmgr.NewHostLauncher(),
		pool:     device.NewMemoryPool(4096),
	}
	s, err := session.New(c,
		session.WithLogger(zaptest.NewLogger(t)),
		session.WithCompiler(f.compiler),
		session.WithDevice(f.device),
		session.WithLauncher(f.launcher),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	f.session = s
	return f
}

func (f *fixture) materialize(t *testing.T) {
	t.Helper()
	_, _, err := f.session.MaterializeRuntime(context.Background(), f.pool, kernelmgr.NewProfiler())
	require.NoError(t, err)
}

func denseTree(id kernelc.TreeID) *kernelc.LayoutTree {
	tree := kernelc.NewLayoutTree(id, "grid")
	d := tree.Dense(tree.Root(), 8)
	tree.Place(d, "x", kernelc.F32)
	tree.Place(d, "y", kernelc.F32)
	return tree
}

func TestSession_OperationsRequireRuntime(t *testing.T) {
	f := newFixture(t, session.NewConfig())
	ctx := context.Background()

	_, err := f.session.CompileLayoutTree(denseTree(0))
	require.Equal(t, ierrors.EPrecondition, ierrors.ErrorCode(err))
	require.Equal(t, 0, f.session.Layouts().Len())

	_, err = f.session.Compile(ctx, &kernelc.Kernel{Name: "k", IR: []byte("x")})
	require.Equal(t, ierrors.EPrecondition, ierrors.ErrorCode(err))

	_, err = f.session.EnsureCacheManager(ctx)
	require.Equal(t, ierrors.EPrecondition, ierrors.ErrorCode(err))

	_, err = f.session.MakeAOTModuleBuilder()
	require.Equal(t, ierrors.EPrecondition, ierrors.ErrorCode(err))

	_, err = f.session.AllocateNdarray(64)
	require.Equal(t, ierrors.EPrecondition, ierrors.ErrorCode(err))

	require.Equal(t, ierrors.EPrecondition, ierrors.ErrorCode(f.session.DumpCache(ctx)))
	require.Equal(t, kernelc.Uninitialized{}, f.session.State())
}

func TestSession_MaterializeRuntime(t *testing.T) {
	f := newFixture(t, session.NewConfig())

	rt, result, err := f.session.MaterializeRuntime(context.Background(), f.pool, nil)
	require.NoError(t, err)
	require.Equal(t, session.DefaultPlatform, rt.Platform)
	require.Equal(t, kernelc.ResultBufferEntries, result.Len())
	require.Equal(t, kernelc.ResultBufferEntries*kernelc.ResultSlotBytes, f.pool.InUse())
	require.Equal(t, kernelc.Ready{Module: rt}, f.session.State())

	_, _, err = f.session.MaterializeRuntime(context.Background(), f.pool, nil)
	require.Equal(t, ierrors.EDoubleInit, ierrors.ErrorCode(err))
}

func TestSession_MaterializeRuntime_CompileError(t *testing.T) {
	f := newFixture(t, session.NewConfig())
	f.compiler.runtimeErr = errors.New("no device")

	_, _, err := f.session.MaterializeRuntime(context.Background(), f.pool, nil)
	require.Equal(t, ierrors.ECompile, ierrors.ErrorCode(err))
	require.Equal(t, kernelc.Uninitialized{}, f.session.State())
	require.Zero(t, f.pool.InUse())
	require.Zero(t, f.device.Len())

	// The session may be materialized once the compiler recovers.
	f.compiler.runtimeErr = nil
	f.materialize(t)
}

func TestSession_EnsureCacheManager(t *testing.T) {
	c := session.NewConfig()
	c.OfflineCache = true
	c.OfflineCacheFilePath = t.TempDir()
	f := newFixture(t, c)
	f.materialize(t)

	a, err := f.session.EnsureCacheManager(context.Background())
	require.NoError(t, err)
	b, err := f.session.EnsureCacheManager(context.Background())
	require.NoError(t, err)
	require.Same(t, a, b)
	require.True(t, a.Persistent())
	require.NotEmpty(t, f.session.PrometheusCollectors())

	_, err = os.Stat(filepath.Join(c.OfflineCacheFilePath, session.DefaultPlatform))
	require.NoError(t, err)
}

func TestSession_CompileAndLaunch(t *testing.T) {
	f := newFixture(t, session.NewConfig())
	f.materialize(t)
	ctx := context.Background()

	l, err := f.session.MaterializeLayoutTree(ctx, denseTree(0))
	require.NoError(t, err)
	require.Equal(t, 1, f.session.Layouts().Len())

	exec, err := f.session.Compile(ctx, &kernelc.Kernel{Name: "sum", IR: []byte("r = x + y"), Trees: []kernelc.TreeID{0}})
	require.NoError(t, err)
	require.NoError(t, exec(ctx, 7, 9))

	launches := f.launcher.Launches()
	require.Len(t, launches, 1)
	require.Equal(t, "sum", launches[0].Name)
	require.Equal(t, kernelc.BufferRoot, launches[0].Buffers[0].Binding.Kind)
	require.EqualValues(t, l.RootSize, launches[0].Buffers[0].Allocation.Size)
	require.EqualValues(t, 7, f.session.Result().Get(0))
	require.EqualValues(t, 9, f.session.Result().Get(1))

	// Compiling the same kernel again is served from the cache.
	_, err = f.session.Compile(ctx, &kernelc.Kernel{Name: "sum", IR: []byte("r = x + y"), Trees: []kernelc.TreeID{0}})
	require.NoError(t, err)
	require.EqualValues(t, 1, f.compiler.kernels.Load())
}

func TestSession_CompileUnresolvedLayout(t *testing.T) {
	f := newFixture(t, session.NewConfig())
	f.materialize(t)

	_, err := f.session.CompileLayoutTree(denseTree(0))
	require.NoError(t, err)

	_, err = f.session.Compile(context.Background(), &kernelc.Kernel{Name: "k", IR: []byte("x"), Trees: []kernelc.TreeID{3}})
	require.Equal(t, ierrors.EUnresolvedLayout, ierrors.ErrorCode(err))
	require.Zero(t, f.compiler.kernels.Load())
}

func TestSession_LaunchBeforeTreeIsMaterialized(t *testing.T) {
	f := newFixture(t, session.NewConfig())
	f.materialize(t)
	ctx := context.Background()

	_, err := f.session.CompileLayoutTree(denseTree(0))
	require.NoError(t, err)
	exec, err := f.session.Compile(ctx, &kernelc.Kernel{Name: "k", IR: []byte("x"), Trees: []kernelc.TreeID{0}})
	require.NoError(t, err)
	require.Equal(t, ierrors.EPrecondition, ierrors.ErrorCode(exec(ctx)))

	_, err = f.session.MaterializeLayoutTree(ctx, denseTree(0))
	require.NoError(t, err)
	require.NoError(t, exec(ctx))
}

func TestSession_ConcurrentCompile(t *testing.T) {
	f := newFixture(t, session.NewConfig())
	f.materialize(t)
	ctx := context.Background()

	_, err := f.session.MaterializeLayoutTree(ctx, denseTree(0))
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := f.session.Compile(ctx, &kernelc.Kernel{Name: "k", IR: []byte("x"), Trees: []kernelc.TreeID{0}})
			return err
		})
		g.Go(func() error { return f.session.DumpCache(ctx) })
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, f.compiler.kernels.Load())
}

func TestSession_DumpCache(t *testing.T) {
	c := session.NewConfig()
	c.OfflineCache = true
	c.OfflineCacheFilePath = t.TempDir()
	ctx := context.Background()

	f := newFixture(t, c)
	f.materialize(t)
	_, err := f.session.CompileLayoutTree(denseTree(0))
	require.NoError(t, err)
	_, err = f.session.Compile(ctx, &kernelc.Kernel{Name: "k", IR: []byte("x"), Trees: []kernelc.TreeID{0}})
	require.NoError(t, err)
	require.NoError(t, f.session.DumpCache(ctx))
	require.NoError(t, f.session.Close())

	// A second session over the same cache path does not recompile.
	g := newFixture(t, c)
	g.materialize(t)
	_, err = g.session.CompileLayoutTree(denseTree(0))
	require.NoError(t, err)
	_, err = g.session.Compile(ctx, &kernelc.Kernel{Name: "renamed", IR: []byte("x"), Trees: []kernelc.TreeID{0}})
	require.NoError(t, err)
	require.Zero(t, g.compiler.kernels.Load())

	cm, err := g.session.EnsureCacheManager(ctx)
	require.NoError(t, err)
	entries, err := cm.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSession_AllocateNdarray(t *testing.T) {
	f := newFixture(t, session.NewConfig())
	f.materialize(t)

	a, err := f.session.AllocateNdarray(256)
	require.NoError(t, err)
	params, ok := f.device.Params(a)
	require.True(t, ok)
	require.Equal(t, kernelc.AllocParams{Size: 256, Usage: kernelc.UsageStorage}, params)

	_, err = f.session.AllocateNdarray(0)
	require.Equal(t, ierrors.EInvalid, ierrors.ErrorCode(err))
}

func TestSession_NumDynamicallyAllocated(t *testing.T) {
	f := newFixture(t, session.NewConfig())
	f.materialize(t)

	tree := kernelc.NewLayoutTree(0, "particles")
	dyn := tree.Dynamic(tree.Root(), 16)
	tree.Place(dyn, "m", kernelc.F32)
	_, err := f.session.MaterializeLayoutTree(context.Background(), tree)
	require.NoError(t, err)

	n, err := f.session.NumDynamicallyAllocated(0, dyn)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSession_AOTExport(t *testing.T) {
	f := newFixture(t, session.NewConfig())
	f.materialize(t)
	ctx := context.Background()

	_, err := f.session.MaterializeLayoutTree(ctx, denseTree(0))
	require.NoError(t, err)

	cm, err := f.session.EnsureCacheManager(ctx)
	require.NoError(t, err)
	ck, err := cm.LoadOrCompile(ctx, &kernelc.Kernel{Name: "init", IR: []byte("x = 0"), Trees: []kernelc.TreeID{0}})
	require.NoError(t, err)

	b, err := f.session.MakeAOTModuleBuilder()
	require.NoError(t, err)
	require.NoError(t, b.AddKernel("init", ck))

	dir := t.TempDir()
	require.NoError(t, b.Dump(dir, "yaml"))

	m, err := aot.Load(dir, aot.FormatYAML)
	require.NoError(t, err)
	require.Len(t, m.Kernels, 1)
	require.Equal(t, ck.Artifact, m.Kernels[0].Artifact)
	x, ok := m.Field("x")
	require.True(t, ok)
	require.Equal(t, 8, x.Cells)

	// A second tree makes the session unexportable.
	_, err = f.session.CompileLayoutTree(denseTree(1))
	require.NoError(t, err)
	_, err = f.session.MakeAOTModuleBuilder()
	require.Equal(t, ierrors.EUnsupported, ierrors.ErrorCode(err))
}

func TestNew_InvalidConfig(t *testing.T) {
	c := session.NewConfig()
	c.Platform = ""
	_, err := session.New(c)
	require.Equal(t, ierrors.EInvalid, ierrors.ErrorCode(err))
}

func TestSession_LogsToContextLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := logger.NewContextWithLogger(context.Background(), zap.New(core))

	c := session.NewConfig()
	c.OfflineCache = true
	c.OfflineCacheFilePath = t.TempDir()
	s, err := session.New(c)
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.MaterializeRuntime(ctx, device.NewMemoryPool(0), nil)
	require.NoError(t, err)
	_, err = s.EnsureCacheManager(ctx)
	require.NoError(t, err)

	materialized := logs.FilterMessage("Runtime materialized").All()
	require.Len(t, materialized, 1)
	require.Equal(t, s.ID().String(), materialized[0].ContextMap()["session_id"])
	require.Equal(t, 1, logs.FilterMessage("Kernel store opened").Len())
}

func TestSession_ExplicitLoggerWins(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := logger.NewContextWithLogger(context.Background(), zap.New(core))

	s, err := session.New(session.NewConfig(), session.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.MaterializeRuntime(ctx, device.NewMemoryPool(0), nil)
	require.NoError(t, err)
	require.Zero(t, logs.Len())
}
