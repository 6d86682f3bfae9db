// Package codegen is a deterministic reference implementation of
// kernelc.Compiler. It emits a textual listing instead of device code, which
// is enough to drive the cache and the AOT exporter end to end.
package codegen

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/influxdata/kernelc"
)

// Version is stamped into every runtime module produced by the compiler.
const Version = "1"

// DefaultABI is the ABI of the reference runtime.
var DefaultABI = kernelc.ABI{
	Alignment:        8,
	ListHeaderBytes:  8,
	BitmaskWordBytes: 4,
}

var _ kernelc.Compiler = (*Compiler)(nil)

// Compiler is the reference compiler.
type Compiler struct {
	ABI kernelc.ABI
}

// New returns a compiler targeting DefaultABI.
func New() *Compiler {
	return &Compiler{ABI: DefaultABI}
}

var runtimeHelpers = []string{
	"list_manager_append",
	"list_manager_len",
	"bitmask_activate",
	"bitmask_is_active",
	"result_buffer_store",
}

// CompileRuntime returns the runtime support module for platform.
func (c *Compiler) CompileRuntime(ctx context.Context, platform string) (*kernelc.RuntimeModule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if platform == "" {
		return nil, errors.New("platform is required")
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "runtime %s v%s\n", platform, Version)
	fmt.Fprintf(&buf, "abi align=%d list_header=%d bitmask_word=%d\n",
		c.ABI.Alignment, c.ABI.ListHeaderBytes, c.ABI.BitmaskWordBytes)
	for _, fn := range runtimeHelpers {
		fmt.Fprintf(&buf, "func %s\n", fn)
	}

	return &kernelc.RuntimeModule{
		Platform: platform,
		Version:  Version,
		ABI:      c.ABI,
		Code:     buf.Bytes(),
	}, nil
}

// CompileKernel lowers k against layouts. The artifact lists the fields the
// kernel can address followed by a digest of its IR. It depends only on the
// IR and the layouts, never on the kernel name.
func (c *Compiler) CompileKernel(ctx context.Context, k *kernelc.Kernel, layouts []*kernelc.CompiledLayout, rt *kernelc.RuntimeModule) (*kernelc.CompiledKernel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rt == nil {
		return nil, errors.New("runtime module is required")
	}
	if len(k.IR) == 0 {
		return nil, fmt.Errorf("kernel %q has empty IR", k.Name)
	}

	sorted := append([]*kernelc.CompiledLayout(nil), layouts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Tree < sorted[j].Tree })

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "runtime %s v%s\n", rt.Platform, rt.Version)

	ck := &kernelc.CompiledKernel{
		Platform: rt.Platform,
	}
	for _, l := range sorted {
		fmt.Fprintf(&buf, "tree %d root_size=%d\n", l.Tree, l.RootSize)
		for _, d := range l.FindKind(kernelc.KindPlace) {
			fmt.Fprintf(&buf, "  field %s %s abs=%d\n", d.Name, d.Type, d.AbsOffset)
		}
		ck.Buffers = append(ck.Buffers, kernelc.BufferBinding{Kind: kernelc.BufferRoot, Tree: l.Tree})
	}
	ck.Buffers = append(ck.Buffers,
		kernelc.BufferBinding{Kind: kernelc.BufferRuntime},
		kernelc.BufferBinding{Kind: kernelc.BufferResult},
	)

	sum := sha256.Sum256(k.IR)
	fmt.Fprintf(&buf, "body %s\n", hex.EncodeToString(sum[:]))
	ck.Artifact = buf.Bytes()
	return ck, nil
}
