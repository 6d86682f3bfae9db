package aot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/influxdata/kernelc"
)

var _ kernelc.AOTModuleBuilder = (*Builder)(nil)

const (
	msgSingleTree = "AOT export supports only a single data-structure tree"
	msgAllDense   = "AOT export requires an all-dense layout"
)

// Builder accumulates kernels for a module over a single all-dense layout.
type Builder struct {
	runtime *kernelc.RuntimeModule
	layout  *kernelc.CompiledLayout
	fields  []Field
	buffers []kernelc.BufferMeta

	mu      sync.Mutex
	kernels []Kernel
	names   map[string]bool
}

// NewBuilder validates that layouts can be exported and returns a builder
// for them. Exactly one layout must have been compiled, and every node
// directly beneath its root must be a dense node holding only place nodes.
func NewBuilder(layouts []*kernelc.CompiledLayout, state kernelc.RuntimeState, buffers []kernelc.BufferMeta) (*Builder, error) {
	const op = "aot.NewBuilder"

	var rt *kernelc.RuntimeModule
	if s, ok := state.(kernelc.Ready); ok {
		rt = s.Module
	}
	if rt == nil {
		return nil, kernelc.NewPreconditionError(op, "runtime must be materialized before AOT export")
	}

	switch len(layouts) {
	case 0:
		return nil, kernelc.NewPreconditionError(op, "AOT export requires a compiled data-structure tree")
	case 1:
	default:
		return nil, kernelc.NewUnsupportedError(op, msgSingleTree)
	}

	l := layouts[0]
	fields, err := denseFields(l)
	if err != nil {
		return nil, err
	}

	return &Builder{
		runtime: rt,
		layout:  l,
		fields:  fields,
		buffers: append([]kernelc.BufferMeta(nil), buffers...),
		names:   make(map[string]bool),
	}, nil
}

// denseFields returns the place nodes of the dense nodes under the root of
// l, or an error if the layout is not all dense.
func denseFields(l *kernelc.CompiledLayout) ([]Field, error) {
	root := l.Root()

	var fields []Field
	for _, id := range root.Children {
		d, ok := l.Descriptor(id)
		if !ok || d.Kind != kernelc.KindDense || d.Parent != root.Node {
			return nil, kernelc.NewUnsupportedError("aot.NewBuilder", msgAllDense)
		}
		for _, ch := range d.Children {
			p, ok := l.Descriptor(ch)
			if !ok || p.Kind != kernelc.KindPlace {
				return nil, kernelc.NewUnsupportedError("aot.NewBuilder", msgAllDense)
			}
			fields = append(fields, Field{
				Name:   p.Name,
				Type:   p.Type,
				Node:   p.Node,
				Dense:  d.Node,
				Offset: p.AbsOffset,
				Stride: d.Stride,
				Cells:  d.Cells,
			})
		}
	}
	return fields, nil
}

// Fields returns the exported fields in layout order.
func (b *Builder) Fields() []Field {
	return append([]Field(nil), b.fields...)
}

// AddKernel adds k to the module under name.
func (b *Builder) AddKernel(name string, k *kernelc.CompiledKernel) error {
	const op = "aot.AddKernel"
	if err := checkKernelName(op, name); err != nil {
		return err
	}
	if k == nil {
		return kernelc.NewInvalidError(op, fmt.Sprintf("kernel %s is nil", name))
	}
	for _, bb := range k.Buffers {
		switch {
		case bb.Kind == kernelc.BufferRoot && bb.Tree != b.layout.Tree:
			return kernelc.NewUnsupportedError(op,
				fmt.Sprintf("kernel %s uses tree %d which is not part of the module", name, bb.Tree))
		case bb.Kind == kernelc.BufferNdarray:
			return kernelc.NewUnsupportedError(op,
				fmt.Sprintf("kernel %s binds an ndarray, which AOT modules cannot describe", name))
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.names[name] {
		return kernelc.NewInvalidError(op, fmt.Sprintf("kernel %s was already added", name))
	}
	b.names[name] = true
	b.kernels = append(b.kernels, Kernel{
		Name:     name,
		ID:       k.ID,
		Buffers:  append([]kernelc.BufferBinding(nil), k.Buffers...),
		Artifact: append([]byte(nil), k.Artifact...),
	})
	return nil
}

// checkKernelName rejects names that cannot be used as an artifact file name
// inside the module directory.
func checkKernelName(op, name string) error {
	switch {
	case name == "":
		return kernelc.NewInvalidError(op, "kernel name is required")
	case name == "." || name == ".." || strings.ContainsAny(name, `/\`) || name != filepath.Base(name):
		return kernelc.NewInvalidError(op, fmt.Sprintf("kernel name %q must not contain path elements", name))
	}
	return nil
}

// Build returns the module descriptor.
func (b *Builder) Build() *Module {
	b.mu.Lock()
	defer b.mu.Unlock()

	return &Module{
		Version: Version,
		Runtime: b.runtime,
		Layout:  b.layout,
		Fields:  b.Fields(),
		Buffers: append([]kernelc.BufferMeta(nil), b.buffers...),
		Kernels: append([]Kernel(nil), b.kernels...),
	}
}

// Dump builds the module and writes it into dir in the named format.
func (b *Builder) Dump(dir, format string) error {
	f, err := ParseFormat(format)
	if err != nil {
		return err
	}
	return b.Build().Dump(context.Background(), dir, f)
}
