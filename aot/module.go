// Package aot exports compiled artifacts as a module a standalone loader can
// run without the compiler. Only layouts whose storage is fully described
// by static offsets can be exported.
package aot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/influxdata/kernelc"
	"github.com/influxdata/kernelc/pkg/file"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Version is the version of the module descriptor format.
const Version = 1

// Format is the encoding of a module descriptor.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", kernelc.NewInvalidError("aot.ParseFormat", fmt.Sprintf("unknown module format %q", s))
}

// Field is a place node of a dense node directly under the root. Element i
// of the field lives at Offset + i*Stride in the root buffer.
type Field struct {
	Name   string           `json:"name" yaml:"name"`
	Type   kernelc.DataType `json:"type" yaml:"type"`
	Node   kernelc.NodeID   `json:"node" yaml:"node"`
	Dense  kernelc.NodeID   `json:"dense" yaml:"dense"`
	Offset int              `json:"offset" yaml:"offset"`
	Stride int              `json:"stride" yaml:"stride"`
	Cells  int              `json:"cells" yaml:"cells"`
}

// Kernel is a compiled kernel in a module. In a dumped module the artifact
// is stored in its own file next to the descriptor.
type Kernel struct {
	Name         string                  `json:"name" yaml:"name"`
	ID           kernelc.KernelIdentity  `json:"id" yaml:"id"`
	Buffers      []kernelc.BufferBinding `json:"buffers" yaml:"buffers"`
	Artifact     []byte                  `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	ArtifactFile string                  `json:"artifactFile,omitempty" yaml:"artifactFile,omitempty"`
}

// Module is a self-contained module descriptor.
type Module struct {
	Version int                     `json:"version" yaml:"version"`
	Runtime *kernelc.RuntimeModule  `json:"runtime" yaml:"runtime"`
	Layout  *kernelc.CompiledLayout `json:"layout" yaml:"layout"`
	Fields  []Field                 `json:"fields" yaml:"fields"`
	Buffers []kernelc.BufferMeta    `json:"buffers" yaml:"buffers"`
	Kernels []Kernel                `json:"kernels" yaml:"kernels"`
}

// Field returns the field with the given name.
func (m *Module) Field(name string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Encode writes the module descriptor to w.
func (m *Module) Encode(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(m); err != nil {
			return err
		}
		return enc.Close()
	}
	return kernelc.NewInvalidError("aot.Encode", fmt.Sprintf("unknown module format %q", format))
}

// Decode reads a module descriptor written by Encode.
func Decode(r io.Reader, format Format) (*Module, error) {
	m := new(Module)
	var err error
	switch format {
	case FormatJSON:
		err = json.NewDecoder(r).Decode(m)
	case FormatYAML:
		err = yaml.NewDecoder(r).Decode(m)
	default:
		return nil, kernelc.NewInvalidError("aot.Decode", fmt.Sprintf("unknown module format %q", format))
	}
	if err != nil {
		return nil, errors.Wrap(err, "decoding module")
	}
	if m.Version != Version {
		return nil, kernelc.NewUnsupportedError("aot.Decode", fmt.Sprintf("module version %d is not supported", m.Version))
	}
	return m, nil
}

// DescriptorFile returns the name of the descriptor Dump writes.
func DescriptorFile(format Format) string {
	return "module." + string(format)
}

// Dump writes the module into dir: one artifact file per kernel and the
// descriptor referencing them. Every file is replaced atomically; the
// descriptor is written last.
func (m *Module) Dump(ctx context.Context, dir string, format Format) error {
	if _, err := ParseFormat(string(format)); err != nil {
		return err
	}
	for _, k := range m.Kernels {
		if err := checkKernelName("aot.Dump", k.Name); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating module directory %s", dir)
	}

	out := *m
	out.Kernels = make([]Kernel, len(m.Kernels))
	g, gctx := errgroup.WithContext(ctx)
	for i, k := range m.Kernels {
		i, k := i, k
		g.Go(func() error {
			// Stop once another artifact failed or the caller gave up.
			if err := gctx.Err(); err != nil {
				return err
			}
			name := k.Name + ".kernel"
			if err := file.WriteFileAtomic(filepath.Join(dir, name), k.Artifact, 0644); err != nil {
				return errors.Wrapf(err, "writing kernel %s", k.Name)
			}
			k.Artifact = nil
			k.ArtifactFile = name
			out.Kernels[i] = k
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var buf strings.Builder
	if err := out.Encode(&buf, format); err != nil {
		return err
	}
	return file.WriteFileAtomic(filepath.Join(dir, DescriptorFile(format)), []byte(buf.String()), 0644)
}

// Load reads a module dumped into dir, including its kernel artifacts.
func Load(dir string, format Format) (*Module, error) {
	f, err := os.Open(filepath.Join(dir, DescriptorFile(format)))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := Decode(f, format)
	if err != nil {
		return nil, err
	}
	for i, k := range m.Kernels {
		if k.ArtifactFile == "" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, filepath.Base(k.ArtifactFile)))
		if err != nil {
			return nil, errors.Wrapf(err, "reading kernel %s", k.Name)
		}
		m.Kernels[i].Artifact = b
	}
	return m, nil
}
