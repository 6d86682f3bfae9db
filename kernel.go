package kernelc

import (
	"context"
	"encoding/hex"
	"fmt"
)

// Kernel is a kernel's intermediate representation together with the
// layout trees it addresses.
type Kernel struct {
	Name  string
	IR    []byte
	Trees []TreeID
}

// KernelIdentity is the content fingerprint of a kernel and the compiled
// layouts it references. Two kernels with the same identity are
// interchangeable.
type KernelIdentity [32]byte

// String returns the identity in hex.
func (id KernelIdentity) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText encodes the identity in hex.
func (id KernelIdentity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes a hex identity.
func (id *KernelIdentity) UnmarshalText(b []byte) error {
	v, err := ParseKernelIdentity(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// ParseKernelIdentity decodes the hex form of an identity.
func ParseKernelIdentity(s string) (KernelIdentity, error) {
	var id KernelIdentity
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid kernel identity %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid kernel identity %q: want %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// BufferKind classifies device buffers.
type BufferKind uint8

const (
	BufferRoot BufferKind = iota
	BufferRuntime
	BufferResult
	BufferNdarray
)

var bufferKindNames = [...]string{
	BufferRoot:    "root",
	BufferRuntime: "runtime",
	BufferResult:  "result",
	BufferNdarray: "ndarray",
}

func (k BufferKind) String() string {
	if int(k) < len(bufferKindNames) {
		return bufferKindNames[k]
	}
	return fmt.Sprintf("BufferKind(%d)", k)
}

// MarshalText encodes the kind by name.
func (k BufferKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *BufferKind) UnmarshalText(b []byte) error {
	for i, name := range bufferKindNames {
		if name == string(b) {
			*k = BufferKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown buffer kind %q", b)
}

// BufferBinding is a buffer a compiled kernel is launched with. Tree is only
// meaningful for root buffers.
type BufferBinding struct {
	Kind BufferKind `json:"kind" yaml:"kind"`
	Tree TreeID     `json:"tree" yaml:"tree"`
}

// CompiledKernel is a platform executable bound to an identity. It is never
// mutated after creation. It carries no kernel name: kernels with the same
// identity share one CompiledKernel, and names are supplied when it is bound
// or exported.
type CompiledKernel struct {
	ID       KernelIdentity  `json:"id" yaml:"id"`
	Platform string          `json:"platform" yaml:"platform"`
	Artifact []byte          `json:"artifact" yaml:"artifact"`
	Buffers  []BufferBinding `json:"buffers" yaml:"buffers"`
}

// Size returns the number of bytes the kernel accounts for in a cache.
func (k *CompiledKernel) Size() int64 {
	return int64(len(k.Artifact) + len(k.Platform) + len(k.ID) + 8*len(k.Buffers))
}

// Executable launches a compiled kernel with the given scalar arguments.
type Executable func(ctx context.Context, args ...uint64) error
