package kernelc

import (
	"encoding/binary"
	"fmt"
)

const (
	// ResultBufferEntries is the number of slots of the result buffer.
	ResultBufferEntries = 32
	// ResultSlotBytes is the width of one result slot.
	ResultSlotBytes = 8
)

// ABI holds the host/device constants a compiled runtime module exposes.
// The layout compiler depends on them, which is why layouts can only be
// compiled once the runtime exists.
type ABI struct {
	// Alignment is the natural alignment of the platform in bytes.
	Alignment int `json:"alignment" yaml:"alignment"`
	// ListHeaderBytes is the bookkeeping stored in front of a dynamic node.
	ListHeaderBytes int `json:"listHeaderBytes" yaml:"listHeaderBytes"`
	// BitmaskWordBytes is the width of one word of a bitmasked node's mask.
	BitmaskWordBytes int `json:"bitmaskWordBytes" yaml:"bitmaskWordBytes"`
}

// RuntimeModule is the support code compiled once per session and shared
// by every kernel and by AOT export.
type RuntimeModule struct {
	Platform string `json:"platform" yaml:"platform"`
	Version  string `json:"version" yaml:"version"`
	ABI      ABI    `json:"abi" yaml:"abi"`
	Code     []byte `json:"code" yaml:"code"`
}

// RuntimeState is either Uninitialized or Ready.
type RuntimeState interface {
	runtimeState()
}

// Uninitialized is the state of a session before the runtime is materialized.
type Uninitialized struct{}

// Ready is the state of a session after the runtime is materialized.
type Ready struct {
	Module *RuntimeModule
}

func (Uninitialized) runtimeState() {}
func (Ready) runtimeState()         {}

// ResultBuffer is the host readable memory kernels write return values to.
// It never moves nor changes size once allocated.
type ResultBuffer struct {
	mem []byte
}

// NewResultBuffer wraps mem, which must hold exactly ResultBufferEntries
// slots.
func NewResultBuffer(mem []byte) (*ResultBuffer, error) {
	if len(mem) != ResultBufferEntries*ResultSlotBytes {
		return nil, NewInvalidError("kernelc.NewResultBuffer",
			fmt.Sprintf("result buffer must be %d bytes, got %d", ResultBufferEntries*ResultSlotBytes, len(mem)))
	}
	return &ResultBuffer{mem: mem}, nil
}

// Len returns the number of slots.
func (b *ResultBuffer) Len() int { return len(b.mem) / ResultSlotBytes }

// Get returns the value of slot i.
func (b *ResultBuffer) Get(i int) uint64 {
	return binary.LittleEndian.Uint64(b.mem[i*ResultSlotBytes:])
}

// Set stores v in slot i.
func (b *ResultBuffer) Set(i int, v uint64) {
	binary.LittleEndian.PutUint64(b.mem[i*ResultSlotBytes:], v)
}

// Bytes returns the backing memory.
func (b *ResultBuffer) Bytes() []byte { return b.mem }
