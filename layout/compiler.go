// Package layout compiles layout trees into offset-resolved descriptors.
package layout

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/influxdata/kernelc"
)

// Compile resolves the storage of every node of tree against the ABI of the
// materialized runtime. The tree is validated and sealed; compiling it a
// second time produces an identical layout.
func Compile(state kernelc.RuntimeState, tree *kernelc.LayoutTree) (*kernelc.CompiledLayout, error) {
	const op = "layout.Compile"

	var abi kernelc.ABI
	switch s := state.(type) {
	case kernelc.Ready:
		if s.Module == nil {
			return nil, kernelc.NewPreconditionError(op, "runtime module is missing")
		}
		abi = s.Module.ABI
	case kernelc.Uninitialized, nil:
		return nil, kernelc.NewPreconditionError(op, "runtime must be materialized before compiling layouts")
	default:
		return nil, kernelc.NewPreconditionError(op, fmt.Sprintf("unknown runtime state %T", state))
	}
	if err := validateABI(abi); err != nil {
		return nil, kernelc.NewInvalidError(op, err.Error())
	}

	if tree == nil {
		return nil, kernelc.NewInvalidError(op, "layout tree is nil")
	}
	if err := tree.Validate(); err != nil {
		return nil, err
	}
	tree.Seal()

	c := &compiler{
		tree:  tree,
		abi:   abi,
		descs: make([]kernelc.NodeDescriptor, tree.Len()),
	}
	c.size(tree.Root())
	c.place(tree.Root(), 0)

	l := &kernelc.CompiledLayout{
		Tree:        tree.ID,
		Name:        tree.Name,
		Descriptors: c.descs,
		RootSize:    c.descs[tree.Root()].Size,
	}
	l.Digest = Digest(l)
	return l, nil
}

func validateABI(abi kernelc.ABI) error {
	switch {
	case abi.Alignment <= 0 || abi.Alignment&(abi.Alignment-1) != 0:
		return fmt.Errorf("runtime alignment must be a power of two, got %d", abi.Alignment)
	case abi.ListHeaderBytes <= 0:
		return fmt.Errorf("runtime list header must be positive, got %d", abi.ListHeaderBytes)
	case abi.BitmaskWordBytes <= 0:
		return fmt.Errorf("runtime bitmask word must be positive, got %d", abi.BitmaskWordBytes)
	}
	return nil
}

type compiler struct {
	tree  *kernelc.LayoutTree
	abi   kernelc.ABI
	descs []kernelc.NodeDescriptor
}

// size computes stride, header, size and alignment bottom-up and the
// offset of every child inside its parent's cell.
func (c *compiler) size(id kernelc.NodeID) {
	n, _ := c.tree.Node(id)
	d := kernelc.NodeDescriptor{
		Node:     n.ID,
		Kind:     n.Kind,
		Parent:   n.Parent,
		Children: n.Children,
		Name:     n.Name,
		Type:     n.Type,
		Cells:    n.Cells,
	}

	if n.Kind == kernelc.KindPlace {
		w := n.Type.Size()
		d.Stride = w
		d.Size = w
		d.Alignment = min(w, c.abi.Alignment)
		c.descs[id] = d
		return
	}

	// Children are packed contiguously inside one cell.
	off, align := 0, 1
	for _, ch := range n.Children {
		c.size(ch)
		cd := &c.descs[ch]
		off = alignUp(off, cd.Alignment)
		cd.Offset = off
		off += cd.Size
		align = max(align, cd.Alignment)
	}
	childAlign := align

	switch n.Kind {
	case kernelc.KindBitmasked:
		bits := c.abi.BitmaskWordBytes * 8
		d.HeaderBytes = (n.Cells + bits - 1) / bits * c.abi.BitmaskWordBytes
		align = max(align, min(c.abi.BitmaskWordBytes, c.abi.Alignment))
	case kernelc.KindDynamic:
		// The list length lives in the header; cells reserve the full
		// capacity so the list can grow without moving.
		d.HeaderBytes = c.abi.ListHeaderBytes
		align = max(align, min(c.abi.ListHeaderBytes, c.abi.Alignment))
	case kernelc.KindRoot:
		align = c.abi.Alignment
	}

	d.Alignment = align
	d.Stride = alignUp(off, childAlign)
	d.HeaderBytes = alignUp(d.HeaderBytes, childAlign)
	d.Size = alignUp(d.HeaderBytes+d.Cells*d.Stride, align)
	c.descs[id] = d
}

// place assigns absolute offsets top-down.
func (c *compiler) place(id kernelc.NodeID, abs int) {
	d := &c.descs[id]
	d.AbsOffset = abs
	for _, ch := range d.Children {
		c.place(ch, abs+d.HeaderBytes+c.descs[ch].Offset)
	}
}

func alignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// Digest fingerprints everything a kernel may depend on in l.
func Digest(l *kernelc.CompiledLayout) string {
	h := sha256.New()
	writeInt(h, int64(l.Tree))
	writeInt(h, int64(l.RootSize))
	for _, d := range l.Descriptors {
		writeInt(h, int64(d.Node))
		writeInt(h, int64(d.Kind))
		writeInt(h, int64(d.Parent))
		writeInt(h, int64(d.Type))
		writeInt(h, int64(d.Offset))
		writeInt(h, int64(d.HeaderBytes))
		writeInt(h, int64(d.Stride))
		writeInt(h, int64(d.Cells))
		writeInt(h, int64(d.Size))
		writeInt(h, int64(len(d.Name)))
		h.Write([]byte(d.Name))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeInt(h hash.Hash, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	h.Write(b[:])
}
