package kernelc

import (
	"fmt"
	"strings"
)

// NodeKind is the packing rule of a layout node.
type NodeKind uint8

const (
	// KindRoot is the single top-level node of a tree.
	KindRoot NodeKind = iota
	// KindDense packs a fixed number of cells contiguously.
	KindDense
	// KindBitmasked is a dense node with a per-cell activity mask.
	KindBitmasked
	// KindDynamic is a list that grows at run time up to its capacity.
	KindDynamic
	// KindPlace is a leaf holding one scalar per cell of its parent.
	KindPlace
)

var nodeKindNames = [...]string{
	KindRoot:      "root",
	KindDense:     "dense",
	KindBitmasked: "bitmasked",
	KindDynamic:   "dynamic",
	KindPlace:     "place",
}

func (k NodeKind) String() string {
	if int(k) < len(nodeKindNames) {
		return nodeKindNames[k]
	}
	return fmt.Sprintf("NodeKind(%d)", k)
}

// Sparse reports whether storage of the kind is managed at run time.
func (k NodeKind) Sparse() bool {
	return k == KindBitmasked || k == KindDynamic
}

// MarshalText encodes the kind by name.
func (k NodeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *NodeKind) UnmarshalText(b []byte) error {
	v, err := ParseNodeKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseNodeKind returns the kind named s.
func ParseNodeKind(s string) (NodeKind, error) {
	for k, name := range nodeKindNames {
		if strings.EqualFold(s, name) {
			return NodeKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown node kind %q", s)
}

// DataType is the scalar type stored by a place node.
type DataType uint8

const (
	I8 DataType = iota
	U8
	I16
	U16
	I32
	U32
	F32
	I64
	U64
	F64
)

var dataTypes = [...]struct {
	name string
	size int
}{
	I8:  {"i8", 1},
	U8:  {"u8", 1},
	I16: {"i16", 2},
	U16: {"u16", 2},
	I32: {"i32", 4},
	U32: {"u32", 4},
	F32: {"f32", 4},
	I64: {"i64", 8},
	U64: {"u64", 8},
	F64: {"f64", 8},
}

func (t DataType) String() string {
	if int(t) < len(dataTypes) {
		return dataTypes[t].name
	}
	return fmt.Sprintf("DataType(%d)", t)
}

// Size returns the width of the type in bytes.
func (t DataType) Size() int {
	if int(t) < len(dataTypes) {
		return dataTypes[t].size
	}
	return 0
}

// MarshalText encodes the type by name.
func (t DataType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a type name.
func (t *DataType) UnmarshalText(b []byte) error {
	v, err := ParseDataType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseDataType returns the data type named s.
func ParseDataType(s string) (DataType, error) {
	for t, d := range dataTypes {
		if strings.EqualFold(s, d.name) {
			return DataType(t), nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// NodeID indexes a node in the arena of its tree.
type NodeID int

// NoNode is the parent of the root.
const NoNode NodeID = -1

// TreeID identifies a layout tree within a session.
type TreeID int

// LayoutNode is a single record of a tree arena. Parent and Children are
// arena indexes, never owning references.
type LayoutNode struct {
	ID       NodeID
	Kind     NodeKind
	Parent   NodeID
	Children []NodeID

	// Cells is the number of cells of a dense or bitmasked node, or the
	// capacity of a dynamic node. The root always has one cell.
	Cells int

	// Name and Type are only set on place nodes.
	Name string
	Type DataType
}

// LayoutTree is a named, rooted tree describing how a data structure is
// packed in memory. Nodes are added through the builder methods; the first
// misuse is recorded and reported by Validate. A tree is sealed once it has
// been compiled and cannot change afterwards.
type LayoutTree struct {
	ID   TreeID
	Name string

	nodes  []LayoutNode
	sealed bool
	err    error
}

// NewLayoutTree returns a tree holding only its root.
func NewLayoutTree(id TreeID, name string) *LayoutTree {
	return &LayoutTree{
		ID:   id,
		Name: name,
		nodes: []LayoutNode{{
			ID:     0,
			Kind:   KindRoot,
			Parent: NoNode,
			Cells:  1,
		}},
	}
}

// Root returns the id of the root node.
func (t *LayoutTree) Root() NodeID { return 0 }

// Len returns the number of nodes, root included.
func (t *LayoutTree) Len() int { return len(t.nodes) }

// Node returns a copy of the node with the given id.
func (t *LayoutTree) Node(id NodeID) (LayoutNode, bool) {
	if id < 0 || int(id) >= len(t.nodes) {
		return LayoutNode{}, false
	}
	n := t.nodes[id]
	n.Children = append([]NodeID(nil), n.Children...)
	return n, true
}

// Dense adds a dense node with the given number of cells under parent.
func (t *LayoutTree) Dense(parent NodeID, cells int) NodeID {
	return t.add(parent, LayoutNode{Kind: KindDense, Cells: cells})
}

// Bitmasked adds a bitmasked node with the given number of cells under parent.
func (t *LayoutTree) Bitmasked(parent NodeID, cells int) NodeID {
	return t.add(parent, LayoutNode{Kind: KindBitmasked, Cells: cells})
}

// Dynamic adds a dynamic list node that may grow up to capacity under parent.
func (t *LayoutTree) Dynamic(parent NodeID, capacity int) NodeID {
	return t.add(parent, LayoutNode{Kind: KindDynamic, Cells: capacity})
}

// Place adds a named scalar field under parent.
func (t *LayoutTree) Place(parent NodeID, name string, typ DataType) NodeID {
	if name == "" {
		t.fail("place node requires a name")
		return NoNode
	}
	if typ.Size() == 0 {
		t.fail(fmt.Sprintf("place %q has unknown data type %d", name, typ))
		return NoNode
	}
	for _, n := range t.nodes {
		if n.Kind == KindPlace && n.Name == name {
			t.fail(fmt.Sprintf("duplicate field name %q", name))
			return NoNode
		}
	}
	return t.add(parent, LayoutNode{Kind: KindPlace, Cells: 1, Name: name, Type: typ})
}

func (t *LayoutTree) add(parent NodeID, n LayoutNode) NodeID {
	switch {
	case t.sealed:
		t.fail(fmt.Sprintf("tree %d is sealed", t.ID))
		return NoNode
	case parent < 0 || int(parent) >= len(t.nodes):
		t.fail(fmt.Sprintf("parent node %d does not exist", parent))
		return NoNode
	case t.nodes[parent].Kind == KindPlace:
		t.fail(fmt.Sprintf("place node %d cannot have children", parent))
		return NoNode
	case n.Kind != KindPlace && n.Cells <= 0:
		t.fail(fmt.Sprintf("%s node requires a positive cell count, got %d", n.Kind, n.Cells))
		return NoNode
	}

	n.ID = NodeID(len(t.nodes))
	n.Parent = parent
	t.nodes = append(t.nodes, n)
	t.nodes[parent].Children = append(t.nodes[parent].Children, n.ID)
	return n.ID
}

func (t *LayoutTree) fail(msg string) {
	if t.err == nil {
		t.err = NewInvalidError("LayoutTree", msg)
	}
}

// Validate returns the first builder error, if any.
func (t *LayoutTree) Validate() error {
	return t.err
}

// Seal prevents further changes to the tree.
func (t *LayoutTree) Seal() { t.sealed = true }

// Sealed reports whether the tree has been sealed.
func (t *LayoutTree) Sealed() bool { return t.sealed }
