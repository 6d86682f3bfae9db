package kernelc

// NodeDescriptor is the resolved storage of one layout node.
//
// Offsets are in bytes. Offset is relative to the start of the parent's
// cell; AbsOffset is the address of the node's storage inside the first
// cell of every ancestor, relative to the start of the root buffer. A
// bitmasked or dynamic node stores HeaderBytes of bookkeeping before its
// first cell.
type NodeDescriptor struct {
	Node     NodeID   `json:"node" yaml:"node"`
	Kind     NodeKind `json:"kind" yaml:"kind"`
	Parent   NodeID   `json:"parent" yaml:"parent"`
	Children []NodeID `json:"children,omitempty" yaml:"children,omitempty"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type     DataType `json:"type,omitempty" yaml:"type,omitempty"`

	Offset      int `json:"offset" yaml:"offset"`
	AbsOffset   int `json:"absOffset" yaml:"absOffset"`
	HeaderBytes int `json:"headerBytes,omitempty" yaml:"headerBytes,omitempty"`
	Stride      int `json:"stride" yaml:"stride"`
	Cells       int `json:"cells" yaml:"cells"`
	Size        int `json:"size" yaml:"size"`
	Alignment   int `json:"alignment" yaml:"alignment"`
}

// CompiledLayout is the immutable result of compiling a LayoutTree.
// Descriptors is indexed by NodeID.
type CompiledLayout struct {
	Tree        TreeID           `json:"tree" yaml:"tree"`
	Name        string           `json:"name" yaml:"name"`
	Descriptors []NodeDescriptor `json:"descriptors" yaml:"descriptors"`
	RootSize    int              `json:"rootSize" yaml:"rootSize"`

	// Digest fingerprints the resolved layout. Kernels compiled against two
	// layouts with the same digest are interchangeable.
	Digest string `json:"digest" yaml:"digest"`
}

// Root returns the descriptor of the root node.
func (l *CompiledLayout) Root() NodeDescriptor {
	return l.Descriptors[0]
}

// Descriptor returns the descriptor of the node with the given id.
func (l *CompiledLayout) Descriptor(id NodeID) (NodeDescriptor, bool) {
	if id < 0 || int(id) >= len(l.Descriptors) {
		return NodeDescriptor{}, false
	}
	return l.Descriptors[id], true
}

// FindKind returns the descriptors of every node of kind k, in id order.
func (l *CompiledLayout) FindKind(k NodeKind) []NodeDescriptor {
	var res []NodeDescriptor
	for _, d := range l.Descriptors {
		if d.Kind == k {
			res = append(res, d)
		}
	}
	return res
}
