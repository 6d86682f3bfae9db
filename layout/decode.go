package layout

import (
	"fmt"
	"io"

	"github.com/influxdata/kernelc"
	"gopkg.in/yaml.v3"
)

// treeDecl is the YAML form of a layout tree:
//
//	id: 0
//	name: particles
//	children:
//	  - kind: dense
//	    cells: 1024
//	    children:
//	      - {kind: place, name: x, type: f32}
//	      - {kind: place, name: v, type: f32}
type treeDecl struct {
	ID       int        `yaml:"id"`
	Name     string     `yaml:"name"`
	Children []nodeDecl `yaml:"children"`
}

type nodeDecl struct {
	Kind     string     `yaml:"kind"`
	Cells    int        `yaml:"cells"`
	Name     string     `yaml:"name"`
	Type     string     `yaml:"type"`
	Children []nodeDecl `yaml:"children"`
}

// Decode reads a YAML layout tree declaration.
func Decode(r io.Reader) (*kernelc.LayoutTree, error) {
	const op = "layout.Decode"

	var decl treeDecl
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&decl); err != nil {
		return nil, kernelc.NewInvalidError(op, fmt.Sprintf("decoding layout tree: %v", err))
	}

	t := kernelc.NewLayoutTree(kernelc.TreeID(decl.ID), decl.Name)
	for _, n := range decl.Children {
		if err := build(t, t.Root(), n); err != nil {
			return nil, kernelc.NewInvalidError(op, err.Error())
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func build(t *kernelc.LayoutTree, parent kernelc.NodeID, n nodeDecl) error {
	kind, err := kernelc.ParseNodeKind(n.Kind)
	if err != nil {
		return err
	}

	var id kernelc.NodeID
	switch kind {
	case kernelc.KindDense:
		id = t.Dense(parent, n.Cells)
	case kernelc.KindBitmasked:
		id = t.Bitmasked(parent, n.Cells)
	case kernelc.KindDynamic:
		id = t.Dynamic(parent, n.Cells)
	case kernelc.KindPlace:
		if len(n.Children) > 0 {
			return fmt.Errorf("place %q cannot have children", n.Name)
		}
		typ, err := kernelc.ParseDataType(n.Type)
		if err != nil {
			return err
		}
		t.Place(parent, n.Name, typ)
		return nil
	default:
		return fmt.Errorf("%s node cannot be declared inside a tree", kind)
	}

	for _, ch := range n.Children {
		if err := build(t, id, ch); err != nil {
			return err
		}
	}
	return nil
}
