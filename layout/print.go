package layout

import (
	"fmt"

	"github.com/influxdata/kernelc"
	"github.com/xlab/treeprint"
)

// Print renders l as a tree. Every node shows its absolute offset in the
// root buffer as metadata.
func Print(l *kernelc.CompiledLayout) string {
	t := treeprint.New()
	t.SetValue(fmt.Sprintf("tree %d %s size=%d digest=%.12s", l.Tree, l.Name, l.RootSize, l.Digest))
	printChildren(t, l, l.Root())
	return t.String()
}

func printChildren(t treeprint.Tree, l *kernelc.CompiledLayout, parent kernelc.NodeDescriptor) {
	for _, id := range parent.Children {
		d, ok := l.Descriptor(id)
		if !ok {
			continue
		}
		meta := fmt.Sprintf("@%d", d.AbsOffset)
		if d.Kind == kernelc.KindPlace {
			t.AddMetaNode(meta, fmt.Sprintf("%s %s", d.Name, d.Type))
			continue
		}

		label := fmt.Sprintf("%s cells=%d stride=%d", d.Kind, d.Cells, d.Stride)
		if d.HeaderBytes > 0 {
			label += fmt.Sprintf(" header=%d", d.HeaderBytes)
		}
		printChildren(t.AddMetaBranch(meta, label), l, d)
	}
}
