// Package depgraph draws the module dependency graph as a PNG.
package depgraph

import (
	"fmt"
	"io"
	"slices"

	"github.com/fogleman/gg"
	"github.com/sliverarmory/kmodld"
)

const (
	columnWidth = 180
	rowHeight   = 90
	margin      = 60
	radius      = 18
)

// Node is one module in the graph.
type Node struct {
	Name  string
	State kmodld.State
	Deps  []string
}

// Graph holds nodes in registry order.
type Graph struct {
	Nodes []Node
}

// FromModules builds a graph from loader snapshots.
func FromModules(mods []kmodld.ModuleStatus) Graph {
	g := Graph{Nodes: make([]Node, 0, len(mods))}
	for _, m := range mods {
		g.Nodes = append(g.Nodes, Node{Name: m.Name, State: m.State, Deps: m.Dependencies})
	}
	return g
}

// Layers assigns each node a column: modules without dependencies in column
// 0, every other module one past its deepest dependency. Edges to unknown
// names are ignored.
func (g Graph) Layers() ([][]string, error) {
	index := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		index[n.Name] = i
	}
	depth := make([]int, len(g.Nodes))
	const (
		unvisited = iota
		visiting
		done
	)
	mark := make([]int, len(g.Nodes))
	var visit func(i int) error
	visit = func(i int) error {
		switch mark[i] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("depgraph: dependency cycle through %q", g.Nodes[i].Name)
		}
		mark[i] = visiting
		for _, dep := range g.Nodes[i].Deps {
			j, ok := index[dep]
			if !ok {
				continue
			}
			if err := visit(j); err != nil {
				return err
			}
			depth[i] = max(depth[i], depth[j]+1)
		}
		mark[i] = done
		return nil
	}
	for i := range g.Nodes {
		if err := visit(i); err != nil {
			return nil, err
		}
	}

	var layers [][]string
	for i, n := range g.Nodes {
		for len(layers) <= depth[i] {
			layers = append(layers, nil)
		}
		layers[depth[i]] = append(layers[depth[i]], n.Name)
	}
	return layers, nil
}

func stateColor(s kmodld.State) (r, g, b float64) {
	switch s {
	case kmodld.StateRunning:
		return 0.2, 0.7, 0.3
	case kmodld.StateError:
		return 0.85, 0.2, 0.2
	default:
		return 0.6, 0.6, 0.6
	}
}

// Draw renders the graph into a new drawing context.
func Draw(g Graph) (*gg.Context, error) {
	layers, err := g.Layers()
	if err != nil {
		return nil, err
	}
	rows := 1
	for _, l := range layers {
		rows = max(rows, len(l))
	}
	cols := max(len(layers), 1)
	dc := gg.NewContext(2*margin+columnWidth*(cols-1), 2*margin+rowHeight*(rows-1))
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	type point struct{ x, y float64 }
	pos := make(map[string]point, len(g.Nodes))
	for c, layer := range layers {
		for r, name := range layer {
			pos[name] = point{float64(margin + c*columnWidth), float64(margin + r*rowHeight)}
		}
	}

	dc.SetLineWidth(2)
	dc.SetRGB(0.3, 0.3, 0.3)
	for _, n := range g.Nodes {
		from := pos[n.Name]
		for _, dep := range n.Deps {
			to, ok := pos[dep]
			if !ok {
				continue
			}
			dc.DrawLine(from.x, from.y, to.x, to.y)
			dc.Stroke()
		}
	}

	for _, n := range g.Nodes {
		p := pos[n.Name]
		dc.SetRGB(stateColor(n.State))
		dc.DrawCircle(p.x, p.y, radius)
		dc.Fill()
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(n.Name, p.x, p.y+radius+12, 0.5, 0.5)
	}
	return dc, nil
}

// Render writes the graph as PNG to w.
func Render(g Graph, w io.Writer) error {
	dc, err := Draw(g)
	if err != nil {
		return err
	}
	return dc.EncodePNG(w)
}

// SavePNG writes the graph as PNG to path.
func SavePNG(g Graph, path string) error {
	dc, err := Draw(g)
	if err != nil {
		return err
	}
	return dc.SavePNG(path)
}

// Sorted returns the node names in drawing order, column by column.
func (g Graph) Sorted() ([]string, error) {
	layers, err := g.Layers()
	if err != nil {
		return nil, err
	}
	return slices.Concat(layers...), nil
}
