// Package dag holds the transition graph of a saga definition: named nodes
// joined by labelled edges, with cycle and reachability checks and Graphviz
// export.
package dag

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"
)

type Graph struct {
	*simple.DirectedGraph
	attrs     encoding.Attributes
	nodeAttrs encoding.Attributes
	byName    map[string]*Node
}

func New() *Graph {
	g := &Graph{
		DirectedGraph: simple.NewDirectedGraph(),
		byName:        make(map[string]*Node),
	}
	_ = g.attrs.SetAttribute(encoding.Attribute{Key: "rankdir", Value: "LR"})
	_ = g.nodeAttrs.SetAttribute(encoding.Attribute{Key: "shape", Value: "box"})
	return g
}

// AddNamed adds a node called name, or returns the existing one.
func (g *Graph) AddNamed(name string) *Node {
	if n, ok := g.byName[name]; ok {
		return n
	}
	n := &Node{Node: g.DirectedGraph.NewNode(), name: name}
	g.DirectedGraph.AddNode(n)
	g.byName[name] = n
	return n
}

// NodeNamed looks a node up by name.
func (g *Graph) NodeNamed(name string) (*Node, bool) {
	n, ok := g.byName[name]
	return n, ok
}

// Connect adds an edge from -> to. Connecting the same pair twice merges
// the labels onto a single edge.
func (g *Graph) Connect(from, to, label string) error {
	f, ok := g.byName[from]
	if !ok {
		return fmt.Errorf("node %q does not exist", from)
	}
	t, ok := g.byName[to]
	if !ok {
		return fmt.Errorf("node %q does not exist", to)
	}
	if f.ID() == t.ID() {
		return ErrSelfLoop
	}

	if existing, ok := g.Edge(f.ID(), t.ID()).(*Edge); ok {
		existing.addLabel(label)
		return nil
	}
	e := &Edge{Edge: g.DirectedGraph.NewEdge(f, t)}
	e.addLabel(label)
	g.SetEdge(e)
	return nil
}

// ErrSelfLoop is returned by Connect for an edge from a node to itself.
var ErrSelfLoop = errors.New("self loop")

// Cycles returns the names of the nodes in each strongly connected component
// that prevents a topological ordering. A nil result means the graph is
// acyclic.
func (g *Graph) Cycles() [][]string {
	_, err := topo.Sort(g.DirectedGraph)
	var unorderable topo.Unorderable
	if !errors.As(err, &unorderable) {
		return nil
	}

	var out [][]string
	for _, component := range unorderable {
		names := make([]string, 0, len(component))
		for _, n := range component {
			names = append(names, g.nameOf(n))
		}
		sort.Strings(names)
		out = append(out, names)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// Reachable returns the names of every node reachable from the named node,
// including itself, in ascending order.
func (g *Graph) Reachable(from string) []string {
	start, ok := g.byName[from]
	if !ok {
		return nil
	}
	var names []string
	walker := traverse.DepthFirst{
		Visit: func(n graph.Node) {
			names = append(names, g.nameOf(n))
		},
	}
	walker.Walk(g.DirectedGraph, start, nil)
	sort.Strings(names)
	return names
}

func (g *Graph) nameOf(n graph.Node) string {
	if named, ok := g.Node(n.ID()).(*Node); ok {
		return named.name
	}
	return fmt.Sprint(n.ID())
}

// DOTAttributers implements dot.Attributers.
func (g *Graph) DOTAttributers() (graph, node, edge encoding.Attributer) {
	return &g.attrs, &g.nodeAttrs, new(encoding.Attributes)
}

// ExportToDot exports the graph to Graphviz .dot format.
func (g *Graph) ExportToDot(name string) (string, error) {
	data, err := dot.Marshal(g, name, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export graph to DOT format: %v", err)
	}
	return string(data), nil
}

type Node struct {
	graph.Node
	name  string
	attrs encoding.Attributes
}

func (n *Node) Name() string {
	return n.name
}

// DOTID implements dot.Node.
func (n *Node) DOTID() string {
	return n.name
}

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

type Edge struct {
	graph.Edge
	labels []string
}

func (e *Edge) addLabel(label string) {
	if label == "" {
		return
	}
	for _, l := range e.labels {
		if l == label {
			return
		}
	}
	e.labels = append(e.labels, label)
}

// Labels returns the labels merged onto this edge.
func (e *Edge) Labels() []string {
	return append([]string(nil), e.labels...)
}

func (e *Edge) Attributes() []encoding.Attribute {
	if len(e.labels) == 0 {
		return nil
	}
	return []encoding.Attribute{{Key: "label", Value: `"` + strings.Join(e.labels, "; ") + `"`}}
}
