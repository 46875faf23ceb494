package pipeline

import (
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"

	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/flow"
)

const exitVertexPrefix = "exit:"

// Graph returns the resolved routing table as a directed graph. Step
// vertices use the step name, exit vertices "exit:<path>"; edges carry the
// forward names as label.
func (p *Pipeline) Graph() (graph.Graph[string, string], error) {
	if !p.configured.Load() {
		return nil, errpkg.ErrNotConfigured
	}
	return buildGraph(p.table, p.Exits())
}

// WriteDOT writes the routing graph in Graphviz DOT format.
func (p *Pipeline) WriteDOT(w io.Writer) error {
	g, err := p.Graph()
	if err != nil {
		return err
	}
	return draw.DOT(g, w, draw.GraphAttribute("label", p.name))
}

func exitVertex(path string) string { return exitVertexPrefix + path }

func buildGraph(table *routingTable, exits []flow.Exit) (graph.Graph[string, string], error) {
	g := graph.New(graph.StringHash, graph.Directed())
	for _, r := range table.chain {
		attrs := []func(*graph.VertexProperties){graph.VertexAttribute("shape", "box")}
		if r == table.first {
			attrs = append(attrs, graph.VertexAttribute("style", "bold"))
		}
		if err := g.AddVertex(r.name, attrs...); err != nil {
			return nil, err
		}
	}
	for _, e := range exits {
		shape := "doublecircle"
		if !e.IsSuccess() {
			shape = "octagon"
		}
		if err := g.AddVertex(exitVertex(e.Path), graph.VertexAttribute("shape", shape), graph.VertexAttribute("label", e.Path+"\n"+e.State)); err != nil {
			return nil, err
		}
	}

	for _, r := range table.chain {
		// group forward names per destination so each edge is added once
		labels := make(map[string][]string)
		for name, t := range r.forwards {
			dest := ""
			if t.exit != nil {
				dest = exitVertex(t.exit.Path)
			} else {
				dest = t.step.Name()
			}
			labels[dest] = append(labels[dest], name)
		}
		for dest, names := range labels {
			sort.Strings(names)
			err := g.AddEdge(r.name, dest, graph.EdgeAttribute("label", strings.Join(names, ",")))
			if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return nil, err
			}
		}
	}
	return g, nil
}

// findCycles returns every strongly connected set of steps that can route
// back to itself, each as a sorted list of step names.
func findCycles(g graph.Graph[string, string], table *routingTable) [][]string {
	components, err := graph.StronglyConnectedComponents(g)
	if err != nil {
		return nil
	}
	var cycles [][]string
	for _, c := range components {
		if len(c) == 1 {
			r, ok := table.byName[c[0]]
			if !ok || !routesTo(r, c[0]) {
				continue
			}
		}
		sort.Strings(c)
		cycles = append(cycles, c)
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

func routesTo(r *route, step string) bool {
	for _, t := range r.forwards {
		if t.step != nil && t.step.Name() == step {
			return true
		}
	}
	return false
}
