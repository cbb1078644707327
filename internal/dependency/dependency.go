// Package dependency orders units by After=/Before= and expands the set of
// units a start request pulls in through Requires=/Wants= relations.
package dependency

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dominikbraun/graph"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/log"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unit"
)

// Requirement kinds recorded on graph edges.
const (
	KindRequires  = "Requires"
	KindWants     = "Wants"
	KindBindsTo   = "BindsTo"
	KindRequisite = "Requisite"
)

// requirementKeys are the [Unit] keys that pull in other units.
var requirementKeys = []string{KindRequires, KindWants, KindBindsTo, KindRequisite}

// UnitGraph models requirement relations between units.
// Edge direction: dependent -> dependency (A -> B means A requires B).
type UnitGraph struct {
	mu sync.RWMutex
	g  graph.Graph[string, string]
}

// NewUnitGraph creates a new, empty requirement graph.
func NewUnitGraph() *UnitGraph {
	return &UnitGraph{
		g: graph.New(graph.StringHash, graph.Directed()),
	}
}

// AddUnit ensures a unit exists in the graph.
func (ug *UnitGraph) AddUnit(name string) error {
	if name == "" {
		return fmt.Errorf("unit name cannot be empty")
	}
	ug.mu.Lock()
	defer ug.mu.Unlock()

	if err := ug.g.AddVertex(name); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
		return err
	}
	return nil
}

// AddDependency records that dependent pulls in dependency via kind.
func (ug *UnitGraph) AddDependency(dependent, dependency, kind string) error {
	if dependent == "" || dependency == "" {
		return fmt.Errorf("dependent and dependency must be non-empty")
	}
	if dependent == dependency {
		return fmt.Errorf("self-dependency is not allowed: %s", dependent)
	}
	if err := ug.AddUnit(dependent); err != nil {
		return err
	}
	if err := ug.AddUnit(dependency); err != nil {
		return err
	}

	ug.mu.Lock()
	defer ug.mu.Unlock()
	err := ug.g.AddEdge(dependent, dependency, graph.EdgeAttribute("kind", kind))
	if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
		return err
	}
	return nil
}

// GetDependencies returns the units that name pulls in directly.
func (ug *UnitGraph) GetDependencies(name string) ([]string, error) {
	ug.mu.RLock()
	defer ug.mu.RUnlock()

	adjacency, err := ug.g.AdjacencyMap()
	if err != nil {
		return nil, err
	}
	edges, ok := adjacency[name]
	if !ok {
		return nil, fmt.Errorf("unknown unit: %s", name)
	}
	return sortedKeys(edges), nil
}

// GetDependents returns the units that pull in name directly.
func (ug *UnitGraph) GetDependents(name string) ([]string, error) {
	ug.mu.RLock()
	defer ug.mu.RUnlock()

	predecessors, err := ug.g.PredecessorMap()
	if err != nil {
		return nil, err
	}
	edges, ok := predecessors[name]
	if !ok {
		return nil, fmt.Errorf("unknown unit: %s", name)
	}
	return sortedKeys(edges), nil
}

// Kind returns the requirement kind of the edge dependent -> dependency.
func (ug *UnitGraph) Kind(dependent, dependency string) string {
	ug.mu.RLock()
	defer ug.mu.RUnlock()

	edge, err := ug.g.Edge(dependent, dependency)
	if err != nil {
		return ""
	}
	return edge.Properties.Attributes["kind"]
}

// GetTopologicalOrder returns units with dependencies first, breaking ties
// lexically.
func (ug *UnitGraph) GetTopologicalOrder() ([]string, error) {
	ug.mu.RLock()
	defer ug.mu.RUnlock()

	order, err := graph.StableTopologicalSort(ug.g, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, errors.New("requirement graph contains a cycle")
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// Cycles returns every group of units that require each other in a loop.
func (ug *UnitGraph) Cycles() [][]string {
	ug.mu.RLock()
	defer ug.mu.RUnlock()

	components, err := graph.StronglyConnectedComponents(ug.g)
	if err != nil {
		return nil
	}
	var cycles [][]string
	for _, component := range components {
		if len(component) > 1 {
			sort.Strings(component)
			cycles = append(cycles, component)
		}
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

// HasCycles checks if the requirement graph contains cycles.
func (ug *UnitGraph) HasCycles() bool {
	return len(ug.Cycles()) > 0
}

// Order returns the number of units in the graph.
func (ug *UnitGraph) Order() int {
	ug.mu.RLock()
	defer ug.mu.RUnlock()

	n, err := ug.g.Order()
	if err != nil {
		return 0
	}
	return n
}

// TreeLine is one row of a dependency tree listing.
type TreeLine struct {
	Depth int
	Name  string
	Kind  string
}

// Tree walks the requirements of root depth-first. A unit already on the
// current path is listed but not descended into again.
func (ug *UnitGraph) Tree(root string, maxDepth int) []TreeLine {
	lines := []TreeLine{{Depth: 0, Name: root}}
	onPath := map[string]bool{root: true}
	var walk func(name string, depth int)
	walk = func(name string, depth int) {
		if maxDepth > 0 && depth > maxDepth {
			return
		}
		deps, err := ug.GetDependencies(name)
		if err != nil {
			return
		}
		for _, dep := range deps {
			lines = append(lines, TreeLine{Depth: depth, Name: dep, Kind: ug.Kind(name, dep)})
			if onPath[dep] {
				continue
			}
			onPath[dep] = true
			walk(dep, depth+1)
			delete(onPath, dep)
		}
	}
	walk(root, 1)
	return lines
}

func sortedKeys(m map[string]graph.Edge[string]) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolver loads unit descriptions and folder based relations.
type Resolver interface {
	Resolve(name string) (*unit.Description, error)
	Wants(name string) []string
	Requires(name string) []string
}

// Expansion is the result of following requirement relations from a set of
// root units.
type Expansion struct {
	Graph *UnitGraph
	// Units holds every loadable unit in discovery order, roots first.
	Units []*unit.Description
	// Failed maps unit names that could not be loaded to the load error.
	Failed map[string]error
}

// Expand follows Requires=, Wants=, BindsTo=, Requisite= and the .wants/
// and .requires/ folders from roots, breadth first.
func Expand(r Resolver, roots []string, logger log.Logger) *Expansion {
	exp := &Expansion{
		Graph:  NewUnitGraph(),
		Failed: make(map[string]error),
	}
	seen := make(map[string]bool)
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true
		_ = exp.Graph.AddUnit(name)

		d, err := r.Resolve(name)
		if err != nil {
			logger.Warn("Failed to load unit", "unit", name, "error", err)
			exp.Failed[name] = err
			continue
		}
		exp.Units = append(exp.Units, d)

		for _, kind := range requirementKeys {
			for _, dep := range d.GetWords(unit.SectionUnit, kind) {
				if err := exp.Graph.AddDependency(name, dep, kind); err != nil {
					logger.Debug("Skipping requirement", "unit", name, "dependency", dep, "error", err)
					continue
				}
				queue = append(queue, dep)
			}
		}
		for _, dep := range r.Wants(name) {
			if err := exp.Graph.AddDependency(name, dep, KindWants); err == nil {
				queue = append(queue, dep)
			}
		}
		for _, dep := range r.Requires(name) {
			if err := exp.Graph.AddDependency(name, dep, KindRequires); err == nil {
				queue = append(queue, dep)
			}
		}
	}
	return exp
}
