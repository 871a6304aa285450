// Package graph holds the task dependency graph of a build.
//
// A Graph is built with AddNode and then sealed. A sealed graph is immutable
// and safe for concurrent read access; per-build task state lives with the
// scheduler, never on the nodes.
package graph

import (
	"sort"
	"time"

	"github.com/flexinfer/forge/internal/action"
	"github.com/flexinfer/forge/pkg/types"
)

// Node is one unit of work in a build.
type Node struct {
	// ID is the unique path-like task identity, e.g. ":app:compile".
	ID string

	// Name is the display name. Defaults to ID.
	Name        string
	Description string

	Action action.Action

	// Resources are mutual-exclusion tags. Two nodes sharing a tag never run
	// at the same time.
	Resources []string

	// AlwaysRun opts the node out of up-to-date checking.
	AlwaysRun bool
	Retries   int
	Timeout   time.Duration

	// Predecessors is filled in by AddNode.
	Predecessors []string
}

// Inputs returns the declared input file-set patterns.
func (n *Node) Inputs() []string {
	if n.Action == nil {
		return nil
	}
	return n.Action.DescribeInputs()
}

// Outputs returns the declared output file-set patterns.
func (n *Node) Outputs() []string {
	if n.Action == nil {
		return nil
	}
	return n.Action.DescribeOutputs()
}

// DisplayName returns Name, or ID when no name is set.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Element returns the reporting projection of the node in the given state.
func (n *Node) Element(state types.TaskState) types.TaskElement {
	preds := make([]string, len(n.Predecessors))
	copy(preds, n.Predecessors)
	return types.TaskElement{
		ID:           n.ID,
		DisplayName:  n.DisplayName(),
		Detail:       n.Description,
		Predecessors: preds,
		State:        state,
	}
}

// Graph is a DAG of nodes keyed by id.
type Graph struct {
	nodes  map[string]*Node
	succ   map[string][]string // predecessor id -> successor ids
	sealed bool
}

// New returns an empty, unsealed graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		succ:  make(map[string][]string),
	}
}

// AddNode adds a node with the given predecessors. Predecessors may name nodes
// that are added later; they must all exist by the time the graph is sealed.
//
// AddNode rejects an edge set that closes a cycle with a *CycleError and
// leaves the graph unchanged.
func (g *Graph) AddNode(node *Node, predecessors ...string) error {
	if g.sealed {
		return ErrSealed
	}
	if node == nil || node.ID == "" {
		return invalidf("task id is required")
	}
	if _, exists := g.nodes[node.ID]; exists {
		return &GraphError{Kind: ErrDuplicateNode, Msg: node.ID}
	}

	preds := dedupe(append(append([]string(nil), node.Predecessors...), predecessors...))
	for _, p := range preds {
		if p == "" {
			return invalidf("task %s: empty predecessor id", node.ID)
		}
		if p == node.ID {
			return &CycleError{Path: []string{node.ID, node.ID}}
		}
	}

	if path := g.pathTo(node.ID, preds); path != nil {
		return &CycleError{Path: append(path, node.ID)}
	}

	node.Predecessors = preds
	g.nodes[node.ID] = node
	for _, p := range preds {
		g.succ[p] = append(g.succ[p], node.ID)
	}
	return nil
}

// pathTo follows successor edges from id and returns the path to the first
// declared node of targets it reaches, or nil. The graph is acyclic before
// each AddNode, so a new node closes a cycle only if one of its predecessors
// is already downstream of it.
func (g *Graph) pathTo(id string, targets []string) []string {
	want := make(map[string]bool, len(targets))
	for _, t := range targets {
		if _, ok := g.nodes[t]; ok {
			want[t] = true
		}
	}
	if len(want) == 0 {
		return nil
	}

	parent := map[string]string{}
	stack := []string{id}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, v := range g.succ[u] {
			if _, seen := parent[v]; seen {
				continue
			}
			parent[v] = u
			if !want[v] {
				stack = append(stack, v)
				continue
			}
			path := []string{v}
			for cur := v; cur != id; {
				cur = parent[cur]
				path = append(path, cur)
			}
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return path
		}
	}
	return nil
}

// Seal validates the graph and makes it immutable. It rejects predecessors
// that were never declared and any cycle. Sealing a sealed graph is a no-op.
func (g *Graph) Seal() error {
	if g.sealed {
		return nil
	}
	for _, id := range g.ids() {
		for _, p := range g.nodes[id].Predecessors {
			if _, ok := g.nodes[p]; !ok {
				return unknownf("task %s depends on undeclared task %s", id, p)
			}
		}
	}
	if path := g.findCycle(); path != nil {
		return &CycleError{Path: path}
	}
	for id := range g.succ {
		sort.Strings(g.succ[id])
	}
	g.sealed = true
	return nil
}

// Sealed reports whether Seal has succeeded.
func (g *Graph) Sealed() bool { return g.sealed }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes sorted by id.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, id := range g.ids() {
		out = append(out, g.nodes[id])
	}
	return out
}

// Predecessors returns the direct predecessors of id.
func (g *Graph) Predecessors(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]string, len(n.Predecessors))
	copy(out, n.Predecessors)
	return out
}

// Successors returns the direct successors of id, sorted.
func (g *Graph) Successors(id string) []string {
	succ := g.succ[id]
	out := make([]string, 0, len(succ))
	for _, s := range succ {
		if _, ok := g.nodes[s]; ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Descendants returns every transitive successor of id, sorted.
func (g *Graph) Descendants(id string) []string {
	seen := make(map[string]bool)
	var visit func(string)
	visit = func(u string) {
		for _, v := range g.succ[u] {
			if seen[v] {
				continue
			}
			if _, ok := g.nodes[v]; !ok {
				continue
			}
			seen[v] = true
			visit(v)
		}
	}
	visit(id)
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Select returns a sealed subgraph holding the targets and all of their
// transitive predecessors. With no targets the graph itself is returned.
func (g *Graph) Select(targets ...string) (*Graph, error) {
	if !g.sealed {
		return nil, ErrNotSealed
	}
	if len(targets) == 0 {
		return g, nil
	}

	keep := make(map[string]bool)
	var visit func(string)
	visit = func(id string) {
		if keep[id] {
			return
		}
		keep[id] = true
		for _, p := range g.nodes[id].Predecessors {
			visit(p)
		}
	}
	for _, t := range targets {
		if _, ok := g.nodes[t]; !ok {
			return nil, unknownf("target %s", t)
		}
		visit(t)
	}

	sub := New()
	for id := range keep {
		n := g.nodes[id]
		sub.nodes[id] = n
		for _, p := range n.Predecessors {
			sub.succ[p] = append(sub.succ[p], id)
		}
	}
	for id := range sub.succ {
		sort.Strings(sub.succ[id])
	}
	sub.sealed = true
	return sub, nil
}

// Elements returns the reporting projection of every node, sorted by id.
// States missing from the map are reported as Pending.
func (g *Graph) Elements(states map[string]types.TaskState) []types.TaskElement {
	out := make([]types.TaskElement, 0, len(g.nodes))
	for _, n := range g.Nodes() {
		state, ok := states[n.ID]
		if !ok {
			state = types.TaskStatePending
		}
		out = append(out, n.Element(state))
	}
	return out
}

func (g *Graph) ids() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// findCycle runs a deterministic DFS over declared nodes and returns one cycle
// path, or nil. Edges to undeclared nodes are ignored.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(g.nodes))
	parent := make(map[string]string, len(g.nodes))
	var cycle []string

	var dfs func(u string) bool
	dfs = func(u string) bool {
		color[u] = gray
		succ := append([]string(nil), g.succ[u]...)
		sort.Strings(succ)
		for _, v := range succ {
			if _, ok := g.nodes[v]; !ok {
				continue
			}
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// Back edge u -> v. Walk parents from u back to v.
				rev := []string{v, u}
				for cur := u; cur != v; {
					cur = parent[cur]
					rev = append(rev, cur)
				}
				for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
					rev[i], rev[j] = rev[j], rev[i]
				}
				cycle = rev
				return true
			}
		}
		color[u] = black
		return false
	}

	for _, id := range g.ids() {
		if color[id] == white && dfs(id) {
			return cycle
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
