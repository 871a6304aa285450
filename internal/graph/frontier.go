package graph

import "sort"

// Frontier walks a sealed graph in dependency order. A node becomes ready
// once every predecessor has been marked Done. The frontier does not know
// whether a predecessor succeeded; callers decide what a ready node does.
//
// A Frontier is not safe for concurrent use.
type Frontier struct {
	g         *Graph
	remaining map[string]int
	ready     []string
	done      map[string]bool
}

// Frontier returns a fresh frontier over the graph.
func (g *Graph) Frontier() (*Frontier, error) {
	if !g.sealed {
		return nil, ErrNotSealed
	}
	f := &Frontier{g: g}
	f.Reset()
	return f, nil
}

// Reset restarts the walk from the root nodes.
func (f *Frontier) Reset() {
	f.remaining = make(map[string]int, len(f.g.nodes))
	f.done = make(map[string]bool, len(f.g.nodes))
	f.ready = nil
	for id, n := range f.g.nodes {
		f.remaining[id] = len(n.Predecessors)
		if len(n.Predecessors) == 0 {
			f.ready = append(f.ready, id)
		}
	}
	sort.Strings(f.ready)
}

// Next pops one ready node. It returns false when nothing is ready, which
// does not mean the walk is over: see Finished.
func (f *Frontier) Next() (string, bool) {
	if len(f.ready) == 0 {
		return "", false
	}
	id := f.ready[0]
	f.ready = f.ready[1:]
	return id, true
}

// Ready pops every ready node, sorted by id.
func (f *Frontier) Ready() []string {
	out := f.ready
	f.ready = nil
	return out
}

// Done marks a node terminal and returns the successors that became ready.
// Marking a node twice is a no-op.
func (f *Frontier) Done(id string) []string {
	if f.done[id] {
		return nil
	}
	if _, ok := f.g.nodes[id]; !ok {
		return nil
	}
	f.done[id] = true

	var unlocked []string
	for _, s := range f.g.Successors(id) {
		f.remaining[s]--
		if f.remaining[s] == 0 {
			unlocked = append(unlocked, s)
		}
	}
	f.ready = append(f.ready, unlocked...)
	sort.Strings(f.ready)
	return unlocked
}

// IsDone reports whether id has been marked Done.
func (f *Frontier) IsDone(id string) bool { return f.done[id] }

// Finished reports whether every node has been marked Done.
func (f *Frontier) Finished() bool { return len(f.done) == len(f.g.nodes) }

// Pending returns the ids not yet marked Done, sorted.
func (f *Frontier) Pending() []string {
	var out []string
	for id := range f.g.nodes {
		if !f.done[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// BatchIterator yields the topological batches of a graph lazily. Each batch
// holds every node whose predecessors all appear in earlier batches, which is
// the widest set that may run in parallel.
type BatchIterator struct {
	f *Frontier
}

// TopologicalBatches returns a restartable batch iterator.
func (g *Graph) TopologicalBatches() (*BatchIterator, error) {
	f, err := g.Frontier()
	if err != nil {
		return nil, err
	}
	return &BatchIterator{f: f}, nil
}

// Next returns the next batch, or false once the graph is exhausted.
func (it *BatchIterator) Next() ([]string, bool) {
	batch := it.f.Ready()
	if len(batch) == 0 {
		return nil, false
	}
	for _, id := range batch {
		it.f.Done(id)
	}
	return batch, true
}

// Reset restarts the iteration from the first batch.
func (it *BatchIterator) Reset() { it.f.Reset() }

// Batches collects every topological batch.
func (g *Graph) Batches() ([][]string, error) {
	it, err := g.TopologicalBatches()
	if err != nil {
		return nil, err
	}
	var out [][]string
	for batch, ok := it.Next(); ok; batch, ok = it.Next() {
		out = append(out, batch)
	}
	return out, nil
}
