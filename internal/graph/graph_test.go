package graph

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/flexinfer/forge/internal/action"
	"github.com/flexinfer/forge/pkg/types"
)

func node(id string) *Node {
	return &Node{ID: id, Action: &action.NoopAction{}}
}

// diamond builds A -> {B, C} -> D.
func diamond(t *testing.T) *Graph {
	t.Helper()
	g := New()
	mustAdd(t, g, node("A"))
	mustAdd(t, g, node("B"), "A")
	mustAdd(t, g, node("C"), "A")
	mustAdd(t, g, node("D"), "B", "C")
	if err := g.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	return g
}

func mustAdd(t *testing.T, g *Graph, n *Node, preds ...string) {
	t.Helper()
	if err := g.AddNode(n, preds...); err != nil {
		t.Fatalf("AddNode(%s) failed: %v", n.ID, err)
	}
}

func TestAddNode_Validation(t *testing.T) {
	t.Run("empty id", func(t *testing.T) {
		err := New().AddNode(&Node{})
		if !errors.Is(err, ErrInvalidGraph) {
			t.Errorf("expected ErrInvalidGraph, got %v", err)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		g := New()
		mustAdd(t, g, node("A"))
		err := g.AddNode(node("A"))
		if !errors.Is(err, ErrDuplicateNode) {
			t.Errorf("expected ErrDuplicateNode, got %v", err)
		}
	})

	t.Run("self dependency is a cycle", func(t *testing.T) {
		err := New().AddNode(node("A"), "A")
		var cycleErr *CycleError
		if !errors.As(err, &cycleErr) {
			t.Fatalf("expected CycleError, got %v", err)
		}
		if !reflect.DeepEqual(cycleErr.Path, []string{"A", "A"}) {
			t.Errorf("unexpected path %v", cycleErr.Path)
		}
	})

	t.Run("sealed graph rejects nodes", func(t *testing.T) {
		g := diamond(t)
		if err := g.AddNode(node("E")); !errors.Is(err, ErrSealed) {
			t.Errorf("expected ErrSealed, got %v", err)
		}
	})

	t.Run("duplicate predecessors collapse", func(t *testing.T) {
		g := New()
		mustAdd(t, g, node("A"))
		mustAdd(t, g, node("B"), "A", "A")
		if got := g.Predecessors("B"); !reflect.DeepEqual(got, []string{"A"}) {
			t.Errorf("expected [A], got %v", got)
		}
	})
}

func TestAddNode_CycleDetection(t *testing.T) {
	g := New()
	mustAdd(t, g, node("A"), "C") // forward reference
	mustAdd(t, g, node("B"), "A")

	err := g.AddNode(node("C"), "B")
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if len(cycleErr.Path) != 4 || cycleErr.Path[0] != cycleErr.Path[3] {
		t.Errorf("expected closed path of 3 tasks, got %v", cycleErr.Path)
	}

	// The rejected node must not be left behind.
	if _, ok := g.Node("C"); ok {
		t.Error("rejected node should not be in the graph")
	}
	if g.Len() != 2 {
		t.Errorf("expected 2 nodes, got %d", g.Len())
	}
}

func TestAddNode_RejectedNodeIsUntouched(t *testing.T) {
	g := New()
	mustAdd(t, g, node("A"), "B")

	b := node("B")
	b.Predecessors = []string{"base"}
	if err := g.AddNode(b, "A"); !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if !reflect.DeepEqual(b.Predecessors, []string{"base"}) {
		t.Errorf("rejected node predecessors changed to %v", b.Predecessors)
	}
	if got := g.Successors("A"); len(got) != 0 {
		t.Errorf("rejected node left edges behind: %v", got)
	}

	// Retrying without the offending edge succeeds.
	mustAdd(t, g, b)
	mustAdd(t, g, node("base"))
	if err := g.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if got := g.Predecessors("B"); !reflect.DeepEqual(got, []string{"base"}) {
		t.Errorf("expected [base], got %v", got)
	}
}

func TestAddNode_LargeGraph(t *testing.T) {
	const n = 5000
	id := func(i int) string { return fmt.Sprintf(":t%05d", i) }

	for _, tt := range []struct {
		name  string
		preds func(i int) []string
	}{
		{"backward references", func(i int) []string {
			if i < 2 {
				return nil
			}
			return []string{id(i - 1), id(i - 2)}
		}},
		{"forward references", func(i int) []string {
			if i >= n-2 {
				return nil
			}
			return []string{id(i + 1), id(i + 2)}
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			g := New()
			for i := 0; i < n; i++ {
				mustAdd(t, g, node(id(i)), tt.preds(i)...)
			}
			if err := g.Seal(); err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Errorf("building %d nodes took %s", n, elapsed)
			}
			if g.Len() != n {
				t.Errorf("expected %d nodes, got %d", n, g.Len())
			}
		})
	}
}

func TestSeal(t *testing.T) {
	t.Run("undeclared predecessor", func(t *testing.T) {
		g := New()
		mustAdd(t, g, node("A"), "ghost")
		err := g.Seal()
		if !errors.Is(err, ErrUnknownNode) {
			t.Errorf("expected ErrUnknownNode, got %v", err)
		}
		if g.Sealed() {
			t.Error("graph should not be sealed after a failed Seal")
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		g := diamond(t)
		if err := g.Seal(); err != nil {
			t.Errorf("second Seal failed: %v", err)
		}
	})

	t.Run("empty graph", func(t *testing.T) {
		g := New()
		if err := g.Seal(); err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		batches, err := g.Batches()
		if err != nil {
			t.Fatalf("Batches failed: %v", err)
		}
		if len(batches) != 0 {
			t.Errorf("expected no batches, got %v", batches)
		}
	})
}

func TestAccessors(t *testing.T) {
	g := diamond(t)

	if g.Len() != 4 {
		t.Errorf("expected 4 nodes, got %d", g.Len())
	}
	if got := g.Successors("A"); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Errorf("Successors(A) = %v", got)
	}
	if got := g.Predecessors("D"); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Errorf("Predecessors(D) = %v", got)
	}
	if got := g.Descendants("A"); !reflect.DeepEqual(got, []string{"B", "C", "D"}) {
		t.Errorf("Descendants(A) = %v", got)
	}
	if got := g.Descendants("D"); len(got) != 0 {
		t.Errorf("Descendants(D) = %v", got)
	}

	var ids []string
	for _, n := range g.Nodes() {
		ids = append(ids, n.ID)
	}
	if !reflect.DeepEqual(ids, []string{"A", "B", "C", "D"}) {
		t.Errorf("Nodes() order = %v", ids)
	}
}

func TestSelect(t *testing.T) {
	g := diamond(t)

	sub, err := g.Select("B")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sub.Len() != 2 {
		t.Errorf("expected 2 nodes, got %d", sub.Len())
	}
	if _, ok := sub.Node("C"); ok {
		t.Error("C is not a predecessor of B")
	}
	if got := sub.Successors("A"); !reflect.DeepEqual(got, []string{"B"}) {
		t.Errorf("subgraph Successors(A) = %v", got)
	}

	if _, err := g.Select("nope"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}

	all, err := g.Select()
	if err != nil || all.Len() != 4 {
		t.Errorf("empty selection should return the whole graph")
	}

	if _, err := New().Select("A"); !errors.Is(err, ErrNotSealed) {
		t.Errorf("expected ErrNotSealed, got %v", err)
	}
}

func TestElements(t *testing.T) {
	g := New()
	mustAdd(t, g, &Node{ID: ":app:compile", Name: "compile", Description: "Compiles sources"})
	mustAdd(t, g, &Node{ID: ":app:test"}, ":app:compile")
	if err := g.Seal(); err != nil {
		t.Fatal(err)
	}

	elems := g.Elements(map[string]types.TaskState{":app:compile": types.TaskStateSucceeded})
	if len(elems) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(elems))
	}
	if elems[0].Name() != "compile" || elems[0].Description() != "Compiles sources" {
		t.Errorf("unexpected element %+v", elems[0])
	}
	if elems[0].State != types.TaskStateSucceeded {
		t.Errorf("expected succeeded, got %s", elems[0].State)
	}
	if elems[1].Name() != ":app:test" || elems[1].Description() != "" {
		t.Errorf("name should default to id and description may be empty: %+v", elems[1])
	}
	if elems[1].State != types.TaskStatePending {
		t.Errorf("expected pending, got %s", elems[1].State)
	}
}
