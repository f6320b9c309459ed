package workflow

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func nodesNamed(ids ...string) []Node {
	nodes := make([]Node, len(ids))
	for i, id := range ids {
		nodes[i] = Node{ID: id, Type: "noop"}
	}
	return nodes
}

func edge(from, to string) Edge {
	return Edge{ID: from + "-" + to, Source: from, Target: to}
}

func ids(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestOrder(t *testing.T) {
	tests := []struct {
		name     string
		nodes    []Node
		edges    []Edge
		want     []string
		degraded bool
	}{
		{
			name:  "empty",
			nodes: nil,
			want:  []string{},
		},
		{
			name:  "linear chain given out of order",
			nodes: nodesNamed("C", "A", "B"),
			edges: []Edge{edge("A", "B"), edge("B", "C")},
			want:  []string{"A", "B", "C"},
		},
		{
			name:  "diamond",
			nodes: nodesNamed("A", "B", "C", "D"),
			edges: []Edge{edge("A", "B"), edge("A", "C"), edge("B", "D"), edge("C", "D")},
			want:  []string{"A", "C", "B", "D"},
		},
		{
			name:     "no edges keeps input order",
			nodes:    nodesNamed("A", "B", "C"),
			want:     []string{"A", "B", "C"},
			degraded: true,
		},
		{
			name:     "only edges to unknown nodes keeps input order",
			nodes:    nodesNamed("B", "A"),
			edges:    []Edge{edge("ghost", "A"), edge("B", "ghost")},
			want:     []string{"B", "A"},
			degraded: true,
		},
		{
			name:  "isolated node beside a chain",
			nodes: nodesNamed("Z", "A", "B"),
			edges: []Edge{edge("A", "B")},
			want:  []string{"A", "B", "Z"},
		},
		{
			name:  "duplicate edges count once",
			nodes: nodesNamed("A", "B"),
			edges: []Edge{edge("A", "B"), edge("A", "B")},
			want:  []string{"A", "B"},
		},
		{
			name:  "edges to unknown nodes are ignored",
			nodes: nodesNamed("A", "B"),
			edges: []Edge{edge("ghost", "B"), edge("A", "ghost"), edge("A", "B")},
			want:  []string{"A", "B"},
		},
		{
			name:     "pure cycle keeps input order",
			nodes:    nodesNamed("B", "A"),
			edges:    []Edge{edge("A", "B"), edge("B", "A")},
			want:     []string{"B", "A"},
			degraded: true,
		},
		{
			name:  "cycle reachable from a root",
			nodes: nodesNamed("A", "B", "C"),
			edges: []Edge{edge("A", "B"), edge("B", "C"), edge("C", "B")},
			want:  []string{"A", "B", "C"},
		},
		{
			name:     "unreachable cycle is appended",
			nodes:    nodesNamed("B", "C", "A"),
			edges:    []Edge{edge("B", "C"), edge("C", "B")},
			want:     []string{"A", "B", "C"},
			degraded: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, degraded := Order(tt.nodes, tt.edges)
			assert.Equal(t, tt.want, ids(got))
			assert.Equal(t, tt.degraded, degraded)
		})
	}
}

func TestOrder_DoesNotMutateInput(t *testing.T) {
	nodes := nodesNamed("A", "B")
	edges := []Edge{edge("B", "A"), edge("A", "B")}

	got, _ := Order(nodes, edges)
	got[0].ID = "changed"

	assert.Equal(t, []string{"A", "B"}, ids(nodes))
}

// dagFrom maps raw numbers to forward edges between n nodes, so the result is acyclic.
func dagFrom(n int, raw []uint16) ([]Node, []Edge) {
	nodes := make([]Node, n)
	for i := range nodes {
		nodes[i] = Node{ID: fmt.Sprintf("n%d", i)}
	}
	var edges []Edge
	for _, r := range raw {
		from, to := int(r)%n, int(r/16)%n
		if from < to {
			edges = append(edges, edge(nodes[from].ID, nodes[to].ID))
		}
	}
	// Shuffle the node list deterministically so input order differs from topological order.
	for i := range nodes {
		j := (i * 7) % n
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	return nodes, edges
}

func TestOrder_DAGProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every edge source precedes its target", prop.ForAll(
		func(n int, raw []uint16) bool {
			nodes, edges := dagFrom(n, raw)
			ordered, degraded := Order(nodes, edges)
			if len(edges) == 0 {
				// Without edges the input order is kept and flagged.
				return degraded && fmt.Sprint(ids(ordered)) == fmt.Sprint(ids(nodes))
			}
			if degraded {
				t.Logf("acyclic graph reported degraded")
				return false
			}
			pos := make(map[string]int, len(ordered))
			for i, node := range ordered {
				pos[node.ID] = i
			}
			for _, e := range edges {
				if pos[e.Source] >= pos[e.Target] {
					t.Logf("edge %s -> %s out of order: %v", e.Source, e.Target, ids(ordered))
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.SliceOf(gen.UInt16()),
	))

	properties.Property("every node appears exactly once", prop.ForAll(
		func(n int, raw []uint16) bool {
			nodes, edges := dagFrom(n, raw)
			ordered, _ := Order(nodes, edges)
			if len(ordered) != len(nodes) {
				return false
			}
			seen := make(map[string]bool, len(ordered))
			for _, node := range ordered {
				if seen[node.ID] {
					return false
				}
				seen[node.ID] = true
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.SliceOf(gen.UInt16()),
	))

	properties.TestingRun(t)
}

func TestOrder_ArbitraryGraphIsPermutation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 10).Draw(t, "n")
		nodes := make([]Node, n)
		for i := range nodes {
			nodes[i] = Node{ID: fmt.Sprintf("n%d", i)}
		}
		var edges []Edge
		if n > 0 {
			count := rapid.IntRange(0, 3*n).Draw(t, "edges")
			for i := 0; i < count; i++ {
				from := rapid.IntRange(0, n-1).Draw(t, "from")
				to := rapid.IntRange(0, n-1).Draw(t, "to")
				edges = append(edges, edge(nodes[from].ID, nodes[to].ID))
			}
		}

		ordered, _ := Order(nodes, edges)

		if len(ordered) != n {
			t.Fatalf("got %d nodes, want %d", len(ordered), n)
		}
		seen := make(map[string]bool, n)
		for _, node := range ordered {
			if seen[node.ID] {
				t.Fatalf("node %s emitted twice", node.ID)
			}
			seen[node.ID] = true
		}
	})
}

func TestOrder_NoRootReturnsInputOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(t, "n")
		nodes := make([]Node, n)
		for i := range nodes {
			nodes[i] = Node{ID: fmt.Sprintf("n%d", i)}
		}
		// A ring gives every node a predecessor.
		edges := make([]Edge, 0, n)
		for i := range nodes {
			edges = append(edges, edge(nodes[i].ID, nodes[(i+1)%n].ID))
		}
		extra := rapid.IntRange(0, n).Draw(t, "extra")
		for i := 0; i < extra; i++ {
			from := rapid.IntRange(0, n-1).Draw(t, "from")
			to := rapid.IntRange(0, n-1).Draw(t, "to")
			edges = append(edges, edge(nodes[from].ID, nodes[to].ID))
		}

		ordered, degraded := Order(nodes, edges)

		if !degraded {
			t.Fatalf("cyclic graph without roots not reported degraded")
		}
		for i := range nodes {
			if ordered[i].ID != nodes[i].ID {
				t.Fatalf("position %d: got %s, want %s", i, ordered[i].ID, nodes[i].ID)
			}
		}
	})
}
