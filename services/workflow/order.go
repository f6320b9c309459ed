package workflow

// Order returns nodes in an execution order where, for an acyclic graph,
// every edge's source precedes its target.
//
// The order is best effort. Roots are nodes with no predecessor; each root is
// walked depth-first along outgoing edges and a node is prepended once all of
// its descendants are placed. When no root exists, or no edge connects two
// known nodes, the input order is returned unchanged. Nodes unreachable from
// any root are appended in input order. All three cases set degraded. Cycle members reachable from a root still appear
// exactly once, but not necessarily after their predecessors.
//
// Edges whose source or target is not among nodes are ignored.
func Order(nodes []Node, edges []Edge) (ordered []Node, degraded bool) {
	if len(nodes) == 0 {
		return []Node{}, false
	}

	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if _, dup := index[n.ID]; !dup {
			index[n.ID] = i
		}
	}

	preds := make(map[string]map[string]struct{}, len(nodes))
	succ := make(map[string][]string, len(nodes))
	for _, e := range edges {
		if _, ok := index[e.Source]; !ok {
			continue
		}
		if _, ok := index[e.Target]; !ok {
			continue
		}
		if preds[e.Target] == nil {
			preds[e.Target] = make(map[string]struct{})
		}
		if _, seen := preds[e.Target][e.Source]; seen {
			continue
		}
		preds[e.Target][e.Source] = struct{}{}
		succ[e.Source] = append(succ[e.Source], e.Target)
	}

	if len(succ) == 0 {
		out := make([]Node, len(nodes))
		copy(out, nodes)
		return out, true
	}

	var roots []int
	for i, n := range nodes {
		if len(preds[n.ID]) == 0 {
			roots = append(roots, i)
		}
	}
	if len(roots) == 0 {
		out := make([]Node, len(nodes))
		copy(out, nodes)
		return out, true
	}

	visited := make(map[string]bool, len(nodes))
	post := make([]int, 0, len(nodes))

	var visit func(id string)
	visit = func(id string) {
		visited[id] = true
		for _, next := range succ[id] {
			if !visited[next] {
				visit(next)
			}
		}
		post = append(post, index[id])
	}
	for _, r := range roots {
		if !visited[nodes[r].ID] {
			visit(nodes[r].ID)
		}
	}

	// Prepending on completion is the reverse of the post-order.
	ordered = make([]Node, 0, len(nodes))
	for i := len(post) - 1; i >= 0; i-- {
		ordered = append(ordered, nodes[post[i]])
	}

	for _, n := range nodes {
		if !visited[n.ID] {
			visited[n.ID] = true
			ordered = append(ordered, n)
			degraded = true
		}
	}
	return ordered, degraded
}
