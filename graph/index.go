package graph

// IndexedGraph is the topological index of a Graph: nodes numbered in a valid
// dependency order and every (node, output slot) pair mapped to a dense linear
// entry id. It is computed once per graph and cached.
type IndexedGraph struct {
	nodes      []*Node
	ids        map[*Node]int
	inputIDs   [][]int // per node, entry ids of its inputs
	entryStart []int   // len(nodes)+1, prefix sums of NumOutputs
	inputNodes []int   // ids of variable nodes, in topological order
}

// Indexed returns the graph's topological index, building it on first use.
//
// The node order is a depth-first post-order from the outputs, so every node's
// inputs are numbered before the node itself. The executor relies on this
// order being a valid execution order.
func (g *Graph) Indexed() *IndexedGraph {
	if g.indexed != nil {
		return g.indexed
	}
	idx := &IndexedGraph{ids: make(map[*Node]int)}
	// Iterative depth-first post-order: an explicit stack of (node, next
	// input to descend into) frames, so arbitrarily deep chains don't
	// exhaust the goroutine stack.
	type frame struct {
		node *Node
		next int
	}
	onStack := make(map[*Node]bool)
	var stack []frame
	for _, out := range g.outputs {
		if _, seen := idx.ids[out.Node]; seen {
			continue
		}
		onStack[out.Node] = true
		stack = append(stack, frame{node: out.Node})
		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.next < len(f.node.inputs) {
				in := f.node.inputs[f.next].Node
				f.next++
				if _, seen := idx.ids[in]; !seen && !onStack[in] {
					onStack[in] = true
					stack = append(stack, frame{node: in})
				}
				continue
			}
			idx.ids[f.node] = len(idx.nodes)
			idx.nodes = append(idx.nodes, f.node)
			stack = stack[:len(stack)-1]
		}
	}

	idx.entryStart = make([]int, len(idx.nodes)+1)
	for nid, n := range idx.nodes {
		idx.entryStart[nid+1] = idx.entryStart[nid] + n.NumOutputs()
	}
	idx.inputIDs = make([][]int, len(idx.nodes))
	for nid, n := range idx.nodes {
		if len(n.inputs) == 0 {
			continue
		}
		ids := make([]int, len(n.inputs))
		for i, in := range n.inputs {
			ids[i] = idx.EntryID(idx.ids[in.Node], in.Index)
		}
		idx.inputIDs[nid] = ids
	}
	for nid, n := range idx.nodes {
		if n.IsVariable() {
			idx.inputNodes = append(idx.inputNodes, nid)
		}
	}
	g.indexed = idx
	return idx
}

// NumNodes returns the number of nodes reachable from the graph outputs.
func (idx *IndexedGraph) NumNodes() int { return len(idx.nodes) }

// Node returns the node with the given id.
func (idx *IndexedGraph) Node(nid int) *Node { return idx.nodes[nid] }

// NodeID returns the id of the given node, which must belong to the graph.
func (idx *IndexedGraph) NodeID(n *Node) int { return idx.ids[n] }

// EntryID maps (node id, output slot) to the linear entry id.
func (idx *IndexedGraph) EntryID(nid, slot int) int {
	return idx.entryStart[nid] + slot
}

// NumEntries returns the total number of node-output entries.
func (idx *IndexedGraph) NumEntries() int {
	return idx.entryStart[len(idx.nodes)]
}

// InputEntryIDs returns the entry ids feeding the given node, one per input.
// The returned slice must not be modified.
func (idx *IndexedGraph) InputEntryIDs(nid int) []int { return idx.inputIDs[nid] }

// InputNodes returns the ids of the graph's variable nodes, in topological
// order. The returned slice must not be modified.
func (idx *IndexedGraph) InputNodes() []int { return idx.inputNodes }

// OutputEntryID returns the entry id of the graph's i-th declared output.
func (g *Graph) OutputEntryID(i int) int {
	idx := g.Indexed()
	out := g.outputs[i]
	return idx.EntryID(idx.ids[out.Node], out.Index)
}
