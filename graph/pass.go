package graph

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// PassFn is a named graph transformation: it reads and writes graph
// attributes, never the graph structure itself.
type PassFn func(g *Graph)

var (
	passRegistryMu sync.Mutex
	passRegistry   = make(map[string]PassFn)
)

// RegisterPass registers fn under name, replacing any previous registration.
// Replacement is deliberate: tests wrap the stock passes with counting
// doubles.
func RegisterPass(name string, fn PassFn) {
	passRegistryMu.Lock()
	defer passRegistryMu.Unlock()
	passRegistry[name] = fn
}

// GetPass returns the pass registered under name, panicking if there is none.
func GetPass(name string) PassFn {
	passRegistryMu.Lock()
	defer passRegistryMu.Unlock()
	fn, found := passRegistry[name]
	if !found {
		exceptions.Panicf("graph pass %q is not registered", name)
	}
	return fn
}

// ApplyPass runs the named pass over g and returns g.
func ApplyPass(g *Graph, name string) *Graph {
	GetPass(name)(g)
	return g
}

// ApplyPasses runs the named passes over g, in order.
func ApplyPasses(g *Graph, names ...string) *Graph {
	for _, name := range names {
		ApplyPass(g, name)
	}
	return g
}

// Names of the stock passes.
const (
	PassInferShape = "InferShape"
	PassInferType  = "InferType"
	PassPlanMemory = "PlanMemory"
)

func init() {
	RegisterPass(PassInferShape, inferShapePass)
	RegisterPass(PassInferType, inferTypePass)
	RegisterPass(PassPlanMemory, planMemoryPass)
}

// inferShapePass propagates entry shapes in one forward sweep over the
// topological order. It consumes and produces AttrShape and reports the number
// of entries it could not resolve in AttrShapeUnknown.
//
// Op hooks may also fill *input* entries: the assign op uses this to give a
// write-only variable's entry the shape of the assigned value (the variable
// node precedes the assign node in topological order, so nothing reads the
// entry before the sweep fills it).
func inferShapePass(g *Graph) {
	idx := g.Indexed()
	shapeVec := Attr[ShapeVector](g, AttrShape)
	if len(shapeVec) != idx.NumEntries() {
		exceptions.Panicf("InferShape: attr %q has %d entries, graph has %d", AttrShape, len(shapeVec), idx.NumEntries())
	}
	for nid := 0; nid < idx.NumNodes(); nid++ {
		node := idx.Node(nid)
		if node.IsVariable() || node.op.InferShape == nil {
			continue
		}
		inIDs := idx.InputEntryIDs(nid)
		in := make([][]int, len(inIDs))
		for i, eid := range inIDs {
			in[i] = shapeVec[eid]
		}
		out := make([][]int, node.NumOutputs())
		for i := range out {
			out[i] = shapeVec[idx.EntryID(nid, i)]
		}
		node.op.InferShape(node, in, out)
		for i, eid := range inIDs {
			writeBackDims(shapeVec, eid, in[i], node)
		}
		for i := range out {
			writeBackDims(shapeVec, idx.EntryID(nid, i), out[i], node)
		}
	}
	unknown := 0
	for _, dims := range shapeVec {
		if len(dims) == 0 {
			unknown++
		}
	}
	g.SetAttr(AttrShape, shapeVec)
	g.SetAttr(AttrShapeUnknown, unknown)
}

func writeBackDims(vec ShapeVector, eid int, dims []int, node *Node) {
	if len(dims) == 0 {
		return
	}
	if len(vec[eid]) != 0 && !slices.Equal(vec[eid], dims) {
		exceptions.Panicf("InferShape: node %s infers entry %d as %v, already known as %v",
			node, eid, dims, vec[eid])
	}
	vec[eid] = dims
}

// inferTypePass is the dtype counterpart of inferShapePass, over AttrDType /
// AttrDTypeUnknown.
func inferTypePass(g *Graph) {
	idx := g.Indexed()
	dtypeVec := Attr[DTypeVector](g, AttrDType)
	if len(dtypeVec) != idx.NumEntries() {
		exceptions.Panicf("InferType: attr %q has %d entries, graph has %d", AttrDType, len(dtypeVec), idx.NumEntries())
	}
	for nid := 0; nid < idx.NumNodes(); nid++ {
		node := idx.Node(nid)
		if node.IsVariable() || node.op.InferDType == nil {
			continue
		}
		inIDs := idx.InputEntryIDs(nid)
		in := make([]dtypes.DType, len(inIDs))
		for i, eid := range inIDs {
			in[i] = dtypeVec[eid]
		}
		out := make([]dtypes.DType, node.NumOutputs())
		for i := range out {
			out[i] = dtypeVec[idx.EntryID(nid, i)]
		}
		node.op.InferDType(node, in, out)
		for i, eid := range inIDs {
			writeBackDType(dtypeVec, eid, in[i], node)
		}
		for i := range out {
			writeBackDType(dtypeVec, idx.EntryID(nid, i), out[i], node)
		}
	}
	unknown := 0
	for _, dtype := range dtypeVec {
		if dtype == dtypes.InvalidDType {
			unknown++
		}
	}
	g.SetAttr(AttrDType, dtypeVec)
	g.SetAttr(AttrDTypeUnknown, unknown)
}

func writeBackDType(vec DTypeVector, eid int, dtype dtypes.DType, node *Node) {
	if dtype == dtypes.InvalidDType {
		return
	}
	if vec[eid] != dtypes.InvalidDType && vec[eid] != dtype {
		exceptions.Panicf("InferType: node %s infers entry %d as %s, already known as %s",
			node, eid, dtype, vec[eid])
	}
	vec[eid] = dtype
}
