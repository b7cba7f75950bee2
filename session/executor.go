package session

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/leo59/tinyflow/backend"
	"github.com/leo59/tinyflow/graph"
)

// Executor owns one graph and everything derived from it: classification of
// its nodes, the current shape/dtype inference results, the storage pool, the
// graph-entry tensors and the compiled per-node closures.
//
// An Executor is built once per distinct graph and never mutated structurally;
// when the session sees a different graph it builds a fresh one. Setup keeps
// the derived state current across runs, re-doing as little as possible:
// inference only when a live shape/dtype changed, storage only when inference
// re-ran, closure compilation only when the storage generation moved.
type Executor struct {
	st     *backend.State
	graph  *graph.Graph
	idx    *graph.IndexedGraph
	device backend.Device

	// Node classification, filled by the Init scan.
	placeholderNIDs []int
	assignVarNIDs   []int
	readVarNIDs     []int
	directRead      []bool      // nid -> consumed by an op other than as an assignment target
	nodeStates      []*VarState // nid -> state, nil for non-variables

	// Cached inference results; nil until the first inference ran.
	shapes graph.ShapeVector
	dtypes graph.DTypeVector

	// Execution state.
	dataEntries []*backend.Tensor // one stable handle per graph entry
	entryIsVar  []bool
	planned     bool // PlanMemory ran (the plan itself lives in graph attrs)
	pool        []*backend.Storage
	poolSizes   []int
	poolDTypes  []dtypes.DType
	storageGen  int // bumped when pool buffers are recreated
	compiledGen int // storageGen the closures were compiled against
	opExecs     []func() error
	outputs     []*backend.Tensor
}

// newExecutor builds an executor for g, classifying every node in one reverse
// topological scan without touching any tensor. Variable states are looked up
// (or lazily created) in the session-shared map.
//
// A variable is recorded as "read" or "assigned" based on use counts
// propagated from its consumers; assignment-kind ops (ops mutating their
// first input) propagate both counts to their target instead of acting as
// consumers themselves. An assignment-kind node with other than two inputs is
// a graph-construction defect and panics here, before any run.
func newExecutor(st *backend.State, g *graph.Graph, states map[string]*VarState) *Executor {
	e := &Executor{
		st:     st,
		graph:  g,
		idx:    g.Indexed(),
		device: backend.CPU,
	}
	numNodes := e.idx.NumNodes()
	e.nodeStates = make([]*VarState, numNodes)
	e.directRead = make([]bool, numNodes)

	readCount := make([]int, numNodes)
	assignCount := make([]int, numNodes)
	for i := numNodes; i > 0; i-- {
		nid := i - 1
		node := e.idx.Node(nid)
		if node.IsVariable() {
			key := node.Name()
			state, found := states[key]
			if !found {
				state = &VarState{}
				states[key] = state
			}
			e.nodeStates[nid] = state
			if readCount[nid] != 0 {
				e.readVarNIDs = append(e.readVarNIDs, nid)
			}
			if assignCount[nid] != 0 {
				e.assignVarNIDs = append(e.assignVarNIDs, nid)
			}
			continue
		}
		op := node.Op()
		switch {
		case op.Placeholder:
			e.placeholderNIDs = append(e.placeholderNIDs, nid)
		case op.MutatesInput == 0:
			if len(node.Inputs()) != 2 {
				exceptions.Panicf("assignment op %q on node %q must have exactly 2 inputs, got %d",
					op.Name, node.Name(), len(node.Inputs()))
			}
			target := e.idx.NodeID(node.Inputs()[0].Node)
			readCount[target]++
			assignCount[target]++
		default:
			for _, in := range node.Inputs() {
				target := e.idx.NodeID(in.Node)
				readCount[target]++
				e.directRead[target] = true
			}
		}
	}
	return e
}

// Run brings the executor up to date for inputs and executes the graph,
// returning one output tensor per declared graph output.
//
// The returned tensors are the executor's dedicated output buffers: they are
// valid until the next Run on the same session. No partial results: any
// failure aborts before the output copy.
func (e *Executor) Run(inputs map[string]*backend.Tensor) ([]*backend.Tensor, error) {
	if err := e.setup(inputs); err != nil {
		return nil, err
	}
	for nid, fn := range e.opExecs {
		if fn == nil {
			continue
		}
		if err := fn(); err != nil {
			return nil, errors.WithMessagef(err, "executing node %q", e.idx.Node(nid).Name())
		}
	}
	for i := range e.outputs {
		eid := e.graph.OutputEntryID(i)
		e.st.CopyFromTo(e.dataEntries[eid], e.outputs[i])
	}
	return e.outputs, nil
}

// setup runs the three independently-skippable phases -- shape/dtype
// inference, storage planning, closure compilation -- and copies the
// placeholder values in.
func (e *Executor) setup(inputs map[string]*backend.Tensor) error {
	redoInfer, err := e.setupShapeDType(inputs)
	if err != nil {
		return err
	}
	if redoInfer {
		e.setupStorage()
	}
	if e.opExecs == nil || e.compiledGen != e.storageGen {
		e.setupOpExecs()
	}
	for _, nid := range e.placeholderNIDs {
		key := e.idx.Node(nid).Name()
		value, found := inputs[key]
		if !found {
			return errors.Errorf("missing value for placeholder %q in the feed map", key)
		}
		// A value copy, not a reference swap: the entry's buffer identity
		// must survive across calls.
		e.st.CopyFromTo(value, e.dataEntries[e.idx.EntryID(nid, 0)])
	}
	return nil
}

// setupShapeDType decides whether shape/dtype inference must re-run and, if
// so, runs it. Re-inference is needed when it never ran, when a read
// variable's live shape/dtype drifted from the cached result (e.g. an
// external assignment between runs), or when a supplied placeholder value
// changed shape/dtype.
//
// On the skip path the cached tables are reused as-is. On the redo path the
// entry tables are seeded from the live variable blobs and the supplied
// placeholder values, the inference passes run, and every entry must come out
// resolved. Afterwards each assigned variable's space is resized to the fresh
// result -- the only point where variable space is (re)allocated.
func (e *Executor) setupShapeDType(inputs map[string]*backend.Tensor) (redoInfer bool, err error) {
	idx := e.idx
	redoInfer = e.shapes == nil

	if !redoInfer {
		for _, nid := range e.readVarNIDs {
			state := e.nodeStates[nid]
			if !state.Initialized() {
				exceptions.Panicf("attempt to execute a graph reading uninitialized variable %q",
					idx.Node(nid).Name())
			}
			eid := idx.EntryID(nid, 0)
			blob := state.blob
			if !slices.Equal(e.shapes[eid], blob.Shape.Dimensions) || e.dtypes[eid] != blob.Shape.DType {
				redoInfer = true
				break
			}
		}
	}
	if !redoInfer {
		for _, nid := range e.placeholderNIDs {
			key := idx.Node(nid).Name()
			value, found := inputs[key]
			if !found {
				return false, errors.Errorf("missing value for placeholder %q in the feed map", key)
			}
			eid := idx.EntryID(nid, 0)
			if !slices.Equal(e.shapes[eid], value.Shape().Dimensions) || e.dtypes[eid] != value.DType() {
				redoInfer = true
				break
			}
		}
	}
	if !redoInfer {
		return false, nil
	}

	numEntries := idx.NumEntries()
	shapeVec := make(graph.ShapeVector, numEntries)
	dtypeVec := make(graph.DTypeVector, numEntries)
	for i := range dtypeVec {
		dtypeVec[i] = dtypes.InvalidDType
	}
	for _, nid := range e.readVarNIDs {
		state := e.nodeStates[nid]
		if !state.Initialized() {
			// A variable that is also assigned by this graph gets its
			// entry from the assignment during inference; a plain read of
			// an uninitialized variable can never resolve.
			if !slices.Contains(e.assignVarNIDs, nid) {
				exceptions.Panicf("attempt to execute a graph reading uninitialized variable %q",
					idx.Node(nid).Name())
			}
			continue
		}
		// An assigned variable that no op reads takes its entry from the
		// assigned value; seeding it from the previous value would pin the
		// stale shape and make inference reject a legitimate resize.
		if !e.directRead[nid] {
			continue
		}
		eid := idx.EntryID(nid, 0)
		shapeVec[eid] = state.blob.Shape.Dimensions
		dtypeVec[eid] = state.blob.Shape.DType
	}
	for _, nid := range e.placeholderNIDs {
		key := idx.Node(nid).Name()
		value, found := inputs[key]
		if !found {
			return false, errors.Errorf("missing value for placeholder %q in the feed map", key)
		}
		eid := idx.EntryID(nid, 0)
		shapeVec[eid] = value.Shape().Dimensions
		dtypeVec[eid] = value.DType()
	}

	klog.V(2).Infof("tinyflow: re-running shape/dtype inference over %d entries", numEntries)
	e.graph.SetAttr(graph.AttrShape, shapeVec)
	e.graph.SetAttr(graph.AttrDType, dtypeVec)
	graph.ApplyPasses(e.graph, graph.PassInferShape, graph.PassInferType)
	if unknown := graph.Attr[int](e.graph, graph.AttrShapeUnknown); unknown != 0 {
		exceptions.Panicf("shape information in the graph is incomplete: %d entries unresolved after inference", unknown)
	}
	if unknown := graph.Attr[int](e.graph, graph.AttrDTypeUnknown); unknown != 0 {
		exceptions.Panicf("dtype information in the graph is incomplete: %d entries unresolved after inference", unknown)
	}
	e.shapes = graph.Attr[graph.ShapeVector](e.graph, graph.AttrShape)
	e.dtypes = graph.Attr[graph.DTypeVector](e.graph, graph.AttrDType)

	for _, nid := range e.assignVarNIDs {
		eid := idx.EntryID(nid, 0)
		e.nodeStates[nid].ResetSpace(e.st, e.device, e.dtypes[eid], e.shapes[eid])
	}
	return true, nil
}

// setupStorage brings the storage pool and the graph-entry bindings in line
// with the latest inference results.
//
// On first run it creates one tensor handle per entry and permanently aliases
// variable-backed entries to their variable's tensor; those entries are
// excluded from pool accounting for the executor's lifetime. The memory plan
// is computed once; pool buffers are recreated only when the per-pool
// (size, dtype) requirements change, but every non-variable entry is re-bound
// at its current shape on every planning cycle, and output buffers are always
// freshly allocated.
func (e *Executor) setupStorage() {
	idx := e.idx
	numEntries := idx.NumEntries()

	if !e.planned {
		graph.ApplyPass(e.graph, graph.PassPlanMemory)
		e.planned = true
	}
	storageIDs := graph.Attr[graph.StorageVector](e.graph, graph.AttrStorageID)

	if e.dataEntries == nil {
		e.dataEntries = make([]*backend.Tensor, numEntries)
		e.entryIsVar = make([]bool, numEntries)
		for eid := range e.dataEntries {
			e.dataEntries[eid] = e.st.NewTensorEmpty(e.device, e.dtypes[eid])
		}
		for _, nid := range idx.InputNodes() {
			state := e.nodeStates[nid]
			if state == nil {
				exceptions.Panicf("input node %q has no variable state", idx.Node(nid).Name())
			}
			eid := idx.EntryID(nid, 0)
			e.dataEntries[eid] = state.handle(e.st, e.device, e.dtypes[eid])
			e.entryIsVar[eid] = true
		}
	}

	// Required pool sizes: max element count over the entries sharing each id.
	var poolSizes []int
	var poolDTypes []dtypes.DType
	for eid := 0; eid < numEntries; eid++ {
		if e.entryIsVar[eid] {
			continue
		}
		sid := storageIDs[eid]
		if sid < 0 {
			exceptions.Panicf("entry %d has a runtime-determined storage id (%d): not supported", eid, sid)
		}
		for sid >= len(poolSizes) {
			poolSizes = append(poolSizes, 0)
			poolDTypes = append(poolDTypes, dtypes.InvalidDType)
		}
		size := 1
		for _, d := range e.shapes[eid] {
			size *= d
		}
		poolSizes[sid] = max(poolSizes[sid], size)
		if poolDTypes[sid] == dtypes.InvalidDType {
			poolDTypes[sid] = e.dtypes[eid]
		} else if poolDTypes[sid] != e.dtypes[eid] {
			// PlanMemory never mixes dtypes within a pool id.
			exceptions.Panicf("storage pool %d shared by entries of dtypes %s and %s",
				sid, poolDTypes[sid], e.dtypes[eid])
		}
	}

	if e.pool == nil || !slices.Equal(poolSizes, e.poolSizes) || !slices.Equal(poolDTypes, e.poolDTypes) {
		e.pool = make([]*backend.Storage, len(poolSizes))
		for sid, size := range poolSizes {
			if size == 0 {
				continue // pool id only used by variable-backed entries
			}
			e.pool[sid] = e.st.NewStorage(size, e.device, poolDTypes[sid])
		}
		e.poolSizes = poolSizes
		e.poolDTypes = poolDTypes
		e.storageGen++
		klog.V(2).Infof("tinyflow: rebuilt storage pool (generation %d): %d buffers, sizes %v",
			e.storageGen, len(e.pool), poolSizes)
	}

	// Entries are thin views into their pool buffer, re-bound at the current
	// shape on every planning cycle even when the buffer itself is reused.
	for eid := 0; eid < numEntries; eid++ {
		if e.entryIsVar[eid] {
			continue
		}
		e.st.BindStorage(e.dataEntries[eid], e.pool[storageIDs[eid]], e.shapes[eid])
	}

	// Dedicated output buffers, never aliased with interior entries.
	e.outputs = make([]*backend.Tensor, len(e.graph.Outputs()))
	for i := range e.outputs {
		eid := e.graph.OutputEntryID(i)
		e.outputs[i] = e.st.NewTensor(e.device, e.dtypes[eid], e.shapes[eid])
	}
}

// setupOpExecs compiles one closure per non-variable node, binding the op's
// registered compute implementation to the node's input/output tensor
// handles. Handles are stable across storage re-binds, but the closures are
// still recompiled whenever the pool buffers were recreated (the storage
// generation moved), so a closure can never outlive the buffer identities it
// captured.
func (e *Executor) setupOpExecs() {
	idx := e.idx
	e.opExecs = make([]func() error, idx.NumNodes())
	for nid := 0; nid < idx.NumNodes(); nid++ {
		node := idx.Node(nid)
		if node.IsVariable() {
			continue
		}
		fn, found := backend.ComputeFor(node.Op())
		if !found {
			exceptions.Panicf("op %q (node %q) has no registered compute implementation",
				node.Op().Name, node.Name())
		}
		inIDs := idx.InputEntryIDs(nid)
		ins := make([]*backend.Tensor, len(inIDs))
		for i, eid := range inIDs {
			ins[i] = e.dataEntries[eid]
		}
		outs := make([]*backend.Tensor, node.NumOutputs())
		for i := range outs {
			outs[i] = e.dataEntries[idx.EntryID(nid, i)]
		}
		e.opExecs[nid] = func() error {
			return fn(e.st, node, ins, outs)
		}
	}
	e.compiledGen = e.storageGen
	klog.V(2).Infof("tinyflow: compiled %d op closures (generation %d)", len(e.opExecs), e.compiledGen)
}
