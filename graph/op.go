package graph

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// ShapeVector holds the per-entry dimensions of a graph, indexed by entry id.
// A nil or empty dims slice means the entry's shape is not (yet) known.
type ShapeVector = [][]int

// DTypeVector holds the per-entry data types of a graph, indexed by entry id.
// dtypes.InvalidDType means the entry's dtype is not (yet) known.
type DTypeVector = []dtypes.DType

// StorageVector holds the per-entry storage (pool) ids assigned by the
// PlanMemory pass. Entries sharing an id share a backing buffer. A negative id
// means the entry's size is only known at runtime, which the executor does not
// support.
type StorageVector = []int

// InferShapeFn infers entry shapes for one node. in and out hold the current
// dims of the node's input and output entries (empty = unknown); the function
// may fill in unknown entries of either slice in place. It returns whether all
// of the node's entries are resolved.
type InferShapeFn func(n *Node, in, out [][]int) bool

// InferDTypeFn is the dtype counterpart of InferShapeFn.
type InferDTypeFn func(n *Node, in, out []dtypes.DType) bool

// Op describes an operation kind. Ops are registered once by name, and nodes
// refer to them by identity. The compute implementation of an op lives in the
// backend's compute registry, keyed by the same name.
type Op struct {
	// Name uniquely identifies the op.
	Name string

	// NumInputs and NumOutputs fix the op's arity. A negative NumInputs
	// means the op is variadic and node construction does not check it.
	NumInputs, NumOutputs int

	// Placeholder marks ops whose value is supplied by the caller on every
	// run rather than computed.
	Placeholder bool

	// InferShape and InferDType hooks used by the inference passes.
	// A nil hook means the op cannot resolve its entries by itself (e.g.
	// placeholder, whose entries are seeded externally).
	InferShape InferShapeFn
	InferDType InferDTypeFn

	// MutatesInput is the index of an input whose node this op mutates in
	// place (-1 for none). Building such an op bumps the target node's
	// version, so output handles taken before and after compare as
	// different snapshots.
	MutatesInput int
}

func (op *Op) String() string { return op.Name }

var (
	opRegistryMu sync.Mutex
	opRegistry   = make(map[string]*Op)
)

// Register adds op to the global registry and returns it.
// Registering a duplicate name panics.
func Register(op *Op) *Op {
	opRegistryMu.Lock()
	defer opRegistryMu.Unlock()
	if _, found := opRegistry[op.Name]; found {
		exceptions.Panicf("graph.Register: op %q registered twice", op.Name)
	}
	opRegistry[op.Name] = op
	return op
}

// OpByName returns the registered op with the given name.
// It panics if no such op was registered.
func OpByName(name string) *Op {
	opRegistryMu.Lock()
	defer opRegistryMu.Unlock()
	op, found := opRegistry[name]
	if !found {
		exceptions.Panicf("graph.OpByName: op %q is not registered", name)
	}
	return op
}
