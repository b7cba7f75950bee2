package backend

import (
	"sync"

	"github.com/gomlx/exceptions"

	"github.com/leo59/tinyflow/graph"
)

// ComputeFn is the compute implementation of one op. It receives the node
// being executed and its input and output tensors, in slot order. Output
// tensors arrive already bound to correctly shaped storage.
type ComputeFn func(st *State, node *graph.Node, ins, outs []*Tensor) error

var (
	computeRegistryMu sync.Mutex
	computeRegistry   = make(map[string]ComputeFn)
)

// RegisterCompute registers the compute implementation for the op with the
// given name. Registering a duplicate panics.
func RegisterCompute(opName string, fn ComputeFn) {
	computeRegistryMu.Lock()
	defer computeRegistryMu.Unlock()
	if _, found := computeRegistry[opName]; found {
		exceptions.Panicf("backend.RegisterCompute: op %q registered twice", opName)
	}
	computeRegistry[opName] = fn
}

// ComputeFor looks up the compute implementation for op. The executor resolves
// this once, at closure compilation time, never per invocation.
func ComputeFor(op *graph.Op) (ComputeFn, bool) {
	computeRegistryMu.Lock()
	defer computeRegistryMu.Unlock()
	fn, found := computeRegistry[op.Name]
	return fn, found
}
