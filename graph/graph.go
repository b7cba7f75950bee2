// Package graph defines the dataflow intermediate representation executed by
// the session package: operation nodes, versioned output handles, a
// topological index with linear entry ids, a string-keyed attribute store and
// a registry of named transformation passes (InferShape, InferType,
// PlanMemory).
//
// Graphs are immutable once built; all derived information (inference results,
// storage plans) lives in the attribute store, keyed by the names in this
// package's Attr* constants.
package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// Graph is an immutable set of output handles plus an attribute store where
// passes deposit their results.
type Graph struct {
	outputs []Output
	attrs   map[string]any
	indexed *IndexedGraph
}

// New creates a Graph producing the given outputs, in order.
func New(outputs ...Output) *Graph {
	if len(outputs) == 0 {
		exceptions.Panicf("graph.New: a graph needs at least one output")
	}
	return &Graph{
		outputs: slices.Clone(outputs),
		attrs:   make(map[string]any),
	}
}

// Outputs returns the graph's ordered output handles.
// The returned slice must not be modified.
func (g *Graph) Outputs() []Output { return g.outputs }

// SetAttr stores value in the graph's attribute store.
func (g *Graph) SetAttr(name string, value any) {
	g.attrs[name] = value
}

// HasAttr reports whether the attribute is set.
func (g *Graph) HasAttr(name string) bool {
	_, found := g.attrs[name]
	return found
}

// Attr returns the attribute stored under name, panicking if it is missing or
// holds a different type. Typed access mirrors how passes communicate:
// whoever set the attribute fixes its type.
func Attr[T any](g *Graph, name string) T {
	raw, found := g.attrs[name]
	if !found {
		exceptions.Panicf("graph attribute %q is not set", name)
	}
	value, ok := raw.(T)
	if !ok {
		var zero T
		exceptions.Panicf("graph attribute %q holds %T, requested as %T", name, raw, zero)
	}
	return value
}

// Names of the attributes exchanged between the executor and the passes.
const (
	// AttrShape is a ShapeVector: per-entry dims, seeded by the executor for
	// variables and placeholders, completed by the InferShape pass.
	AttrShape = "shape"
	// AttrDType is a DTypeVector, the dtype counterpart of AttrShape.
	AttrDType = "dtype"
	// AttrStorageID is a StorageVector produced by the PlanMemory pass.
	AttrStorageID = "storage_id"
	// AttrShapeUnknown (an int) is the number of entries InferShape left
	// unresolved.
	AttrShapeUnknown = "shape_num_unknown_entries"
	// AttrDTypeUnknown (an int) is the number of entries InferType left
	// unresolved.
	AttrDTypeUnknown = "dtype_num_unknown_entries"
)
