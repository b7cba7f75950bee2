package graph

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
)

// Node is one operation (or variable) in a graph. Nodes are immutable after
// creation, except for the version counter bumped by in-place mutating ops.
type Node struct {
	op      *Op // nil for variables
	name    string
	inputs  []Output
	attrs   map[string]string
	version int
}

// Output is a handle to one output slot of a node. Version records the node's
// mutation snapshot at the time the handle was taken: handles to the same slot
// before and after an in-place mutation compare as different.
type Output struct {
	Node    *Node
	Index   int
	Version int
}

// NewNode creates a node applying op to the given inputs and returns the
// handle to its first output.
//
// It panics if the number of inputs doesn't match the op arity. If the op
// declares an in-place mutated input, the target node's version is bumped
// after the handles are captured.
func NewNode(op *Op, name string, attrs map[string]string, inputs ...Output) Output {
	if op.NumInputs >= 0 && len(inputs) != op.NumInputs {
		exceptions.Panicf("graph.NewNode: op %q takes %d inputs, got %d", op.Name, op.NumInputs, len(inputs))
	}
	n := &Node{
		op:     op,
		name:   name,
		inputs: slices.Clone(inputs),
	}
	if len(attrs) > 0 {
		n.attrs = maps.Clone(attrs)
	}
	if op.MutatesInput >= 0 {
		if op.MutatesInput >= len(inputs) {
			exceptions.Panicf("graph.NewNode: op %q mutates input #%d but only %d inputs given",
				op.Name, op.MutatesInput, len(inputs))
		}
		inputs[op.MutatesInput].Node.version++
	}
	return n.OutputAt(0)
}

// NewVariable creates an op-less variable node with the given name and returns
// its (single) output handle. Variable values live in the session's variable
// states, keyed by this name.
func NewVariable(name string) Output {
	n := &Node{name: name}
	return n.OutputAt(0)
}

// IsVariable reports whether this is an op-less variable node.
func (n *Node) IsVariable() bool { return n.op == nil }

// Op returns the node's operation, nil for variables.
func (n *Node) Op() *Op { return n.op }

// Name returns the node's name. For variables this is the variable name.
func (n *Node) Name() string { return n.name }

// Inputs returns the node's input handles. The returned slice must not be
// modified.
func (n *Node) Inputs() []Output { return n.inputs }

// NumOutputs returns the number of output slots of the node.
// Variables have exactly one.
func (n *Node) NumOutputs() int {
	if n.op == nil {
		return 1
	}
	return n.op.NumOutputs
}

// Attr returns the string attribute stored under key, if any.
func (n *Node) Attr(key string) (string, bool) {
	value, found := n.attrs[key]
	return value, found
}

// OutputAt returns a handle to the node's idx-th output at the node's current
// version.
func (n *Node) OutputAt(idx int) Output {
	if idx < 0 || idx >= n.NumOutputs() {
		exceptions.Panicf("node %q has %d outputs, requested output #%d", n.name, n.NumOutputs(), idx)
	}
	return Output{Node: n, Index: idx, Version: n.version}
}

func (n *Node) String() string {
	if n.IsVariable() {
		return fmt.Sprintf("variable(%q)", n.name)
	}
	return fmt.Sprintf("%s(%q)", n.op.Name, n.name)
}
