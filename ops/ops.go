// Package ops defines the stock operation set: graph builder helpers, the
// shape/dtype inference hooks consumed by the graph passes, and the backend
// compute kernels.
//
// Builder helpers return graph.Output handles and panic on misuse, so graph
// construction errors surface where the graph is written, not when it runs.
package ops

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/leo59/tinyflow/graph"
)

// Node attribute keys used by the constant-shaped ops.
const (
	attrKeyShape = "shape"
	attrKeyDType = "dtype"
)

var (
	// Placeholder: a graph input fed fresh on every run. Its entry is
	// seeded by the executor, so there is nothing to infer.
	OpPlaceholder = graph.Register(&graph.Op{
		Name: "placeholder", NumInputs: 0, NumOutputs: 1,
		Placeholder:  true,
		MutatesInput: -1,
	})

	// Assign: overwrites a variable with a computed value and yields that
	// value. Input 0 is the target variable, input 1 the value.
	OpAssign = graph.Register(&graph.Op{
		Name: "assign", NumInputs: 2, NumOutputs: 1,
		InferShape:   assignInferShape,
		InferDType:   assignInferDType,
		MutatesInput: 0,
	})

	OpZeros = registerFilled("zeros")
	OpOnes  = registerFilled("ones")

	OpAdd = registerBinary("add")
	OpSub = registerBinary("sub")
	OpMul = registerBinary("mul")
	OpDiv = registerBinary("div")

	OpNeg  = registerUnary("neg")
	OpExp  = registerUnary("exp")
	OpLog  = registerUnary("log")
	OpRelu = registerUnary("relu")

	OpMatMul = graph.Register(&graph.Op{
		Name: "matmul", NumInputs: 2, NumOutputs: 1,
		InferShape:   matmulInferShape,
		InferDType:   sameDTypeInfer,
		MutatesInput: -1,
	})
)

func registerBinary(name string) *graph.Op {
	return graph.Register(&graph.Op{
		Name: name, NumInputs: 2, NumOutputs: 1,
		InferShape:   sameShapeInfer,
		InferDType:   sameDTypeInfer,
		MutatesInput: -1,
	})
}

func registerUnary(name string) *graph.Op {
	return graph.Register(&graph.Op{
		Name: name, NumInputs: 1, NumOutputs: 1,
		InferShape:   sameShapeInfer,
		InferDType:   sameDTypeInfer,
		MutatesInput: -1,
	})
}

func registerFilled(name string) *graph.Op {
	return graph.Register(&graph.Op{
		Name: name, NumInputs: 0, NumOutputs: 1,
		InferShape:   attrShapeInfer,
		InferDType:   attrDTypeInfer,
		MutatesInput: -1,
	})
}

// sameShapeInfer: all inputs and the output share one shape; any known entry
// resolves the rest.
func sameShapeInfer(n *graph.Node, in, out [][]int) bool {
	var dims []int
	for _, d := range in {
		if len(d) > 0 {
			dims = d
			break
		}
	}
	if len(dims) == 0 && len(out[0]) > 0 {
		dims = out[0]
	}
	if len(dims) == 0 {
		return false
	}
	for i := range in {
		in[i] = dims
	}
	out[0] = dims
	return true
}

func sameDTypeInfer(n *graph.Node, in, out []dtypes.DType) bool {
	dtype := dtypes.InvalidDType
	for _, dt := range in {
		if dt != dtypes.InvalidDType {
			dtype = dt
			break
		}
	}
	if dtype == dtypes.InvalidDType {
		dtype = out[0]
	}
	if dtype == dtypes.InvalidDType {
		return false
	}
	for i := range in {
		in[i] = dtype
	}
	out[0] = dtype
	return true
}

// assignInferShape: the assigned value's shape flows to both the target
// variable's entry and the assign output. This is what makes a write-only
// variable's entry resolvable.
func assignInferShape(n *graph.Node, in, out [][]int) bool {
	return sameShapeInfer(n, in, out)
}

func assignInferDType(n *graph.Node, in, out []dtypes.DType) bool {
	return sameDTypeInfer(n, in, out)
}

func matmulInferShape(n *graph.Node, in, out [][]int) bool {
	lhs, rhs := in[0], in[1]
	if len(lhs) == 0 || len(rhs) == 0 {
		return false
	}
	if len(lhs) != 2 || len(rhs) != 2 {
		exceptions.Panicf("matmul %q: operands must be 2-D, got %v x %v", n.Name(), lhs, rhs)
	}
	if lhs[1] != rhs[0] {
		exceptions.Panicf("matmul %q: inner dimensions disagree, %v x %v", n.Name(), lhs, rhs)
	}
	out[0] = []int{lhs[0], rhs[1]}
	return true
}

func attrShapeInfer(n *graph.Node, in, out [][]int) bool {
	raw, found := n.Attr(attrKeyShape)
	if !found {
		exceptions.Panicf("%s: node %q is missing its %q attribute", n.Op(), n.Name(), attrKeyShape)
	}
	dims, err := parseDims(raw)
	if err != nil {
		exceptions.Panicf("%s: node %q has a bad %q attribute: %v", n.Op(), n.Name(), attrKeyShape, err)
	}
	out[0] = dims
	return true
}

func attrDTypeInfer(n *graph.Node, in, out []dtypes.DType) bool {
	raw, found := n.Attr(attrKeyDType)
	if !found {
		exceptions.Panicf("%s: node %q is missing its %q attribute", n.Op(), n.Name(), attrKeyDType)
	}
	out[0] = dtypeFromName(raw)
	return true
}

// Builder helpers. Only variable and placeholder names are semantic (they key
// the feed map and the session variable states); other node names are
// auto-generated and purely diagnostic.

var nameSeq atomic.Uint64

func autoName(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, nameSeq.Add(1))
}

// Placeholder creates a graph input node whose value must be supplied under
// name on every run.
func Placeholder(name string) graph.Output {
	return graph.NewNode(OpPlaceholder, name, nil)
}

// Variable creates (a reference to) the session variable with the given name.
func Variable(name string) graph.Output {
	return graph.NewVariable(name)
}

// Assign overwrites the target variable with value and yields value. The
// target must be a variable output.
func Assign(target, value graph.Output) graph.Output {
	if !target.Node.IsVariable() {
		exceptions.Panicf("ops.Assign: target %s is not a variable", target.Node)
	}
	return graph.NewNode(OpAssign, autoName("assign"), nil, target, value)
}

// Zeros creates a constant node of the given dtype and dims, filled with 0.
func Zeros(dtype dtypes.DType, dims ...int) graph.Output {
	return filled(OpZeros, dtype, dims)
}

// Ones creates a constant node of the given dtype and dims, filled with 1.
func Ones(dtype dtypes.DType, dims ...int) graph.Output {
	return filled(OpOnes, dtype, dims)
}

func filled(op *graph.Op, dtype dtypes.DType, dims []int) graph.Output {
	attrs := map[string]string{
		attrKeyShape: formatDims(dims),
		attrKeyDType: dtype.String(),
	}
	return graph.NewNode(op, autoName(op.Name), attrs)
}

// Add returns lhs + rhs, elementwise. Shapes must match.
func Add(lhs, rhs graph.Output) graph.Output { return binary(OpAdd, lhs, rhs) }

// Sub returns lhs - rhs, elementwise.
func Sub(lhs, rhs graph.Output) graph.Output { return binary(OpSub, lhs, rhs) }

// Mul returns lhs * rhs, elementwise.
func Mul(lhs, rhs graph.Output) graph.Output { return binary(OpMul, lhs, rhs) }

// Div returns lhs / rhs, elementwise.
func Div(lhs, rhs graph.Output) graph.Output { return binary(OpDiv, lhs, rhs) }

func binary(op *graph.Op, lhs, rhs graph.Output) graph.Output {
	return graph.NewNode(op, autoName(op.Name), nil, lhs, rhs)
}

// Neg returns -x, elementwise.
func Neg(x graph.Output) graph.Output { return unary(OpNeg, x) }

// Exp returns e^x, elementwise. Floating point only.
func Exp(x graph.Output) graph.Output { return unary(OpExp, x) }

// Log returns ln(x), elementwise. Floating point only.
func Log(x graph.Output) graph.Output { return unary(OpLog, x) }

// Relu returns max(0, x), elementwise.
func Relu(x graph.Output) graph.Output { return unary(OpRelu, x) }

func unary(op *graph.Op, x graph.Output) graph.Output {
	return graph.NewNode(op, autoName(op.Name), nil, x)
}

// MatMul returns the matrix product of two 2-D operands.
func MatMul(lhs, rhs graph.Output) graph.Output {
	return graph.NewNode(OpMatMul, autoName("matmul"), nil, lhs, rhs)
}

func formatDims(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func parseDims(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	dims := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("bad dimension %q in %q", p, s)
		}
		dims = append(dims, d)
	}
	return dims, nil
}

var dtypeNames = map[string]dtypes.DType{}

func init() {
	for _, dtype := range []dtypes.DType{
		dtypes.Float16, dtypes.Float32, dtypes.Float64,
		dtypes.Int32, dtypes.Int64,
	} {
		dtypeNames[strings.ToLower(dtype.String())] = dtype
	}
}

func dtypeFromName(name string) dtypes.DType {
	dtype, found := dtypeNames[strings.ToLower(name)]
	if !found {
		exceptions.Panicf("ops: unknown dtype name %q", name)
	}
	return dtype
}
