package ops

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/leo59/tinyflow/backend"
	"github.com/leo59/tinyflow/graph"
)

// Compute kernels for the stock ops. Registered once at package init; the
// executor resolves them by op name at closure compilation time.
//
// Float16 kernels widen each element to float32, compute, and narrow back.

func init() {
	backend.RegisterCompute(OpAssign.Name, assignCompute)
	backend.RegisterCompute(OpZeros.Name, fillCompute(0))
	backend.RegisterCompute(OpOnes.Name, fillCompute(1))

	backend.RegisterCompute(OpAdd.Name, binaryCompute(binAdd))
	backend.RegisterCompute(OpSub.Name, binaryCompute(binSub))
	backend.RegisterCompute(OpMul.Name, binaryCompute(binMul))
	backend.RegisterCompute(OpDiv.Name, binaryCompute(binDiv))

	backend.RegisterCompute(OpNeg.Name, unaryCompute(unNeg))
	backend.RegisterCompute(OpExp.Name, unaryCompute(unExp))
	backend.RegisterCompute(OpLog.Name, unaryCompute(unLog))
	backend.RegisterCompute(OpRelu.Name, unaryCompute(unRelu))

	backend.RegisterCompute(OpMatMul.Name, matmulCompute)

	// Placeholder values are copied into the entry by the executor's setup;
	// at execution time the node is a no-op.
	backend.RegisterCompute(OpPlaceholder.Name, func(st *backend.State, node *graph.Node, ins, outs []*backend.Tensor) error {
		return nil
	})
}

// assignCompute writes the value (input 1) into the target variable's tensor
// (input 0, aliased to the variable state) and into its own output.
func assignCompute(st *backend.State, node *graph.Node, ins, outs []*backend.Tensor) error {
	st.CopyFromTo(ins[1], ins[0])
	st.CopyFromTo(ins[1], outs[0])
	return nil
}

type number interface {
	~int32 | ~int64 | ~float32 | ~float64
}

// fillCompute fills the output with a constant. Pool buffers are reused
// across entries, so the fill must be explicit even for zero.
func fillCompute(value float64) backend.ComputeFn {
	return func(st *backend.State, node *graph.Node, ins, outs []*backend.Tensor) error {
		out := outs[0]
		switch out.DType() {
		case dtypes.Float32:
			fill(backend.Flat[float32](out), float32(value))
		case dtypes.Float64:
			fill(backend.Flat[float64](out), value)
		case dtypes.Int32:
			fill(backend.Flat[int32](out), int32(value))
		case dtypes.Int64:
			fill(backend.Flat[int64](out), int64(value))
		case dtypes.Float16:
			fill(backend.Flat[float16.Float16](out), float16.Fromfloat32(float32(value)))
		default:
			return errors.Errorf("op %s: dtype %s not supported", node.Op(), out.DType())
		}
		return nil
	}
}

func fill[T any](flat []T, value T) {
	for i := range flat {
		flat[i] = value
	}
}

type binOp int

const (
	binAdd binOp = iota
	binSub
	binMul
	binDiv
)

func binaryCompute(op binOp) backend.ComputeFn {
	return func(st *backend.State, node *graph.Node, ins, outs []*backend.Tensor) error {
		a, b, out := ins[0], ins[1], outs[0]
		switch out.DType() {
		case dtypes.Float32:
			ewBinary(backend.Flat[float32](out), backend.Flat[float32](a), backend.Flat[float32](b), op)
		case dtypes.Float64:
			ewBinary(backend.Flat[float64](out), backend.Flat[float64](a), backend.Flat[float64](b), op)
		case dtypes.Int32:
			ewBinary(backend.Flat[int32](out), backend.Flat[int32](a), backend.Flat[int32](b), op)
		case dtypes.Int64:
			ewBinary(backend.Flat[int64](out), backend.Flat[int64](a), backend.Flat[int64](b), op)
		case dtypes.Float16:
			ewBinaryF16(backend.Flat[float16.Float16](out), backend.Flat[float16.Float16](a), backend.Flat[float16.Float16](b), op)
		default:
			return errors.Errorf("op %s: dtype %s not supported", node.Op(), out.DType())
		}
		return nil
	}
}

func ewBinary[T number](out, a, b []T, op binOp) {
	switch op {
	case binAdd:
		for i := range out {
			out[i] = a[i] + b[i]
		}
	case binSub:
		for i := range out {
			out[i] = a[i] - b[i]
		}
	case binMul:
		for i := range out {
			out[i] = a[i] * b[i]
		}
	case binDiv:
		for i := range out {
			out[i] = a[i] / b[i]
		}
	}
}

func ewBinaryF16(out, a, b []float16.Float16, op binOp) {
	for i := range out {
		x, y := a[i].Float32(), b[i].Float32()
		var r float32
		switch op {
		case binAdd:
			r = x + y
		case binSub:
			r = x - y
		case binMul:
			r = x * y
		case binDiv:
			r = x / y
		}
		out[i] = float16.Fromfloat32(r)
	}
}

type unOp int

const (
	unNeg unOp = iota
	unExp
	unLog
	unRelu
)

func unaryCompute(op unOp) backend.ComputeFn {
	return func(st *backend.State, node *graph.Node, ins, outs []*backend.Tensor) error {
		a, out := ins[0], outs[0]
		switch out.DType() {
		case dtypes.Float32:
			ewUnaryFloat(backend.Flat[float32](out), backend.Flat[float32](a), op)
		case dtypes.Float64:
			ewUnaryFloat(backend.Flat[float64](out), backend.Flat[float64](a), op)
		case dtypes.Float16:
			ewUnaryF16(backend.Flat[float16.Float16](out), backend.Flat[float16.Float16](a), op)
		case dtypes.Int32:
			if op == unExp || op == unLog {
				return errors.Errorf("op %s: dtype %s not supported", node.Op(), out.DType())
			}
			ewUnaryInt(backend.Flat[int32](out), backend.Flat[int32](a), op)
		case dtypes.Int64:
			if op == unExp || op == unLog {
				return errors.Errorf("op %s: dtype %s not supported", node.Op(), out.DType())
			}
			ewUnaryInt(backend.Flat[int64](out), backend.Flat[int64](a), op)
		default:
			return errors.Errorf("op %s: dtype %s not supported", node.Op(), out.DType())
		}
		return nil
	}
}

func ewUnaryFloat[T ~float32 | ~float64](out, a []T, op unOp) {
	for i := range out {
		x := float64(a[i])
		switch op {
		case unNeg:
			x = -x
		case unExp:
			x = math.Exp(x)
		case unLog:
			x = math.Log(x)
		case unRelu:
			x = math.Max(0, x)
		}
		out[i] = T(x)
	}
}

func ewUnaryInt[T ~int32 | ~int64](out, a []T, op unOp) {
	for i := range out {
		x := a[i]
		switch op {
		case unNeg:
			x = -x
		case unRelu:
			if x < 0 {
				x = 0
			}
		}
		out[i] = x
	}
}

func ewUnaryF16(out, a []float16.Float16, op unOp) {
	for i := range out {
		x := float64(a[i].Float32())
		switch op {
		case unNeg:
			x = -x
		case unExp:
			x = math.Exp(x)
		case unLog:
			x = math.Log(x)
		case unRelu:
			x = math.Max(0, x)
		}
		out[i] = float16.Fromfloat32(float32(x))
	}
}

func matmulCompute(st *backend.State, node *graph.Node, ins, outs []*backend.Tensor) error {
	lhs, rhs, out := ins[0], ins[1], outs[0]
	m := lhs.Shape().Dimensions[0]
	k := lhs.Shape().Dimensions[1]
	n := rhs.Shape().Dimensions[1]
	switch out.DType() {
	case dtypes.Float32:
		matmul(backend.Flat[float32](out), backend.Flat[float32](lhs), backend.Flat[float32](rhs), m, k, n)
	case dtypes.Float64:
		matmul(backend.Flat[float64](out), backend.Flat[float64](lhs), backend.Flat[float64](rhs), m, k, n)
	case dtypes.Float16:
		matmulF16(backend.Flat[float16.Float16](out), backend.Flat[float16.Float16](lhs), backend.Flat[float16.Float16](rhs), m, k, n)
	default:
		return errors.Errorf("op %s: dtype %s not supported", node.Op(), out.DType())
	}
	return nil
}

func matmul[T ~float32 | ~float64](out, lhs, rhs []T, m, k, n int) {
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var acc T
			for l := 0; l < k; l++ {
				acc += lhs[i*k+l] * rhs[l*n+j]
			}
			out[i*n+j] = acc
		}
	}
}

func matmulF16(out, lhs, rhs []float16.Float16, m, k, n int) {
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var acc float32
			for l := 0; l < k; l++ {
				acc += lhs[i*k+l].Float32() * rhs[l*n+j].Float32()
			}
			out[i*n+j] = float16.Fromfloat32(acc)
		}
	}
}
