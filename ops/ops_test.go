package ops_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/leo59/tinyflow/backend"
	"github.com/leo59/tinyflow/graph"
	"github.com/leo59/tinyflow/ops"
)

// runKernel executes op's registered compute over the given inputs, with a
// freshly allocated output of outDims.
func runKernel(t *testing.T, op *graph.Op, outDims []int, dtype dtypes.DType, ins ...*backend.Tensor) *backend.Tensor {
	t.Helper()
	st := backend.New()
	fn, found := backend.ComputeFor(op)
	require.True(t, found, "op %q has no compute", op.Name)
	out := st.NewTensor(backend.CPU, dtype, outDims)
	node := nodeFor(op, len(ins))
	require.NoError(t, fn(st, node, ins, []*backend.Tensor{out}))
	return out
}

func nodeFor(op *graph.Op, numInputs int) *graph.Node {
	ins := make([]graph.Output, numInputs)
	for i := range ins {
		ins[i] = ops.Placeholder("in")
	}
	return graph.NewNode(op, "test", nil, ins...).Node
}

func TestBinaryKernels(t *testing.T) {
	st := backend.New()
	a := backend.TensorOf[float32](st, []int{4}, 1, 2, 3, 4)
	b := backend.TensorOf[float32](st, []int{4}, 10, 20, 30, 40)

	out := runKernel(t, ops.OpAdd, []int{4}, dtypes.Float32, a, b)
	require.Equal(t, []float32{11, 22, 33, 44}, backend.Flat[float32](out))
	out = runKernel(t, ops.OpSub, []int{4}, dtypes.Float32, b, a)
	require.Equal(t, []float32{9, 18, 27, 36}, backend.Flat[float32](out))
	out = runKernel(t, ops.OpMul, []int{4}, dtypes.Float32, a, b)
	require.Equal(t, []float32{10, 40, 90, 160}, backend.Flat[float32](out))
	out = runKernel(t, ops.OpDiv, []int{4}, dtypes.Float32, b, a)
	require.Equal(t, []float32{10, 10, 10, 10}, backend.Flat[float32](out))

	ia := backend.TensorOf[int64](st, []int{2}, 3, -4)
	ib := backend.TensorOf[int64](st, []int{2}, 2, 2)
	iout := runKernel(t, ops.OpAdd, []int{2}, dtypes.Int64, ia, ib)
	require.Equal(t, []int64{5, -2}, backend.Flat[int64](iout))
}

func TestUnaryKernels(t *testing.T) {
	st := backend.New()
	x := backend.TensorOf[float64](st, []int{3}, -1, 0, 2)

	out := runKernel(t, ops.OpNeg, []int{3}, dtypes.Float64, x)
	require.Equal(t, []float64{1, 0, -2}, backend.Flat[float64](out))
	out = runKernel(t, ops.OpRelu, []int{3}, dtypes.Float64, x)
	require.Equal(t, []float64{0, 0, 2}, backend.Flat[float64](out))

	e := backend.TensorOf[float64](st, []int{1}, 0)
	out = runKernel(t, ops.OpExp, []int{1}, dtypes.Float64, e)
	require.InDelta(t, 1.0, backend.Flat[float64](out)[0], 1e-12)

	// exp/log are undefined for integers.
	i := backend.TensorOf[int32](st, []int{1}, 1)
	fn, _ := backend.ComputeFor(ops.OpExp)
	iOut := st.NewTensor(backend.CPU, dtypes.Int32, []int{1})
	require.Error(t, fn(st, nodeFor(ops.OpExp, 1), []*backend.Tensor{i}, []*backend.Tensor{iOut}))
}

func TestMatMulKernel(t *testing.T) {
	st := backend.New()
	lhs := backend.TensorOf[float32](st, []int{2, 3}, 1, 2, 3, 4, 5, 6)
	rhs := backend.TensorOf[float32](st, []int{3, 2}, 7, 8, 9, 10, 11, 12)
	out := runKernel(t, ops.OpMatMul, []int{2, 2}, dtypes.Float32, lhs, rhs)
	require.Equal(t, []float32{58, 64, 139, 154}, backend.Flat[float32](out))
}

func TestFloat16Kernels(t *testing.T) {
	st := backend.New()
	h := func(v float32) float16.Float16 { return float16.Fromfloat32(v) }
	a := backend.TensorOf[float16.Float16](st, []int{2}, h(1.5), h(2))
	b := backend.TensorOf[float16.Float16](st, []int{2}, h(0.5), h(3))
	out := runKernel(t, ops.OpMul, []int{2}, dtypes.Float16, a, b)
	flat := backend.Flat[float16.Float16](out)
	require.Equal(t, float32(0.75), flat[0].Float32())
	require.Equal(t, float32(6), flat[1].Float32())
}

func TestFillKernels(t *testing.T) {
	out := runKernel(t, ops.OpZeros, []int{2, 2}, dtypes.Float32)
	require.Equal(t, []float32{0, 0, 0, 0}, backend.Flat[float32](out))
	out = runKernel(t, ops.OpOnes, []int{3}, dtypes.Int64)
	require.Equal(t, []int64{1, 1, 1}, backend.Flat[int64](out))
}

func TestMatMulShapeInference(t *testing.T) {
	require.Panics(t, func() {
		n := nodeFor(ops.OpMatMul, 2)
		n.Op().InferShape(n, [][]int{{2, 3}, {4, 5}}, [][]int{nil})
	})
}

func TestAssignRequiresVariableTarget(t *testing.T) {
	x := ops.Placeholder("x")
	y := ops.Placeholder("y")
	require.Panics(t, func() { ops.Assign(x, y) })
}
