package session

import (
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"github.com/leo59/tinyflow/backend"
	"github.com/leo59/tinyflow/graph"
	"github.com/leo59/tinyflow/ops"
)

func feed(pairs ...any) map[string]*backend.Tensor {
	m := make(map[string]*backend.Tensor, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		m[pairs[i].(string)] = pairs[i+1].(*backend.Tensor)
	}
	return m
}

func TestEndToEndAssign(t *testing.T) {
	st := backend.New()
	s := New(st)
	v := ops.Variable("v")
	x := ops.Placeholder("x")
	g := graph.New(ops.Assign(v, x))

	in := backend.TensorOf[float32](st, []int{2, 2}, 1, 2, 3, 4)
	outs, err := s.Run(g, feed("x", in))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, []int{2, 2}, outs[0].Shape().Dimensions)
	require.Equal(t, []float32{1, 2, 3, 4}, backend.Flat[float32](outs[0]))

	state, found := s.Variable("v")
	require.True(t, found)
	require.True(t, state.Initialized())
	require.Equal(t, []int{2, 2}, state.Blob().Shape.Dimensions)
	require.Equal(t, []float32{1, 2, 3, 4}, backend.Flat[float32](state.Value()))
}

func TestVariablePersistsAcrossGraphRebuilds(t *testing.T) {
	st := backend.New()
	s := New(st)

	v1 := ops.Variable("acc")
	g1 := graph.New(ops.Assign(v1, ops.Placeholder("x")))
	_ = must.M1(s.Run(g1, feed("x", backend.TensorOf[float32](st, []int{4}, 1, 2, 3, 4))))

	// A structurally different graph in the same session reads the value.
	v2 := ops.Variable("acc")
	g2 := graph.New(ops.Add(v2, v2))
	outs := must.M1(s.Run(g2, nil))
	require.Equal(t, []float32{2, 4, 6, 8}, backend.Flat[float32](outs[0]))
	require.Len(t, s.execs, 2)
}

func TestRunIsIdempotent(t *testing.T) {
	st := backend.New()
	s := New(st)
	x := ops.Placeholder("x")
	w := ops.Placeholder("w")
	g := graph.New(ops.MatMul(x, w))
	inputs := feed(
		"x", backend.TensorOf[float32](st, []int{2, 3}, 1, 2, 3, 4, 5, 6),
		"w", backend.TensorOf[float32](st, []int{3, 2}, 7, 8, 9, 10, 11, 12),
	)

	first := slices.Clone(backend.Flat[float32](must.M1(s.Run(g, inputs))[0]))
	second := backend.Flat[float32](must.M1(s.Run(g, inputs))[0])
	require.Equal(t, first, second)
}

func TestExecutorReusedForSameGraph(t *testing.T) {
	st := backend.New()
	s := New(st)
	x := ops.Placeholder("x")
	g := graph.New(ops.Neg(x))
	in := feed("x", backend.TensorOf[float32](st, []int{2}, 1, 2))

	_ = must.M1(s.Run(g, in))
	require.Len(t, s.execs, 1)
	compiled := s.execs[0].exec

	_ = must.M1(s.Run(g, in))
	require.Len(t, s.execs, 1)
	require.Same(t, compiled, s.execs[0].exec)
	require.Equal(t, 2, s.execs[0].useCount)

	// A different graph object with identical outputs also matches.
	_ = must.M1(s.Run(graph.New(g.Outputs()...), in))
	require.Len(t, s.execs, 1)
	require.Same(t, compiled, s.execs[0].exec)
	require.Equal(t, 3, s.execs[0].useCount)
}

func TestVersionBumpInvalidatesCachedExecutor(t *testing.T) {
	st := backend.New()
	s := New(st)
	s.SetVariable("v", backend.TensorOf[float32](st, []int{2}, 1, 2))

	v := ops.Variable("v")
	y := ops.Neg(v)
	g1 := graph.New(y, v.Node.OutputAt(0))
	_ = must.M1(s.Run(g1, nil))
	compiled := s.execs[0].exec

	// Building an assignment against v bumps its version: a graph exposing
	// the new snapshot must not reuse the cached executor.
	ops.Assign(v, ops.Placeholder("x"))
	g2 := graph.New(y, v.Node.OutputAt(0))
	_ = must.M1(s.Run(g2, nil))
	require.Len(t, s.execs, 2)
	require.NotSame(t, compiled, s.execs[0].exec)
}

func TestCacheCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	st := backend.New()
	s := New(st, WithMaxCachedExecutors(1))
	gA := graph.New(ops.Neg(ops.Placeholder("x")))
	gB := graph.New(ops.Relu(ops.Placeholder("x")))
	in := feed("x", backend.TensorOf[float32](st, []int{2}, -1, 2))

	_ = must.M1(s.Run(gA, in))
	execA := s.execs[0].exec
	_ = must.M1(s.Run(gB, in))
	require.Len(t, s.execs, 1)
	require.NotSame(t, execA, s.execs[0].exec)

	// Back to A: the evicted executor is rebuilt, outputs unaffected.
	outs := must.M1(s.Run(gA, in))
	require.Equal(t, []float32{1, -2}, backend.Flat[float32](outs[0]))
	require.Len(t, s.execs, 1)
}

func TestMissingPlaceholderIsCallerError(t *testing.T) {
	st := backend.New()
	s := New(st)
	g := graph.New(ops.Neg(ops.Placeholder("x")))
	outs, err := s.Run(g, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), `"x"`)
	require.Nil(t, outs)
}

func TestUninitializedVariableReadPanics(t *testing.T) {
	st := backend.New()
	s := New(st)
	g := graph.New(ops.Neg(ops.Variable("never_written")))
	require.Panics(t, func() { _, _ = s.Run(g, nil) })
}

// clobberOp is a malformed assignment-kind op: it mutates its first input but
// accepts any number of inputs, letting tests build arity-violating nodes.
var clobberOp = graph.Register(&graph.Op{
	Name: "test_clobber", NumInputs: -1, NumOutputs: 1, MutatesInput: 0,
})

func TestMalformedAssignmentFailsDuringInit(t *testing.T) {
	st := backend.New()
	s := New(st)
	v := ops.Variable("v")
	x := ops.Placeholder("x")
	g := graph.New(graph.NewNode(clobberOp, "bad", nil, v, x, x))
	require.Panics(t, func() {
		_, _ = s.Run(g, feed("x", backend.TensorOf[float32](st, []int{1}, 1)))
	})
	// Init failed before any tensor was touched.
	state, found := s.Variable("v")
	require.True(t, found)
	require.False(t, state.Initialized())
}

func TestReassignWithNewShapeResizesVariable(t *testing.T) {
	st := backend.New()
	s := New(st)
	v := ops.Variable("v")
	g := graph.New(ops.Assign(v, ops.Placeholder("x")))

	_ = must.M1(s.Run(g, feed("x", backend.TensorOf[float32](st, []int{2}, 1, 2))))

	// The variable's previous shape must not pin inference: the assigned
	// value is authoritative.
	outs := must.M1(s.Run(g, feed("x", backend.TensorOf[float32](st, []int{3}, 4, 5, 6))))
	require.Equal(t, []float32{4, 5, 6}, backend.Flat[float32](outs[0]))
	state, _ := s.Variable("v")
	require.Equal(t, []int{3}, state.Blob().Shape.Dimensions)
	require.Equal(t, []float32{4, 5, 6}, backend.Flat[float32](state.Value()))

	// Same for a dtype change.
	outs = must.M1(s.Run(g, feed("x", backend.TensorOf[int64](st, []int{2}, 7, 8))))
	require.Equal(t, []int64{7, 8}, backend.Flat[int64](outs[0]))
	require.Equal(t, dtypes.Int64, state.Blob().Shape.DType)
}

func TestReadModifyWriteVariable(t *testing.T) {
	st := backend.New()
	s := New(st)
	s.SetVariable("v", backend.TensorOf[float32](st, []int{2}, 1, 2))
	v := ops.Variable("v")
	g := graph.New(ops.Assign(v, ops.Add(v, v)))

	outs := must.M1(s.Run(g, nil))
	require.Equal(t, []float32{2, 4}, backend.Flat[float32](outs[0]))

	// The updated value feeds the next run of the same executor.
	outs = must.M1(s.Run(g, nil))
	require.Equal(t, []float32{4, 8}, backend.Flat[float32](outs[0]))
	state, _ := s.Variable("v")
	require.Equal(t, []float32{4, 8}, backend.Flat[float32](state.Value()))
}

func TestSetVariableExternalAssignment(t *testing.T) {
	st := backend.New()
	s := New(st)
	v := ops.Variable("v")
	g := graph.New(ops.Neg(v))

	s.SetVariable("v", backend.TensorOf[float32](st, []int{2}, 5, 7))
	outs := must.M1(s.Run(g, nil))
	require.Equal(t, []float32{-5, -7}, backend.Flat[float32](outs[0]))

	// Same shape: the new value flows through the aliased entry.
	s.SetVariable("v", backend.TensorOf[float32](st, []int{2}, 1, 2))
	outs = must.M1(s.Run(g, nil))
	require.Equal(t, []float32{-1, -2}, backend.Flat[float32](outs[0]))

	// New shape: picked up through the staleness check.
	s.SetVariable("v", backend.TensorOf[float32](st, []int{3}, 1, 2, 3))
	outs = must.M1(s.Run(g, nil))
	require.Equal(t, []float32{-1, -2, -3}, backend.Flat[float32](outs[0]))
}
