package backend

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/leo59/tinyflow/types/shapes"
)

func TestStorageAndTensor(t *testing.T) {
	st := New()
	storage := st.NewStorage(6, CPU, dtypes.Float32)
	require.Equal(t, 6, storage.Len())
	require.Equal(t, dtypes.Float32, storage.DType())
	require.Equal(t, 1, st.NumStorageAllocs())

	tensor := st.NewTensorEmpty(CPU, dtypes.Float32)
	require.False(t, tensor.Defined())
	st.BindStorage(tensor, storage, []int{2, 3})
	require.True(t, tensor.Defined())
	require.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))
	require.Len(t, Flat[float32](tensor), 6)

	// Re-binding to a smaller view keeps the handle, changes the shape.
	st.BindStorage(tensor, storage, []int{2})
	require.Len(t, Flat[float32](tensor), 2)

	// A view larger than the storage is a defect.
	require.Panics(t, func() { st.BindStorage(tensor, storage, []int{7}) })
}

func TestBindStorageAdoptsDType(t *testing.T) {
	st := New()
	tensor := st.NewTensorEmpty(CPU, dtypes.Float32)
	st.BindStorage(tensor, st.NewStorage(4, CPU, dtypes.Int64), []int{4})
	require.Equal(t, dtypes.Int64, tensor.DType())
	require.Len(t, Flat[int64](tensor), 4)
}

func TestCopyFromTo(t *testing.T) {
	st := New()
	src := TensorOf[float32](st, []int{2, 2}, 1, 2, 3, 4)
	dst := st.NewTensor(CPU, dtypes.Float32, []int{2, 2})
	st.CopyFromTo(src, dst)
	require.Equal(t, []float32{1, 2, 3, 4}, Flat[float32](dst))

	// A copy is a value copy, not a reference swap.
	Flat[float32](src)[0] = 99
	require.Equal(t, float32(1), Flat[float32](dst)[0])

	wrongSize := st.NewTensor(CPU, dtypes.Float32, []int{3})
	require.Panics(t, func() { st.CopyFromTo(src, wrongSize) })
	wrongDType := st.NewTensor(CPU, dtypes.Float64, []int{2, 2})
	require.Panics(t, func() { st.CopyFromTo(src, wrongDType) })
}

func TestTensorOfAndScalar(t *testing.T) {
	st := New()
	tensor := TensorOf[int64](st, []int{3}, 7, 8, 9)
	require.Equal(t, dtypes.Int64, tensor.DType())
	require.Equal(t, []int64{7, 8, 9}, Flat[int64](tensor))
	require.Panics(t, func() { TensorOf[int64](st, []int{3}, 7) })
	require.Panics(t, func() { Flat[float32](tensor) })

	s := Scalar[float64](st, 3.5)
	require.Equal(t, []int{1}, s.Shape().Dimensions)
}

func TestFloat16Tensor(t *testing.T) {
	st := New()
	tensor := TensorOf[float16.Float16](st, []int{2},
		float16.Fromfloat32(1.5), float16.Fromfloat32(-2))
	require.Equal(t, dtypes.Float16, tensor.DType())
	flat := Flat[float16.Float16](tensor)
	require.Equal(t, float32(1.5), flat[0].Float32())
	require.Equal(t, float32(-2), flat[1].Float32())
}

func TestBlob(t *testing.T) {
	st := New()
	tensor := st.NewTensor(CPU, dtypes.Float32, []int{2, 2})
	blob := tensor.Blob()
	require.True(t, blob.Equal(Blob{Shape: shapes.Make(dtypes.Float32, 2, 2), Device: CPU}))
	require.False(t, blob.Equal(Blob{Shape: shapes.Make(dtypes.Float32, 4), Device: CPU}))
}
