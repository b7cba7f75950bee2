package backend

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/leo59/tinyflow/types/shapes"
)

// Tensor is a handle viewing a Storage buffer through a shape. Handles are
// created empty and bound (and later possibly re-bound) to storage with
// BindStorage; the handle identity is stable across re-binds, which is what
// lets compiled closures capture handles rather than buffers.
type Tensor struct {
	storage *Storage
	shape   shapes.Shape
	device  Device
}

// NewTensorEmpty creates an unbound tensor handle for the given device/dtype.
func (st *State) NewTensorEmpty(device Device, dtype dtypes.DType) *Tensor {
	return &Tensor{
		shape:  shapes.FromDims(dtype, nil),
		device: device,
	}
}

// NewTensor creates a tensor handle with its own dedicated storage for the
// given shape.
func (st *State) NewTensor(device Device, dtype dtypes.DType, dims []int) *Tensor {
	t := st.NewTensorEmpty(device, dtype)
	st.BindStorage(t, st.NewStorage(sizeOf(dims), device, dtype), dims)
	return t
}

// BindStorage points the tensor handle at storage, viewed with the given
// dims. The handle adopts the storage's dtype and device: re-binding is how a
// handle follows a variable or pool entry whose element type changed between
// planning cycles, without the handle identity ever changing.
func (st *State) BindStorage(t *Tensor, storage *Storage, dims []int) {
	size := sizeOf(dims)
	if size > storage.Len() {
		exceptions.Panicf("backend.BindStorage: view of %d elements (%v) into storage of %d", size, dims, storage.Len())
	}
	t.storage = storage
	t.device = storage.device
	t.shape = shapes.Make(storage.dtype, dims...)
}

// Defined reports whether the handle is bound to storage.
func (t *Tensor) Defined() bool { return t != nil && t.storage != nil }

// Shape returns the tensor's current shape.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the tensor's element type.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Device returns where the tensor lives.
func (t *Tensor) Device() Device { return t.device }

// Storage returns the backing buffer, nil if unbound.
func (t *Tensor) Storage() *Storage { return t.storage }

// Blob reads back the tensor's descriptor.
func (t *Tensor) Blob() Blob {
	return Blob{Shape: t.shape.Clone(), Device: t.device}
}

// Flat returns the tensor's values as a flat slice of the dtype's Go type,
// of exactly Shape().Size() elements. The slice aliases the backing storage.
func (t *Tensor) Flat() any {
	if !t.Defined() {
		exceptions.Panicf("backend.Tensor.Flat: tensor is not bound to storage")
	}
	return reflect.ValueOf(t.storage.flat).Slice(0, t.shape.Size()).Interface()
}

func (t *Tensor) String() string {
	if !t.Defined() {
		return fmt.Sprintf("Tensor<%s,unbound>", t.shape.DType)
	}
	return fmt.Sprintf("Tensor<%s>", t.shape)
}

// CopyFromTo copies the values of src into dst. Both must be bound, on the
// same device, with the same dtype and element count; anything else is a
// programming error upstream.
func (st *State) CopyFromTo(src, dst *Tensor) {
	if !src.Defined() || !dst.Defined() {
		exceptions.Panicf("backend.CopyFromTo: copy between unbound tensors (src=%s, dst=%s)", src, dst)
	}
	if src.device != dst.device {
		exceptions.Panicf("backend.CopyFromTo: cross-device copy %s -> %s", src.device, dst.device)
	}
	if src.shape.DType != dst.shape.DType {
		exceptions.Panicf("backend.CopyFromTo: dtype mismatch %s -> %s", src.shape.DType, dst.shape.DType)
	}
	if src.shape.Size() != dst.shape.Size() {
		exceptions.Panicf("backend.CopyFromTo: size mismatch %s -> %s", src.shape, dst.shape)
	}
	reflect.Copy(reflect.ValueOf(dst.Flat()), reflect.ValueOf(src.Flat()))
}

// Flat returns the tensor's values as a []T. It panics if T doesn't match the
// tensor's dtype.
func Flat[T dtypes.Supported](t *Tensor) []T {
	flat, ok := t.Flat().([]T)
	if !ok {
		var zero T
		exceptions.Panicf("backend.Flat[%T]: tensor holds %s", zero, t.shape.DType)
	}
	return flat
}

// TensorOf creates a tensor of the given dims filled with values. The dtype is
// derived from T, and len(values) must match the shape size.
func TensorOf[T dtypes.Supported](st *State, dims []int, values ...T) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	if len(values) != sizeOf(dims) {
		exceptions.Panicf("backend.TensorOf: shape %v needs %d values, got %d", dims, sizeOf(dims), len(values))
	}
	t := st.NewTensor(CPU, dtype, dims)
	copy(Flat[T](t), values)
	return t
}

// Scalar creates a shape-[1] tensor holding a single value.
func Scalar[T dtypes.Supported](st *State, value T) *Tensor {
	return TensorOf[T](st, []int{1}, value)
}

func sizeOf(dims []int) int {
	size := 1
	for _, d := range dims {
		size *= d
	}
	return size
}
