package session

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/leo59/tinyflow/backend"
)

// VarState is the persistent storage record of one named variable. It is
// owned by the Session and shared by every executor that references the name,
// which is how variable values survive executor rebuilds.
//
// The tensor handle, once created, is never replaced -- executors alias graph
// entries directly to it, and ResetSpace only re-binds its backing storage.
type VarState struct {
	tensor *backend.Tensor
	blob   backend.Blob
}

// Initialized reports whether the variable holds a value.
func (vs *VarState) Initialized() bool {
	return vs.tensor.Defined()
}

// Value returns the tensor holding the variable's current value, nil if the
// variable was never initialized. The tensor aliases the live variable
// storage: executors assigning to the variable mutate it in place.
func (vs *VarState) Value() *backend.Tensor {
	if !vs.Initialized() {
		return nil
	}
	return vs.tensor
}

// Blob returns the descriptor of the variable's current value. The zero Blob
// for an uninitialized variable.
func (vs *VarState) Blob() backend.Blob { return vs.blob }

// ResetSpace makes sure the variable's backing storage matches the requested
// shape, device and dtype, reallocating only on change. This is the sole
// mutator of the variable's space; the blob always reflects the live
// allocation.
func (vs *VarState) ResetSpace(st *backend.State, device backend.Device, dtype dtypes.DType, dims []int) {
	if vs.Initialized() &&
		vs.blob.Device == device &&
		vs.blob.Shape.DType == dtype &&
		slices.Equal(vs.blob.Shape.Dimensions, dims) {
		return
	}
	size := 1
	for _, d := range dims {
		size *= d
	}
	tensor := vs.handle(st, device, dtype)
	st.BindStorage(tensor, st.NewStorage(size, device, dtype), dims)
	vs.blob = tensor.Blob()
}

// handle returns the variable's tensor handle, creating it (unbound) on first
// use so executors can alias it before the variable is initialized.
func (vs *VarState) handle(st *backend.State, device backend.Device, dtype dtypes.DType) *backend.Tensor {
	if vs.tensor == nil {
		vs.tensor = st.NewTensorEmpty(device, dtype)
	}
	return vs.tensor
}

// set overwrites the variable with value, resizing its space as needed.
func (vs *VarState) set(st *backend.State, value *backend.Tensor) {
	if !value.Defined() {
		exceptions.Panicf("session: cannot set a variable from an unbound tensor")
	}
	blob := value.Blob()
	vs.ResetSpace(st, blob.Device, blob.Shape.DType, blob.Shape.Dimensions)
	st.CopyFromTo(value, vs.tensor)
}
