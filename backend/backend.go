// Package backend is the in-process tensor storage backend: raw storage
// buffers, tensor handles viewing them, value copies and the registry of
// per-op compute implementations.
//
// All entry points hang off a State object owned by the caller. There is no
// process- or goroutine-global state: a State and everything allocated from it
// must be driven from one goroutine at a time.
package backend

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/leo59/tinyflow/types/shapes"
)

// Device identifies where a buffer lives. Only CPU is implemented, but the
// descriptor plumbing carries the device everywhere so tensors on different
// devices are never silently mixed.
type Device int

// CPU is the only supported device.
const CPU Device = 0

func (d Device) String() string {
	if d == CPU {
		return "cpu"
	}
	return fmt.Sprintf("device(%d)", int(d))
}

// State is the backend context. It owns allocation bookkeeping; every
// allocating or copying call takes the State as receiver.
type State struct {
	storageAllocs int
}

// New creates a backend State.
func New() *State {
	return &State{}
}

// NumStorageAllocs returns how many raw storage buffers this State has
// allocated so far. Diagnostic only.
func (st *State) NumStorageAllocs() int { return st.storageAllocs }

// Storage is a raw buffer of size elements of one dtype on one device.
// Multiple tensor handles may view the same Storage.
type Storage struct {
	dtype  dtypes.DType
	device Device
	flat   any // slice of dtype.GoType(), len == capacity in elements
}

// NewStorage allocates a zeroed buffer of size elements.
func (st *State) NewStorage(size int, device Device, dtype dtypes.DType) *Storage {
	if device != CPU {
		exceptions.Panicf("backend: device %s is not supported", device)
	}
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("backend: cannot allocate storage with invalid dtype")
	}
	if size <= 0 {
		exceptions.Panicf("backend: cannot allocate storage of %d elements", size)
	}
	st.storageAllocs++
	return &Storage{
		dtype:  dtype,
		device: device,
		flat:   reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), size, size).Interface(),
	}
}

// Len returns the buffer capacity in elements.
func (s *Storage) Len() int { return reflect.ValueOf(s.flat).Len() }

// DType returns the buffer's element type.
func (s *Storage) DType() dtypes.DType { return s.dtype }

// Device returns where the buffer lives.
func (s *Storage) Device() Device { return s.device }

func (s *Storage) String() string {
	return fmt.Sprintf("Storage<%s,%d elems,%s>", s.dtype, s.Len(), s.device)
}

// Blob is the shape/device/dtype descriptor read back from a tensor handle.
type Blob struct {
	Shape  shapes.Shape
	Device Device
}

// Equal compares two descriptors.
func (b Blob) Equal(other Blob) bool {
	return b.Device == other.Device && b.Shape.Equal(other.Shape)
}

func (b Blob) String() string {
	return fmt.Sprintf("%s@%s", b.Shape, b.Device)
}
