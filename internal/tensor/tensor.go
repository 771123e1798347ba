// Package tensor provides the dense float32 array used for every blob,
// weight and gradient of the saliency engine.
//
// Tensors are row-major (C order). Image blobs use the NCHW layout:
// [batch, channels, height, width].
package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense row-major float32 array.
//
// Example:
//
//	t := tensor.Zeros(tensor.Shape{1, 3, 4, 4})
//	t.Set(0.5, 0, 2, 1, 1)
//	v := t.At(0, 2, 1, 1) // 0.5
type Tensor struct {
	shape   Shape
	strides []int
	data    []float32
}

// Zeros creates a zero-filled tensor with the given shape.
// Panics if the shape has a non-positive dimension.
func Zeros(shape Shape) *Tensor {
	if err := shape.Validate(); err != nil {
		panic(fmt.Sprintf("tensor: %v", err))
	}
	return &Tensor{
		shape:   shape.Clone(),
		strides: shape.ComputeStrides(),
		data:    make([]float32, shape.NumElements()),
	}
}

// Full creates a tensor filled with value.
func Full(shape Shape, value float32) *Tensor {
	t := Zeros(shape)
	t.Fill(value)
	return t
}

// FromSlice creates a tensor from a Go slice.
// The slice is copied into the tensor's memory.
func FromSlice(data []float32, shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}

	t := Zeros(shape)
	copy(t.data, data)
	return t, nil
}

// FromFloat64 creates a float32 tensor from float64 values.
func FromFloat64(data []float64, shape Shape) (*Tensor, error) {
	converted := make([]float32, len(data))
	for i, v := range data {
		converted[i] = float32(v)
	}
	return FromSlice(converted, shape)
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return len(t.data)
}

// Data returns the underlying storage.
//
// WARNING: Modifications to the returned slice will modify the tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

// At returns the element at the given indices.
// Panics if indices are out of bounds.
func (t *Tensor) At(indices ...int) float32 {
	return t.data[t.offset(indices)]
}

// Set sets the element at the given indices.
// Panics if indices are out of bounds.
func (t *Tensor) Set(value float32, indices ...int) {
	t.data[t.offset(indices)] = value
}

func (t *Tensor) offset(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("expected %d indices, got %d", len(t.shape), len(indices)))
	}

	offset := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d (size %d)", idx, i, t.shape[i]))
		}
		offset += idx * t.strides[i]
	}
	return offset
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	c := Zeros(t.shape)
	copy(c.data, t.data)
	return c
}

// Reshape returns a tensor with a new shape sharing the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	s := Shape(shape)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.NumElements() != len(t.data) {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v (%d elements)",
			t.shape, len(t.data), s, s.NumElements())
	}
	return &Tensor{
		shape:   s.Clone(),
		strides: s.ComputeStrides(),
		data:    t.data,
	}, nil
}

// Fill sets every element to value.
func (t *Tensor) Fill(value float32) {
	for i := range t.data {
		t.data[i] = value
	}
}

// Min returns the smallest element.
func (t *Tensor) Min() float32 {
	lo := t.data[0]
	for _, v := range t.data[1:] {
		if v < lo {
			lo = v
		}
	}
	return lo
}

// Max returns the largest element.
func (t *Tensor) Max() float32 {
	hi := t.data[0]
	for _, v := range t.data[1:] {
		if v > hi {
			hi = v
		}
	}
	return hi
}

// IsFinite reports whether no element is NaN or ±Inf.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Dot returns the inner product of two tensors with equal element counts.
func (t *Tensor) Dot(other *Tensor) float32 {
	if len(t.data) != len(other.data) {
		panic(fmt.Sprintf("dot: element count mismatch %d vs %d", len(t.data), len(other.data)))
	}
	var sum float32
	for i, v := range t.data {
		sum += v * other.data[i]
	}
	return sum
}

// String returns a short description such as "Tensor(1x3x4x4)".
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v)", t.shape)
}
