// Package tensor is a small row-major float32 N-d array used for ViT
// activations and weights.
package tensor

import (
	"fmt"
	"strings"
)

// Shape lists axis extents, outermost first.
type Shape []int

// NumElements is the product of all extents; a scalar shape has one element.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Strides returns row-major element strides.
func (s Shape) Strides() []int {
	st := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= s[i]
	}
	return st
}

// Tensor owns (or shares, after Reshape) a contiguous float32 buffer.
type Tensor struct {
	shape Shape
	data  []float32
}

// New allocates a zero tensor. Negative extents panic.
func New(shape ...int) *Tensor {
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in %v", shape))
		}
	}
	s := Shape(shape).Clone()
	return &Tensor{shape: s, data: make([]float32, s.NumElements())}
}

// FromSlice wraps data without copying.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	s := Shape(shape).Clone()
	for _, d := range s {
		if d < 0 {
			return nil, &ShapeError{Op: "from_slice", Msg: "negative dimension", Got: s}
		}
	}
	if s.NumElements() != len(data) {
		return nil, &ShapeError{Op: "from_slice", Msg: fmt.Sprintf("%d values do not fill shape", len(data)), Got: s}
	}
	return &Tensor{shape: s, data: data}, nil
}

// Full allocates a tensor with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

func (t *Tensor) Shape() Shape { return t.shape.Clone() }
func (t *Tensor) Rank() int    { return len(t.shape) }
func (t *Tensor) Len() int     { return len(t.data) }

// Data exposes the backing buffer.
func (t *Tensor) Data() []float32 { return t.data }

// Dim returns the extent of axis i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return &Tensor{shape: t.shape.Clone(), data: data}
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(t.shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for %v", idx, t.shape))
		}
		off = off*t.shape[i] + v
	}
	return off
}

func (t *Tensor) At(idx ...int) float32 { return t.data[t.offset(idx)] }

func (t *Tensor) Set(v float32, idx ...int) { t.data[t.offset(idx)] = v }

// Reshape returns a view over the same buffer. One extent may be -1.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	s := Shape(shape).Clone()
	infer := -1
	known := 1
	for i, d := range s {
		switch {
		case d == -1 && infer == -1:
			infer = i
		case d < 0:
			return nil, &ShapeError{Op: "reshape", Msg: "invalid target", Want: s, Got: t.shape.Clone()}
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			return nil, &ShapeError{Op: "reshape", Msg: "cannot infer axis", Want: s, Got: t.shape.Clone()}
		}
		s[infer] = len(t.data) / known
	}
	if s.NumElements() != len(t.data) {
		return nil, &ShapeError{Op: "reshape", Msg: "element count differs", Want: s, Got: t.shape.Clone()}
	}
	return &Tensor{shape: s, data: t.data}, nil
}

// Permute reorders axes into a new contiguous tensor.
func (t *Tensor) Permute(axes ...int) (*Tensor, error) {
	rank := len(t.shape)
	if len(axes) != rank {
		return nil, &ShapeError{Op: "permute", Msg: fmt.Sprintf("%d axes for rank %d", len(axes), rank), Got: t.shape.Clone()}
	}
	seen := make([]bool, rank)
	outShape := make(Shape, rank)
	for i, a := range axes {
		if a < 0 || a >= rank || seen[a] {
			return nil, &ShapeError{Op: "permute", Msg: fmt.Sprintf("bad axis list %v", axes), Got: t.shape.Clone()}
		}
		seen[a] = true
		outShape[i] = t.shape[a]
	}

	out := New(outShape...)
	inStrides := t.shape.Strides()
	src := make([]int, rank)
	for i, a := range axes {
		src[i] = inStrides[a]
	}
	idx := make([]int, rank)
	for o := range out.data {
		off := 0
		for i := range idx {
			off += idx[i] * src[i]
		}
		out.data[o] = t.data[off]
		for i := rank - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < outShape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return out, nil
}

// Transpose swaps two axes.
func (t *Tensor) Transpose(a, b int) (*Tensor, error) {
	rank := len(t.shape)
	if a < 0 {
		a += rank
	}
	if b < 0 {
		b += rank
	}
	if a < 0 || b < 0 || a >= rank || b >= rank {
		return nil, &ShapeError{Op: "transpose", Msg: fmt.Sprintf("axes %d,%d out of range", a, b), Got: t.shape.Clone()}
	}
	axes := make([]int, rank)
	for i := range axes {
		axes[i] = i
	}
	axes[a], axes[b] = axes[b], axes[a]
	return t.Permute(axes...)
}

// Narrow copies the range [start, start+length) of one axis.
func (t *Tensor) Narrow(axis, start, length int) (*Tensor, error) {
	rank := len(t.shape)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, &ShapeError{Op: "narrow", Msg: fmt.Sprintf("axis %d out of range", axis), Got: t.shape.Clone()}
	}
	if start < 0 || length < 0 || start+length > t.shape[axis] {
		return nil, fmt.Errorf("narrow: range [%d,%d) on axis %d of %v: %w",
			start, start+length, axis, t.shape, ErrIndexOutOfRange)
	}
	outer := Shape(t.shape[:axis]).NumElements()
	inner := Shape(t.shape[axis+1:]).NumElements()
	outShape := t.shape.Clone()
	outShape[axis] = length
	out := New(outShape...)
	span := length * inner
	for o := 0; o < outer; o++ {
		src := (o*t.shape[axis] + start) * inner
		copy(out.data[o*span:(o+1)*span], t.data[src:src+span])
	}
	return out, nil
}

// Concat joins tensors along axis; all other extents must agree.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, &ShapeError{Op: "concat", Msg: "no inputs"}
	}
	rank := ts[0].Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, &ShapeError{Op: "concat", Msg: fmt.Sprintf("axis %d out of range", axis), Got: ts[0].Shape()}
	}
	outShape := ts[0].Shape()
	outShape[axis] = 0
	for _, t := range ts {
		if t.Rank() != rank {
			return nil, Mismatch("concat", "rank differs", ts[0].shape, t.shape)
		}
		for i := range t.shape {
			if i != axis && t.shape[i] != ts[0].shape[i] {
				return nil, Mismatch("concat", fmt.Sprintf("axis %d differs", i), ts[0].shape, t.shape)
			}
		}
		outShape[axis] += t.shape[axis]
	}

	out := New(outShape...)
	outer := Shape(outShape[:axis]).NumElements()
	inner := Shape(outShape[axis+1:]).NumElements()
	rowOut := outShape[axis] * inner
	for o := 0; o < outer; o++ {
		dst := o * rowOut
		for _, t := range ts {
			span := t.shape[axis] * inner
			copy(out.data[dst:dst+span], t.data[o*span:(o+1)*span])
			dst += span
		}
	}
	return out, nil
}
