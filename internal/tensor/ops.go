package tensor

import (
	"fmt"
	"math"
)

// broadcastsTo reports whether b's shape is a trailing suffix of a's, so b can
// be repeated over a's leading axes.
func broadcastsTo(a, b Shape) bool {
	if len(b) > len(a) {
		return false
	}
	off := len(a) - len(b)
	for i := range b {
		if a[off+i] != b[i] {
			return false
		}
	}
	return true
}

// Add returns a+b. b may match a exactly or be a trailing suffix of a's
// shape, in which case it is broadcast over the leading axes.
func Add(a, b *Tensor) (*Tensor, error) {
	out := a.Clone()
	if err := out.AddInPlace(b); err != nil {
		return nil, err
	}
	return out, nil
}

// AddInPlace accumulates b into t with the same broadcasting as Add.
func (t *Tensor) AddInPlace(b *Tensor) error {
	if !broadcastsTo(t.shape, b.shape) {
		return Mismatch("add", "operand does not broadcast", t.shape, b.shape)
	}
	n := len(b.data)
	if n == 0 {
		return nil
	}
	for off := 0; off < len(t.data); off += n {
		dst := t.data[off : off+n]
		for i, v := range b.data {
			dst[i] += v
		}
	}
	return nil
}

// Scale multiplies every element by s in place.
func (t *Tensor) Scale(s float32) {
	for i := range t.data {
		t.data[i] *= s
	}
}

// MeanAxis averages over one axis, dropping it from the shape.
func (t *Tensor) MeanAxis(axis int) (*Tensor, error) {
	rank := len(t.shape)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, &ShapeError{Op: "mean", Msg: fmt.Sprintf("axis %d out of range", axis), Got: t.shape.Clone()}
	}
	n := t.shape[axis]
	if n == 0 {
		return nil, &ShapeError{Op: "mean", Msg: "empty axis", Got: t.shape.Clone()}
	}
	outer := Shape(t.shape[:axis]).NumElements()
	inner := Shape(t.shape[axis+1:]).NumElements()
	outShape := append(t.shape[:axis:axis], t.shape[axis+1:]...)
	out := New(outShape...)
	inv := 1 / float32(n)
	for o := 0; o < outer; o++ {
		dst := out.data[o*inner : (o+1)*inner]
		for k := 0; k < n; k++ {
			src := t.data[(o*n+k)*inner : (o*n+k+1)*inner]
			for i, v := range src {
				dst[i] += v
			}
		}
		for i := range dst {
			dst[i] *= inv
		}
	}
	return out, nil
}

// Equal reports identical shapes and bit-identical values.
func Equal(a, b *Tensor) bool {
	if !a.shape.Equal(b.shape) {
		return false
	}
	for i := range a.data {
		if math.Float32bits(a.data[i]) != math.Float32bits(b.data[i]) {
			return false
		}
	}
	return true
}

// AllClose reports identical shapes and |a-b| <= tol elementwise.
func AllClose(a, b *Tensor, tol float32) bool {
	if !a.shape.Equal(b.shape) {
		return false
	}
	for i := range a.data {
		d := a.data[i] - b.data[i]
		if d > tol || d < -tol || d != d {
			return false
		}
	}
	return true
}
