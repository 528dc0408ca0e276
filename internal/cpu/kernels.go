package cpu

import (
	"math"
	"time"

	"github.com/23skdu/longbow-lens/internal/tensor"
)

// Softmax normalizes x in place, subtracting the row max before
// exponentiating so large logits cannot overflow.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	inv := 1 / sum
	for i := range x {
		x[i] *= inv
	}
}

// Softmax applies the row softmax over the last axis of t.
func (c *Context) Softmax(t *tensor.Tensor) *tensor.Tensor {
	defer timeKernel("softmax", time.Now())

	out := t.Clone()
	if t.Rank() == 0 {
		return out
	}
	cols := t.Dim(-1)
	if cols == 0 {
		return out
	}
	data := out.Data()
	parallelFor(len(data)/cols, func(start, end int) {
		for r := start; r < end; r++ {
			Softmax(data[r*cols : (r+1)*cols])
		}
	})
	return out
}

// GELU is the exact Gaussian error linear unit, 0.5·x·(1+erf(x/√2)).
func (c *Context) GELU(t *tensor.Tensor) *tensor.Tensor {
	defer timeKernel("gelu", time.Now())

	out := t.Clone()
	data := out.Data()
	parallelFor(len(data), func(start, end int) {
		for i := start; i < end; i++ {
			x := float64(data[i])
			data[i] = float32(0.5 * x * (1 + math.Erf(x/math.Sqrt2)))
		}
	})
	return out
}

// GELUTanh is the tanh approximation of GELU.
func (c *Context) GELUTanh(t *tensor.Tensor) *tensor.Tensor {
	defer timeKernel("gelu_tanh", time.Now())

	out := t.Clone()
	data := out.Data()
	for i, x := range data {
		sqrtArg := x * float32(0.7978845608) * (float32(1.0) + float32(0.044715)*x*x)
		data[i] = float32(0.5) * x * (float32(1.0) + float32(math.Tanh(float64(sqrtArg))))
	}
	return out
}

// LayerNorm normalizes each last-axis row to zero mean and unit variance,
// then applies gamma and beta.
func (c *Context) LayerNorm(t, gamma, beta *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	defer timeKernel("layer_norm", time.Now())

	if t.Rank() == 0 {
		return nil, tensor.Mismatch("layer_norm", "scalar input", nil, t.Shape())
	}
	size := t.Dim(-1)
	want := tensor.Shape{size}
	if !gamma.Shape().Equal(want) {
		return nil, tensor.Mismatch("layer_norm", "gamma length", want, gamma.Shape())
	}
	if !beta.Shape().Equal(want) {
		return nil, tensor.Mismatch("layer_norm", "beta length", want, beta.Shape())
	}

	out := tensor.New(t.Shape()...)
	if size == 0 {
		return out, nil
	}
	in, o := t.Data(), out.Data()
	g, b := gamma.Data(), beta.Data()
	parallelFor(len(in)/size, func(start, end int) {
		for row := start; row < end; row++ {
			x := in[row*size : (row+1)*size]
			y := o[row*size : (row+1)*size]
			var mean float64
			for _, v := range x {
				mean += float64(v)
			}
			mean /= float64(size)
			var variance float64
			for _, v := range x {
				d := float64(v) - mean
				variance += d * d
			}
			variance /= float64(size)
			inv := 1 / math.Sqrt(variance+float64(eps))
			for j, v := range x {
				y[j] = float32((float64(v)-mean)*inv)*g[j] + b[j]
			}
		}
	})
	return out, nil
}

// Dropout zeroes each element with probability p and scales survivors by
// 1/(1-p). uniform must return values in [0, 1).
func (c *Context) Dropout(t *tensor.Tensor, p float64, uniform func() float64) *tensor.Tensor {
	out := t.Clone()
	if p <= 0 {
		return out
	}
	data := out.Data()
	if p >= 1 {
		clear(data)
		return out
	}
	scale := float32(1 / (1 - p))
	for i := range data {
		if uniform() < p {
			data[i] = 0
		} else {
			data[i] *= scale
		}
	}
	return out
}
