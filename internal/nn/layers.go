package nn

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-lens/internal/cpu"
	"github.com/23skdu/longbow-lens/internal/tensor"
)

// Linear is y = x·Wᵀ + b over the last axis.
type Linear struct {
	ctx    *cpu.Context
	Weight *Parameter // [out, in]
	Bias   *Parameter // [out]
}

func (l *Linear) InFeatures() int  { return l.Weight.Tensor.Dim(1) }
func (l *Linear) OutFeatures() int { return l.Weight.Tensor.Dim(0) }

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return l.ctx.Linear(x, l.Weight.Tensor, l.Bias.Tensor)
}

func (l *Linear) Parameters() []*Parameter {
	return []*Parameter{l.Weight, l.Bias}
}

// Conv2D is an unpadded square-kernel convolution.
type Conv2D struct {
	ctx    *cpu.Context
	Weight *Parameter // [out, in, k, k]
	Bias   *Parameter // [out]
	Stride int
}

func (c *Conv2D) KernelSize() int  { return c.Weight.Tensor.Dim(2) }
func (c *Conv2D) InChannels() int  { return c.Weight.Tensor.Dim(1) }
func (c *Conv2D) OutChannels() int { return c.Weight.Tensor.Dim(0) }

func (c *Conv2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return c.ctx.Conv2D(x, c.Weight.Tensor, c.Bias.Tensor, c.Stride, 0)
}

func (c *Conv2D) Parameters() []*Parameter {
	return []*Parameter{c.Weight, c.Bias}
}

// LayerNorm normalizes the last axis with learnable gamma and beta.
type LayerNorm struct {
	ctx   *cpu.Context
	Gamma *Parameter
	Beta  *Parameter
	Eps   float32
}

func newLayerNorm(ctx *cpu.Context, dim int, eps float32) *LayerNorm {
	return &LayerNorm{
		ctx:   ctx,
		Gamma: NewParameter("gamma", tensor.Full(1, dim)),
		Beta:  NewParameter("beta", tensor.New(dim)),
		Eps:   eps,
	}
}

func (n *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return n.ctx.LayerNorm(x, n.Gamma.Tensor, n.Beta.Tensor, n.Eps)
}

func (n *LayerNorm) Parameters() []*Parameter {
	return []*Parameter{n.Gamma, n.Beta}
}

// Dropout is the identity unless training is enabled.
type Dropout struct {
	ctx      *cpu.Context
	P        float64
	training atomic.Bool

	mu  sync.Mutex
	rng *rand.Rand
}

func (d *Dropout) SetTraining(training bool) { d.training.Store(training) }
func (d *Dropout) Training() bool            { return d.training.Load() }

func (d *Dropout) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training.Load() || d.P == 0 {
		return x, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctx.Dropout(x, d.P, d.rng.Float64), nil
}

func (d *Dropout) Parameters() []*Parameter { return nil }

// GELU is the erf-based activation, or its tanh approximation when
// Approximate is set.
type GELU struct {
	ctx         *cpu.Context
	Approximate bool
}

func NewGELU(ctx *cpu.Context, approximate bool) *GELU {
	return &GELU{ctx: ctx, Approximate: approximate}
}

func (g *GELU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil {
		return nil, fmt.Errorf("gelu: nil input")
	}
	if g.Approximate {
		return g.ctx.GELUTanh(x), nil
	}
	return g.ctx.GELU(x), nil
}

func (g *GELU) Parameters() []*Parameter { return nil }

var (
	_ Module = (*Linear)(nil)
	_ Module = (*Conv2D)(nil)
	_ Module = (*LayerNorm)(nil)
	_ Module = (*Dropout)(nil)
	_ Module = (*GELU)(nil)
)
