package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/23skdu/longbow-lens/internal/cpu"
)

// Builder constructs layers from a single seeded stream, so two builders
// with the same seed that create the same layers in the same order produce
// identical weights. It also tracks every Dropout it hands out so the owner
// can toggle training mode in one place.
type Builder struct {
	ctx      *cpu.Context
	rng      *rand.Rand
	seed     uint64
	dropouts []*Dropout
}

func NewBuilder(ctx *cpu.Context, seed uint64) *Builder {
	if ctx == nil {
		ctx = cpu.NewContext()
	}
	return &Builder{
		ctx:  ctx,
		rng:  rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15)),
		seed: seed,
	}
}

func (b *Builder) Context() *cpu.Context { return b.ctx }

// Dropouts lists every dropout created so far, in creation order.
func (b *Builder) Dropouts() []*Dropout { return b.dropouts }

func (b *Builder) Linear(in, out int) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("linear: invalid features %d -> %d", in, out)
	}
	return &Linear{
		ctx:    b.ctx,
		Weight: NewParameter("weight", KaimingUniform(b.rng, in, out, in)),
		Bias:   NewParameter("bias", KaimingUniform(b.rng, in, out)),
	}, nil
}

func (b *Builder) Conv2D(inChannels, outChannels, kernel, stride int) (*Conv2D, error) {
	if inChannels <= 0 || outChannels <= 0 {
		return nil, fmt.Errorf("conv2d: invalid channels %d -> %d", inChannels, outChannels)
	}
	if kernel <= 0 || stride <= 0 {
		return nil, fmt.Errorf("conv2d: invalid kernel %d or stride %d", kernel, stride)
	}
	fanIn := inChannels * kernel * kernel
	return &Conv2D{
		ctx:    b.ctx,
		Weight: NewParameter("weight", KaimingUniform(b.rng, fanIn, outChannels, inChannels, kernel, kernel)),
		Bias:   NewParameter("bias", KaimingUniform(b.rng, fanIn, outChannels)),
		Stride: stride,
	}, nil
}

func (b *Builder) LayerNorm(dim int, eps float32) (*LayerNorm, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("layer_norm: invalid dim %d", dim)
	}
	if eps <= 0 {
		return nil, fmt.Errorf("layer_norm: invalid eps %g", eps)
	}
	return newLayerNorm(b.ctx, dim, eps), nil
}

// Dropout creates a dropout with its own RNG stream derived from the builder
// seed and creation index. It starts in inference mode.
func (b *Builder) Dropout(p float64) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout: probability %g outside [0, 1)", p)
	}
	d := &Dropout{
		ctx: b.ctx,
		P:   p,
		rng: rand.New(rand.NewPCG(b.seed, uint64(len(b.dropouts))+1)),
	}
	b.dropouts = append(b.dropouts, d)
	return d, nil
}
