package vit

import (
	"fmt"

	"github.com/23skdu/longbow-lens/internal/config"
	"github.com/23skdu/longbow-lens/internal/nn"
	"github.com/23skdu/longbow-lens/internal/tensor"
)

// MLP is Linear(E->hidden) -> GELU -> Dropout -> Linear(hidden->E).
type MLP struct {
	FC1     *nn.Linear
	Act     *nn.GELU
	Dropout *nn.Dropout
	FC2     *nn.Linear
}

// NewMLP builds the feed-forward block with cfg.HiddenDim hidden units.
func NewMLP(b *nn.Builder, cfg config.Config) (*MLP, error) {
	m := &MLP{Act: nn.NewGELU(b.Context(), cfg.GELUApprox)}
	var err error
	if m.FC1, err = b.Linear(cfg.EmbeddingDim, cfg.HiddenDim); err != nil {
		return nil, fmt.Errorf("mlp fc1: %w", err)
	}
	if m.Dropout, err = b.Dropout(cfg.Dropout); err != nil {
		return nil, fmt.Errorf("mlp: %w", err)
	}
	if m.FC2, err = b.Linear(cfg.HiddenDim, cfg.EmbeddingDim); err != nil {
		return nil, fmt.Errorf("mlp fc2: %w", err)
	}
	return m, nil
}

// Forward preserves the [B, S, E] shape.
func (m *MLP) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := m.FC1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("mlp fc1: %w", err)
	}
	if h, err = m.Act.Forward(h); err != nil {
		return nil, fmt.Errorf("mlp: %w", err)
	}
	if h, err = m.Dropout.Forward(h); err != nil {
		return nil, fmt.Errorf("mlp: %w", err)
	}
	if h, err = m.FC2.Forward(h); err != nil {
		return nil, fmt.Errorf("mlp fc2: %w", err)
	}
	return h, nil
}

func (m *MLP) Parameters() []*nn.Parameter {
	return append(nn.Prefix("fc1.", m.FC1.Parameters()), nn.Prefix("fc2.", m.FC2.Parameters())...)
}

// Encoder is a post-norm transformer block:
//
//	x1 = LayerNorm1(MHA(x)) + x
//	x2 = LayerNorm2(MLP(x1)) + x1
type Encoder struct {
	Attention *MultiHeadAttention
	Norm1     *nn.LayerNorm
	Norm2     *nn.LayerNorm
	MLP       *MLP
}

// NewEncoder builds one attention block and its MLP from cfg.
func NewEncoder(b *nn.Builder, cfg config.Config) (*Encoder, error) {
	e := &Encoder{}
	var err error
	if e.Attention, err = NewMultiHeadAttention(b, cfg); err != nil {
		return nil, err
	}
	if e.Norm1, err = b.LayerNorm(cfg.EmbeddingDim, cfg.LayerNormEps); err != nil {
		return nil, fmt.Errorf("encoder norm1: %w", err)
	}
	if e.Norm2, err = b.LayerNorm(cfg.EmbeddingDim, cfg.LayerNormEps); err != nil {
		return nil, fmt.Errorf("encoder norm2: %w", err)
	}
	if e.MLP, err = NewMLP(b, cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Forward preserves the [B, S, E] shape.
func (e *Encoder) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.CheckRank("encoder", x, 3); err != nil {
		return nil, err
	}
	a, err := e.Attention.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	if a, err = e.Norm1.Forward(a); err != nil {
		return nil, fmt.Errorf("encoder norm1: %w", err)
	}
	x1, err := tensor.Add(a, x)
	if err != nil {
		return nil, fmt.Errorf("encoder residual: %w", err)
	}

	m, err := e.MLP.Forward(x1)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	if m, err = e.Norm2.Forward(m); err != nil {
		return nil, fmt.Errorf("encoder norm2: %w", err)
	}
	x2, err := tensor.Add(m, x1)
	if err != nil {
		return nil, fmt.Errorf("encoder residual: %w", err)
	}
	return x2, nil
}

func (e *Encoder) Parameters() []*nn.Parameter {
	params := nn.Prefix("attention.", e.Attention.Parameters())
	params = append(params, nn.Prefix("norm1.", e.Norm1.Parameters())...)
	params = append(params, nn.Prefix("norm2.", e.Norm2.Parameters())...)
	return append(params, nn.Prefix("mlp.", e.MLP.Parameters())...)
}

// Pooler is a per-token projection; it does not reduce the sequence axis.
type Pooler struct {
	Dense *nn.Linear
}

// NewPooler projects E to cfg.OutputDim().
func NewPooler(b *nn.Builder, cfg config.Config) (*Pooler, error) {
	dense, err := b.Linear(cfg.EmbeddingDim, cfg.OutputDim())
	if err != nil {
		return nil, fmt.Errorf("pooler: %w", err)
	}
	return &Pooler{Dense: dense}, nil
}

// Forward maps [B, S, E] to [B, S, OutputDim].
func (p *Pooler) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := p.Dense.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("pooler: %w", err)
	}
	return y, nil
}

func (p *Pooler) Parameters() []*nn.Parameter {
	return nn.Prefix("dense.", p.Dense.Parameters())
}
