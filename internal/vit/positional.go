package vit

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-lens/internal/config"
	"github.com/23skdu/longbow-lens/internal/nn"
	"github.com/23skdu/longbow-lens/internal/tensor"
)

// SinusoidalTable builds the fixed [maxLen, dim] position matrix:
//
//	PE[p, 2i]   = sin(p / 10000^(2i/dim))
//	PE[p, 2i+1] = cos(p / 10000^(2i/dim))
//
// Angles are computed in float64 so the table is reproducible bit for bit.
func SinusoidalTable(maxLen, dim int) *tensor.Tensor {
	t := tensor.New(maxLen, dim)
	data := t.Data()
	for i := 0; 2*i < dim; i++ {
		div := math.Pow(10000, float64(2*i)/float64(dim))
		for p := 0; p < maxLen; p++ {
			angle := float64(p) / div
			row := data[p*dim : (p+1)*dim]
			row[2*i] = float32(math.Sin(angle))
			if 2*i+1 < dim {
				row[2*i+1] = float32(math.Cos(angle))
			}
		}
	}
	return t
}

// PositionalEmbedding adds the sinusoidal table to a token sequence. The
// table is a constant: it is not a Parameter and is never written after
// construction.
type PositionalEmbedding struct {
	table   *tensor.Tensor
	Dropout *nn.Dropout
}

func NewPositionalEmbedding(b *nn.Builder, cfg config.Config) (*PositionalEmbedding, error) {
	if cfg.MaxTokenLength <= 0 {
		return nil, fmt.Errorf("positional_embedding: invalid max_token_length %d", cfg.MaxTokenLength)
	}
	if cfg.EmbeddingDim <= 0 || cfg.EmbeddingDim%2 != 0 {
		return nil, fmt.Errorf("positional_embedding: embedding_dim %d must be positive and even", cfg.EmbeddingDim)
	}
	drop, err := b.Dropout(cfg.Dropout)
	if err != nil {
		return nil, fmt.Errorf("positional_embedding: %w", err)
	}
	return &PositionalEmbedding{
		table:   SinusoidalTable(cfg.MaxTokenLength, cfg.EmbeddingDim),
		Dropout: drop,
	}, nil
}

func (p *PositionalEmbedding) MaxTokenLength() int { return p.table.Dim(0) }

// Matrix returns a copy of the full table.
func (p *PositionalEmbedding) Matrix() *tensor.Tensor { return p.table.Clone() }

// Forward adds rows [0, S) of the table to every batch element of [B, S, E].
func (p *PositionalEmbedding) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.CheckRank("positional_embedding", x, 3); err != nil {
		return nil, err
	}
	seqLen, dim := x.Dim(1), x.Dim(2)
	if dim != p.table.Dim(1) {
		return nil, tensor.Mismatch("positional_embedding", "embedding dim",
			tensor.Shape{x.Dim(0), seqLen, p.table.Dim(1)}, x.Shape())
	}
	if seqLen > p.MaxTokenLength() {
		return nil, fmt.Errorf("positional_embedding: sequence length %d exceeds max_token_length %d: %w",
			seqLen, p.MaxTokenLength(), tensor.ErrIndexOutOfRange)
	}
	rows, err := p.table.Narrow(0, 0, seqLen)
	if err != nil {
		return nil, fmt.Errorf("positional_embedding: %w", err)
	}
	out, err := tensor.Add(x, rows)
	if err != nil {
		return nil, fmt.Errorf("positional_embedding: %w", err)
	}
	return p.Dropout.Forward(out)
}
