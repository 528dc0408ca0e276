package vit

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-lens/internal/config"
	"github.com/23skdu/longbow-lens/internal/cpu"
	"github.com/23skdu/longbow-lens/internal/nn"
	"github.com/23skdu/longbow-lens/internal/tensor"
)

// SelfAttentionHead is one scaled dot-product attention head without a mask.
// Dropout is carried with the head's configuration but never applied to the
// attention probabilities; MultiHeadAttention drops out after its projection.
type SelfAttentionHead struct {
	ctx     *cpu.Context
	Query   *nn.Linear
	Key     *nn.Linear
	Value   *nn.Linear
	Dropout *nn.Dropout
	HeadDim int
	scale   float32
}

// NewSelfAttentionHead builds query, key and value projections from
// embeddingDim to headDim.
func NewSelfAttentionHead(b *nn.Builder, embeddingDim, headDim int, dropout float64) (*SelfAttentionHead, error) {
	if headDim <= 0 || headDim > embeddingDim {
		return nil, fmt.Errorf("attention_head: invalid head_dim %d for embedding_dim %d", headDim, embeddingDim)
	}
	h := &SelfAttentionHead{ctx: b.Context(), HeadDim: headDim, scale: float32(1 / math.Sqrt(float64(headDim)))}
	var err error
	if h.Query, err = b.Linear(embeddingDim, headDim); err != nil {
		return nil, fmt.Errorf("attention_head query: %w", err)
	}
	if h.Key, err = b.Linear(embeddingDim, headDim); err != nil {
		return nil, fmt.Errorf("attention_head key: %w", err)
	}
	if h.Value, err = b.Linear(embeddingDim, headDim); err != nil {
		return nil, fmt.Errorf("attention_head value: %w", err)
	}
	if h.Dropout, err = b.Dropout(dropout); err != nil {
		return nil, fmt.Errorf("attention_head: %w", err)
	}
	return h, nil
}

// Forward maps [B, S, E] to [B, S, head_dim].
func (h *SelfAttentionHead) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := h.ForwardWithWeights(x)
	return out, err
}

// ForwardWithWeights returns the head output [B, S, head_dim] together with
// the attention matrix softmax(Q·Kᵀ/sqrt(head_dim)) of shape [B, S, S].
func (h *SelfAttentionHead) ForwardWithWeights(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := tensor.CheckRank("attention_head", x, 3); err != nil {
		return nil, nil, err
	}
	q, err := h.Query.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("attention_head query: %w", err)
	}
	k, err := h.Key.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("attention_head key: %w", err)
	}
	v, err := h.Value.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("attention_head value: %w", err)
	}

	scores, err := h.ctx.MatMulTransB(q, k)
	if err != nil {
		return nil, nil, fmt.Errorf("attention_head scores: %w", err)
	}
	scores.Scale(h.scale)
	weights := h.ctx.Softmax(scores)

	out, err := h.ctx.MatMul(weights, v)
	if err != nil {
		return nil, nil, fmt.Errorf("attention_head output: %w", err)
	}
	return out, weights, nil
}

func (h *SelfAttentionHead) Parameters() []*nn.Parameter {
	params := nn.Prefix("query.", h.Query.Parameters())
	params = append(params, nn.Prefix("key.", h.Key.Parameters())...)
	return append(params, nn.Prefix("value.", h.Value.Parameters())...)
}

// MultiHeadAttention runs independent heads concurrently and projects their
// concatenation back to the embedding width.
type MultiHeadAttention struct {
	Heads   []*SelfAttentionHead
	Output  *nn.Linear
	Dropout *nn.Dropout
}

// NewMultiHeadAttention builds cfg.NumHeads heads of width E/NumHeads. E must
// divide evenly.
func NewMultiHeadAttention(b *nn.Builder, cfg config.Config) (*MultiHeadAttention, error) {
	if cfg.NumHeads <= 0 {
		return nil, fmt.Errorf("multi_head_attention: invalid num_heads %d", cfg.NumHeads)
	}
	if cfg.EmbeddingDim%cfg.NumHeads != 0 {
		return nil, fmt.Errorf("multi_head_attention: embedding_dim %d not divisible by num_heads %d",
			cfg.EmbeddingDim, cfg.NumHeads)
	}
	headDim := cfg.EmbeddingDim / cfg.NumHeads

	m := &MultiHeadAttention{Heads: make([]*SelfAttentionHead, cfg.NumHeads)}
	for i := range m.Heads {
		head, err := NewSelfAttentionHead(b, cfg.EmbeddingDim, headDim, cfg.Dropout)
		if err != nil {
			return nil, fmt.Errorf("multi_head_attention head %d: %w", i, err)
		}
		m.Heads[i] = head
	}
	var err error
	if m.Output, err = b.Linear(cfg.EmbeddingDim, cfg.EmbeddingDim); err != nil {
		return nil, fmt.Errorf("multi_head_attention output: %w", err)
	}
	if m.Dropout, err = b.Dropout(cfg.Dropout); err != nil {
		return nil, fmt.Errorf("multi_head_attention: %w", err)
	}
	return m, nil
}

// Forward maps [B, S, E] to [B, S, E].
func (m *MultiHeadAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	outs := make([]*tensor.Tensor, len(m.Heads))
	var g errgroup.Group
	for i, head := range m.Heads {
		g.Go(func() error {
			out, err := head.Forward(x)
			if err != nil {
				return fmt.Errorf("head %d: %w", i, err)
			}
			outs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("multi_head_attention: %w", err)
	}

	concat, err := tensor.Concat(-1, outs...)
	if err != nil {
		return nil, fmt.Errorf("multi_head_attention concat: %w", err)
	}
	y, err := m.Output.Forward(concat)
	if err != nil {
		return nil, fmt.Errorf("multi_head_attention output: %w", err)
	}
	return m.Dropout.Forward(y)
}

func (m *MultiHeadAttention) Parameters() []*nn.Parameter {
	var params []*nn.Parameter
	for i, head := range m.Heads {
		params = append(params, nn.Prefix(fmt.Sprintf("head.%d.", i), head.Parameters())...)
	}
	return append(params, nn.Prefix("output.", m.Output.Parameters())...)
}
