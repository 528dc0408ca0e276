package vit

import (
	"fmt"

	"github.com/23skdu/longbow-lens/internal/config"
	"github.com/23skdu/longbow-lens/internal/nn"
	"github.com/23skdu/longbow-lens/internal/tensor"
)

// PatchEmbedding cuts an image into non-overlapping PxP patches and projects
// each one to an embedding with a single strided convolution.
type PatchEmbedding struct {
	Conv         *nn.Conv2D
	PatchSize    int
	InChannels   int
	EmbeddingDim int
}

// NewPatchEmbedding builds a C->E convolution with kernel and stride cfg.PatchSize.
func NewPatchEmbedding(b *nn.Builder, cfg config.Config) (*PatchEmbedding, error) {
	if cfg.PatchSize <= 0 {
		return nil, fmt.Errorf("patch_embedding: invalid patch_size %d", cfg.PatchSize)
	}
	conv, err := b.Conv2D(cfg.InChannels, cfg.EmbeddingDim, cfg.PatchSize, cfg.PatchSize)
	if err != nil {
		return nil, fmt.Errorf("patch_embedding: %w", err)
	}
	return &PatchEmbedding{
		Conv:         conv,
		PatchSize:    cfg.PatchSize,
		InChannels:   cfg.InChannels,
		EmbeddingDim: cfg.EmbeddingDim,
	}, nil
}

// NumPatches is the sequence length produced for an h x w image.
func (p *PatchEmbedding) NumPatches(h, w int) int {
	return (h / p.PatchSize) * (w / p.PatchSize)
}

// Forward maps [B, C, H, W] to [B, (H/P)*(W/P), E]. H and W must be
// multiples of P; partial patches are rejected rather than dropped.
func (p *PatchEmbedding) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.CheckRank("patch_embedding", x, 4); err != nil {
		return nil, err
	}
	shape := x.Shape()
	batch, channels, h, w := shape[0], shape[1], shape[2], shape[3]
	if channels != p.InChannels {
		return nil, tensor.Mismatch("patch_embedding", "channel count",
			tensor.Shape{batch, p.InChannels, h, w}, shape)
	}
	if h%p.PatchSize != 0 || w%p.PatchSize != 0 {
		return nil, &tensor.ShapeError{
			Op:  "patch_embedding",
			Msg: fmt.Sprintf("height and width must be multiples of patch size %d", p.PatchSize),
			Got: shape,
		}
	}

	y, err := p.Conv.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("patch_embedding: %w", err)
	}
	// [B, E, H/P, W/P] -> [B, E, N] -> [B, N, E]
	y, err = y.Reshape(batch, p.EmbeddingDim, p.NumPatches(h, w))
	if err != nil {
		return nil, fmt.Errorf("patch_embedding: %w", err)
	}
	return y.Transpose(1, 2)
}

func (p *PatchEmbedding) Parameters() []*nn.Parameter {
	return nn.Prefix("conv.", p.Conv.Parameters())
}
