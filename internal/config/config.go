package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Config describes the shape of a ViT encoder plus the runtime knobs the
// engine and CLI need. It is a value type: build one, validate it, then hand
// it to every component constructor.
type Config struct {
	EmbeddingDim     int     `json:"embedding_dim"`
	PatchSize        int     `json:"patch_size"`
	InChannels       int     `json:"in_channels"`
	ImageSize        int     `json:"image_size"`
	MaxTokenLength   int     `json:"max_token_length"`
	HiddenDim        int     `json:"hidden_dim"`
	NumHeads         int     `json:"num_heads"`
	Dropout          float64 `json:"dropout"`
	NumEncoderLayers int     `json:"num_encoder_layers"`
	PoolerDim        int     `json:"pooler_dim"`
	LayerNormEps     float32 `json:"layer_norm_eps"`
	GELUApprox       bool    `json:"gelu_approximate"`

	Seed         uint64 `json:"seed"`
	MaxBatchSize int    `json:"max_batch_size"`

	DebugActivations bool `json:"debug_activations"`
}

func (c *Config) Validate() error {
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("invalid embedding_dim: %d (must be positive)", c.EmbeddingDim)
	}
	if c.EmbeddingDim%2 != 0 {
		return fmt.Errorf("invalid embedding_dim: %d (must be even for sin/cos pairs)", c.EmbeddingDim)
	}
	if c.PatchSize <= 0 {
		return fmt.Errorf("invalid patch_size: %d (must be positive)", c.PatchSize)
	}
	if c.InChannels <= 0 {
		return fmt.Errorf("invalid in_channels: %d (must be positive)", c.InChannels)
	}
	if c.ImageSize < 0 {
		return fmt.Errorf("invalid image_size: %d (must be non-negative)", c.ImageSize)
	}
	if c.ImageSize > 0 && c.ImageSize%c.PatchSize != 0 {
		return fmt.Errorf("image_size %d not divisible by patch_size %d", c.ImageSize, c.PatchSize)
	}
	if c.MaxTokenLength <= 0 {
		return fmt.Errorf("invalid max_token_length: %d (must be positive)", c.MaxTokenLength)
	}
	if n := c.NumPatches(); n > c.MaxTokenLength {
		return fmt.Errorf("image_size %d yields %d patches (must be <= max_token_length: %d)", c.ImageSize, n, c.MaxTokenLength)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("invalid num_heads: %d (must be positive)", c.NumHeads)
	}
	if c.EmbeddingDim%c.NumHeads != 0 {
		return fmt.Errorf("dim mismatch: embedding_dim(%d) %% num_heads(%d) != 0", c.EmbeddingDim, c.NumHeads)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("invalid dropout: %f (must be in [0, 1))", c.Dropout)
	}
	if c.NumEncoderLayers <= 0 {
		return fmt.Errorf("invalid num_encoder_layers: %d (must be positive)", c.NumEncoderLayers)
	}
	if c.PoolerDim < 0 {
		return fmt.Errorf("invalid pooler_dim: %d (must be non-negative)", c.PoolerDim)
	}
	if c.LayerNormEps <= 0 {
		return fmt.Errorf("invalid layer_norm_eps: %f (must be positive)", c.LayerNormEps)
	}
	if c.MaxBatchSize < 0 {
		return fmt.Errorf("invalid max_batch_size: %d (must be non-negative)", c.MaxBatchSize)
	}
	return nil
}

// HeadDim is the per-head projection width.
func (c Config) HeadDim() int {
	if c.NumHeads == 0 {
		return 0
	}
	return c.EmbeddingDim / c.NumHeads
}

// NumPatches is the token count for a square ImageSize input, 0 when unset.
func (c Config) NumPatches() int {
	if c.ImageSize == 0 || c.PatchSize == 0 {
		return 0
	}
	side := c.ImageSize / c.PatchSize
	return side * side
}

// OutputDim is the width of pooled tokens. A zero PoolerDim means EmbeddingDim.
func (c Config) OutputDim() int {
	if c.PoolerDim > 0 {
		return c.PoolerDim
	}
	return c.EmbeddingDim
}

// Default returns ViT-B/16 at 224x224.
func Default() Config {
	return Config{
		EmbeddingDim:     768,
		PatchSize:        16,
		InChannels:       3,
		ImageSize:        224,
		MaxTokenLength:   512,
		HiddenDim:        3072,
		NumHeads:         12,
		Dropout:          0,
		NumEncoderLayers: 12,
		LayerNormEps:     1e-5,
		Seed:             42,
		MaxBatchSize:     8,
	}
}

// Tiny is a small model for tests and smoke runs.
func Tiny() Config {
	return Config{
		EmbeddingDim:     32,
		PatchSize:        4,
		InChannels:       3,
		ImageSize:        16,
		MaxTokenLength:   64,
		HiddenDim:        64,
		NumHeads:         4,
		Dropout:          0,
		NumEncoderLayers: 2,
		LayerNormEps:     1e-5,
		Seed:             42,
		MaxBatchSize:     4,
	}
}

// Preset resolves a named configuration.
func Preset(name string) (Config, error) {
	switch name {
	case "", "base", "vit-b16":
		return Default(), nil
	case "tiny":
		return Tiny(), nil
	default:
		return Config{}, fmt.Errorf("unknown preset %q", name)
	}
}

// LoadFile reads a JSON config. Fields absent from the file keep their
// Default() values.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
