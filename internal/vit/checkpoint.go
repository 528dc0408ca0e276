package vit

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-lens/internal/config"
	"github.com/23skdu/longbow-lens/internal/gguf"
	"github.com/23skdu/longbow-lens/internal/metrics"
)

const Architecture = "vit"

const (
	keyEmbedding   = Architecture + ".embedding_length"
	keyPatch       = Architecture + ".patch_size"
	keyChannels    = Architecture + ".in_channels"
	keyImage       = Architecture + ".image_size"
	keyMaxTokens   = Architecture + ".context_length"
	keyHidden      = Architecture + ".feed_forward_length"
	keyHeads       = Architecture + ".attention.head_count"
	keyLayers      = Architecture + ".block_count"
	keyPooler      = Architecture + ".pooler_dim"
	keyEps         = Architecture + ".attention.layer_norm_epsilon"
	keyDropout     = Architecture + ".dropout"
	keyGELUApprox  = Architecture + ".gelu_approximate"
	keySeed        = Architecture + ".seed"
	keyGeneralName = "general.name"
)

// SaveGGUF writes the configuration and every learnable parameter to path.
// Matrices are stored as typ where possible; vectors stay F32.
func (m *Model) SaveGGUF(path, name string, typ gguf.GGMLType) error {
	cfg := m.cfg
	kv := map[string]interface{}{
		"general.architecture": Architecture,
		"general.alignment":    uint32(gguf.DefaultAlignment),
		keyGeneralName:         name,
		keyEmbedding:           uint32(cfg.EmbeddingDim),
		keyPatch:               uint32(cfg.PatchSize),
		keyChannels:            uint32(cfg.InChannels),
		keyImage:               uint32(cfg.ImageSize),
		keyMaxTokens:           uint32(cfg.MaxTokenLength),
		keyHidden:              uint32(cfg.HiddenDim),
		keyHeads:               uint32(cfg.NumHeads),
		keyLayers:              uint32(cfg.NumEncoderLayers),
		keyPooler:              uint32(cfg.PoolerDim),
		keyEps:                 cfg.LayerNormEps,
		keyDropout:             float32(cfg.Dropout),
		keyGELUApprox:          cfg.GELUApprox,
		keySeed:                cfg.Seed,
	}

	params := m.Parameters()
	ts := make([]*gguf.Tensor, len(params))
	for i, p := range params {
		shape := []int(p.Tensor.Shape())
		ts[i] = &gguf.Tensor{
			Name:   p.Name,
			Shape:  shape,
			Type:   gguf.StorageType(typ, shape),
			Values: p.Tensor.Data(),
		}
	}
	if err := gguf.WriteFile(path, kv, ts); err != nil {
		return fmt.Errorf("save weights: %w", err)
	}
	m.log.Info("weights saved", "path", path, "tensors", len(ts), "type", typ.String())
	return nil
}

// ConfigFromGGUF rebuilds a Config from file metadata. Batch and debug
// settings come from base.
func ConfigFromGGUF(f *gguf.GGUFFile, base config.Config) (config.Config, error) {
	if arch := f.String("general.architecture"); arch != Architecture {
		return config.Config{}, fmt.Errorf("unsupported architecture %q", arch)
	}
	cfg := base
	cfg.EmbeddingDim = int(f.Uint(keyEmbedding, 0))
	cfg.PatchSize = int(f.Uint(keyPatch, 0))
	cfg.InChannels = int(f.Uint(keyChannels, 3))
	cfg.ImageSize = int(f.Uint(keyImage, 0))
	cfg.MaxTokenLength = int(f.Uint(keyMaxTokens, 0))
	cfg.HiddenDim = int(f.Uint(keyHidden, 0))
	cfg.NumHeads = int(f.Uint(keyHeads, 0))
	cfg.NumEncoderLayers = int(f.Uint(keyLayers, 0))
	cfg.PoolerDim = int(f.Uint(keyPooler, 0))
	cfg.LayerNormEps = float32(f.Float(keyEps, 1e-5))
	cfg.Dropout = f.Float(keyDropout, 0)
	cfg.GELUApprox = f.Bool(keyGELUApprox)
	cfg.Seed = f.Uint(keySeed, base.Seed)
	return cfg, cfg.Validate()
}

// LoadGGUF overwrites the model's parameters with the tensors in path. Every
// parameter must be present with a matching shape.
func (m *Model) LoadGGUF(path string) error {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load weights: %w", err)
	}
	defer f.Close()
	return m.loadFrom(f)
}

func (m *Model) loadFrom(f *gguf.GGUFFile) error {
	params := m.Parameters()
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	if missing := f.FindMissingTensors(names); len(missing) > 0 {
		metrics.RecordValidationError("load_weights", "missing")
		return fmt.Errorf("load weights: missing %d tensors: %s", len(missing), strings.Join(missing, ", "))
	}

	for _, p := range params {
		info, err := f.Lookup(p.Name)
		if err != nil {
			return err
		}
		if want, got := p.Tensor.Shape(), info.Shape(); !want.Equal(got) {
			metrics.RecordValidationError("load_weights", "shape")
			return fmt.Errorf("load weights: %s has shape %v, want %v", p.Name, got, want)
		}
		vals, err := gguf.Float32s(info)
		if err != nil {
			return fmt.Errorf("load weights: %w", err)
		}
		copy(p.Tensor.Data(), vals)
	}
	m.log.Info("weights loaded", "tensors", len(params), "report", f.Analyze().String())
	return nil
}

// Load builds a model from the configuration stored in a GGUF file and
// fills it with the file's weights.
func Load(path string, base config.Config, opts ...Option) (*Model, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	defer f.Close()

	cfg, err := ConfigFromGGUF(f, base)
	if err != nil {
		return nil, fmt.Errorf("vit: %w", err)
	}
	m, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.loadFrom(f); err != nil {
		return nil, err
	}
	return m, nil
}
