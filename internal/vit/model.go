// Package vit implements a Vision Transformer encoder: patch embedding,
// fixed sinusoidal positions, a stack of post-norm encoder blocks and an
// optional final norm plus per-token pooler.
package vit

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-lens/internal/config"
	"github.com/23skdu/longbow-lens/internal/cpu"
	"github.com/23skdu/longbow-lens/internal/logger"
	"github.com/23skdu/longbow-lens/internal/metrics"
	"github.com/23skdu/longbow-lens/internal/nn"
	"github.com/23skdu/longbow-lens/internal/tensor"
)

// Model is the full encoder: patch embedding, positions, encoder stack,
// final norm and pooler.
type Model struct {
	cfg config.Config
	ctx *cpu.Context
	log *logger.Logger

	PatchEmbedding      *PatchEmbedding
	PositionalEmbedding *PositionalEmbedding
	Encoders            []*Encoder
	Norm                *nn.LayerNorm
	Pooler              *Pooler

	dropouts []*nn.Dropout
	training atomic.Bool
	observer atomic.Pointer[Observer]
}

// Observer sees the output of every stage after it succeeds. It must not
// modify the tensor.
type Observer func(stage string, out *tensor.Tensor)

type options struct {
	ctx *cpu.Context
}

type Option func(*options)

// WithContext shares a kernel scratch pool between models.
func WithContext(ctx *cpu.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// New validates cfg and builds every component from one RNG stream seeded by
// cfg.Seed. The model starts in inference mode.
func New(cfg config.Config, opts ...Option) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		metrics.RecordValidationError("model", "config")
		return nil, fmt.Errorf("vit: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.ctx == nil {
		o.ctx = cpu.NewContext()
	}

	b := nn.NewBuilder(o.ctx, cfg.Seed)
	m := &Model{
		cfg: cfg,
		ctx: o.ctx,
		log: logger.Log.With("component", "vit"),
	}

	var err error
	if m.PatchEmbedding, err = NewPatchEmbedding(b, cfg); err != nil {
		return nil, err
	}
	if m.PositionalEmbedding, err = NewPositionalEmbedding(b, cfg); err != nil {
		return nil, err
	}
	m.Encoders = make([]*Encoder, cfg.NumEncoderLayers)
	for i := range m.Encoders {
		if m.Encoders[i], err = NewEncoder(b, cfg); err != nil {
			return nil, fmt.Errorf("encoder %d: %w", i, err)
		}
	}
	if m.Norm, err = b.LayerNorm(cfg.EmbeddingDim, cfg.LayerNormEps); err != nil {
		return nil, fmt.Errorf("final norm: %w", err)
	}
	if m.Pooler, err = NewPooler(b, cfg); err != nil {
		return nil, err
	}
	m.dropouts = b.Dropouts()

	m.log.Info("model built",
		"layers", cfg.NumEncoderLayers,
		"embedding_dim", cfg.EmbeddingDim,
		"heads", cfg.NumHeads,
		"patch_size", cfg.PatchSize,
		"parameters", m.NumParameters(),
	)
	return m, nil
}

func (m *Model) Config() config.Config { return m.cfg }
func (m *Model) Context() *cpu.Context { return m.ctx }
func (m *Model) Training() bool        { return m.training.Load() }

// SetTraining switches every dropout in the model on or off.
func (m *Model) SetTraining(training bool) {
	m.training.Store(training)
	for _, d := range m.dropouts {
		d.SetTraining(training)
	}
}

// SetObserver installs fn, or removes the current observer when fn is nil.
func (m *Model) SetObserver(fn Observer) {
	if fn == nil {
		m.observer.Store(nil)
		return
	}
	m.observer.Store(&fn)
}

// Forward maps images [B, C, H, W] to hidden states [B, S, E] with
// S = (H/P)*(W/P). The final norm and pooler are not applied; see Pool.
func (m *Model) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	start := time.Now()

	h, err := m.stage("patch_embedding", "patch_embedding", x, m.PatchEmbedding.Forward)
	if err != nil {
		return nil, err
	}
	metrics.RecordPatchTokens(h.Dim(1))

	if h, err = m.stage("positional_embedding", "positional_embedding", h, m.PositionalEmbedding.Forward); err != nil {
		return nil, err
	}
	for i, enc := range m.Encoders {
		if h, err = m.stage(fmt.Sprintf("encoder.%d", i), "encoder", h, enc.Forward); err != nil {
			return nil, fmt.Errorf("encoder %d: %w", i, err)
		}
	}

	metrics.RecordForward(x.Dim(0), time.Since(start))
	return h, nil
}

// Pool applies the final layer norm and the per-token pooler to hidden
// states [B, S, E], giving [B, S, PoolerDim].
func (m *Model) Pool(hidden *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.CheckRank("pool", hidden, 3); err != nil {
		return nil, err
	}
	if hidden.Dim(2) != m.cfg.EmbeddingDim {
		return nil, tensor.Mismatch("pool", "embedding dim",
			tensor.Shape{hidden.Dim(0), hidden.Dim(1), m.cfg.EmbeddingDim}, hidden.Shape())
	}
	n, err := m.stage("final_norm", "final_norm", hidden, m.Norm.Forward)
	if err != nil {
		return nil, err
	}
	return m.stage("pooler", "pooler", n, m.Pooler.Forward)
}

// ForwardPooled is Pool(Forward(x)).
func (m *Model) ForwardPooled(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := m.Forward(x)
	if err != nil {
		return nil, err
	}
	return m.Pool(h)
}

// Parameters lists learnable tensors in construction order. The positional
// table is a constant and is not included.
func (m *Model) Parameters() []*nn.Parameter {
	params := nn.Prefix("patch_embedding.", m.PatchEmbedding.Parameters())
	for i, enc := range m.Encoders {
		params = append(params, nn.Prefix(fmt.Sprintf("encoder.%d.", i), enc.Parameters())...)
	}
	params = append(params, nn.Prefix("norm.", m.Norm.Parameters())...)
	return append(params, nn.Prefix("pooler.", m.Pooler.Parameters())...)
}

func (m *Model) NumParameters() int {
	return nn.CountParameters(m.Parameters())
}

func (m *Model) stage(name, label string, x *tensor.Tensor, fn func(*tensor.Tensor) (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	start := time.Now()
	out, err := fn(x)
	if err != nil {
		metrics.RecordValidationError(label, errorKind(err))
		return nil, err
	}
	metrics.RecordLayerDuration(label, time.Since(start))
	if m.cfg.DebugActivations {
		m.trace(name, out)
	}
	if obs := m.observer.Load(); obs != nil {
		(*obs)(name, out)
	}
	return out, nil
}

func (m *Model) trace(name string, t *tensor.Tensor) {
	s := t.Stats(8)
	metrics.RecordNumericalInstability(name, s.NaNs, s.Infs)
	if s.NaNs > 0 || s.Infs > 0 {
		m.log.Warn("non-finite activations", "stage", name, "nans", s.NaNs, "infs", s.Infs, "first_nan", t.FirstNaN())
	}
	m.log.Debug("activation",
		"stage", name,
		"shape", t.Shape().String(),
		"min", s.Min,
		"max", s.Max,
		"mean", s.Mean,
		"rms", s.RMS,
		"zeros", s.Zeros,
		"sample", s.Sample,
	)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, tensor.ErrIndexOutOfRange):
		return "range"
	case errors.Is(err, tensor.ErrShapeMismatch):
		return "shape"
	default:
		return "other"
	}
}
