// Package engine runs batched image encoding on top of the ViT model.
package engine

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-lens/internal/config"
	"github.com/23skdu/longbow-lens/internal/cpu"
	"github.com/23skdu/longbow-lens/internal/logger"
	"github.com/23skdu/longbow-lens/internal/preprocess"
	"github.com/23skdu/longbow-lens/internal/tensor"
	"github.com/23skdu/longbow-lens/internal/vit"
)

// Output holds the results for one encode call, in input order.
type Output struct {
	// Hidden is the raw encoder output [B, S, E].
	Hidden *tensor.Tensor
	// Pooled is the final-norm plus pooler output [B, S, PoolerDim].
	Pooled *tensor.Tensor
	// Embeddings are per-image retrieval vectors: Pooled averaged over tokens.
	Embeddings [][]float32
}

type Engine struct {
	ctx   *cpu.Context
	cfg   config.Config
	model *vit.Model
	pre   *preprocess.Preprocessor
	log   *logger.Logger

	normalize bool
	actLog    *ActivationLogger

	lastLatency atomic.Int64
}

type Option func(*Engine) error

// WithNormalization selects the pixel normalization preset.
func WithNormalization(norm preprocess.Normalization) Option {
	return func(e *Engine) error {
		e.pre.Normalization = norm
		return nil
	}
}

// WithL2Normalize scales every embedding to unit length.
func WithL2Normalize() Option {
	return func(e *Engine) error {
		e.normalize = true
		return nil
	}
}

// WithActivationLog records per-stage activation summaries into al.
func WithActivationLog(al *ActivationLogger) Option {
	return func(e *Engine) error {
		e.actLog = al
		e.model.SetObserver(al.Observe)
		return nil
	}
}

func New(cfg config.Config, opts ...Option) (*Engine, error) {
	ctx := cpu.NewContext()
	model, err := vit.New(cfg, vit.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return newEngine(ctx, model, opts)
}

// NewFromFile builds the model described by a GGUF weights file. Batch and
// debug settings come from base.
func NewFromFile(path string, base config.Config, opts ...Option) (*Engine, error) {
	ctx := cpu.NewContext()
	model, err := vit.Load(path, base, vit.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return newEngine(ctx, model, opts)
}

func newEngine(ctx *cpu.Context, model *vit.Model, opts []Option) (*Engine, error) {
	cfg := model.Config()
	size := cfg.ImageSize
	if size == 0 {
		size = cfg.PatchSize * int(math.Sqrt(float64(cfg.MaxTokenLength)))
	}
	pre, err := preprocess.New(size, cfg.InChannels, preprocess.ImageNet)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		ctx:   ctx,
		cfg:   cfg,
		model: model,
		pre:   pre,
		log:   logger.Log.With("component", "engine"),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) Model() *vit.Model          { return e.model }
func (e *Engine) Config() config.Config      { return e.cfg }
func (e *Engine) ImageSize() int             { return e.pre.Size }
func (e *Engine) LastLatency() time.Duration { return time.Duration(e.lastLatency.Load()) }

func (e *Engine) Close() error {
	e.model.SetObserver(nil)
	e.ctx.Free()
	return nil
}

// EncodeFiles loads and encodes image files.
func (e *Engine) EncodeFiles(ctx context.Context, paths []string) (*Output, error) {
	imgs := make([]image.Image, len(paths))
	for i, p := range paths {
		img, err := preprocess.Load(p)
		if err != nil {
			return nil, err
		}
		imgs[i] = img
	}
	return e.EncodeImages(ctx, imgs)
}

// EncodeImages resizes, normalizes and encodes decoded images.
func (e *Engine) EncodeImages(ctx context.Context, imgs []image.Image) (*Output, error) {
	pixels, err := e.pre.Batch(imgs)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return e.EncodeTensor(ctx, pixels)
}

// EncodeTensor runs pixels [B, C, H, W] through the model in chunks of at
// most MaxBatchSize images, checking ctx between chunks.
func (e *Engine) EncodeTensor(ctx context.Context, pixels *tensor.Tensor) (*Output, error) {
	if err := tensor.CheckRank("engine", pixels, 4); err != nil {
		return nil, err
	}
	start := time.Now()
	total := pixels.Dim(0)
	chunk := e.cfg.MaxBatchSize
	if chunk <= 0 {
		chunk = total
	}
	if e.actLog != nil {
		e.actLog.Enable(total)
	}

	var hidden, pooled []*tensor.Tensor
	for off := 0; off < total; off += chunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := min(chunk, total-off)
		batch, err := pixels.Narrow(0, off, n)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		h, err := e.model.Forward(batch)
		if err != nil {
			return nil, fmt.Errorf("engine: images [%d,%d): %w", off, off+n, err)
		}
		p, err := e.model.Pool(h)
		if err != nil {
			return nil, fmt.Errorf("engine: images [%d,%d): %w", off, off+n, err)
		}
		hidden = append(hidden, h)
		pooled = append(pooled, p)
		e.log.Debug("batch encoded", "offset", off, "images", n, "tokens", h.Dim(1))
	}

	out := &Output{}
	var err error
	if out.Hidden, err = tensor.Concat(0, hidden...); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if out.Pooled, err = tensor.Concat(0, pooled...); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if out.Embeddings, err = e.embeddings(out.Pooled); err != nil {
		return nil, err
	}

	latency := time.Since(start)
	e.lastLatency.Store(int64(latency))
	e.log.Info("encoded", "images", total, "tokens", out.Hidden.Dim(1), "latency", latency.String())
	return out, nil
}

func (e *Engine) embeddings(pooled *tensor.Tensor) ([][]float32, error) {
	mean, err := pooled.MeanAxis(1)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	n, dim := mean.Dim(0), mean.Dim(1)
	vecs := make([][]float32, n)
	for i := range vecs {
		v := make([]float32, dim)
		copy(v, mean.Data()[i*dim:(i+1)*dim])
		if e.normalize {
			L2Normalize(v)
		}
		vecs[i] = v
	}
	return vecs, nil
}

// L2Normalize scales v to unit length in place; a zero vector is unchanged.
func L2Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
