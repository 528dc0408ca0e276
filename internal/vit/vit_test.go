package vit

import (
	"bytes"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-lens/internal/config"
	"github.com/23skdu/longbow-lens/internal/logger"
	"github.com/23skdu/longbow-lens/internal/nn"
	"github.com/23skdu/longbow-lens/internal/tensor"
)

func randImages(seed uint64, shape ...int) *tensor.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	t := tensor.New(shape...)
	for i := range t.Data() {
		t.Data()[i] = rng.Float32()*2 - 1
	}
	return t
}

func TestPatchEmbeddingShape(t *testing.T) {
	cfg := config.Tiny()
	pe, err := NewPatchEmbedding(nn.NewBuilder(nil, 1), cfg)
	require.NoError(t, err)

	out, err := pe.Forward(randImages(1, 2, 3, 16, 12))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 12, cfg.EmbeddingDim}, out.Shape())
	assert.Equal(t, 12, pe.NumPatches(16, 12))
}

func TestPatchEmbeddingTokenOrder(t *testing.T) {
	cfg := config.Tiny()
	pe, err := NewPatchEmbedding(nn.NewBuilder(nil, 2), cfg)
	require.NoError(t, err)

	x := randImages(2, 1, 3, 8, 8)
	out, err := pe.Forward(x)
	require.NoError(t, err)

	// Token 3 is the patch at row 1, column 1 of the 2x2 grid.
	w, bias := pe.Conv.Weight.Tensor, pe.Conv.Bias.Tensor
	p := cfg.PatchSize
	for e := 0; e < cfg.EmbeddingDim; e++ {
		want := bias.At(e)
		for c := 0; c < 3; c++ {
			for ky := 0; ky < p; ky++ {
				for kx := 0; kx < p; kx++ {
					want += w.At(e, c, ky, kx) * x.At(0, c, p+ky, p+kx)
				}
			}
		}
		assert.InDelta(t, want, out.At(0, 3, e), 1e-4)
	}
}

func TestPatchEmbeddingRejectsBadInput(t *testing.T) {
	cfg := config.Tiny()
	pe, err := NewPatchEmbedding(nn.NewBuilder(nil, 1), cfg)
	require.NoError(t, err)

	tests := []struct {
		name  string
		shape []int
	}{
		{"height not divisible", []int{1, 3, 10, 8}},
		{"width not divisible", []int{1, 3, 8, 9}},
		{"wrong channels", []int{1, 1, 8, 8}},
		{"wrong rank", []int{3, 8, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pe.Forward(tensor.New(tt.shape...))
			assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
		})
	}
}

func TestSinusoidalTable(t *testing.T) {
	const maxLen, dim = 50, 16
	table := SinusoidalTable(maxLen, dim)
	assert.Equal(t, tensor.Shape{maxLen, dim}, table.Shape())

	for p := 0; p < maxLen; p++ {
		for i := 0; i < dim/2; i++ {
			angle := float64(p) / math.Pow(10000, float64(2*i)/float64(dim))
			assert.InDelta(t, math.Sin(angle), table.At(p, 2*i), 1e-6)
			assert.InDelta(t, math.Cos(angle), table.At(p, 2*i+1), 1e-6)
		}
	}
	for i := 0; i < dim; i += 2 {
		assert.Equal(t, float32(0), table.At(0, i))
		assert.Equal(t, float32(1), table.At(0, i+1))
	}
	assert.True(t, tensor.Equal(table, SinusoidalTable(maxLen, dim)), "table must be deterministic")
}

func TestPositionalEmbedding(t *testing.T) {
	cfg := config.Tiny()
	cfg.MaxTokenLength = 8
	cfg.ImageSize = 8
	pos, err := NewPositionalEmbedding(nn.NewBuilder(nil, 1), cfg)
	require.NoError(t, err)

	x := tensor.New(3, 5, cfg.EmbeddingDim)
	out, err := pos.Forward(x)
	require.NoError(t, err)

	table := pos.Matrix()
	for b := 0; b < 3; b++ {
		for s := 0; s < 5; s++ {
			for e := 0; e < cfg.EmbeddingDim; e++ {
				assert.Equal(t, table.At(s, e), out.At(b, s, e))
			}
		}
	}

	table.Data()[0] = 42
	assert.NotEqual(t, float32(42), pos.Matrix().At(0, 0), "Matrix must return a copy")
}

func TestPositionalEmbeddingBoundary(t *testing.T) {
	cfg := config.Tiny()
	cfg.MaxTokenLength = 8
	cfg.ImageSize = 8
	pos, err := NewPositionalEmbedding(nn.NewBuilder(nil, 1), cfg)
	require.NoError(t, err)

	_, err = pos.Forward(tensor.New(1, 8, cfg.EmbeddingDim))
	require.NoError(t, err, "S == max_token_length must succeed")

	_, err = pos.Forward(tensor.New(1, 9, cfg.EmbeddingDim))
	assert.ErrorIs(t, err, tensor.ErrIndexOutOfRange)

	_, err = pos.Forward(tensor.New(1, 4, cfg.EmbeddingDim+2))
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestAttentionWeightsRowsSumToOne(t *testing.T) {
	cfg := config.Tiny()
	head, err := NewSelfAttentionHead(nn.NewBuilder(nil, 3), cfg.EmbeddingDim, cfg.HeadDim(), 0)
	require.NoError(t, err)

	x := randImages(3, 2, 7, cfg.EmbeddingDim)
	x.Scale(100) // push logits far apart
	out, weights, err := head.ForwardWithWeights(x)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 7, cfg.HeadDim()}, out.Shape())
	assert.Equal(t, tensor.Shape{2, 7, 7}, weights.Shape())

	nans, infs := weights.NonFinite()
	require.Zero(t, nans)
	require.Zero(t, infs)
	for r := 0; r < 14; r++ {
		var sum float64
		for _, v := range weights.Data()[r*7 : (r+1)*7] {
			assert.GreaterOrEqual(t, v, float32(0))
			sum += float64(v)
		}
		assert.InDelta(t, 1.0, sum, 1e-5, "row %d", r)
	}
}

func TestAttentionHeadMatchesReference(t *testing.T) {
	cfg := config.Tiny()
	head, err := NewSelfAttentionHead(nn.NewBuilder(nil, 4), cfg.EmbeddingDim, cfg.HeadDim(), 0)
	require.NoError(t, err)
	x := randImages(4, 1, 3, cfg.EmbeddingDim)

	out, err := head.Forward(x)
	require.NoError(t, err)

	q, _ := head.Query.Forward(x)
	k, _ := head.Key.Forward(x)
	v, _ := head.Value.Forward(x)
	d := cfg.HeadDim()
	for i := 0; i < 3; i++ {
		scores := make([]float64, 3)
		maxScore := math.Inf(-1)
		for j := 0; j < 3; j++ {
			for c := 0; c < d; c++ {
				scores[j] += float64(q.At(0, i, c) * k.At(0, j, c))
			}
			scores[j] /= math.Sqrt(float64(d))
			maxScore = math.Max(maxScore, scores[j])
		}
		var sum float64
		for j := range scores {
			scores[j] = math.Exp(scores[j] - maxScore)
			sum += scores[j]
		}
		for c := 0; c < d; c++ {
			var want float64
			for j := range scores {
				want += scores[j] / sum * float64(v.At(0, j, c))
			}
			assert.InDelta(t, want, out.At(0, i, c), 1e-4)
		}
	}
}

func TestAttentionHeadIgnoresTrainingDropout(t *testing.T) {
	cfg := config.Tiny()
	head, err := NewSelfAttentionHead(nn.NewBuilder(nil, 6), cfg.EmbeddingDim, cfg.HeadDim(), 0.5)
	require.NoError(t, err)
	x := randImages(6, 2, 5, cfg.EmbeddingDim)

	evalOut, evalWeights, err := head.ForwardWithWeights(x)
	require.NoError(t, err)

	head.Dropout.SetTraining(true)
	trainOut, trainWeights, err := head.ForwardWithWeights(x)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(evalOut, trainOut))
	assert.True(t, tensor.Equal(evalWeights, trainWeights))
}

func TestMultiHeadAttentionSingleHead(t *testing.T) {
	cfg := config.Tiny()
	cfg.NumHeads = 1
	mha, err := NewMultiHeadAttention(nn.NewBuilder(nil, 5), cfg)
	require.NoError(t, err)
	require.Len(t, mha.Heads, 1)
	assert.Equal(t, cfg.EmbeddingDim, mha.Heads[0].HeadDim)

	x := randImages(5, 2, 4, cfg.EmbeddingDim)
	got, err := mha.Forward(x)
	require.NoError(t, err)

	headOut, err := mha.Heads[0].Forward(x)
	require.NoError(t, err)
	assert.Equal(t, x.Shape(), headOut.Shape())
	want, err := mha.Output.Forward(headOut)
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(want, got, 1e-5))
}

func TestMultiHeadAttentionConcatOrder(t *testing.T) {
	cfg := config.Tiny()
	mha, err := NewMultiHeadAttention(nn.NewBuilder(nil, 6), cfg)
	require.NoError(t, err)

	x := randImages(6, 1, 5, cfg.EmbeddingDim)
	parts := make([]*tensor.Tensor, len(mha.Heads))
	for i, h := range mha.Heads {
		parts[i], err = h.Forward(x)
		require.NoError(t, err)
	}
	concat, err := tensor.Concat(-1, parts...)
	require.NoError(t, err)
	want, err := mha.Output.Forward(concat)
	require.NoError(t, err)

	got, err := mha.Forward(x)
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(want, got, 1e-5))
}

func TestMultiHeadAttentionRejectsIndivisible(t *testing.T) {
	cfg := config.Tiny()
	cfg.NumHeads = 5
	_, err := NewMultiHeadAttention(nn.NewBuilder(nil, 1), cfg)
	assert.Error(t, err)
}

func TestEncoderPostNorm(t *testing.T) {
	cfg := config.Tiny()
	enc, err := NewEncoder(nn.NewBuilder(nil, 7), cfg)
	require.NoError(t, err)

	x := randImages(7, 2, 6, cfg.EmbeddingDim)
	got, err := enc.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, x.Shape(), got.Shape())

	a, _ := enc.Attention.Forward(x)
	a, _ = enc.Norm1.Forward(a)
	x1, _ := tensor.Add(a, x)
	m, _ := enc.MLP.Forward(x1)
	m, _ = enc.Norm2.Forward(m)
	want, _ := tensor.Add(m, x1)
	assert.True(t, tensor.AllClose(want, got, 1e-5))

	_, err = enc.Forward(tensor.New(2, 6, cfg.EmbeddingDim+1))
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestPoolerPerToken(t *testing.T) {
	cfg := config.Tiny()
	cfg.PoolerDim = 12
	p, err := NewPooler(nn.NewBuilder(nil, 8), cfg)
	require.NoError(t, err)

	out, err := p.Forward(randImages(8, 2, 5, cfg.EmbeddingDim))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 5, 12}, out.Shape())
}

func TestModelForward(t *testing.T) {
	cfg := config.Tiny()
	m, err := New(cfg)
	require.NoError(t, err)

	x := randImages(9, 2, 3, 16, 16)
	out, err := m.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 16, cfg.EmbeddingDim}, out.Shape())

	again, err := m.Forward(x)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(out, again), "forward must be idempotent with dropout off")

	pooled, err := m.Pool(out)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 16, cfg.OutputDim()}, pooled.Shape())

	direct, err := m.ForwardPooled(x)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(pooled, direct))
}

func TestModelSeedDeterminism(t *testing.T) {
	cfg := config.Tiny()
	a, err := New(cfg)
	require.NoError(t, err)
	b, err := New(cfg)
	require.NoError(t, err)

	x := randImages(10, 1, 3, 16, 16)
	ya, err := a.Forward(x)
	require.NoError(t, err)
	yb, err := b.Forward(x)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(ya, yb))

	cfg.Seed++
	c, err := New(cfg)
	require.NoError(t, err)
	yc, err := c.Forward(x)
	require.NoError(t, err)
	assert.False(t, tensor.Equal(ya, yc))
}

func TestModelTrainingToggle(t *testing.T) {
	cfg := config.Tiny()
	cfg.Dropout = 0.3
	m, err := New(cfg)
	require.NoError(t, err)
	assert.False(t, m.Training())

	x := randImages(11, 1, 3, 16, 16)
	eval, err := m.Forward(x)
	require.NoError(t, err)

	m.SetTraining(true)
	first, err := m.Forward(x)
	require.NoError(t, err)
	second, err := m.Forward(x)
	require.NoError(t, err)
	assert.False(t, tensor.Equal(first, second), "dropout masks should differ between calls")

	m.SetTraining(false)
	back, err := m.Forward(x)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(eval, back))
}

func TestModelSequenceBoundary(t *testing.T) {
	cfg := config.Tiny()
	cfg.MaxTokenLength = 16
	m, err := New(cfg)
	require.NoError(t, err)

	_, err = m.Forward(tensor.New(1, 3, 16, 16))
	require.NoError(t, err, "16 patches fit exactly")

	_, err = m.Forward(tensor.New(1, 3, 20, 20))
	assert.ErrorIs(t, err, tensor.ErrIndexOutOfRange)

	_, err = m.Forward(tensor.New(1, 3, 18, 16))
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestModelRejectsInvalidConfig(t *testing.T) {
	cfg := config.Tiny()
	cfg.NumHeads = 3
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestModelParameters(t *testing.T) {
	cfg := config.Tiny()
	m, err := New(cfg)
	require.NoError(t, err)

	e, hd, hidden, p, c := cfg.EmbeddingDim, cfg.HeadDim(), cfg.HiddenDim, cfg.PatchSize, cfg.InChannels
	patch := e*c*p*p + e
	block := cfg.NumHeads*3*(e*hd+hd) + (e*e + e) + 2*2*e + (e*hidden + hidden) + (hidden*e + e)
	want := patch + cfg.NumEncoderLayers*block + 2*e + (e*cfg.OutputDim() + cfg.OutputDim())
	assert.Equal(t, want, m.NumParameters())

	params := m.Parameters()
	assert.Equal(t, "patch_embedding.conv.weight", params[0].Name)
	assert.Equal(t, "encoder.0.attention.head.0.query.weight", params[2].Name)
	assert.Equal(t, "pooler.dense.bias", params[len(params)-1].Name)
	for _, prm := range params {
		assert.NotContains(t, prm.Name, "positional")
	}
}

func TestModelDebugActivations(t *testing.T) {
	var buf bytes.Buffer
	logger.SetupWriter("debug", "json", &buf)
	defer logger.Setup("info", "console")

	cfg := config.Tiny()
	cfg.NumEncoderLayers = 1
	cfg.DebugActivations = true
	m, err := New(cfg)
	require.NoError(t, err)

	_, err = m.Forward(randImages(12, 1, 3, 16, 16))
	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), `"stage":"encoder.0"`), "expected activation trace, got %s", buf.String())
}

func TestViTBase224(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ViT-B/16 forward in short mode")
	}
	cfg := config.Default()
	cfg.NumEncoderLayers = 2
	m, err := New(cfg)
	require.NoError(t, err)

	out, err := m.Forward(randImages(13, 2, 3, 224, 224))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 196, 768}, out.Shape())
	nans, infs := out.NonFinite()
	assert.Zero(t, nans)
	assert.Zero(t, infs)
}
