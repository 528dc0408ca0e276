package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-lens/internal/arrowexport"
	"github.com/23skdu/longbow-lens/internal/config"
	"github.com/23skdu/longbow-lens/internal/engine"
)

func writePNG(t *testing.T, dir, name string, c color.RGBA) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 20, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, color.RGBA{R: c.R + uint8(x), G: c.G, B: c.B + uint8(y), A: 255})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestRunExportsIPC(t *testing.T) {
	dir := t.TempDir()
	a := writePNG(t, dir, "a.png", color.RGBA{R: 10, G: 200, B: 30})
	b := writePNG(t, dir, "b.png", color.RGBA{R: 180, G: 20, B: 90})
	out := filepath.Join(dir, "vectors.arrow")
	acts := filepath.Join(dir, "acts.json")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(),
		[]string{"-preset", "tiny", "-l2", "-batch", "1", "-out", out, "-activations", acts, "-log-level", "error", a, b},
		&stdout, &stderr)
	require.NoError(t, err, stderr.String())

	assert.Contains(t, stdout.String(), "hidden [2, 16, 32]")
	assert.Contains(t, stdout.String(), "a.png\tdim=32\tnorm=1.0000")

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	got, err := arrowexport.ReadIPC(f)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, got.IDs)
	require.Len(t, got.Vectors, 2)
	assert.Len(t, got.Vectors[0], config.Tiny().OutputDim())
	assert.NotEqual(t, got.Vectors[0], got.Vectors[1])

	data, err := os.ReadFile(acts)
	require.NoError(t, err)
	var log engine.ActivationLog
	require.NoError(t, json.Unmarshal(data, &log))
	assert.NotEmpty(t, log.Stages)
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()
	img := writePNG(t, dir, "x.png", color.RGBA{A: 255})

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no images", []string{"-preset", "tiny"}, "image path"},
		{"bad preset", []string{"-preset", "huge", img}, "unknown preset"},
		{"bad norm", []string{"-preset", "tiny", "-norm", "sepia", img}, "unknown normalization"},
		{"missing file", []string{"-preset", "tiny", filepath.Join(dir, "nope.png")}, "nope.png"},
		{"missing config", []string{"-config", filepath.Join(dir, "nope.json"), img}, "read config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), append([]string{"-log-level", "error"}, tt.args...), &stdout, &stderr)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}

func TestModelConfigOverrides(t *testing.T) {
	o := &options{preset: "tiny", batch: 2, seed: 7, activations: "x.json"}
	cfg, err := o.modelConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxBatchSize)
	assert.Equal(t, uint64(7), cfg.Seed)
	assert.True(t, cfg.DebugActivations)

	o = &options{preset: "tiny", seed: -1}
	cfg, err = o.modelConfig()
	require.NoError(t, err)
	assert.Equal(t, config.Tiny().Seed, cfg.Seed)
}

func TestRunSaveAndLoadWeights(t *testing.T) {
	dir := t.TempDir()
	img := writePNG(t, dir, "a.png", color.RGBA{R: 60, G: 70, B: 80})
	weights := filepath.Join(dir, "tiny.gguf")
	first := filepath.Join(dir, "first.arrow")
	second := filepath.Join(dir, "second.arrow")

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(),
		[]string{"-preset", "tiny", "-seed", "5", "-save-weights", weights, "-out", first, "-log-level", "error", img},
		&stdout, &stderr), stderr.String())

	// A different -seed is ignored once the weights come from the file.
	require.NoError(t, run(context.Background(),
		[]string{"-weights", weights, "-seed", "9", "-out", second, "-log-level", "error", img},
		&stdout, &stderr), stderr.String())

	read := func(path string) *arrowexport.Batch {
		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()
		b, err := arrowexport.ReadIPC(f)
		require.NoError(t, err)
		return b
	}
	a, b := read(first), read(second)
	assert.Equal(t, a.Vectors, b.Vectors)
	assert.Equal(t, "tiny", b.Model)

	err := run(context.Background(), []string{"-preset", "tiny", "-save-type", "q4", img}, &stdout, &stderr)
	assert.ErrorContains(t, err, "unsupported tensor type")
}
