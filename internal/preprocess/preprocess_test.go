package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-lens/internal/tensor"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestCHWNormalization(t *testing.T) {
	img := solid(2, 2, color.RGBA{255, 0, 0, 255})
	chw, err := CHW(img, 3, Standard)
	require.NoError(t, err)
	require.Len(t, chw, 12)
	assert.InDeltaSlice(t, []float32{1, 1, 1, 1}, chw[:4], 1e-6)
	assert.InDeltaSlice(t, []float32{-1, -1, -1, -1}, chw[4:8], 1e-6)
	assert.InDeltaSlice(t, []float32{-1, -1, -1, -1}, chw[8:], 1e-6)

	chw, err = CHW(img, 3, ImageNet)
	require.NoError(t, err)
	assert.InDelta(t, (1-0.485)/0.229, chw[0], 1e-5)
	assert.InDelta(t, (0-0.456)/0.224, chw[4], 1e-5)

	gray, err := CHW(solid(2, 2, color.White), 1, None)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 1, 1, 1}, gray, 1e-5)

	_, err = CHW(img, 4, None)
	assert.Error(t, err)
}

func TestResizeFlattensAlpha(t *testing.T) {
	src := solid(8, 4, color.RGBA{0, 0, 0, 0})
	dst, err := Resize(src, 4, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), dst.Bounds())
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, dst.RGBAAt(1, 1))

	_, err = Resize(src, 0, 4, nil)
	assert.Error(t, err)
}

func TestDecodeAndLoad(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(3, 5, color.RGBA{10, 20, 30, 255})))

	img, format, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 3, img.Bounds().Dx())

	path := filepath.Join(t.TempDir(), "img.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Bounds().Dy())

	_, _, err = Decode(bytes.NewReader([]byte("not an image")))
	assert.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}

func TestPreprocessorBatch(t *testing.T) {
	p, err := New(16, 3, Standard)
	require.NoError(t, err)

	imgs := []image.Image{
		solid(32, 24, color.RGBA{255, 255, 255, 255}),
		solid(10, 10, color.RGBA{0, 0, 0, 255}),
	}
	batch, err := p.Batch(imgs)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3, 16, 16}, batch.Shape())
	assert.InDelta(t, 1, batch.At(0, 2, 7, 7), 1e-2)
	assert.InDelta(t, -1, batch.At(1, 0, 3, 3), 1e-2)

	_, err = p.Batch(nil)
	assert.Error(t, err)
	_, err = p.Batch([]image.Image{nil})
	assert.Error(t, err)
}

func TestNormalizationByName(t *testing.T) {
	tests := []struct {
		name    string
		want    Normalization
		wantErr bool
	}{
		{"", ImageNet, false},
		{"clip", CLIP, false},
		{"standard", Standard, false},
		{"none", None, false},
		{"sepia", Normalization{}, true},
	}
	for _, tt := range tests {
		got, err := NormalizationByName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizationByName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		assert.Equal(t, tt.want, got)
	}
}
