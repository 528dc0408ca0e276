// Package preprocess turns decoded images into normalized [B, C, H, W]
// pixel tensors.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-lens/internal/tensor"
)

// Normalization is per-channel (x - mean) / std applied to [0,1] pixels.
type Normalization struct {
	Mean [3]float32
	Std  [3]float32
}

var (
	ImageNet = Normalization{
		Mean: [3]float32{0.485, 0.456, 0.406},
		Std:  [3]float32{0.229, 0.224, 0.225},
	}
	CLIP = Normalization{
		Mean: [3]float32{0.48145466, 0.4578275, 0.40821073},
		Std:  [3]float32{0.26862954, 0.26130258, 0.27577711},
	}
	// Standard maps [0,1] to [-1,1].
	Standard = Normalization{
		Mean: [3]float32{0.5, 0.5, 0.5},
		Std:  [3]float32{0.5, 0.5, 0.5},
	}
	None = Normalization{
		Std: [3]float32{1, 1, 1},
	}
)

// NormalizationByName resolves "imagenet", "clip", "standard" or "none".
func NormalizationByName(name string) (Normalization, error) {
	switch name {
	case "", "imagenet":
		return ImageNet, nil
	case "clip":
		return CLIP, nil
	case "standard":
		return Standard, nil
	case "none":
		return None, nil
	default:
		return Normalization{}, fmt.Errorf("unknown normalization %q", name)
	}
}

// Decode reads any registered format (PNG, JPEG, GIF, BMP, WebP).
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// Load decodes the image file at path.
func Load(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	img, _, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Resize scales img to width x height and flattens any alpha onto white.
func Resize(img image.Image, width, height int, interp draw.Interpolator) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid size: %dx%d", width, height)
	}
	if interp == nil {
		interp = draw.BiLinear
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	interp.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst, nil
}

// CHW writes img into a channel-first float buffer. With one channel the
// pixel luminance is used and normalized with the first mean/std entry.
func CHW(img *image.RGBA, channels int, norm Normalization) ([]float32, error) {
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float32, channels*plane)

	idx := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBAAt(x, y)
			r := float32(c.R) / 255
			g := float32(c.G) / 255
			bl := float32(c.B) / 255
			if channels == 1 {
				lum := 0.299*r + 0.587*g + 0.114*bl
				out[idx] = (lum - norm.Mean[0]) / norm.Std[0]
			} else {
				out[idx] = (r - norm.Mean[0]) / norm.Std[0]
				out[plane+idx] = (g - norm.Mean[1]) / norm.Std[1]
				out[2*plane+idx] = (bl - norm.Mean[2]) / norm.Std[2]
			}
			idx++
		}
	}
	return out, nil
}

// Preprocessor resizes and normalizes batches to a fixed square size.
type Preprocessor struct {
	Size          int
	Channels      int
	Normalization Normalization
	Interpolator  draw.Interpolator
}

func New(size, channels int, norm Normalization) (*Preprocessor, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid image size %d", size)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	return &Preprocessor{
		Size:          size,
		Channels:      channels,
		Normalization: norm,
		Interpolator:  draw.CatmullRom,
	}, nil
}

// Batch converts images into one [len(imgs), C, Size, Size] tensor.
func (p *Preprocessor) Batch(imgs []image.Image) (*tensor.Tensor, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("empty image batch")
	}
	out := tensor.New(len(imgs), p.Channels, p.Size, p.Size)
	stride := p.Channels * p.Size * p.Size
	data := out.Data()

	var g errgroup.Group
	for i, img := range imgs {
		g.Go(func() error {
			if img == nil {
				return fmt.Errorf("image %d is nil", i)
			}
			rgba, err := Resize(img, p.Size, p.Size, p.Interpolator)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			chw, err := CHW(rgba, p.Channels, p.Normalization)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			copy(data[i*stride:(i+1)*stride], chw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
