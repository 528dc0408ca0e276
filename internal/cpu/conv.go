package cpu

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-lens/internal/tensor"
)

// Conv2DOutputSize is the spatial extent after a convolution.
func Conv2DOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// Conv2D convolves x [B, C, H, W] with w [O, C, KH, KW] and adds bias [O]
// (optional). Each image is lowered with im2col into a pooled scratch buffer
// and multiplied against the flattened kernel in one GEMM.
func (c *Context) Conv2D(x, w, bias *tensor.Tensor, stride, padding int) (*tensor.Tensor, error) {
	defer timeKernel("conv2d", time.Now())

	if err := tensor.CheckRank("conv2d", x, 4); err != nil {
		return nil, err
	}
	if err := tensor.CheckRank("conv2d", w, 4); err != nil {
		return nil, err
	}
	if stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("conv2d: invalid stride %d or padding %d", stride, padding)
	}
	xs, ws := x.Shape(), w.Shape()
	batch, channels, height, width := xs[0], xs[1], xs[2], xs[3]
	outC, kh, kw := ws[0], ws[2], ws[3]
	if ws[1] != channels {
		return nil, tensor.Mismatch("conv2d", "input channels differ from kernel", tensor.Shape{batch, ws[1], height, width}, xs)
	}
	if kh > height+2*padding || kw > width+2*padding {
		return nil, tensor.Mismatch("conv2d", "kernel larger than padded input", ws, xs)
	}
	if bias != nil && (bias.Rank() != 1 || bias.Dim(0) != outC) {
		return nil, tensor.Mismatch("conv2d", "bias length", tensor.Shape{outC}, bias.Shape())
	}

	outH := Conv2DOutputSize(height, kh, stride, padding)
	outW := Conv2DOutputSize(width, kw, stride, padding)
	out := tensor.New(batch, outC, outH, outW)

	patch := channels * kh * kw
	spatial := outH * outW
	if out.Len() == 0 || patch == 0 {
		return out, nil
	}
	xd, wd, od := x.Data(), w.Data(), out.Data()
	var bd []float32
	if bias != nil {
		bd = bias.Data()
	}

	var g errgroup.Group
	for b := 0; b < batch; b++ {
		g.Go(func() error {
			cols := c.Scratch(patch * spatial)
			defer c.Release(cols)

			img := xd[b*channels*height*width : (b+1)*channels*height*width]
			im2col(img, cols, channels, height, width, kh, kw, stride, padding, outH, outW)

			dst := od[b*outC*spatial : (b+1)*outC*spatial]
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
				general(wd, outC, patch),
				general(cols, patch, spatial),
				0, general(dst, outC, spatial))

			for o := 0; o < len(bd); o++ {
				row := dst[o*spatial : (o+1)*spatial]
				for i := range row {
					row[i] += bd[o]
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// im2col lays out every receptive field as a column: row index is
// (channel, ky, kx), column index is the output pixel.
func im2col(img, cols []float32, channels, height, width, kh, kw, stride, padding, outH, outW int) {
	spatial := outH * outW
	for ch := 0; ch < channels; ch++ {
		plane := img[ch*height*width : (ch+1)*height*width]
		for ky := 0; ky < kh; ky++ {
			for kx := 0; kx < kw; kx++ {
				row := cols[((ch*kh+ky)*kw+kx)*spatial:]
				for oy := 0; oy < outH; oy++ {
					iy := oy*stride + ky - padding
					for ox := 0; ox < outW; ox++ {
						ix := ox*stride + kx - padding
						if iy < 0 || iy >= height || ix < 0 || ix >= width {
							row[oy*outW+ox] = 0
							continue
						}
						row[oy*outW+ox] = plane[iy*width+ix]
					}
				}
			}
		}
	}
}
