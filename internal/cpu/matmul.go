package cpu

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-lens/internal/tensor"
)

func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// MatMul multiplies the trailing two axes: [..., M, K] x [..., K, N] ->
// [..., M, N]. b may also be a plain [K, N] matrix shared by every batch.
func (c *Context) MatMul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	return c.batchedGemm("matmul", a, b, false)
}

// MatMulTransB computes a x bᵀ: [..., M, K] x [..., N, K] -> [..., M, N].
func (c *Context) MatMulTransB(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	return c.batchedGemm("matmul_tb", a, b, true)
}

func (c *Context) batchedGemm(op string, a, b *tensor.Tensor, transB bool) (*tensor.Tensor, error) {
	defer timeKernel(op, time.Now())

	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, tensor.Mismatch(op, "operands need rank >= 2", a.Shape(), b.Shape())
	}
	as, bs := a.Shape(), b.Shape()
	m, k := as[len(as)-2], as[len(as)-1]
	kb, n := bs[len(bs)-2], bs[len(bs)-1]
	if transB {
		kb, n = n, kb
	}
	if k != kb {
		return nil, tensor.Mismatch(op, fmt.Sprintf("inner dims %d and %d differ", k, kb), as, bs)
	}

	batchShape := as[:len(as)-2]
	batches := batchShape.NumElements()
	shared := b.Rank() == 2
	if !shared && !tensor.Shape(bs[:len(bs)-2]).Equal(batchShape) {
		return nil, tensor.Mismatch(op, "batch dims differ", as, bs)
	}

	outShape := append(batchShape.Clone(), m, n)
	out := tensor.New(outShape...)
	if out.Len() == 0 || k == 0 {
		return out, nil
	}

	tB := blas.NoTrans
	bRows, bCols := k, n
	if transB {
		tB = blas.Trans
		bRows, bCols = n, k
	}

	ad, bd, od := a.Data(), b.Data(), out.Data()
	gemm := func(i int) {
		boff := 0
		if !shared {
			boff = i * k * n
		}
		blas32.Gemm(blas.NoTrans, tB, 1,
			general(ad[i*m*k:(i+1)*m*k], m, k),
			general(bd[boff:boff+k*n], bRows, bCols),
			0, general(od[i*m*n:(i+1)*m*n], m, n))
	}

	if batches == 1 || m*n*k < 1<<14 {
		for i := 0; i < batches; i++ {
			gemm(i)
		}
		return out, nil
	}
	var g errgroup.Group
	for i := 0; i < batches; i++ {
		g.Go(func() error {
			gemm(i)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// Linear computes x·wᵀ + bias over the last axis of x. w is [out, in] and
// bias, when non-nil, is [out].
func (c *Context) Linear(x, w, bias *tensor.Tensor) (*tensor.Tensor, error) {
	defer timeKernel("linear", time.Now())

	if w.Rank() != 2 {
		return nil, tensor.Mismatch("linear", "weight must be [out, in]", nil, w.Shape())
	}
	outF, inF := w.Dim(0), w.Dim(1)
	if x.Rank() < 1 || x.Dim(-1) != inF {
		return nil, tensor.Mismatch("linear", "input features differ from weight", tensor.Shape{inF}, x.Shape())
	}
	if bias != nil && (bias.Rank() != 1 || bias.Dim(0) != outF) {
		return nil, tensor.Mismatch("linear", "bias length", tensor.Shape{outF}, bias.Shape())
	}

	rows := x.Len() / max(inF, 1)
	outShape := x.Shape()
	outShape[len(outShape)-1] = outF
	out := tensor.New(outShape...)
	if rows == 0 || outF == 0 {
		return out, nil
	}
	if inF > 0 {
		blas32.Gemm(blas.NoTrans, blas.Trans, 1,
			general(x.Data(), rows, inF),
			general(w.Data(), outF, inF),
			0, general(out.Data(), rows, outF))
	}
	if bias != nil {
		if err := out.AddInPlace(bias); err != nil {
			return nil, err
		}
	}
	return out, nil
}
