package nn

import (
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-lens/internal/tensor"
)

// KaimingUniform fills a tensor from U(-1/sqrt(fanIn), 1/sqrt(fanIn)), the
// default for both weights and biases of linear and conv layers.
func KaimingUniform(rng *rand.Rand, fanIn int, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	if fanIn <= 0 {
		return t
	}
	bound := 1 / math.Sqrt(float64(fanIn))
	data := t.Data()
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	return t
}
