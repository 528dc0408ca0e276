// Package nn provides the learnable building blocks of the encoder: linear,
// convolution, normalization and dropout layers over cpu kernels.
package nn

import (
	"github.com/23skdu/longbow-lens/internal/tensor"
)

// Parameter is a named learnable tensor.
type Parameter struct {
	Name   string
	Tensor *tensor.Tensor
}

func NewParameter(name string, t *tensor.Tensor) *Parameter {
	return &Parameter{Name: name, Tensor: t}
}

// Module is anything with a forward pass and learnable state.
type Module interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
}

// CountParameters sums the element counts of params.
func CountParameters(params []*Parameter) int {
	n := 0
	for _, p := range params {
		n += p.Tensor.Len()
	}
	return n
}

// Prefix namespaces parameter names, e.g. "encoder.0." + "norm1.gamma".
func Prefix(prefix string, params []*Parameter) []*Parameter {
	out := make([]*Parameter, len(params))
	for i, p := range params {
		out[i] = &Parameter{Name: prefix + p.Name, Tensor: p.Tensor}
	}
	return out
}
