package gguf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Float32s decodes t into a fresh slice.
func Float32s(t *TensorInfo) ([]float32, error) {
	n := int(t.NumElements())
	size := t.SizeBytes()
	if size == 0 {
		return nil, ErrUnsupportedType{Name: t.Name, Type: t.Type}
	}
	if uint64(len(t.Data)) < size {
		return nil, fmt.Errorf("tensor %s: %d bytes, want %d", t.Name, len(t.Data), size)
	}
	switch t.Type {
	case GGMLTypeF32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
		return out, nil
	case GGMLTypeF16:
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[i*2:])).Float32()
		}
		return out, nil
	case GGMLTypeQ8_0:
		if n%q8BlockSize != 0 {
			return nil, fmt.Errorf("tensor %s: %d elements not a multiple of %d", t.Name, n, q8BlockSize)
		}
		return DequantizeQ8_0(t.Data, n), nil
	default:
		return nil, ErrUnsupportedType{Name: t.Name, Type: t.Type}
	}
}

// DequantizeQ8_0 expands numElements values; each block is scale * q.
func DequantizeQ8_0(data []byte, numElements int) []float32 {
	out := make([]float32, numElements)
	for b := 0; b < numElements/q8BlockSize; b++ {
		block := data[b*q8BlockBytes:]
		d := float16.Frombits(binary.LittleEndian.Uint16(block)).Float32()
		for i := 0; i < q8BlockSize; i++ {
			out[b*q8BlockSize+i] = d * float32(int8(block[2+i]))
		}
	}
	return out
}

// QuantizeQ8_0 packs values (a multiple of 32) with one absmax scale per block.
func QuantizeQ8_0(values []float32) []byte {
	out := make([]byte, len(values)/q8BlockSize*q8BlockBytes)
	for b := 0; b < len(values)/q8BlockSize; b++ {
		src := values[b*q8BlockSize : (b+1)*q8BlockSize]
		var amax float32
		for _, v := range src {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax = a
			}
		}
		d := amax / 127
		var inv float32
		if d != 0 {
			inv = 1 / d
		}
		block := out[b*q8BlockBytes:]
		binary.LittleEndian.PutUint16(block, float16.Fromfloat32(d).Bits())
		for i, v := range src {
			block[2+i] = byte(int8(math.Round(float64(v * inv))))
		}
	}
	return out
}

func encode(t *Tensor) ([]byte, error) {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	if n != len(t.Values) {
		return nil, fmt.Errorf("tensor %s: shape %v holds %d values, got %d", t.Name, t.Shape, n, len(t.Values))
	}
	switch t.Type {
	case GGMLTypeF32:
		out := make([]byte, 4*n)
		for i, v := range t.Values {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, nil
	case GGMLTypeF16:
		out := make([]byte, 2*n)
		for i, v := range t.Values {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case GGMLTypeQ8_0:
		if n%q8BlockSize != 0 {
			return nil, fmt.Errorf("tensor %s: %d elements not a multiple of %d", t.Name, n, q8BlockSize)
		}
		return QuantizeQ8_0(t.Values), nil
	default:
		return nil, ErrUnsupportedType{Name: t.Name, Type: t.Type}
	}
}

// StorageType picks the type a tensor of shape is stored as when want is
// requested. Vectors and tensors that do not fill whole Q8_0 blocks stay F32.
func StorageType(want GGMLType, shape []int) GGMLType {
	if want == GGMLTypeF32 || len(shape) < 2 {
		return GGMLTypeF32
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	if want == GGMLTypeQ8_0 && n%q8BlockSize != 0 {
		return GGMLTypeF16
	}
	return want
}
