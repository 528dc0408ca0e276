package tensor

import "math"

// Stats summarizes an activation tensor for debug tracing.
type Stats struct {
	Max    float32
	Min    float32
	Mean   float32
	RMS    float32
	Zeros  int
	NaNs   int
	Infs   int
	Sample []float32 // leading values, at most 32
}

// Stats scans every element. Non-finite values are counted but excluded from
// the moments.
func (t *Tensor) Stats(sampleSize int) Stats {
	data := t.data

	var maxVal, minVal float32
	var sum, sumSq float64
	var zeros, nans, infs int
	first := true

	for _, v := range data {
		if math.IsNaN(float64(v)) {
			nans++
			continue
		}
		if math.IsInf(float64(v), 0) {
			infs++
			continue
		}
		if v == 0 {
			zeros++
		}
		if first || v > maxVal {
			maxVal = v
		}
		if first || v < minVal {
			minVal = v
		}
		first = false
		sum += float64(v)
		sumSq += float64(v) * float64(v)
	}

	n := len(data) - nans - infs
	var mean, rms float32
	if n > 0 {
		mean = float32(sum / float64(n))
		rms = float32(math.Sqrt(sumSq / float64(n)))
	}

	limit := min(sampleSize, 32, len(data))
	if limit < 0 {
		limit = 0
	}
	sample := make([]float32, limit)
	copy(sample, data[:limit])

	return Stats{
		Max:    maxVal,
		Min:    minVal,
		Mean:   mean,
		RMS:    rms,
		Zeros:  zeros,
		NaNs:   nans,
		Infs:   infs,
		Sample: sample,
	}
}

// NonFinite counts NaN and Inf elements without computing moments.
func (t *Tensor) NonFinite() (nans, infs int) {
	for _, v := range t.data {
		switch {
		case v != v:
			nans++
		case math.IsInf(float64(v), 0):
			infs++
		}
	}
	return nans, infs
}

// FirstNaN returns the flat index of the first NaN, or -1.
func (t *Tensor) FirstNaN() int {
	for i, v := range t.data {
		if v != v {
			return i
		}
	}
	return -1
}
