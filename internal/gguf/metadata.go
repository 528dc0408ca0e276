package gguf

import (
	"fmt"
	"math"
)

// String returns a string KV, or "" when absent.
func (f *GGUFFile) String(key string) string {
	s, _ := f.KV[key].(string)
	return s
}

// Uint returns an integer KV of any width, or def when absent.
func (f *GGUFFile) Uint(key string, def uint64) uint64 {
	switch v := f.KV[key].(type) {
	case uint8:
		return uint64(v)
	case uint16:
		return uint64(v)
	case uint32:
		return uint64(v)
	case uint64:
		return v
	case int32:
		return uint64(v)
	case int64:
		return uint64(v)
	}
	return def
}

// Float returns a float KV, or def when absent.
func (f *GGUFFile) Float(key string, def float64) float64 {
	switch v := f.KV[key].(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return def
}

func (f *GGUFFile) Bool(key string) bool {
	b, _ := f.KV[key].(bool)
	return b
}

type AnalysisReport struct {
	Architecture    string
	ModelName       string
	TensorCount     int
	TotalParameters int64
	SizeBytes       int64
	Types           map[string]int
}

// Analyze summarizes the tensors in f.
func (f *GGUFFile) Analyze() *AnalysisReport {
	r := &AnalysisReport{
		Architecture: f.String("general.architecture"),
		ModelName:    f.String("general.name"),
		TensorCount:  len(f.Tensors),
		Types:        make(map[string]int),
	}
	for _, t := range f.Tensors {
		r.TotalParameters += int64(t.NumElements())
		r.SizeBytes += int64(t.SizeBytes())
		r.Types[t.Type.String()]++
	}
	return r
}

func (r *AnalysisReport) String() string {
	return fmt.Sprintf("arch=%s name=%s tensors=%d params=%d (%.2fM) size=%.2fMB types=%v",
		r.Architecture, r.ModelName, r.TensorCount, r.TotalParameters,
		float64(r.TotalParameters)/1e6, float64(r.SizeBytes)/1e6, r.Types)
}

// FindMissingTensors returns the names in required that f does not hold.
func (f *GGUFFile) FindMissingTensors(required []string) []string {
	existing := make(map[string]bool, len(f.Tensors))
	for _, t := range f.Tensors {
		existing[t.Name] = true
	}
	var missing []string
	for _, name := range required {
		if !existing[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

type TensorStats struct {
	Name         string
	Type         string
	Shape        []int
	ElementCount uint64
	SizeBytes    uint64
	MinValue     float64
	MaxValue     float64
	MeanValue    float64
	HasNaN       bool
	HasInf       bool
}

// ComputeStats decodes a tensor and summarizes its values.
func (f *GGUFFile) ComputeStats(name string) (*TensorStats, error) {
	t, err := f.Lookup(name)
	if err != nil {
		return nil, err
	}
	data, err := Float32s(t)
	if err != nil {
		return nil, err
	}
	stats := &TensorStats{
		Name:         t.Name,
		Type:         t.Type.String(),
		Shape:        t.Shape(),
		ElementCount: t.NumElements(),
		SizeBytes:    t.SizeBytes(),
		MinValue:     math.Inf(1),
		MaxValue:     math.Inf(-1),
	}
	var sum float64
	for _, v := range data {
		x := float64(v)
		if math.IsNaN(x) {
			stats.HasNaN = true
			continue
		}
		if math.IsInf(x, 0) {
			stats.HasInf = true
		}
		stats.MinValue = math.Min(stats.MinValue, x)
		stats.MaxValue = math.Max(stats.MaxValue, x)
		sum += x
	}
	if len(data) > 0 {
		stats.MeanValue = sum / float64(len(data))
	}
	return stats, nil
}
