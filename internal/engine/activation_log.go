package engine

import (
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-lens/internal/tensor"
)

// ActivationLog stores stage-by-stage activation summaries for one encode call.
type ActivationLog struct {
	Images int        `json:"images"`
	Stages []StageLog `json:"stages"`
}

// StageLog captures the activations leaving a single model stage.
type StageLog struct {
	Stage  string    `json:"stage"`
	Shape  []int     `json:"shape"`
	Max    float32   `json:"max"`
	Min    float32   `json:"min"`
	Mean   float32   `json:"mean"`
	RMS    float32   `json:"rms"`
	Zeros  int       `json:"zeros"`
	NaNs   int       `json:"nan_count"`
	Infs   int       `json:"inf_count"`
	Sample []float32 `json:"sample"`
}

// ActivationLogger collects StageLogs while enabled.
type ActivationLogger struct {
	mu         sync.Mutex
	enabled    bool
	sampleSize int
	log        *ActivationLog
}

func NewActivationLogger(sampleSize int) *ActivationLogger {
	return &ActivationLogger{sampleSize: sampleSize}
}

// Enable starts a fresh log.
func (al *ActivationLogger) Enable(images int) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.enabled = true
	al.log = &ActivationLog{Images: images}
}

func (al *ActivationLogger) IsEnabled() bool {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.enabled
}

// Observe is installed as the model observer.
func (al *ActivationLogger) Observe(stage string, out *tensor.Tensor) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if !al.enabled {
		return
	}
	s := out.Stats(al.sampleSize)
	al.log.Stages = append(al.log.Stages, StageLog{
		Stage:  stage,
		Shape:  out.Shape(),
		Max:    s.Max,
		Min:    s.Min,
		Mean:   s.Mean,
		RMS:    s.RMS,
		Zeros:  s.Zeros,
		NaNs:   s.NaNs,
		Infs:   s.Infs,
		Sample: s.Sample,
	})
}

// Snapshot returns a copy of the current log, or nil when disabled.
func (al *ActivationLogger) Snapshot() *ActivationLog {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.log == nil {
		return nil
	}
	cp := *al.log
	cp.Stages = append([]StageLog(nil), al.log.Stages...)
	return &cp
}

// SaveToFile writes the activation log to a JSON file
func (al *ActivationLogger) SaveToFile(filename string) error {
	snap := al.Snapshot()
	if snap == nil {
		return fmt.Errorf("no activation log to save")
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
