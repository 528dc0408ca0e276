package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-lens/internal/config"
	"github.com/23skdu/longbow-lens/internal/logger"
	"github.com/23skdu/longbow-lens/internal/metrics"
)

// Source exposes the encoder state reported on /status.
type Source interface {
	Config() config.Config
	LastLatency() time.Duration
}

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      string          `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Model       ModelInfo       `json:"model"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type ModelInfo struct {
	Loaded       bool `json:"loaded"`
	EmbeddingDim int  `json:"embedding_dim"`
	OutputDim    int  `json:"output_dim"`
	PatchSize    int  `json:"patch_size"`
	ImageSize    int  `json:"image_size"`
	NumLayers    int  `json:"num_layers"`
	NumHeads     int  `json:"num_heads"`
	MaxTokens    int  `json:"max_tokens"`
}

type PerformanceInfo struct {
	ImagesEncoded   int64     `json:"images_encoded"`
	ImagesPerSecond float64   `json:"images_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	LastLatencyMs   float64   `json:"last_latency_ms"`
	LastEncode      time.Time `json:"last_encode"`
}

// Alert represents a raised condition
type Alert struct {
	Level     string    `json:"level"` // info, warning, error, critical
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type perfPoint struct {
	images   int
	duration time.Duration
}

const (
	maxHistory = 1000
	maxAlerts  = 100

	// SlowBatch raises a warning when one encode call exceeds it.
	SlowBatch = 5 * time.Second
)

// HealthMonitor serves health, status and Prometheus endpoints.
type HealthMonitor struct {
	Version string

	startTime  time.Time
	source     Source
	server     *http.Server
	mu         sync.RWMutex
	alerts     []Alert
	lastEncode time.Time
	history    []perfPoint
}

// NewHealthMonitor creates a monitor. source may be nil until a model is built.
func NewHealthMonitor(source Source) *HealthMonitor {
	return &HealthMonitor{
		Version:   "dev",
		startTime: time.Now(),
		source:    source,
	}
}

// SetSource attaches the encoder once it is ready.
func (hm *HealthMonitor) SetSource(source Source) {
	hm.mu.Lock()
	hm.source = source
	hm.mu.Unlock()
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleStatus)
	mux.HandleFunc("/alerts", hm.handleAlerts)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start listens on addr and serves in the background. It returns the bound address.
func (hm *HealthMonitor) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("monitor listen %s: %w", addr, err)
	}
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("health monitor starting", "addr", ln.Addr().String())
	go func() {
		if err := hm.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("health monitor stopped", "error", err)
		}
	}()
	return ln.Addr().String(), nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordEncode tracks one encode call for /status and raises slow-batch alerts.
func (hm *HealthMonitor) RecordEncode(images int, d time.Duration) {
	hm.mu.Lock()
	hm.lastEncode = time.Now()
	hm.history = append(hm.history, perfPoint{images: images, duration: d})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	hm.mu.Unlock()

	if d > SlowBatch {
		hm.AddAlert("warning", "encoder", fmt.Sprintf("slow batch: %d images in %s", images, d))
	}
}

// RecordError raises an error alert for a failed encode.
func (hm *HealthMonitor) RecordError(component string, err error) {
	hm.AddAlert("error", component, err.Error())
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()

	logger.Log.Warn("alert", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ClearAlerts() {
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()
}

// Status computes the current report.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Level == "critical" {
			status = "critical"
			break
		}
		if a.Level == "error" {
			status = "degraded"
		}
	}

	var model ModelInfo
	var last time.Duration
	if hm.source != nil {
		cfg := hm.source.Config()
		model = ModelInfo{
			Loaded:       true,
			EmbeddingDim: cfg.EmbeddingDim,
			OutputDim:    cfg.OutputDim(),
			PatchSize:    cfg.PatchSize,
			ImageSize:    cfg.ImageSize,
			NumLayers:    cfg.NumEncoderLayers,
			NumHeads:     cfg.NumHeads,
			MaxTokens:    cfg.MaxTokenLength,
		}
		last = hm.source.LastLatency()
	}
	perf := hm.performance()
	perf.LastLatencyMs = float64(last) / float64(time.Millisecond)

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.Version,
		Uptime:      time.Since(hm.startTime).Round(time.Second).String(),
		System:      systemInfo(),
		Model:       model,
		Performance: perf,
		Alerts:      slices.Clone(hm.alerts),
	}
}

func (hm *HealthMonitor) performance() PerformanceInfo {
	perf := PerformanceInfo{
		ImagesEncoded: metrics.TotalImages(),
		LastEncode:    hm.lastEncode,
	}
	if len(hm.history) == 0 {
		return perf
	}

	var images int
	var total time.Duration
	latencies := make([]float64, len(hm.history))
	for i, p := range hm.history {
		images += p.images
		total += p.duration
		latencies[i] = float64(p.duration) / float64(time.Millisecond)
	}
	slices.Sort(latencies)
	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}

	perf.AvgLatencyMs = float64(total) / float64(len(hm.history)) / float64(time.Millisecond)
	perf.P95LatencyMs = latencies[p95]
	if total > 0 {
		perf.ImagesPerSecond = float64(images) / total.Seconds()
	}
	return perf
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "critical" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		hm.mu.RLock()
		alerts := slices.Clone(hm.alerts)
		hm.mu.RUnlock()
		if alerts == nil {
			alerts = []Alert{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(alerts)
	case http.MethodDelete:
		hm.ClearAlerts()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
