// Command lens encodes images with a ViT encoder and exports the embeddings.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/longbow-lens/internal/arrowexport"
	"github.com/23skdu/longbow-lens/internal/config"
	"github.com/23skdu/longbow-lens/internal/engine"
	"github.com/23skdu/longbow-lens/internal/gguf"
	"github.com/23skdu/longbow-lens/internal/logger"
	"github.com/23skdu/longbow-lens/internal/monitoring"
	"github.com/23skdu/longbow-lens/internal/preprocess"
)

type options struct {
	preset      string
	configPath  string
	weights     string
	saveWeights string
	saveType    string
	batch       int
	seed        int64
	norm        string
	l2          bool
	out         string
	flightAddr  string
	flightPath  string
	metricsAddr string
	activations string
	logLevel    string
	logFormat   string
	paths       []string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("lens", flag.ContinueOnError)
	fs.SetOutput(stderr)

	o := &options{}
	fs.StringVar(&o.preset, "preset", "base", "Model preset: base (ViT-B/16) or tiny")
	fs.StringVar(&o.configPath, "config", "", "Path to a JSON model config (overrides -preset)")
	fs.StringVar(&o.weights, "weights", "", "Load model config and weights from a GGUF file")
	fs.StringVar(&o.saveWeights, "save-weights", "", "Write the model weights to this GGUF file")
	fs.StringVar(&o.saveType, "save-type", "f32", "Matrix storage type for -save-weights: f32, f16 or q8_0")
	fs.IntVar(&o.batch, "batch", 0, "Max images per forward pass (0 keeps the config value)")
	fs.Int64Var(&o.seed, "seed", -1, "Weight init seed (-1 keeps the config value)")
	fs.StringVar(&o.norm, "norm", "imagenet", "Pixel normalization: imagenet, clip, standard or none")
	fs.BoolVar(&o.l2, "l2", false, "L2-normalize embeddings")
	fs.StringVar(&o.out, "out", "", "Write embeddings to this Arrow IPC stream file")
	fs.StringVar(&o.flightAddr, "flight", "", "Upload embeddings to this Arrow Flight host:port")
	fs.StringVar(&o.flightPath, "flight-path", "embeddings", "Flight descriptor path")
	fs.StringVar(&o.metricsAddr, "metrics", "", "Serve /metrics, /healthz and /status on this address")
	fs.StringVar(&o.activations, "activations", "", "Write per-stage activation stats to this JSON file")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&o.logFormat, "log-format", "console", "Log format: console or json")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lens [flags] image...\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.paths = fs.Args()
	if len(o.paths) == 0 {
		fs.Usage()
		return nil, errors.New("at least one image path is required")
	}
	return o, nil
}

func (o *options) modelConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Preset(o.preset)
	}
	if err != nil {
		return config.Config{}, err
	}
	if o.batch > 0 {
		cfg.MaxBatchSize = o.batch
	}
	if o.seed >= 0 {
		cfg.Seed = uint64(o.seed)
	}
	if o.activations != "" {
		cfg.DebugActivations = true
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	logger.SetupWriter(o.logLevel, o.logFormat, stderr)

	cfg, err := o.modelConfig()
	if err != nil {
		return err
	}
	norm, err := preprocess.NormalizationByName(o.norm)
	if err != nil {
		return err
	}
	saveType, err := gguf.ParseType(o.saveType)
	if err != nil {
		return err
	}

	monitor := monitoring.NewHealthMonitor(nil)
	if o.metricsAddr != "" {
		addr, err := monitor.Start(o.metricsAddr)
		if err != nil {
			return err
		}
		logger.Log.Info("metrics serving", "url", "http://"+addr+"/metrics")
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = monitor.Stop(shutdownCtx)
		}()
	}

	engOpts := []engine.Option{engine.WithNormalization(norm)}
	if o.l2 {
		engOpts = append(engOpts, engine.WithL2Normalize())
	}
	var actLog *engine.ActivationLogger
	if o.activations != "" {
		actLog = engine.NewActivationLogger(16)
		actLog.Enable(len(o.paths))
		engOpts = append(engOpts, engine.WithActivationLog(actLog))
	}

	var e *engine.Engine
	if o.weights != "" {
		logger.Log.Info("loading model", "path", o.weights)
		e, err = engine.NewFromFile(o.weights, cfg, engOpts...)
	} else {
		logger.Log.Info("building model",
			"embedding_dim", cfg.EmbeddingDim,
			"layers", cfg.NumEncoderLayers,
			"heads", cfg.NumHeads,
			"patch", cfg.PatchSize)
		e, err = engine.New(cfg, engOpts...)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	defer e.Close()
	monitor.SetSource(e)
	cfg = e.Config()

	if o.saveWeights != "" {
		if err := e.Model().SaveGGUF(o.saveWeights, modelName(o, cfg), saveType); err != nil {
			return err
		}
	}

	start := time.Now()
	out, err := e.EncodeFiles(ctx, o.paths)
	if err != nil {
		monitor.RecordError("encoder", err)
		return err
	}
	elapsed := time.Since(start)
	monitor.RecordEncode(len(o.paths), elapsed)
	logger.Log.Info("encode complete",
		"images", len(o.paths),
		"duration", elapsed,
		"images_per_sec", float64(len(o.paths))/elapsed.Seconds())

	fmt.Fprintf(stdout, "hidden %s pooled %s\n", out.Hidden.Shape(), out.Pooled.Shape())
	for i, v := range out.Embeddings {
		fmt.Fprintf(stdout, "%s\tdim=%d\tnorm=%.4f\n", filepath.Base(o.paths[i]), len(v), norm2(v))
	}

	if actLog != nil {
		if err := actLog.SaveToFile(o.activations); err != nil {
			return err
		}
		logger.Log.Info("activations saved", "path", o.activations)
	}

	batch := &arrowexport.Batch{
		IDs:     o.paths,
		Vectors: out.Embeddings,
		Model:   modelName(o, cfg),
	}
	var sinks []arrowexport.Sink
	if o.out != "" {
		sinks = append(sinks, &arrowexport.FileSink{Path: o.out})
	}
	if o.flightAddr != "" {
		fc := arrowexport.NewFlightClient(o.flightAddr, o.flightPath)
		if err := fc.Connect(ctx); err != nil {
			return err
		}
		sinks = append(sinks, fc)
	}
	for _, s := range sinks {
		err := s.Put(ctx, batch)
		if cerr := s.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
	}
	return nil
}

func modelName(o *options, cfg config.Config) string {
	if o.weights != "" {
		return strings.TrimSuffix(filepath.Base(o.weights), filepath.Ext(o.weights))
	}
	if o.configPath != "" {
		return filepath.Base(o.configPath)
	}
	return fmt.Sprintf("%s-p%d-e%d", o.preset, cfg.PatchSize, cfg.EmbeddingDim)
}

func norm2(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		logger.Log.Error("lens failed", "error", err)
		os.Exit(1)
	}
}
