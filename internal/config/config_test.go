package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.EmbeddingDim != 768 {
		t.Errorf("expected EmbeddingDim 768, got %d", cfg.EmbeddingDim)
	}
	if cfg.NumHeads != 12 {
		t.Errorf("expected NumHeads 12, got %d", cfg.NumHeads)
	}
	if cfg.HeadDim() != 64 {
		t.Errorf("expected HeadDim 64, got %d", cfg.HeadDim())
	}
	if cfg.NumPatches() != 196 {
		t.Errorf("expected 196 patches, got %d", cfg.NumPatches())
	}
	if cfg.LayerNormEps != 1e-5 {
		t.Errorf("expected LayerNormEps 1e-5, got %v", cfg.LayerNormEps)
	}
	if cfg.OutputDim() != cfg.EmbeddingDim {
		t.Errorf("expected OutputDim to fall back to EmbeddingDim, got %d", cfg.OutputDim())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestTinyValidates(t *testing.T) {
	cfg := Tiny()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("tiny config should validate: %v", err)
	}
	if cfg.NumPatches() != 16 {
		t.Errorf("expected 16 patches, got %d", cfg.NumPatches())
	}
}

func TestAccessorsOnReturnedValue(t *testing.T) {
	if got := Tiny().OutputDim(); got != Tiny().EmbeddingDim {
		t.Errorf("expected OutputDim %d, got %d", Tiny().EmbeddingDim, got)
	}
	if got := Default().HeadDim(); got != 64 {
		t.Errorf("expected HeadDim 64, got %d", got)
	}
	if got := Default().NumPatches(); got != 196 {
		t.Errorf("expected 196 patches, got %d", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"invalid embedding dim", func(c *Config) { c.EmbeddingDim = 0 }, "embedding_dim"},
		{"odd embedding dim", func(c *Config) { c.EmbeddingDim = 33; c.NumHeads = 3 }, "even"},
		{"heads do not divide dim", func(c *Config) { c.NumHeads = 5 }, "dim mismatch"},
		{"invalid heads", func(c *Config) { c.NumHeads = 0 }, "num_heads"},
		{"invalid patch size", func(c *Config) { c.PatchSize = 0 }, "patch_size"},
		{"image not divisible", func(c *Config) { c.ImageSize = 18 }, "not divisible"},
		{"too many patches", func(c *Config) { c.MaxTokenLength = 8 }, "max_token_length"},
		{"invalid hidden dim", func(c *Config) { c.HiddenDim = -1 }, "hidden_dim"},
		{"dropout out of range", func(c *Config) { c.Dropout = 1 }, "dropout"},
		{"negative dropout", func(c *Config) { c.Dropout = -0.1 }, "dropout"},
		{"no layers", func(c *Config) { c.NumEncoderLayers = 0 }, "num_encoder_layers"},
		{"invalid eps", func(c *Config) { c.LayerNormEps = 0 }, "layer_norm_eps"},
		{"unset image size", func(c *Config) { c.ImageSize = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Tiny()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestPreset(t *testing.T) {
	tests := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{"", 768, false},
		{"base", 768, false},
		{"tiny", 32, false},
		{"huge", 0, true},
	}
	for _, tt := range tests {
		cfg, err := Preset(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("Preset(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if cfg.EmbeddingDim != tt.want {
			t.Errorf("Preset(%q).EmbeddingDim = %d, want %d", tt.name, cfg.EmbeddingDim, tt.want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vit.json")
	body := `{"num_encoder_layers": 2, "pooler_dim": 256, "debug_activations": true, "gelu_approximate": true}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.NumEncoderLayers != 2 {
		t.Errorf("expected 2 layers, got %d", cfg.NumEncoderLayers)
	}
	if cfg.OutputDim() != 256 {
		t.Errorf("expected OutputDim 256, got %d", cfg.OutputDim())
	}
	if !cfg.DebugActivations {
		t.Error("expected DebugActivations to be true")
	}
	if !cfg.GELUApprox {
		t.Error("expected GELUApprox to be true")
	}
	if cfg.EmbeddingDim != 768 {
		t.Errorf("expected defaults to survive, got EmbeddingDim %d", cfg.EmbeddingDim)
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"num_heads": 7}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(bad); err == nil {
		t.Error("expected validation error for 768 % 7")
	}

	garbled := filepath.Join(dir, "garbled.json")
	if err := os.WriteFile(garbled, []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(garbled); err == nil {
		t.Error("expected parse error")
	}
}
