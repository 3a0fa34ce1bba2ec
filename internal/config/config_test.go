package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if !cfg.LayoutOptimization {
		t.Error("layout optimization must default on")
	}
	if cfg.ImplicitFallbacks {
		t.Error("implicit fallbacks must default off")
	}
	if cfg.ConvNodeRatio != 300 {
		t.Errorf("ConvNodeRatio = %d, want 300", cfg.ConvNodeRatio)
	}
	if cfg.SmallChannelBound != 64 {
		t.Errorf("SmallChannelBound = %d, want 64", cfg.SmallChannelBound)
	}
	if cfg.RealizeReadsThreshold != 8 {
		t.Errorf("RealizeReadsThreshold = %d, want 8", cfg.RealizeReadsThreshold)
	}
	if cfg.InlineConstantMaxElements != 8 {
		t.Errorf("InlineConstantMaxElements = %d, want 8", cfg.InlineConstantMaxElements)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	content := "implicit_fallbacks: true\nconv_node_ratio: 10\ncpp_wrapper: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.ImplicitFallbacks || cfg.ConvNodeRatio != 10 || !cfg.CppWrapper {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	// untouched keys keep their defaults
	if cfg.RealizeReadsThreshold != 8 {
		t.Errorf("RealizeReadsThreshold = %d, want default 8", cfg.RealizeReadsThreshold)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file must error")
	}
}
