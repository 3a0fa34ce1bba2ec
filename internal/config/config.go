// Package config holds the feature flags and tuned thresholds that steer
// graph lowering. All numeric thresholds are empirical performance knobs,
// not correctness invariants, and may be overridden from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config controls lowering behavior for a single process.
type Config struct {
	// LayoutOptimization gates the channels-last layout heuristic.
	LayoutOptimization bool `yaml:"layout_optimization"`

	// ImplicitFallbacks allows synthesizing a fallback handler for any
	// operator missing from the lowering registry.
	ImplicitFallbacks bool `yaml:"implicit_fallbacks"`

	// AlwaysKeepTensorConstants disables inlining of small constants.
	AlwaysKeepTensorConstants bool `yaml:"always_keep_tensor_constants"`

	// CppWrapper selects the C++ wrapper codegen style, which carries
	// extra platform and dtype preconditions.
	CppWrapper bool `yaml:"cpp_wrapper"`

	// DisableCppCodegen rejects any cpp-wrapper request up front.
	DisableCppCodegen bool `yaml:"disable_cpp_codegen"`

	// AOTMode emits a standalone artifact instead of an in-process module.
	AOTMode bool `yaml:"aot_mode"`

	// ConvNodeRatio disables layout optimization when the graph has more
	// than this many nodes per convolution.
	ConvNodeRatio int `yaml:"conv_node_ratio"`

	// SmallChannelBound disables layout optimization when every
	// convolution has both channel counts at or below this bound.
	SmallChannelBound int `yaml:"small_channel_bound"`

	// RealizeReadsThreshold forces materialization of an IR value once it
	// has accumulated this many reads, bounding fusion blow-up.
	RealizeReadsThreshold int `yaml:"realize_reads_threshold"`

	// InlineConstantMaxElements is the largest 1-d constant that is
	// inlined as a literal instead of entering the constant table.
	InlineConstantMaxElements int `yaml:"inline_constant_max_elements"`

	// ROCmWorkaround force-disables layout optimization on known-bad
	// HIP + GPU runtime combinations.
	ROCmWorkaround bool `yaml:"rocm_workaround"`

	// MKLDNNEnabled marks the CPU fast path that makes channels-last
	// always profitable for CPU-only convolutions.
	MKLDNNEnabled bool `yaml:"mkldnn_enabled"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		LayoutOptimization:        true,
		ImplicitFallbacks:         false,
		AlwaysKeepTensorConstants: false,
		CppWrapper:                false,
		DisableCppCodegen:         false,
		AOTMode:                   false,
		ConvNodeRatio:             300,
		SmallChannelBound:         64,
		RealizeReadsThreshold:     8,
		InlineConstantMaxElements: 8,
		ROCmWorkaround:            false,
		MKLDNNEnabled:             false,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
