// Package config loads the quantsim policy file and resolves it against a
// connected graph into per-quantizer settings.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/quantsim/internal/graph"
)

var ErrConfigValidation = errors.New("invalid quantsim config")

// ValidationError locates a problem in the policy file.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "invalid quantsim config: " + e.Reason
	}
	return fmt.Sprintf("invalid quantsim config at %s: %s", e.Path, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrConfigValidation }

// Bool is a config flag spelled as the string "True" or "False".
type Bool bool

func (b *Bool) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"True"`:
		*b = true
	case `"False"`:
		*b = false
	default:
		return &ValidationError{Reason: fmt.Sprintf(`flag must be "True" or "False", got %s`, data)}
	}
	return nil
}

func (b Bool) MarshalJSON() ([]byte, error) {
	if b {
		return []byte(`"True"`), nil
	}
	return []byte(`"False"`), nil
}

func flag(v bool) *Bool {
	b := Bool(v)
	return &b
}

// ActivationRule configures an op's input and output quantizers.
type ActivationRule struct {
	IsInputQuantized  *Bool `json:"is_input_quantized,omitempty"`
	IsOutputQuantized *Bool `json:"is_output_quantized,omitempty"`
	IsSymmetric       *Bool `json:"is_symmetric,omitempty"`
}

// ParamRule configures the quantizer of a parameter.
type ParamRule struct {
	IsQuantized *Bool `json:"is_quantized,omitempty"`
	IsSymmetric *Bool `json:"is_symmetric,omitempty"`
}

// Defaults is the global scope every other rule overlays.
type Defaults struct {
	Ops                    ActivationRule  `json:"ops"`
	Params                 ParamRule       `json:"params"`
	StrictSymmetric        *Bool           `json:"strict_symmetric,omitempty"`
	UnsignedSymmetric      *Bool           `json:"unsigned_symmetric,omitempty"`
	PerChannelQuantization *Bool           `json:"per_channel_quantization,omitempty"`
	HWVersion              string          `json:"hw_version,omitempty"`
	SupportedKernels       json.RawMessage `json:"supported_kernels,omitempty"`
}

// OpTypeRule overrides the defaults for every op of one type.
type OpTypeRule struct {
	ActivationRule
	StrictSymmetric        *Bool                         `json:"strict_symmetric,omitempty"`
	UnsignedSymmetric      *Bool                         `json:"unsigned_symmetric,omitempty"`
	PerChannelQuantization *Bool                         `json:"per_channel_quantization,omitempty"`
	Params                 map[graph.ParamRole]ParamRule `json:"params,omitempty"`
	SupportedKernels       json.RawMessage               `json:"supported_kernels,omitempty"`
}

// Supergroup is an op-type sequence executed as one fused kernel.
type Supergroup struct {
	OpList []graph.OpType `json:"op_list"`
}

type ModelInput struct {
	IsInputQuantized *Bool `json:"is_input_quantized,omitempty"`
}

type ModelOutput struct {
	IsOutputQuantized *Bool `json:"is_output_quantized,omitempty"`
}

// Config is a parsed policy file. It is read-only once loaded.
type Config struct {
	Defaults    Defaults                       `json:"defaults"`
	Params      map[graph.ParamRole]ParamRule  `json:"params,omitempty"`
	OpType      map[graph.OpType]OpTypeRule    `json:"op_type,omitempty"`
	Supergroups []Supergroup                   `json:"supergroups,omitempty"`
	ModelInput  ModelInput                     `json:"model_input"`
	ModelOutput ModelOutput                    `json:"model_output"`
}

//go:embed default_config.json
var defaultConfig []byte

// Default returns the built-in policy: asymmetric activations, symmetric
// weights, unquantized biases and the common conv/gemm fusions.
func Default() *Config {
	cfg, err := Load(bytes.NewReader(defaultConfig))
	if err != nil {
		panic(fmt.Sprintf("config: embedded default is invalid: %v", err))
	}
	return cfg
}

// Load parses and validates a policy file. Unknown keys are rejected.
func Load(r io.Reader) (*Config, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return nil, ve
		}
		return nil, &ValidationError{Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	cfg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks op types, param roles, supergroups and contradictory
// symmetry flags.
func (c *Config) Validate() error {
	if c.Defaults.Ops.IsSymmetric != nil && !*c.Defaults.Ops.IsSymmetric &&
		c.Defaults.Params.IsSymmetric != nil && !*c.Defaults.Params.IsSymmetric {
		for name, f := range map[string]*Bool{"strict_symmetric": c.Defaults.StrictSymmetric, "unsigned_symmetric": c.Defaults.UnsignedSymmetric} {
			if f != nil && bool(*f) {
				return &ValidationError{Path: "defaults." + name, Reason: "set while nothing is symmetric"}
			}
		}
	}
	for role := range c.Params {
		if !graph.IsKnownParamRole(role) {
			return &ValidationError{Path: "params." + string(role), Reason: "unknown parameter role"}
		}
	}
	for _, t := range sortedKeys(c.OpType) {
		rule := c.OpType[t]
		path := "op_type." + string(t)
		if !graph.IsKnownOpType(t) {
			return &ValidationError{Path: path, Reason: "unknown op type"}
		}
		if rule.IsSymmetric != nil && !*rule.IsSymmetric {
			if rule.StrictSymmetric != nil && bool(*rule.StrictSymmetric) {
				return &ValidationError{Path: path, Reason: `strict_symmetric "True" contradicts is_symmetric "False"`}
			}
			if rule.UnsignedSymmetric != nil && bool(*rule.UnsignedSymmetric) {
				return &ValidationError{Path: path, Reason: `unsigned_symmetric "True" contradicts is_symmetric "False"`}
			}
		}
		for role := range rule.Params {
			if !graph.IsKnownParamRole(role) {
				return &ValidationError{Path: path + ".params." + string(role), Reason: "unknown parameter role"}
			}
		}
	}
	seen := make(map[string]int)
	for i, sg := range c.Supergroups {
		path := fmt.Sprintf("supergroups[%d]", i)
		if len(sg.OpList) < 2 {
			return &ValidationError{Path: path, Reason: "op_list needs at least two op types"}
		}
		for _, t := range sg.OpList {
			if !graph.IsKnownOpType(t) {
				return &ValidationError{Path: path, Reason: fmt.Sprintf("unknown op type %q", t)}
			}
		}
		key := joinTypes(sg.OpList)
		if prev, dup := seen[key]; dup {
			return &ValidationError{Path: path, Reason: fmt.Sprintf("duplicates supergroups[%d]", prev)}
		}
		seen[key] = i
	}
	return nil
}

func joinTypes(ts []graph.OpType) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
