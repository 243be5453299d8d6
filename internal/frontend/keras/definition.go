// Package keras is the frontend for functional layer graphs: a list of
// layers, each naming the layers it is called on. Tensors are channels-last.
package keras

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// Definition is the serialized functional model. Weights live next to it in
// a safetensors file keyed by variable name.
type Definition struct {
	Name         string        `json:"name"`
	Layers       []LayerConfig `json:"layers"`
	InputLayers  []string      `json:"input_layers"`
	OutputLayers []string      `json:"output_layers"`
}

// LayerConfig is one layer. Each inbound node is one call of the layer and
// lists the layers whose outputs it consumes.
type LayerConfig struct {
	ClassName    string     `json:"class_name"`
	Name         string     `json:"name"`
	Config       Config     `json:"config"`
	InboundNodes [][]string `json:"inbound_nodes"`
}

// Config holds the layer arguments this frontend understands. Fields that a
// class does not use are left zero.
type Config struct {
	BatchInputShape []int    `json:"batch_input_shape,omitempty"`
	Filters         int      `json:"filters,omitempty"`
	Units           int      `json:"units,omitempty"`
	KernelSize      []int    `json:"kernel_size,omitempty"`
	Strides         []int    `json:"strides,omitempty"`
	DilationRate    []int    `json:"dilation_rate,omitempty"`
	Padding         string   `json:"padding,omitempty"`
	PoolSize        []int    `json:"pool_size,omitempty"`
	UseBias         *bool    `json:"use_bias,omitempty"`
	Activation      string   `json:"activation,omitempty"`
	Axis            *int     `json:"axis,omitempty"`
	Epsilon         float32  `json:"epsilon,omitempty"`
	MaxValue        *float32 `json:"max_value,omitempty"`
	TargetShape     []int    `json:"target_shape,omitempty"`
	Dims            []int    `json:"dims,omitempty"`
	Rate            float32  `json:"rate,omitempty"`
}

func (c Config) useBias() bool { return c.UseBias == nil || *c.UseBias }

func (c Config) axis(def int) int {
	if c.Axis == nil {
		return def
	}
	return *c.Axis
}

// Clone deep copies d.
func (d *Definition) Clone() *Definition {
	data, err := json.Marshal(d)
	if err != nil {
		panic(err)
	}
	var out Definition
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

// Decode parses a model definition, rejecting unknown fields.
func Decode(data []byte) (*Definition, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var d Definition
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode keras model: %w", err)
	}
	return &d, nil
}

func DecodeFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func Encode(d *Definition) ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

func EncodeFile(path string, d *Definition) error {
	data, err := Encode(d)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
