package main

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/samcharles93/quantsim/internal/config"
	"github.com/samcharles93/quantsim/internal/frontend/keras"
	"github.com/samcharles93/quantsim/internal/frontend/onnx"
	"github.com/samcharles93/quantsim/internal/logger"
	"github.com/samcharles93/quantsim/internal/quantsim"
	"github.com/samcharles93/quantsim/internal/safetensors"
	"github.com/samcharles93/quantsim/internal/tensor"
	"github.com/samcharles93/quantsim/pkg/quant"
)

type placedModel interface {
	quantsim.Model
	SetDevice(device string)
}

func detectFrontend(name, path string) (string, error) {
	switch strings.ToLower(name) {
	case "onnx", "keras":
		return strings.ToLower(name), nil
	case "", "auto":
		if strings.HasSuffix(path, ".keras.json") {
			return "keras", nil
		}
		return "onnx", nil
	default:
		return "", fmt.Errorf("unknown frontend %q (want auto, onnx or keras)", name)
	}
}

func loadModel() (placedModel, error) {
	fe, err := detectFrontend(frontendName, modelPath)
	if err != nil {
		return nil, err
	}
	var m placedModel
	switch fe {
	case "keras":
		if weightsPath == "" {
			return nil, errors.New("a keras definition needs --weights")
		}
		m, err = keras.Load(modelPath, weightsPath)
	default:
		if weightsPath != "" {
			return nil, errors.New("--weights only applies to keras definitions; onnx models carry their initializers")
		}
		m, err = onnx.Load(modelPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s model %s: %w", fe, modelPath, err)
	}
	if device != "" {
		m.SetDevice(device)
	}
	return m, nil
}

func simOptions(log logger.Logger) (quantsim.Options, error) {
	scheme, err := quant.ParseQuantScheme(quantScheme)
	if err != nil {
		return quantsim.Options{}, err
	}
	dt, err := quant.ParseDataType(dataType)
	if err != nil {
		return quantsim.Options{}, err
	}
	opts := quantsim.Options{
		QuantScheme:           scheme,
		DefaultOutputBitwidth: int(outputBitwidth),
		DefaultParamBitwidth:  int(paramBitwidth),
		DefaultDataType:       dt,
		DefaultDevice:         device,
		Logger:                log,
	}
	if configFile != "" {
		cfg, err := config.LoadFile(configFile)
		if err != nil {
			return quantsim.Options{}, err
		}
		opts.Config = cfg
	}
	return opts, nil
}

func buildSim(log logger.Logger) (*quantsim.Sim, error) {
	m, err := loadModel()
	if err != nil {
		return nil, err
	}
	opts, err := simOptions(log)
	if err != nil {
		return nil, err
	}
	return quantsim.New(m, opts)
}

// groupBatches turns a safetensors file into ordered forward-pass inputs.
// A tensor named "b" is a single-input batch; "b/0", "b/1" feed the inputs
// of batch b in index order. Batches run in name order.
func groupBatches(tensors map[string]*tensor.Tensor, numInputs int) ([][]*tensor.Tensor, error) {
	type slot struct {
		index int
		t     *tensor.Tensor
	}
	groups := make(map[string][]slot)
	for name, t := range tensors {
		batch, idx, found := strings.Cut(name, "/")
		i := 0
		if found {
			n, err := strconv.Atoi(idx)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("batch tensor %q: input suffix must be a non-negative index", name)
			}
			i = n
		}
		groups[batch] = append(groups[batch], slot{index: i, t: t})
	}

	out := make([][]*tensor.Tensor, 0, len(groups))
	for _, batch := range slices.Sorted(maps.Keys(groups)) {
		slots := groups[batch]
		if len(slots) != numInputs {
			return nil, fmt.Errorf("batch %q has %d inputs, model expects %d", batch, len(slots), numInputs)
		}
		inputs := make([]*tensor.Tensor, numInputs)
		for _, s := range slots {
			if s.index >= numInputs || inputs[s.index] != nil {
				return nil, fmt.Errorf("batch %q: bad or repeated input index %d", batch, s.index)
			}
			inputs[s.index] = s.t
		}
		out = append(out, inputs)
	}
	if len(out) == 0 {
		return nil, errors.New("calibration file holds no batches")
	}
	return out, nil
}

func loadBatches(path string, numInputs int) ([][]*tensor.Tensor, error) {
	tensors, err := safetensors.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load calibration data: %w", err)
	}
	return groupBatches(tensors, numInputs)
}
