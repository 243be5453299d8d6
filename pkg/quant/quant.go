// Package quant holds the fixed-point encoding model shared by every
// quantizer: quantization schemes, data types, encodings and the
// quantize/dequantize kernels.
package quant

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownScheme   = errors.New("unknown quant scheme")
	ErrUnknownDataType = errors.New("unknown data type")
	ErrInvalidBitwidth = errors.New("invalid bitwidth")
	ErrInvalidRange    = errors.New("invalid encoding range")
)

// QuantScheme selects how calibration statistics become an encoding.
type QuantScheme uint8

const (
	PostTrainingTF QuantScheme = iota
	PostTrainingTFEnhanced
	PostTrainingPercentile
	TrainingRangeLearningWithTFInit
	TrainingRangeLearningWithTFEnhancedInit
)

var schemeNames = [...]string{
	PostTrainingTF:                          "post_training_tf",
	PostTrainingTFEnhanced:                  "post_training_tf_enhanced",
	PostTrainingPercentile:                  "post_training_percentile",
	TrainingRangeLearningWithTFInit:         "training_range_learning_with_tf_init",
	TrainingRangeLearningWithTFEnhancedInit: "training_range_learning_with_tf_enhanced_init",
}

var schemeAliases = map[string]QuantScheme{
	"tf":                         PostTrainingTF,
	"tf_enhanced":                PostTrainingTFEnhanced,
	"percentile":                 PostTrainingPercentile,
	"range_learning_tf":          TrainingRangeLearningWithTFInit,
	"range_learning_tf_enhanced": TrainingRangeLearningWithTFEnhancedInit,
}

func (s QuantScheme) String() string {
	if int(s) < len(schemeNames) {
		return schemeNames[s]
	}
	return fmt.Sprintf("QuantScheme(%d)", uint8(s))
}

// ParseQuantScheme accepts the full scheme names and their short aliases.
func ParseQuantScheme(s string) (QuantScheme, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range schemeNames {
		if n == name {
			return QuantScheme(i), nil
		}
	}
	if qs, ok := schemeAliases[name]; ok {
		return qs, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownScheme, s)
}

// RangeLearning reports whether min/max become trainable after init.
func (s QuantScheme) RangeLearning() bool {
	return s == TrainingRangeLearningWithTFInit || s == TrainingRangeLearningWithTFEnhancedInit
}

// Enhanced reports whether the scheme initializes from the SQNR search.
func (s QuantScheme) Enhanced() bool {
	return s == PostTrainingTFEnhanced || s == TrainingRangeLearningWithTFEnhancedInit
}

// DataType is the simulated numeric format.
type DataType uint8

const (
	Int DataType = iota
	Float
)

func (d DataType) String() string {
	switch d {
	case Int:
		return "int"
	case Float:
		return "float"
	default:
		return fmt.Sprintf("DataType(%d)", uint8(d))
	}
}

func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "int":
		return Int, nil
	case "float":
		return Float, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDataType, s)
	}
}

// ValidateBitwidth checks a bitwidth against a data type. Float quantizers
// simulate fp16 or pass fp32 through.
func ValidateBitwidth(dt DataType, bw int) error {
	switch dt {
	case Int:
		if bw < 2 || bw > 32 {
			return fmt.Errorf("%w: int bitwidth %d outside [2, 32]", ErrInvalidBitwidth, bw)
		}
	case Float:
		if bw != 16 && bw != 32 {
			return fmt.Errorf("%w: float bitwidth must be 16 or 32, got %d", ErrInvalidBitwidth, bw)
		}
	default:
		return fmt.Errorf("%w: %v", ErrUnknownDataType, dt)
	}
	return nil
}
