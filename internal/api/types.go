package api

import "github.com/samcharles93/quantsim/internal/encodings"

type ResponseError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

type ErrorResponse struct {
	Error      ResponseError `json:"error"`
	Mismatches []string      `json:"mismatches,omitempty"`
}

type SimInfo struct {
	ID                    string `json:"id"`
	Object                string `json:"object"`
	QuantScheme           string `json:"quant_scheme"`
	DefaultOutputBitwidth int    `json:"default_output_bitwidth"`
	DefaultParamBitwidth  int    `json:"default_param_bitwidth"`
	DefaultDataType       string `json:"default_data_type"`
	Ops                   int    `json:"ops"`
	Activations           int    `json:"activations"`
	Params                int    `json:"params"`
	Enabled               int    `json:"enabled"`
	Calibrated            int    `json:"calibrated"`
}

type QuantizerInfo struct {
	Name       string             `json:"name"`
	Object     string             `json:"object"`
	Kind       string             `json:"kind"`
	State      string             `json:"state"`
	Enabled    bool               `json:"enabled"`
	Bitwidth   int                `json:"bitwidth"`
	DataType   string             `json:"dtype"`
	Symmetry   string             `json:"symmetry"`
	PerChannel bool               `json:"per_channel"`
	Channels   int                `json:"channels"`
	Device     string             `json:"device,omitempty"`
	Encodings  []encodings.Record `json:"encodings,omitempty"`
}

type QuantizerList struct {
	Object string          `json:"object"`
	Data   []QuantizerInfo `json:"data"`
}

type ApplyEncodingsResponse struct {
	Object     string   `json:"object"`
	Strict     bool     `json:"strict"`
	Applied    bool     `json:"applied"`
	Mismatches []string `json:"mismatches"`
}
