package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the quantsim configuration file
// (~/.config/quantsim/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	// Sim defaults
	QuantScheme    string `yaml:"quant_scheme"`
	OutputBitwidth *int64 `yaml:"output_bitwidth"`
	ParamBitwidth  *int64 `yaml:"param_bitwidth"`
	DataType       string `yaml:"dtype"`
	PolicyConfig   string `yaml:"config"`
	Device         string `yaml:"device"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "quantsim", "config.yaml")
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applySimConfig applies config file defaults to the model and sim flags
// that were not set explicitly.
func applySimConfig(c *cli.Command, cfg Config) {
	if cfg.QuantScheme != "" && !c.IsSet("scheme") {
		quantScheme = cfg.QuantScheme
	}
	if cfg.OutputBitwidth != nil && !c.IsSet("output-bitwidth") {
		outputBitwidth = *cfg.OutputBitwidth
	}
	if cfg.ParamBitwidth != nil && !c.IsSet("param-bitwidth") {
		paramBitwidth = *cfg.ParamBitwidth
	}
	if cfg.DataType != "" && !c.IsSet("dtype") {
		dataType = cfg.DataType
	}
	if cfg.PolicyConfig != "" && !c.IsSet("config") {
		configFile = cfg.PolicyConfig
	}
	if cfg.Device != "" && !c.IsSet("device") {
		device = cfg.Device
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applySimConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return loadConfigFile(configPath())
}

func loadConfigFile(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
