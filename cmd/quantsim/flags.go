package main

import "github.com/urfave/cli/v3"

var (
	modelPath      string
	weightsPath    string
	frontendName   string
	configFile     string
	quantScheme    string
	outputBitwidth int64
	paramBitwidth  int64
	dataType       string
	device         string
	logLevel       string
	logFormat      string
	debug          bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to the graph artifact (.onnx or .keras.json)",
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "weights",
			Aliases:     []string{"w"},
			Usage:       "path to the safetensors weights of a keras definition",
			Destination: &weightsPath,
		},
		&cli.StringFlag{
			Name:        "frontend",
			Usage:       "graph frontend (auto, onnx, keras)",
			Value:       "auto",
			Destination: &frontendName,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "device the model runs on (cpu, cuda:0, /GPU:0)",
			Destination: &device,
		},
	}
}

func commonSimFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to a quantsim policy config (.json); the built-in default when empty",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "scheme",
			Usage:       "quant scheme (post_training_tf, post_training_tf_enhanced, post_training_percentile, training_range_learning_with_tf_init, ...)",
			Value:       "post_training_tf_enhanced",
			Destination: &quantScheme,
		},
		&cli.Int64Flag{
			Name:        "output-bitwidth",
			Usage:       "default activation bitwidth",
			Value:       8,
			Destination: &outputBitwidth,
		},
		&cli.Int64Flag{
			Name:        "param-bitwidth",
			Usage:       "default parameter bitwidth",
			Value:       8,
			Destination: &paramBitwidth,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "default data type (int, float)",
			Value:       "int",
			Destination: &dataType,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
