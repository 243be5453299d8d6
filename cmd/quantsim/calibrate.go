package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quantsim/internal/logger"
	"github.com/samcharles93/quantsim/internal/quantizer"
	"github.com/samcharles93/quantsim/internal/quantsim"
	"github.com/samcharles93/quantsim/internal/tensor"
)

func calibrateCmd() *cli.Command {
	var (
		dataPath  string
		outputDir string
		prefix    string
		propagate bool
		freeze    bool
		evaluate  bool
	)

	return &cli.Command{
		Name:  "calibrate",
		Usage: "Compute encodings from calibration batches and export them",
		Flags: append(append(commonModelFlags(), commonSimFlags()...),
			&cli.StringFlag{
				Name:        "data",
				Aliases:     []string{"d"},
				Usage:       "safetensors file of calibration batches (\"b\" or \"b/<input>\" names)",
				Destination: &dataPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "output directory",
				Value:       ".",
				Destination: &outputDir,
			},
			&cli.StringFlag{
				Name:        "prefix",
				Usage:       "filename prefix for <prefix>.encodings and the model artifact",
				Value:       "model",
				Destination: &prefix,
			},
			&cli.BoolFlag{
				Name:        "propagate",
				Usage:       "repeat boundary encodings onto tensors internal to lowered ops",
				Destination: &propagate,
			},
			&cli.BoolFlag{
				Name:        "freeze",
				Usage:       "freeze the computed encodings before export",
				Destination: &freeze,
			},
			&cli.BoolFlag{
				Name:        "evaluate",
				Usage:       "report the float vs quantized output error on the calibration batches",
				Destination: &evaluate,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applySimConfig(cmd, LoadConfig())
			log := logger.FromContext(ctx)
			if prefix == "" {
				return errors.New("--prefix must not be empty")
			}

			sim, err := buildSim(log)
			if err != nil {
				return err
			}
			batches, err := loadBatches(dataPath, len(sim.Graph().Inputs()))
			if err != nil {
				return err
			}

			if err := calibrate(ctx, log, sim, batches); err != nil {
				return err
			}

			if evaluate {
				if err := reportError(ctx, log, sim, batches); err != nil {
					return err
				}
			}
			if freeze {
				if err := sim.FreezeEncodings(); err != nil {
					return err
				}
			}
			return sim.Export(outputDir, prefix, quantsim.ExportOptions{PropagateEncodings: propagate})
		},
	}
}

func calibrate(ctx context.Context, log logger.Logger, sim *quantsim.Sim, batches [][]*tensor.Tensor) error {
	start := time.Now()
	err := sim.ComputeEncodings(ctx, func(ctx context.Context, r quantsim.Runner, args any) error {
		for i, inputs := range args.([][]*tensor.Tensor) {
			if _, err := r.Run(ctx, inputs...); err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
		}
		return nil
	}, batches)
	if err != nil {
		return err
	}
	log.Info("calibrated", "batches", len(batches), "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// reportError logs the largest deviation of the quantized outputs from
// the float outputs over every batch.
func reportError(ctx context.Context, log logger.Logger, sim *quantsim.Sim, batches [][]*tensor.Tensor) error {
	float := sim.Runner(quantizer.ModePassThrough)
	var worst float64
	for i, inputs := range batches {
		want, err := float.Run(ctx, inputs...)
		if err != nil {
			return fmt.Errorf("float batch %d: %w", i, err)
		}
		got, err := sim.Run(ctx, inputs...)
		if err != nil {
			return fmt.Errorf("quantized batch %d: %w", i, err)
		}
		for j := range want {
			worst = max(worst, tensor.MaxAbsDiff(want[j], got[j]))
		}
	}
	log.Info("quantization error", "max_abs_diff", worst)
	return nil
}
