package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quantsim/internal/logger"
)

func resolveCmd() *cli.Command {
	var onlyEnabled bool

	return &cli.Command{
		Name:  "resolve",
		Usage: "Resolve a policy config against a model and print the quantizer table",
		Flags: append(append(commonModelFlags(), commonSimFlags()...),
			&cli.BoolFlag{
				Name:        "enabled",
				Usage:       "only list enabled quantizers",
				Destination: &onlyEnabled,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applySimConfig(cmd, LoadConfig())
			log := logger.FromContext(ctx)

			sim, err := buildSim(log)
			if err != nil {
				return err
			}
			renderQuantizers(os.Stdout, sim, onlyEnabled)
			if groups := sim.Spec().Supergroups(); len(groups) > 0 {
				fmt.Println()
				fmt.Println("supergroups:")
				for _, g := range groups {
					fmt.Printf("  %s\n", strings.Join(g, " -> "))
				}
			}
			return nil
		},
	}
}
