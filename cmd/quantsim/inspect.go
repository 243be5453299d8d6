package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quantsim/internal/encodings"
)

func inspectCmd() *cli.Command {
	var encodingsPath string

	return &cli.Command{
		Name:  "inspect",
		Usage: "Summarize an encodings file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "encodings",
				Aliases:     []string{"e"},
				Usage:       "path to a .encodings file",
				Destination: &encodingsPath,
				Required:    true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			doc, err := encodings.ReadFile(encodingsPath)
			if err != nil {
				return err
			}
			fmt.Printf("version:     %s\n", doc.Version)
			fmt.Printf("activations: %d\n", len(doc.ActivationEncodings))
			fmt.Printf("params:      %d\n", len(doc.ParamEncodings))
			if len(doc.ExcludedLayers) > 0 {
				fmt.Printf("excluded:    %s\n", strings.Join(doc.ExcludedLayers, ", "))
			}
			if a := doc.QuantizerArgs; a != nil {
				fmt.Printf("scheme:      %s (act %d bits, param %d bits, %s, symmetric=%t, per-channel=%t)\n",
					a.QuantScheme, a.ActivationBitwidth, a.ParamBitwidth, a.DType, a.IsSymmetric, a.PerChannelQuantization)
			}
			fmt.Println()
			renderEncodings(os.Stdout, doc)
			return nil
		},
	}
}
