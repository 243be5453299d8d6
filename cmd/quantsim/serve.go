package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quantsim/internal/api"
	"github.com/samcharles93/quantsim/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr          string
		readTimeout   time.Duration
		dataPath      string
		encodingsPath string
		strict        bool
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the inspection API for one sim",
		Flags: append(append(commonModelFlags(), commonSimFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.StringFlag{
				Name:        "data",
				Usage:       "calibrate from this safetensors file before serving",
				Destination: &dataPath,
			},
			&cli.StringFlag{
				Name:        "encodings",
				Usage:       "load this encodings file before serving",
				Destination: &encodingsPath,
			},
			&cli.BoolFlag{
				Name:        "strict",
				Usage:       "reject an encodings file that disagrees with the sim",
				Value:       true,
				Destination: &strict,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr)
			log := logger.FromContext(ctx)
			if dataPath != "" && encodingsPath != "" {
				return errors.New("--data and --encodings are mutually exclusive")
			}

			sim, err := buildSim(log)
			if err != nil {
				return err
			}
			switch {
			case dataPath != "":
				batches, err := loadBatches(dataPath, len(sim.Graph().Inputs()))
				if err != nil {
					return err
				}
				if err := calibrate(ctx, log, sim, batches); err != nil {
					return err
				}
			case encodingsPath != "":
				if _, err := sim.LoadEncodings(encodingsPath, strict); err != nil {
					return err
				}
			}

			server := api.NewServer(sim)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "sim", sim.ID())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
