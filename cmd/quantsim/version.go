package main

import (
	"context"
	"io"
	"os"

	"github.com/samcharles93/quantsim/internal/encodings"
	"github.com/samcharles93/quantsim/internal/version"

	"github.com/urfave/cli/v3"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print build and file format versions",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			renderVersion(os.Stdout, version.Resolve())
			return nil
		},
	}
}

// versionRows pairs each label with its value, skipping build details the
// binary was not stamped with.
func versionRows(info version.Info) [][]string {
	rows := [][]string{
		{"quantsim", info.Version},
		{"commit", info.Commit},
		{"built", info.BuildTime},
		{"go", info.GoVersion},
		{"encodings format", encodings.Version},
	}
	out := rows[:0]
	for _, r := range rows {
		if r[1] != "" {
			out = append(out, r)
		}
	}
	return out
}

func renderVersion(w io.Writer, info version.Info) {
	table := newTable(w, []string{"COMPONENT", "VERSION"})
	table.AppendBulk(versionRows(info))
	table.Render()
}
