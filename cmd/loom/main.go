package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/loomserver"
)

func main() {
	cmd := &cli.Command{
		Name:  "loom",
		Usage: "pipeline orchestration and operation tool",
		Commands: []*cli.Command{
			loomserver.Command(),
			execCommand(),
			validateCommand(),
		},
	}

	ctx := context.Background()
	logger := log.New("loom")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
