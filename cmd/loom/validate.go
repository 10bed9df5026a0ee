package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/loom/workflow"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "check a pipeline definition without running it",
		ArgsUsage: "<definition>",
		Action:    runValidate,
	}
}

func runValidate(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one definition file")
	}
	path := cmd.Args().First()

	def, err := workflow.Load(path)
	if err != nil {
		return err
	}

	diags := def.Validate()
	for _, warn := range diags.Warnings {
		fmt.Println(warn.String())
	}
	if diags.IsErr() {
		for _, e := range diags.Errors {
			fmt.Println(e.String())
		}
		return fmt.Errorf("%s: %d error(s)", path, len(diags.Errors))
	}

	fmt.Printf("%s: ok (%d stages)\n", path, len(def.Stages))
	return nil
}
