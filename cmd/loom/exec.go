package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/loom/artifact"
	"tangled.sh/tangled.sh/loom/engine"
	"tangled.sh/tangled.sh/loom/engine/docker"
	"tangled.sh/tangled.sh/loom/engine/host"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/workflow"
)

func execCommand() *cli.Command {
	return &cli.Command{
		Name:      "exec",
		Usage:     "run a pipeline definition locally",
		ArgsUsage: "<definition>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "event",
				Value: "push",
				Usage: "trigger kind: push, pull_request or manual",
			},
			&cli.StringFlag{
				Name:  "branch",
				Value: "main",
				Usage: "branch the synthetic trigger refers to",
			},
			&cli.StringSliceFlag{
				Name:  "input",
				Usage: "manual dispatch input as key=value, repeatable",
			},
			&cli.StringFlag{
				Name:  "runtime",
				Value: "host",
				Usage: "execution driver: docker or host",
			},
			&cli.StringFlag{
				Name:  "image",
				Usage: "image for stages without a container (docker driver)",
			},
			&cli.IntFlag{
				Name:  "max-parallel",
				Value: 4,
				Usage: "jobs running at once",
			},
			&cli.BoolFlag{
				Name:  "pair-variants",
				Usage: "pair matrix variants across stages instead of whole-stage edges",
			},
			&cli.StringFlag{
				Name:  "artifact-dir",
				Usage: "keep collected artifacts here (default: a temp dir)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 30 * time.Minute,
				Usage: "per-job timeout",
			},
		},
		Action: runExec,
	}
}

func runExec(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one definition file")
	}
	l := log.FromContext(ctx)

	def, err := workflow.Load(cmd.Args().First())
	if err != nil {
		return err
	}

	diags := def.Validate()
	for _, warn := range diags.Warnings {
		l.Warn(warn.Reason, "path", warn.Path)
	}
	if diags.IsErr() {
		for _, e := range diags.Errors {
			l.Error(e.Error.Error(), "path", e.Path)
		}
		return fmt.Errorf("definition has %d error(s)", len(diags.Errors))
	}

	trigger, err := buildTrigger(cmd)
	if err != nil {
		return err
	}

	graph, err := engine.BuildGraph(def, trigger, engine.BuildOptions{
		PairVariants: cmd.Bool("pair-variants"),
	})
	if err != nil {
		return err
	}

	rt, err := execRuntime(ctx, cmd)
	if err != nil {
		return err
	}

	artifactDir := cmd.String("artifact-dir")
	if artifactDir == "" {
		artifactDir, err = os.MkdirTemp("", "loom-artifacts-")
		if err != nil {
			return err
		}
	}
	store, err := artifact.NewStore(artifactDir, l)
	if err != nil {
		return err
	}

	logDir, err := os.MkdirTemp("", "loom-logs-")
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	sched := engine.NewScheduler(graph, rt, runID, engine.Options{
		MaxParallel: int(cmd.Int("max-parallel")),
		OnStatus: func(job *engine.Job, status engine.RunStatus, detail string) {
			args := []any{"job", job.Key()}
			if detail != "" {
				args = append(args, "detail", detail)
			}
			l.Info(string(status), args...)
		},
		NewLogger: func(job *engine.Job) (*engine.JobLogger, error) {
			return engine.NewJobLogger(logDir, runID, job)
		},
		Artifacts: store,
	})

	summary := sched.Run(log.IntoContext(ctx, l))
	printSummary(summary, store, logDir)

	if summary.Status != engine.StatusSucceeded {
		return fmt.Errorf("pipeline %s", summary.Status)
	}
	return nil
}

func buildTrigger(cmd *cli.Command) (workflow.Trigger, error) {
	branch := cmd.String("branch")

	switch event := cmd.String("event"); event {
	case workflow.TriggerKindPush:
		return workflow.Trigger{
			Kind: workflow.TriggerKindPush,
			Ref:  "refs/heads/" + branch,
		}, nil
	case workflow.TriggerKindPullRequest:
		return workflow.Trigger{
			Kind:   workflow.TriggerKindPullRequest,
			Branch: branch,
		}, nil
	case workflow.TriggerKindManual:
		inputs := make(map[string]string)
		for _, kv := range cmd.StringSlice("input") {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return workflow.Trigger{}, fmt.Errorf("input %q is not key=value", kv)
			}
			inputs[key] = value
		}
		return workflow.Trigger{
			Kind:   workflow.TriggerKindManual,
			Inputs: inputs,
		}, nil
	default:
		return workflow.Trigger{}, fmt.Errorf("unknown event %q", event)
	}
}

func execRuntime(ctx context.Context, cmd *cli.Command) (engine.Runtime, error) {
	switch rt := cmd.String("runtime"); rt {
	case "docker":
		return docker.New(ctx, docker.Options{
			DefaultImage: cmd.String("image"),
			JobTimeout:   cmd.Duration("timeout"),
		})
	case "host":
		return host.New(ctx, host.Options{
			JobTimeout: cmd.Duration("timeout"),
		}), nil
	default:
		return nil, fmt.Errorf("unknown runtime %q", rt)
	}
}

func printSummary(summary *engine.Summary, store *artifact.Store, logDir string) {
	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tDETAIL")
	for _, res := range summary.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", res.Key, res.Status, res.Detail)
	}
	tw.Flush()

	if records := store.List(summary.RunID); len(records) > 0 {
		fmt.Println()
		tw = tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "ARTIFACT\tJOB\tSIZE")
		for _, rec := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", rec.Rel, rec.Job, humanize.Bytes(rec.Size))
		}
		tw.Flush()
	}

	fmt.Printf("\nrun %s: %s (logs under %s)\n", summary.RunID, summary.Status, filepath.Join(logDir, summary.RunID))
}
