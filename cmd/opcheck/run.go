package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"

	"github.com/born-ml/opcheck/internal/config"
	"github.com/born-ml/opcheck/internal/device/runtimes"
	"github.com/born-ml/opcheck/internal/kernels"
	"github.com/born-ml/opcheck/internal/ops"
	"github.com/born-ml/opcheck/internal/suite"
)

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run a conformance suite (the built-in softmax matrix by default)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "suite YAML file",
			},
			&cli.StringFlag{
				Name:    "device",
				Aliases: []string{"d"},
				Usage:   "device runtime: auto, emulated or webgpu (overrides " + config.EnvDevice + ")",
			},
			&cli.IntFlag{
				Name:    "jobs",
				Aliases: []string{"j"},
				Usage:   "units run in parallel",
			},
			&cli.Uint64Flag{
				Name:  "seed",
				Usage: "base seed of the random inputs",
			},
			&cli.StringFlag{
				Name:    "report",
				Aliases: []string{"o"},
				Usage:   "write the JSON report to this file",
			},
			&cli.StringFlag{
				Name:  "dump-dir",
				Usage: "write the tensors of disagreeing units to SafeTensors files here",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "no progress bar",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadSuite(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 2)
			}

			rt, err := runtimes.Open(cfg.Device, cfg.Limits.Device())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 2)
			}
			defer func() {
				klog.V(1).Infof("runtime: %s", rt)
				if err := rt.Close(); err != nil {
					klog.Errorf("closing runtime: %v", err)
				}
			}()

			reg := ops.NewRegistry()
			kernels.Register(reg)
			runner := &suite.Runner{Registry: reg, Runtime: rt, Jobs: cfg.Jobs, DumpDir: cmd.String("dump-dir")}
			var bar *progress
			if !cmd.Bool("quiet") {
				bar = newProgress(suite.Units(cfg), rt.Name())
				runner.Progress = bar.Update
			}

			report, runErr := runner.Run(ctx, cfg)
			bar.Finish()
			if report == nil {
				return cli.Exit(fmt.Sprintf("error: %v", runErr), 2)
			}
			fmt.Println(resultsTable(report))
			fmt.Printf("%d passed, %d failed in %s (run %s)\n", report.Passed, report.Failed, report.Duration.Round(time.Millisecond), report.ID)

			if path := cmd.String("report"); path != "" {
				if err := report.WriteFile(path); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 2)
				}
			}
			switch {
			case runErr != nil:
				return cli.Exit(fmt.Sprintf("error: %v", runErr), 2)
			case !report.OK():
				return cli.Exit(fmt.Sprintf("%d of %d units disagree", report.Failed, len(report.Results)), 1)
			}
			return nil
		},
	}
}

// loadSuite resolves the suite from --config, the environment and the flags, in
// increasing order of precedence.
func loadSuite(cmd *cli.Command) (*config.Suite, error) {
	cfg := config.Default()
	if path := cmd.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if cmd.IsSet("device") {
		cfg.Device = cmd.String("device")
	}
	if cmd.IsSet("jobs") {
		cfg.Jobs = cmd.Int("jobs")
	}
	if cmd.IsSet("seed") {
		cfg.Seed = cmd.Uint64("seed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("suite: %d cases, %d units, device %s, seed %d", len(cfg.Cases), suite.Units(cfg), cfg.Device, cfg.Seed)
	return cfg, nil
}
