// Package main provides the opcheck CLI: it runs operator conformance suites across
// the host and device backends and reports where they disagree.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

const version = "v0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := newApp().Run(ctx, os.Args)
	klog.Flush()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)

	return &cli.Command{
		Name:  "opcheck",
		Usage: "Check tensor operators for agreement across backends",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "v",
				Usage: "log verbosity (klog levels, 0-5)",
			},
			&cli.BoolFlag{
				Name:  "logtostderr",
				Usage: "log to standard error instead of files",
				Value: true,
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if err := klogFlags.Set("v", strconv.Itoa(cmd.Int("v"))); err != nil {
				return ctx, err
			}
			return ctx, klogFlags.Set("logtostderr", strconv.FormatBool(cmd.Bool("logtostderr")))
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			opsCmd(),
			devicesCmd(),
			versionCmd(),
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Printf("opcheck %s\n", version)
			return nil
		},
	}
}
