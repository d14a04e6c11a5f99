package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/born-ml/opcheck/internal/device/runtimes"
	"github.com/born-ml/opcheck/internal/kernels"
	"github.com/born-ml/opcheck/internal/ops"
)

func opsCmd() *cli.Command {
	return &cli.Command{
		Name:    "ops",
		Aliases: []string{"operators"},
		Usage:   "List registered operators and their backends",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			reg := ops.NewRegistry()
			kernels.Register(reg)
			rows := [][]string{}
			for _, op := range reg.Operators() {
				var backends []string
				for _, b := range reg.Backends(op) {
					backends = append(backends, b.String())
				}
				_, hasRule := reg.ShapeRule(op)
				rows = append(rows, []string{op, strings.Join(backends, ", "), yesNo(hasRule)})
			}
			fmt.Println(newTable([]string{"Operator", "Backends", "Shape rule"}, rows))
			return nil
		},
	}
}

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List device runtimes and whether they can run here",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rows := [][]string{}
			for _, info := range runtimes.List() {
				rows = append(rows, []string{info.Name, yesNo(info.Available), info.Description})
			}
			fmt.Println(newTable([]string{"Runtime", "Available", "Description"}, rows))
			return nil
		},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
