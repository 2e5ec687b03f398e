// batchctl evaluates solutions against TOML problem files from the command
// line, talking to Judge0 directly.
//
// Usage:
//
//	batchctl plan --problem sum.toml --solution sum.py
//	batchctl evaluate --problem sum.toml --solution sum.py
//	batchctl run --solution sum.py --stdin in.txt
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newApp().Run(ctx, os.Args); err != nil {
		var exit cli.ExitCoder
		if errors.As(err, &exit) {
			os.Exit(exit.ExitCode())
		}
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	problemFlag := &cli.StringFlag{Name: "problem", Aliases: []string{"p"}, Usage: "problem TOML file", Required: true}
	solutionFlag := &cli.StringFlag{Name: "solution", Aliases: []string{"s"}, Usage: "solution source file", Required: true}
	languageFlag := &cli.StringFlag{Name: "language", Aliases: []string{"l"}, Usage: "python3 or cpp (default: from the problem or file extension)"}

	return &cli.Command{
		Name:  "batchjudge",
		Usage: "pack test cases into as few judge jobs as possible",
		Commands: []*cli.Command{
			{
				Name:   "plan",
				Usage:  "show how a solution's test cases would be batched",
				Flags:  []cli.Flag{problemFlag, solutionFlag, languageFlag},
				Action: planAction,
			},
			{
				Name:   "evaluate",
				Usage:  "evaluate a solution against every test case of a problem",
				Flags:  []cli.Flag{problemFlag, solutionFlag, languageFlag, &cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "show output of failing cases"}},
				Action: evaluateAction,
			},
			{
				Name:  "run",
				Usage: "run a program once on the judge",
				Flags: []cli.Flag{
					solutionFlag,
					languageFlag,
					&cli.StringFlag{Name: "stdin", Usage: "file to feed on stdin"},
					&cli.DurationFlag{Name: "time-limit", Value: defaultRunTimeLimit, Usage: "cpu time limit"},
				},
				Action: runAction,
			},
		},
	}
}
