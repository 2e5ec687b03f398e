package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"github.com/gsarma/batchjudge/internal/config"
	"github.com/gsarma/batchjudge/internal/demux"
	"github.com/gsarma/batchjudge/internal/domain"
	"github.com/gsarma/batchjudge/internal/engine"
	"github.com/gsarma/batchjudge/internal/judge"
	"github.com/gsarma/batchjudge/internal/logger"
	"github.com/gsarma/batchjudge/internal/problem"
)

const defaultRunTimeLimit = 5 * time.Second

var (
	pass = color.New(color.FgGreen, color.Bold).SprintFunc()
	fail = color.New(color.FgRed, color.Bold).SprintFunc()
	dim  = color.New(color.Faint).SprintFunc()
)

var extLanguages = map[string]string{
	".py":  "python3",
	".cpp": "cpp",
	".cc":  "cpp",
	".cxx": "cpp",
}

// inferLanguage picks the explicit flag, then the problem's language, then
// the solution's file extension.
func inferLanguage(flag, fromProblem, solutionPath string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if fromProblem != "" {
		return fromProblem, nil
	}
	if lang, ok := extLanguages[strings.ToLower(filepath.Ext(solutionPath))]; ok {
		return lang, nil
	}
	return "", fmt.Errorf("cannot tell the language of %s, pass --language", solutionPath)
}

type session struct {
	cfg     *config.Config
	problem *problem.Problem
	sub     domain.Submission
}

func load(cmd *cli.Command) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	p, err := problem.Load(cmd.String("problem"))
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(cmd.String("solution"))
	if err != nil {
		return nil, fmt.Errorf("read solution: %w", err)
	}
	lang, err := inferLanguage(cmd.String("language"), p.Language, cmd.String("solution"))
	if err != nil {
		return nil, err
	}
	return &session{
		cfg:     cfg,
		problem: p,
		sub:     domain.Submission{Language: lang, Source: string(src)},
	}, nil
}

func (s *session) engine() *engine.Engine {
	log := logger.NewNamedLogger("batchctl")
	return engine.New(judge.NewJudge0Client(s.cfg.JudgeConfig()), s.cfg.EngineOptions(),
		engine.WithLogger(log),
		engine.WithReporter(engine.NewLogReporter(log)),
	)
}

func planAction(_ context.Context, cmd *cli.Command) error {
	s, err := load(cmd)
	if err != nil {
		return err
	}
	plan, err := s.engine().Plan(s.sub.Language, s.sub.Source, s.problem.TestCases, s.problem.TimeLimit)
	if err != nil {
		return err
	}
	printPlan(os.Stdout, plan)
	return nil
}

func evaluateAction(ctx context.Context, cmd *cli.Command) error {
	s, err := load(cmd)
	if err != nil {
		return err
	}
	results, err := s.engine().Evaluate(ctx, s.sub, s.problem.TestCases, s.problem.TimeLimit)
	if err != nil {
		return err
	}
	summary := printResults(os.Stdout, results, cmd.Bool("verbose"))
	if summary.Passed != summary.Total {
		return cli.Exit("", 1)
	}
	return nil
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	path := cmd.String("solution")
	lang, err := inferLanguage(cmd.String("language"), "", path)
	if err != nil {
		return err
	}
	langID, ok := cfg.Platform.LanguageIDs[lang]
	if !ok {
		return fmt.Errorf("no judge language id configured for %q", lang)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read solution: %w", err)
	}
	var stdin []byte
	if f := cmd.String("stdin"); f != "" {
		if stdin, err = os.ReadFile(f); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}

	limit := cmd.Duration("time-limit")
	res, err := judge.NewJudge0Client(cfg.JudgeConfig()).Execute(ctx, judge.Request{
		SourceCode:    string(src),
		LanguageID:    langID,
		Stdin:         string(stdin),
		CPUTimeLimit:  limit,
		WallTimeLimit: 2 * limit,
		MemoryLimitKB: cfg.Platform.MemoryLimitKB,
	})
	if err != nil {
		return err
	}
	printJob(os.Stdout, res)
	if res.Status != domain.StatusSuccess {
		return cli.Exit("", 1)
	}
	return nil
}

func printPlan(w io.Writer, plan *engine.Plan) {
	fmt.Fprintf(w, "shape:            %s\n", plan.Shape)
	fmt.Fprintf(w, "cases per batch:  %d\n", plan.Config.MaxTestCasesPerBatch)
	fmt.Fprintf(w, "time per batch:   %s\n", plan.Config.MaxTotalTimePerBatch)
	fmt.Fprintf(w, "batches:          %d\n", len(plan.Batches))
	for i, b := range plan.Batches {
		line := fmt.Sprintf("  #%-3d cases %d-%d (%d)", b.ID, b.StartIndex, b.EndIndex, b.Len())
		if i < len(plan.Jobs) {
			r := plan.Jobs[i].Request
			line += dim(fmt.Sprintf("  cpu %s wall %s", r.CPUTimeLimit, r.WallTimeLimit))
		}
		fmt.Fprintln(w, line)
	}
}

func printResults(w io.Writer, results []domain.TestResult, verbose bool) demux.Summary {
	for _, r := range results {
		if r.Passed {
			fmt.Fprintf(w, "%s %s %s\n", pass("PASS"), r.TestCaseID, dim(r.ApproxExecutionTime))
			continue
		}
		msg := ""
		if r.Failure != nil {
			msg = string(r.Failure.Kind) + ": " + r.Failure.Message
		}
		fmt.Fprintf(w, "%s %s %s\n", fail("FAIL"), r.TestCaseID, msg)
		if verbose {
			fmt.Fprintf(w, "     expected: %q\n     actual:   %q\n", r.Expected, r.Actual)
			if r.Failure != nil && r.Failure.Detail != "" {
				fmt.Fprintf(w, "     detail:   %s\n", r.Failure.Detail)
			}
		}
	}

	s := demux.Summarize(results)
	verdict := pass("ACCEPTED")
	if s.Passed != s.Total {
		verdict = fail("REJECTED")
	}
	fmt.Fprintf(w, "\n%s %d/%d passed", verdict, s.Passed, s.Total)
	if s.InfrastructureFailures > 0 {
		fmt.Fprintf(w, ", %d not judged", s.InfrastructureFailures)
	}
	fmt.Fprintln(w)
	return s
}

func printJob(w io.Writer, res domain.JobResult) {
	status := pass(res.Description)
	if res.Status != domain.StatusSuccess {
		status = fail(res.Description)
	}
	fmt.Fprintf(w, "%s  cpu %s  wall %s  mem %dKB\n", status, res.CPUTime, res.WallTime, res.MemoryKB)
	if res.CompileOutput != "" {
		fmt.Fprintf(w, "--- compile output\n%s\n", res.CompileOutput)
	}
	if res.Stdout != "" {
		fmt.Fprintf(w, "--- stdout\n%s\n", res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprintf(w, "--- stderr\n%s\n", res.Stderr)
	}
}
