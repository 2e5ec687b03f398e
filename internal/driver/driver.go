// Package driver turns a learner's solution into one program that runs every
// test case of a batch in a single process.
//
// Each supported language has a synthesizer that classifies the submission as
// a bare solve function or a full program, re-enters it as a subroutine and
// emits a loop that runs it once per case. With marker framing every case's
// output is followed by a line
//
//	<marker> <index> <ok|err>
//
// where marker carries a per-driver nonce so learner output cannot forge it.
package driver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/gsarma/batchjudge/internal/domain"
)

// Shape is the form a submission was written in.
type Shape int

const (
	// ShapeFunction is a bare solve function called once per case.
	ShapeFunction Shape = iota + 1
	// ShapeProgram is a complete program with its own entry point.
	ShapeProgram
)

func (s Shape) String() string {
	switch s {
	case ShapeFunction:
		return "function"
	case ShapeProgram:
		return "program"
	default:
		return "unknown"
	}
}

const markerPrefix = "==tcbatch:"

// Options tunes driver synthesis.
type Options struct {
	// Framing defaults to domain.FramingMarkers.
	Framing domain.FramingMode
	// Nonce makes the marker unique; a random one is used when empty.
	Nonce string
}

// SynthesisError reports a submission that cannot be wrapped into a driver.
// It is attributable to the learner's code.
type SynthesisError struct {
	Language string
	Reason   string
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("cannot build %s driver: %s", e.Language, e.Reason)
}

func synthesisError(language, format string, args ...any) *SynthesisError {
	return &SynthesisError{Language: language, Reason: fmt.Sprintf(format, args...)}
}

// Program is a rendered driver ready to be sent to the judge.
type Program struct {
	Source  string
	Stdin   string
	Framing domain.Framing
}

type synthesizer interface {
	shape() Shape
	render(n int, framing domain.Framing) string
	verify(rendered string) error
}

type preparer func(source string) (synthesizer, error)

var preparers = map[string]preparer{
	"python3": preparePython,
	"cpp":     prepareCPP,
}

// Languages lists the language names Prepare accepts.
func Languages() []string {
	names := make([]string, 0, len(preparers))
	for name := range preparers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supported reports whether Prepare accepts language.
func Supported(language string) bool {
	_, ok := preparers[language]
	return ok
}

// Driver is a prepared submission. It is safe for concurrent Render calls.
type Driver struct {
	language string
	framing  domain.Framing
	synth    synthesizer
}

// Prepare analyses source once so it can be rendered for any number of batches.
func Prepare(language, source string, opts Options) (*Driver, error) {
	prepare, ok := preparers[language]
	if !ok {
		return nil, synthesisError(language, "unsupported language")
	}
	if strings.TrimSpace(source) == "" {
		return nil, synthesisError(language, "source is empty")
	}

	framing := domain.Framing{Mode: opts.Framing}
	switch framing.Mode {
	case "":
		framing.Mode = domain.FramingMarkers
	case domain.FramingMarkers, domain.FramingLines:
	default:
		return nil, synthesisError(language, "unknown framing %q", opts.Framing)
	}
	if framing.Mode == domain.FramingMarkers {
		nonce := opts.Nonce
		if nonce == "" {
			nonce = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		framing.Marker = markerPrefix + nonce
	}

	synth, err := prepare(strings.ReplaceAll(source, "\r\n", "\n"))
	if err != nil {
		return nil, err
	}
	return &Driver{language: language, framing: framing, synth: synth}, nil
}

// Language returns the language the driver was prepared for.
func (d *Driver) Language() string { return d.language }

// Shape returns how the submission was classified.
func (d *Driver) Shape() Shape { return d.synth.shape() }

// Framing returns the output framing the rendered programs use.
func (d *Driver) Framing() domain.Framing { return d.framing }

// Render produces the program and stdin for cases, in order.
func (d *Driver) Render(cases []domain.TestCase) (Program, error) {
	if len(cases) == 0 {
		return Program{}, synthesisError(d.language, "no test cases to render")
	}
	source := d.synth.render(len(cases), d.framing)
	if err := d.synth.verify(source); err != nil {
		return Program{}, err
	}
	return Program{
		Source:  source,
		Stdin:   Stdin(cases),
		Framing: d.framing,
	}, nil
}

// Stdin concatenates the cases' inputs, each terminated by a newline.
func Stdin(cases []domain.TestCase) string {
	var b strings.Builder
	for _, tc := range cases {
		b.WriteString(tc.Input)
		if !strings.HasSuffix(tc.Input, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
