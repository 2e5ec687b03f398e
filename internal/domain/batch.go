package domain

// FramingMode selects how per-case output units are delimited in a batch's stdout.
type FramingMode string

const (
	// FramingMarkers terminates every case's output with a marker line
	// "<marker> <index> <ok|err>".
	FramingMarkers FramingMode = "markers"
	// FramingLines expects exactly one output line per case.
	FramingLines FramingMode = "lines"
)

// Framing describes the delimiting contract between a driver program and the demultiplexer.
type Framing struct {
	Mode   FramingMode `json:"mode"`
	Marker string      `json:"marker,omitempty"`
}

// Batch is one judge job's worth of contiguous test cases.
type Batch struct {
	ID         int        `json:"batch_id"`
	TestCases  []TestCase `json:"test_cases"`
	StartIndex int        `json:"start_index"`
	EndIndex   int        `json:"end_index"`
	SourceCode string     `json:"-"`
	Stdin      string     `json:"-"`
	Framing    Framing    `json:"framing"`
}

// Len returns the number of test cases in the batch.
func (b Batch) Len() int {
	return len(b.TestCases)
}

// WithProgram returns a copy of b carrying the synthesized driver program.
func (b Batch) WithProgram(source, stdin string, framing Framing) Batch {
	b.SourceCode = source
	b.Stdin = stdin
	b.Framing = framing
	return b
}
