// Package problem loads problem definitions (time limit and test cases)
// from TOML files.
package problem

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/gsarma/batchjudge/internal/domain"
)

// Duration is a time.Duration written as a Go duration string ("1.5s").
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type fileTest struct {
	ID         string `toml:"id"`
	Input      string `toml:"input"`
	Output     string `toml:"output"`
	Public     bool   `toml:"public"`
	InputFile  string `toml:"input_file"`
	OutputFile string `toml:"output_file"`
}

type fileRoot struct {
	Name      string     `toml:"name"`
	TimeLimit Duration   `toml:"time_limit"`
	Language  string     `toml:"language"`
	Tests     []fileTest `toml:"tests"`
}

// Problem is a parsed problem file.
type Problem struct {
	Name      string
	TimeLimit time.Duration
	Language  string
	TestCases []domain.TestCase
}

// Load reads a problem file. input_file and output_file entries are
// resolved relative to the file's directory.
func Load(path string) (*Problem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read problem file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes a problem definition. dir is used to resolve file references.
func Parse(data []byte, dir string) (*Problem, error) {
	var root fileRoot
	if err := toml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	if root.TimeLimit <= 0 {
		return nil, fmt.Errorf("time_limit must be a positive duration")
	}
	if len(root.Tests) == 0 {
		return nil, fmt.Errorf("problem has no [[tests]]")
	}

	p := &Problem{
		Name:      root.Name,
		TimeLimit: time.Duration(root.TimeLimit),
		Language:  root.Language,
		TestCases: make([]domain.TestCase, 0, len(root.Tests)),
	}
	for i, st := range root.Tests {
		tc := domain.TestCase{ID: st.ID, Input: st.Input, ExpectedOutput: st.Output, IsPublic: st.Public}
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("%d", i+1)
		}
		if st.InputFile != "" {
			b, err := os.ReadFile(filepath.Join(dir, st.InputFile))
			if err != nil {
				return nil, fmt.Errorf("test %s: %w", tc.ID, err)
			}
			tc.Input = string(b)
		}
		if st.OutputFile != "" {
			b, err := os.ReadFile(filepath.Join(dir, st.OutputFile))
			if err != nil {
				return nil, fmt.Errorf("test %s: %w", tc.ID, err)
			}
			tc.ExpectedOutput = string(b)
		}
		p.TestCases = append(p.TestCases, tc)
	}
	return p, nil
}
