package driver

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/gsarma/batchjudge/internal/domain"
)

const (
	python          = "python3"
	pyReserved      = "_tcbatch_"
	pyRunner        = "_tcbatch_run"
	pyEntryFunction = "solve"
)

var (
	pyDefRe    = regexp.MustCompile(`^(?:async\s+)?def\s+([A-Za-z_]\w*)`)
	pyClassRe  = regexp.MustCompile(`^class\s+([A-Za-z_]\w*)`)
	pyImportRe = regexp.MustCompile(`^(?:import|from)\s`)
	pyAssignRe = regexp.MustCompile(`^[A-Za-z_][\w.]*(?:\s*,\s*[A-Za-z_][\w.]*)*\s*(?::[^=]*)?=(?:[^=]|$)`)
	pyIOCallRe = regexp.MustCompile(`\b(?:input|print|open|exit|quit)\s*\(|\bsys\s*\.\s*(?:stdin|stdout|exit)\b`)
	// pyRunsIORe matches statements that perform I/O or end the process when
	// executed, as opposed to merely binding names such as input = sys.stdin.readline.
	pyRunsIORe = regexp.MustCompile(`\b(?:input|print|open|exit|quit)\s*\(|\bstd(?:in|out)(?:\s*\.\s*\w+)+\s*\(|\bsys\s*\.\s*exit\s*\(|\b__name__\b`)
	pyIdentRe  = regexp.MustCompile(`[A-Za-z_]\w*`)
)

// pyStmt is one logical Python statement with string literal contents and
// comments removed.
type pyStmt struct {
	line   int
	indent int
	text   string
}

type pyKind int

const (
	pyOther pyKind = iota
	pyDecorator
	pyDef
	pyClass
	pyImport
	pyAssign
)

func classifyPython(text string) (pyKind, string) {
	switch {
	case strings.HasPrefix(text, "@"):
		return pyDecorator, ""
	case pyImportRe.MatchString(text):
		return pyImport, ""
	}
	if m := pyDefRe.FindStringSubmatch(text); m != nil {
		return pyDef, m[1]
	}
	if m := pyClassRe.FindStringSubmatch(text); m != nil {
		return pyClass, m[1]
	}
	if pyAssignRe.MatchString(text) && !pyIOCallRe.MatchString(text) {
		return pyAssign, ""
	}
	return pyOther, ""
}

// scanPython splits src into logical statements. It follows brackets, line
// continuations and single, double and triple quoted strings.
func scanPython(src string) ([]pyStmt, error) {
	var (
		stmts       []pyStmt
		buf         strings.Builder
		depth       int
		line        = 1
		startLine   = 1
		indent      int
		atLineStart = true
	)
	flush := func() {
		for _, part := range strings.Split(buf.String(), ";") {
			if text := strings.TrimSpace(part); text != "" {
				stmts = append(stmts, pyStmt{line: startLine, indent: indent, text: text})
			}
		}
		buf.Reset()
		atLineStart = true
	}

	for i := 0; i < len(src); i++ {
		if atLineStart {
			j := i
			for j < len(src) && (src[j] == ' ' || src[j] == '\t') {
				j++
			}
			indent, startLine, atLineStart = j-i, line, false
			if i = j; i >= len(src) {
				break
			}
		}

		c := src[i]
		switch {
		case c == '#':
			for i+1 < len(src) && src[i+1] != '\n' {
				i++
			}
		case c == '"' || c == '\'':
			end, newlines, err := skipPyString(src, i)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			buf.WriteString(`""`)
			line += newlines
			i = end - 1
		case c == '\\' && i+1 < len(src) && src[i+1] == '\n':
			buf.WriteByte(' ')
			i++
			line++
		case c == '\n':
			line++
			if depth == 0 {
				flush()
			} else {
				buf.WriteByte(' ')
			}
		case c == '(' || c == '[' || c == '{':
			depth++
			buf.WriteByte(c)
		case c == ')' || c == ']' || c == '}':
			if depth > 0 {
				depth--
			}
			buf.WriteByte(c)
		default:
			buf.WriteByte(c)
		}
	}
	if depth > 0 {
		return nil, errors.New("unbalanced brackets at end of file")
	}
	flush()
	return stmts, nil
}

// skipPyString returns the offset just past the literal starting at src[i]
// and the number of newlines it spans.
func skipPyString(src string, i int) (int, int, error) {
	quote := src[i]
	triple := strings.HasPrefix(src[i:], strings.Repeat(string(quote), 3))
	j := i + 1
	if triple {
		j = i + 3
	}
	newlines := 0
	for j < len(src) {
		c := src[j]
		switch {
		case c == '\\':
			if j+1 < len(src) && src[j+1] == '\n' {
				newlines++
			}
			j += 2
			continue
		case c == '\n':
			if !triple {
				return 0, 0, errors.New("unterminated string literal")
			}
			newlines++
		case c == quote:
			if !triple {
				return j + 1, newlines, nil
			}
			if strings.HasPrefix(src[j:], strings.Repeat(string(quote), 3)) {
				return j + 3, newlines, nil
			}
		}
		j++
	}
	return 0, 0, errors.New("unterminated string literal")
}

type pythonSynth struct {
	source string
	form   Shape
}

func preparePython(source string) (synthesizer, error) {
	stmts, err := scanPython(source)
	if err != nil {
		return nil, synthesisError(python, "%v", err)
	}

	// Top-level statements with the statements nested under them.
	type block struct {
		head pyStmt
		body []string
	}
	var blocks []*block
	defs := map[string]bool{}
	for _, st := range stmts {
		for _, ident := range pyIdentRe.FindAllString(st.text, -1) {
			if strings.HasPrefix(ident, pyReserved) {
				return nil, synthesisError(python, "line %d: identifier %q uses the reserved prefix %q", st.line, ident, pyReserved)
			}
		}
		if st.indent > 0 {
			if len(blocks) > 0 {
				last := blocks[len(blocks)-1]
				last.body = append(last.body, st.text)
			}
			continue
		}
		blocks = append(blocks, &block{head: st})
		if kind, name := classifyPython(st.text); kind == pyDef {
			defs[name] = true
		}
	}

	var solveDefs []pyStmt
	driving, setup := 0, 0
	for _, b := range blocks {
		kind, name := classifyPython(b.head.text)
		switch {
		case kind == pyDef && name == pyEntryFunction:
			solveDefs = append(solveDefs, b.head)
		case kind != pyOther:
		case drivesProgram(b.head.text, defs) || slices.ContainsFunc(b.body, func(text string) bool { return drivesProgram(text, defs) }):
			driving++
		default:
			setup++
		}
	}

	switch {
	case driving > 0:
		return &pythonSynth{source: source, form: ShapeProgram}, nil
	case len(solveDefs) > 1:
		return nil, synthesisError(python, "%s is defined %d times at top level", pyEntryFunction, len(solveDefs))
	case len(solveDefs) == 1:
		if n := pyRequiredParams(solveDefs[0].text); n > 0 {
			return nil, synthesisError(python, "line %d: %s must take no required parameters, found %d", solveDefs[0].line, pyEntryFunction, n)
		}
		return &pythonSynth{source: source, form: ShapeFunction}, nil
	case setup > 0:
		return &pythonSynth{source: source, form: ShapeProgram}, nil
	default:
		return nil, synthesisError(python, "no entry point: define %s() or write top-level statements", pyEntryFunction)
	}
}

// drivesProgram reports whether a top-level statement does the solution's
// work itself: it performs I/O, checks __name__ or uses a top-level function.
// Anything else, like sys.setrecursionlimit(10**6), is module setup that may
// precede a bare solve function.
func drivesProgram(text string, defs map[string]bool) bool {
	if pyRunsIORe.MatchString(text) {
		return true
	}
	for _, ident := range pyIdentRe.FindAllString(text, -1) {
		if defs[ident] {
			return true
		}
	}
	return false
}

// pyRequiredParams counts the parameters of a def statement that have no
// default value.
func pyRequiredParams(def string) int {
	open := strings.IndexByte(def, '(')
	if open < 0 {
		return 0
	}
	var params []string
	depth, start := 0, open+1
scan:
	for i := open; i < len(def); i++ {
		switch def[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				params = append(params, def[start:i])
				break scan
			}
		case ',':
			if depth == 1 {
				params = append(params, def[start:i])
				start = i + 1
			}
		}
	}

	required := 0
	for _, p := range params {
		p = strings.TrimSpace(p)
		if p == "" || p == "/" || strings.HasPrefix(p, "*") || strings.Contains(p, "=") {
			continue
		}
		required++
	}
	return required
}

func (p *pythonSynth) shape() Shape { return p.form }

func (p *pythonSynth) render(n int, framing domain.Framing) string {
	var b strings.Builder
	var call string
	if p.form == ShapeFunction {
		b.WriteString(p.source)
		b.WriteString("\n\n")
		b.WriteString("import builtins as _tcbatch_builtins\n")
		b.WriteString("import sys as _tcbatch_sys\n")
		b.WriteString("import traceback as _tcbatch_traceback\n")
		call = "            _tcbatch_ret = solve()\n" +
			"            if _tcbatch_ret is not None:\n" +
			"                _tcbatch_builtins.print(_tcbatch_ret)\n"
	} else {
		b.WriteString("import builtins as _tcbatch_builtins\n")
		b.WriteString("import sys as _tcbatch_sys\n")
		b.WriteString("import traceback as _tcbatch_traceback\n")
		b.WriteString("import base64 as _tcbatch_base64\n\n")
		fmt.Fprintf(&b, "_tcbatch_code = _tcbatch_builtins.compile(_tcbatch_base64.b64decode(%q).decode(\"utf-8\"), \"solution.py\", \"exec\")\n",
			base64.StdEncoding.EncodeToString([]byte(p.source)))
		call = "            _tcbatch_builtins.exec(_tcbatch_code, {\"__name__\": \"__main__\", \"__builtins__\": _tcbatch_builtins})\n"
	}

	b.WriteString("\n\n")
	b.WriteString("def " + pyRunner + "():\n")
	fmt.Fprintf(&b, "    for _tcbatch_i in _tcbatch_builtins.range(%d):\n", n)
	b.WriteString("        _tcbatch_status = \"ok\"\n")
	b.WriteString("        try:\n")
	b.WriteString(call)
	b.WriteString("        except SystemExit as _tcbatch_exit:\n")
	b.WriteString("            if _tcbatch_exit.code not in (None, 0):\n")
	b.WriteString("                _tcbatch_status = \"err\"\n")
	b.WriteString("        except BaseException:\n")
	b.WriteString("            _tcbatch_traceback.print_exc(file=_tcbatch_sys.stderr)\n")
	b.WriteString("            _tcbatch_status = \"err\"\n")
	b.WriteString("        _tcbatch_sys.stdout.flush()\n")
	if framing.Mode == domain.FramingMarkers {
		fmt.Fprintf(&b, "        _tcbatch_sys.stdout.write(\"\\n%s %%d %%s\\n\" %% (_tcbatch_i, _tcbatch_status))\n", framing.Marker)
		b.WriteString("        _tcbatch_sys.stdout.flush()\n")
	}
	b.WriteString("        _tcbatch_sys.stderr.flush()\n")
	b.WriteString("\n\n")
	b.WriteString(pyRunner + "()\n")
	return b.String()
}

func (p *pythonSynth) verify(rendered string) error {
	stmts, err := scanPython(rendered)
	if err != nil {
		return synthesisError(python, "generated driver does not parse: %v", err)
	}
	defs, calls := 0, 0
	for _, st := range stmts {
		if st.indent > 0 {
			continue
		}
		if kind, name := classifyPython(st.text); kind == pyDef && name == pyRunner {
			defs++
		}
		if st.text == pyRunner+"()" {
			calls++
		}
	}
	if defs != 1 || calls != 1 {
		return synthesisError(python, "expected exactly one driver entry hook, found %d definitions and %d calls", defs, calls)
	}
	return nil
}
