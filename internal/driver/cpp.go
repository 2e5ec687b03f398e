package driver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gsarma/batchjudge/internal/domain"
)

const (
	cpp            = "cpp"
	cppReserved    = "tcbatch_"
	cppUserMain    = "tcbatch_user_main"
	cppEntryMain   = "main"
	cppEntrySolve  = "solve"
)

// cppPrelude goes before the learner's source. Every standard header is
// included up front so that exit can be redirected to a throw the driver
// catches per case, the same way SystemExit is caught in Python.
const cppPrelude = `#ifdef __has_include
#if __has_include(<bits/stdc++.h>)
#include <bits/stdc++.h>
#endif
#endif
#include <cstdio>
#include <cstdlib>
#include <exception>
#include <iostream>

struct tcbatch_exit_signal {
    int code;
};
namespace std {
[[noreturn]] inline void tcbatch_exit(int code) { throw ::tcbatch_exit_signal{code}; }
}
using std::tcbatch_exit;
#define exit tcbatch_exit

`

// cppEpilogue drops learner macros, such as #define int long long, that
// would otherwise rewrite the driver's own main.
const cppEpilogue = `

#undef exit
#undef int
#undef main

`

type cppTokenKind int

const (
	cppIdent cppTokenKind = iota + 1
	cppPunct
)

type cppToken struct {
	kind cppTokenKind
	text string
	pos  int
}

// tokenizeCPP returns identifiers and punctuation of src. Comments, string,
// character and raw string literals, numbers and preprocessor lines are
// skipped.
func tokenizeCPP(src string) ([]cppToken, error) {
	var toks []cppToken
	lineStart := true
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '\n':
			lineStart = true
			i++
			continue
		case c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v':
			i++
			continue
		case c == '#' && lineStart:
			i = skipLine(src, i)
			continue
		}
		lineStart = false

		switch {
		case strings.HasPrefix(src[i:], "//"):
			i = skipLine(src, i)
		case strings.HasPrefix(src[i:], "/*"):
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, errors.New("unterminated block comment")
			}
			i += end + 4
		case c == '"' || c == '\'':
			end, err := skipQuoted(src, i)
			if err != nil {
				return nil, err
			}
			i = end
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			word := src[i:j]
			if j < len(src) && src[j] == '"' && isRawPrefix(word) {
				end, err := skipRawString(src, j)
				if err != nil {
					return nil, err
				}
				i = end
				continue
			}
			if j < len(src) && (src[j] == '"' || src[j] == '\'') && isEncodingPrefix(word) {
				i = j
				continue
			}
			toks = append(toks, cppToken{kind: cppIdent, text: word, pos: i})
			i = j
		case c >= '0' && c <= '9' || c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			i = skipNumber(src, i)
		case strings.HasPrefix(src[i:], "::"), strings.HasPrefix(src[i:], "->"):
			toks = append(toks, cppToken{kind: cppPunct, text: src[i : i+2], pos: i})
			i += 2
		default:
			toks = append(toks, cppToken{kind: cppPunct, text: string(c), pos: i})
			i++
		}
	}
	return toks, nil
}

// skipLine returns the offset of the newline ending the line at i, following
// backslash continuations.
func skipLine(src string, i int) int {
	for i < len(src) {
		if src[i] == '\\' && i+1 < len(src) && src[i+1] == '\n' {
			i += 2
			continue
		}
		if src[i] == '\n' {
			return i
		}
		i++
	}
	return i
}

func skipQuoted(src string, i int) (int, error) {
	quote := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case '\n':
			return 0, errors.New("unterminated literal")
		case quote:
			return j + 1, nil
		}
	}
	return 0, errors.New("unterminated literal")
}

// skipRawString handles R"delim( ... )delim" with src[i] at the opening quote.
func skipRawString(src string, i int) (int, error) {
	open := strings.IndexByte(src[i:], '(')
	if open < 0 {
		return 0, errors.New("malformed raw string literal")
	}
	delim := src[i+1 : i+open]
	closing := ")" + delim + "\""
	end := strings.Index(src[i+open+1:], closing)
	if end < 0 {
		return 0, errors.New("unterminated raw string literal")
	}
	return i + open + 1 + end + len(closing), nil
}

func skipNumber(src string, i int) int {
	j := i + 1
	for j < len(src) {
		c := src[j]
		switch {
		case isIdentPart(c) || c == '.' || c == '\'':
			j++
		case (c == '+' || c == '-') && strings.ContainsRune("eEpP", rune(src[j-1])):
			j++
		default:
			return j
		}
	}
	return j
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func isRawPrefix(word string) bool {
	switch word {
	case "R", "u8R", "uR", "UR", "LR":
		return true
	}
	return false
}

func isEncodingPrefix(word string) bool {
	switch word {
	case "u8", "u", "U", "L":
		return true
	}
	return false
}

// Names that can precede "(" at namespace scope without starting a function.
var cppNotFunctions = map[string]bool{
	"__attribute__": true,
	"__declspec":    true,
	"alignas":       true,
	"decltype":      true,
	"noexcept":      true,
	"sizeof":        true,
	"static_assert": true,
	"throw":         true,
}

// cppFunc is a function definition found at namespace scope depth zero.
type cppFunc struct {
	name      string
	namePos   int
	qualified bool
	params    []cppToken
	closePos  int
}

// hasParams reports whether the parameter list is non-empty and not "void".
func (f cppFunc) hasParams() bool {
	return len(f.params) > 0 && !(len(f.params) == 1 && f.params[0].text == "void")
}

// topLevelFunctions finds function definitions outside any braces.
func topLevelFunctions(toks []cppToken) []cppFunc {
	var funcs []cppFunc
	depth := 0
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch t.text {
		case "{":
			depth++
			continue
		case "}":
			if depth > 0 {
				depth--
			}
			continue
		}
		if depth != 0 || t.kind != cppIdent || cppNotFunctions[t.text] {
			continue
		}
		if i+1 >= len(toks) || toks[i+1].text != "(" {
			continue
		}
		if i > 0 && (toks[i-1].text == "." || toks[i-1].text == "->" || toks[i-1].text == "=") {
			continue
		}

		closeParen := matchToken(toks, i+1, "(", ")")
		if closeParen < 0 {
			return funcs
		}
		open := bodyStart(toks, closeParen+1)
		if open < 0 {
			i = closeParen
			continue
		}
		closeBrace := matchToken(toks, open, "{", "}")
		if closeBrace < 0 {
			return funcs
		}
		funcs = append(funcs, cppFunc{
			name:      t.text,
			namePos:   t.pos,
			qualified: i > 0 && toks[i-1].text == "::",
			params:    toks[i+2 : closeParen],
			closePos:  toks[closeBrace].pos,
		})
		i = closeBrace
	}
	return funcs
}

// bodyStart returns the index of the "{" opening a function body after the
// parameter list, or -1 when the declarator is not a definition.
func bodyStart(toks []cppToken, i int) int {
	parens, sawColon := 0, false
	for ; i < len(toks); i++ {
		switch toks[i].text {
		case "(":
			parens++
		case ")":
			parens--
		case ":":
			sawColon = true
		case ";", "=":
			if parens == 0 {
				return -1
			}
		case ",":
			if parens == 0 && !sawColon {
				return -1
			}
		case "{":
			if parens == 0 {
				return i
			}
		}
	}
	return -1
}

func matchToken(toks []cppToken, i int, open, close string) int {
	depth := 0
	for ; i < len(toks); i++ {
		switch toks[i].text {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

type cppSynth struct {
	source   string
	form     Shape
	withArgs bool
}

func prepareCPP(source string) (synthesizer, error) {
	toks, err := tokenizeCPP(source)
	if err != nil {
		return nil, synthesisError(cpp, "%v", err)
	}
	for _, t := range toks {
		if t.kind == cppIdent && strings.HasPrefix(t.text, cppReserved) {
			return nil, synthesisError(cpp, "identifier %q uses the reserved prefix %q", t.text, cppReserved)
		}
	}

	var mains, solves []cppFunc
	for _, f := range topLevelFunctions(toks) {
		if f.qualified {
			continue
		}
		switch f.name {
		case cppEntryMain:
			mains = append(mains, f)
		case cppEntrySolve:
			solves = append(solves, f)
		}
	}

	switch {
	case len(mains) > 1:
		return nil, synthesisError(cpp, "%s is defined %d times", cppEntryMain, len(mains))
	case len(mains) == 1:
		m := mains[0]
		// Splice from the back so earlier offsets stay valid.
		rewritten := source[:m.closePos] + "return 0;\n" + source[m.closePos:]
		rewritten = rewritten[:m.namePos] + cppUserMain + rewritten[m.namePos+len(cppEntryMain):]
		return &cppSynth{source: rewritten, form: ShapeProgram, withArgs: m.hasParams()}, nil
	case len(solves) > 1:
		return nil, synthesisError(cpp, "%s is defined %d times", cppEntrySolve, len(solves))
	case len(solves) == 1:
		if solves[0].hasParams() {
			return nil, synthesisError(cpp, "%s must take no parameters", cppEntrySolve)
		}
		return &cppSynth{source: source, form: ShapeFunction}, nil
	default:
		return nil, synthesisError(cpp, "no entry point: define main() or solve()")
	}
}

func (c *cppSynth) shape() Shape { return c.form }

func (c *cppSynth) render(n int, framing domain.Framing) string {
	var b strings.Builder
	b.WriteString(cppPrelude)
	b.WriteString(c.source)
	b.WriteString(cppEpilogue)

	call := "solve();"
	switch {
	case c.form == ShapeProgram && c.withArgs:
		call = "if (" + cppUserMain + "(1, tcbatch_argv) != 0) tcbatch_status = \"err\";"
	case c.form == ShapeProgram:
		call = "if (" + cppUserMain + "() != 0) tcbatch_status = \"err\";"
	}

	b.WriteString("int main() {\n")
	if c.form == ShapeProgram && c.withArgs {
		b.WriteString("    static char tcbatch_arg0[] = \"solution\";\n")
		b.WriteString("    static char* tcbatch_argv[] = {tcbatch_arg0, nullptr};\n")
	}
	fmt.Fprintf(&b, "    for (int tcbatch_i = 0; tcbatch_i < %d; ++tcbatch_i) {\n", n)
	b.WriteString("        const char* tcbatch_status = \"ok\";\n")
	b.WriteString("        try {\n")
	b.WriteString("            " + call + "\n")
	b.WriteString("        } catch (const tcbatch_exit_signal& tcbatch_exit_e) {\n")
	b.WriteString("            if (tcbatch_exit_e.code != 0) tcbatch_status = \"err\";\n")
	b.WriteString("        } catch (const std::exception& tcbatch_e) {\n")
	b.WriteString("            std::fprintf(stderr, \"%s\\n\", tcbatch_e.what());\n")
	b.WriteString("            tcbatch_status = \"err\";\n")
	b.WriteString("        } catch (...) {\n")
	b.WriteString("            tcbatch_status = \"err\";\n")
	b.WriteString("        }\n")
	b.WriteString("        std::cout.flush();\n")
	b.WriteString("        std::fflush(stdout);\n")
	if framing.Mode == domain.FramingMarkers {
		fmt.Fprintf(&b, "        std::printf(\"\\n%s %%d %%s\\n\", tcbatch_i, tcbatch_status);\n", framing.Marker)
		b.WriteString("        std::fflush(stdout);\n")
	} else {
		b.WriteString("        (void)tcbatch_status;\n")
	}
	b.WriteString("        std::cerr.flush();\n")
	b.WriteString("    }\n")
	b.WriteString("    return 0;\n")
	b.WriteString("}\n")
	return b.String()
}

func (c *cppSynth) verify(rendered string) error {
	toks, err := tokenizeCPP(rendered)
	if err != nil {
		return synthesisError(cpp, "generated driver does not parse: %v", err)
	}
	mains, userMains := 0, 0
	for _, f := range topLevelFunctions(toks) {
		switch f.name {
		case cppEntryMain:
			mains++
		case cppUserMain:
			userMains++
		}
	}
	wantUser := 0
	if c.form == ShapeProgram {
		wantUser = 1
	}
	if mains != 1 || userMains != wantUser {
		return synthesisError(cpp, "expected exactly one driver entry hook, found %d main and %d renamed entry definitions", mains, userMains)
	}
	return nil
}
