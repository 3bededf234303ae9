package actions

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"unicode"
)

// Probe answers the four predicates a condition expression may use. The
// OS-backed implementation is used in production; tests script one.
type Probe interface {
	FileExists(path string) bool
	DirectoryExists(path string) bool
	CommandExists(name string) bool
	EnvVarSet(name string) bool
}

// OSProbe answers predicates against the local filesystem and environment.
type OSProbe struct{}

func (OSProbe) FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (OSProbe) DirectoryExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (OSProbe) CommandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func (OSProbe) EnvVarSet(name string) bool {
	v, ok := os.LookupEnv(name)
	return ok && v != ""
}

// EvaluateCondition evaluates a template action condition. The grammar is
// deliberately tiny: the four predicates, boolean literals, AND/OR/NOT and
// parentheses. There is no attribute access and no globals, so template
// authors cannot inject code.
func EvaluateCondition(expr string, probe Probe) (bool, error) {
	toks, err := tokenizeCondition(expr)
	if err != nil {
		return false, err
	}
	p := &condParser{toks: toks, probe: probe}
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("unexpected token %q", p.toks[p.pos].val)
	}
	return v, nil
}

type condToken struct {
	kind string // ident, string, lparen, rparen
	val  string
}

func tokenizeCondition(s string) ([]condToken, error) {
	var toks []condToken
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case unicode.IsSpace(rune(c)):
			i++
		case c == '(':
			toks = append(toks, condToken{kind: "lparen"})
			i++
		case c == ')':
			toks = append(toks, condToken{kind: "rparen"})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(s) && s[j] != quote {
				j++
			}
			if j >= len(s) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, condToken{kind: "string", val: s[i+1 : j]})
			i = j + 1
		case c == '&' || c == '|':
			if i+1 >= len(s) || s[i+1] != c {
				return nil, fmt.Errorf("unexpected character %q", c)
			}
			word := "and"
			if c == '|' {
				word = "or"
			}
			toks = append(toks, condToken{kind: "ident", val: word})
			i += 2
		case c == '!':
			toks = append(toks, condToken{kind: "ident", val: "not"})
			i++
		case isIdentChar(c):
			j := i
			for j < len(s) && isIdentChar(s[j]) {
				j++
			}
			toks = append(toks, condToken{kind: "ident", val: s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", c)
		}
	}
	return toks, nil
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '.' || c == '/' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

type condParser struct {
	toks  []condToken
	pos   int
	probe Probe
}

func (p *condParser) peek() *condToken {
	if p.pos < len(p.toks) {
		return &p.toks[p.pos]
	}
	return nil
}

func (p *condParser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for {
		t := p.peek()
		if t == nil || t.kind != "ident" || !strings.EqualFold(t.val, "or") {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
}

func (p *condParser) parseAnd() (bool, error) {
	left, err := p.parseUnary()
	if err != nil {
		return false, err
	}
	for {
		t := p.peek()
		if t == nil || t.kind != "ident" || !strings.EqualFold(t.val, "and") {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return false, err
		}
		left = left && right
	}
}

func (p *condParser) parseUnary() (bool, error) {
	t := p.peek()
	if t != nil && t.kind == "ident" && strings.EqualFold(t.val, "not") {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return false, err
		}
		return !v, nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (bool, error) {
	t := p.peek()
	if t == nil {
		return false, fmt.Errorf("unexpected end of expression")
	}
	switch {
	case t.kind == "lparen":
		p.pos++
		v, err := p.parseOr()
		if err != nil {
			return false, err
		}
		if p.peek() == nil || p.peek().kind != "rparen" {
			return false, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case t.kind == "ident" && strings.EqualFold(t.val, "true"):
		p.pos++
		return true, nil
	case t.kind == "ident" && strings.EqualFold(t.val, "false"):
		p.pos++
		return false, nil
	case t.kind == "ident":
		return p.parsePredicate()
	default:
		return false, fmt.Errorf("unexpected token %q", t.val)
	}
}

func (p *condParser) parsePredicate() (bool, error) {
	name := p.toks[p.pos].val
	p.pos++
	if p.peek() == nil || p.peek().kind != "lparen" {
		return false, fmt.Errorf("predicate %q requires an argument", name)
	}
	p.pos++
	arg := p.peek()
	if arg == nil || (arg.kind != "string" && arg.kind != "ident") {
		return false, fmt.Errorf("predicate %q requires a string argument", name)
	}
	p.pos++
	if p.peek() == nil || p.peek().kind != "rparen" {
		return false, fmt.Errorf("missing closing parenthesis after %q", name)
	}
	p.pos++

	switch name {
	case "file_exists":
		return p.probe.FileExists(arg.val), nil
	case "directory_exists":
		return p.probe.DirectoryExists(arg.val), nil
	case "command_exists":
		return p.probe.CommandExists(arg.val), nil
	case "env_var_set":
		return p.probe.EnvVarSet(arg.val), nil
	default:
		return false, fmt.Errorf("unknown predicate %q", name)
	}
}
