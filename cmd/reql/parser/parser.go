// Package parser reads the JavaScript-like query syntax accepted by the reql
// shell, e.g. r.db("test").table("users").get(1), into term trees.
package parser

import (
	"fmt"
	"strconv"
	"strings"
	"text/scanner"

	"github.com/kartikbazzad/reql/pkg/term"
)

// SyntaxError reports where a query stopped making sense.
type SyntaxError struct {
	Pos scanner.Position
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Pos.Line, e.Pos.Column, e.Msg)
}

// Parse parses a single query.
func Parse(src string) (*term.Term, error) {
	p := &parser{}
	p.s.Init(strings.NewReader(src))
	p.s.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanFloats |
		scanner.ScanStrings | scanner.ScanRawStrings | scanner.ScanComments | scanner.SkipComments
	p.s.Error = func(s *scanner.Scanner, msg string) {
		if p.err == nil {
			p.err = &SyntaxError{Pos: s.Position, Msg: msg}
		}
	}
	p.next()

	v, err := p.value()
	if err != nil {
		return nil, err
	}
	if p.tok != scanner.EOF && p.tok != ';' {
		return nil, p.errorf("unexpected %s after query", p.text())
	}
	return term.Expr(v), nil
}

type parser struct {
	s   scanner.Scanner
	tok rune
	err error
}

func (p *parser) next() {
	p.tok = p.s.Scan()
}

func (p *parser) text() string {
	if p.tok == scanner.EOF {
		return "end of input"
	}
	return strconv.Quote(p.s.TokenText())
}

func (p *parser) errorf(format string, args ...any) error {
	if p.err != nil {
		return p.err
	}
	return &SyntaxError{Pos: p.s.Position, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(tok rune) error {
	if p.tok != tok {
		return p.errorf("expected %q, found %s", tok, p.text())
	}
	p.next()
	return nil
}

// value parses a literal or an r.* expression with its method chain.
func (p *parser) value() (any, error) {
	if p.err != nil {
		return nil, p.err
	}
	switch p.tok {
	case scanner.Ident:
		switch p.s.TokenText() {
		case "r":
			return p.query()
		case "true", "false":
			b := p.s.TokenText() == "true"
			p.next()
			return b, nil
		case "null":
			p.next()
			return nil, nil
		}
		return nil, p.errorf("unknown identifier %s", p.text())
	case scanner.Int, scanner.Float, '-':
		return p.number()
	case scanner.String, scanner.RawString:
		s, err := strconv.Unquote(p.s.TokenText())
		if err != nil {
			return nil, p.errorf("bad string %s", p.text())
		}
		p.next()
		return s, nil
	case '[':
		return p.array()
	case '{':
		return p.object()
	}
	return nil, p.errorf("unexpected %s", p.text())
}

func (p *parser) number() (any, error) {
	neg := false
	if p.tok == '-' {
		neg = true
		p.next()
	}
	lit := p.s.TokenText()
	switch p.tok {
	case scanner.Int:
		if neg {
			lit = "-" + lit
		}
		n, err := strconv.ParseInt(lit, 0, 64)
		if err != nil {
			return nil, p.errorf("bad integer %s", lit)
		}
		p.next()
		return n, nil
	case scanner.Float:
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return nil, p.errorf("bad number %s", lit)
		}
		if neg {
			f = -f
		}
		p.next()
		return f, nil
	}
	return nil, p.errorf("expected a number, found %s", p.text())
}

func (p *parser) array() (any, error) {
	p.next() // [
	out := []any{}
	for p.tok != ']' {
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		if p.tok != ',' {
			break
		}
		p.next()
	}
	if err := p.expect(']'); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) object() (any, error) {
	p.next() // {
	out := map[string]any{}
	for p.tok != '}' {
		var key string
		switch p.tok {
		case scanner.Ident:
			key = p.s.TokenText()
		case scanner.String, scanner.RawString:
			k, err := strconv.Unquote(p.s.TokenText())
			if err != nil {
				return nil, p.errorf("bad key %s", p.text())
			}
			key = k
		default:
			return nil, p.errorf("expected an object key, found %s", p.text())
		}
		p.next()
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out[key] = v
		if p.tok != ',' {
			break
		}
		p.next()
	}
	if err := p.expect('}'); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) args() ([]any, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	var out []any
	for p.tok != ')' {
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		if p.tok != ',' {
			break
		}
		p.next()
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return out, nil
}

// call reads ".name(args)".
func (p *parser) call() (string, []any, scanner.Position, error) {
	if err := p.expect('.'); err != nil {
		return "", nil, scanner.Position{}, err
	}
	pos := p.s.Position
	if p.tok != scanner.Ident {
		return "", nil, pos, p.errorf("expected a method name, found %s", p.text())
	}
	name := p.s.TokenText()
	p.next()
	args, err := p.args()
	return name, args, pos, err
}

func (p *parser) query() (any, error) {
	p.next() // r
	name, args, pos, err := p.call()
	if err != nil {
		return nil, err
	}
	t, err := root(name, args)
	if err != nil {
		return nil, &SyntaxError{Pos: pos, Msg: err.Error()}
	}
	for p.tok == '.' {
		name, args, pos, err := p.call()
		if err != nil {
			return nil, err
		}
		if t, err = method(t, name, args); err != nil {
			return nil, &SyntaxError{Pos: pos, Msg: err.Error()}
		}
	}
	return t, nil
}

func root(name string, args []any) (*term.Term, error) {
	switch name {
	case "expr":
		if err := count(name, args, 1, 1); err != nil {
			return nil, err
		}
		return term.Expr(args[0]), nil
	case "db":
		db, err := nameArg(name, args)
		if err != nil {
			return nil, err
		}
		return term.DB(db), nil
	case "table":
		tbl, opts, err := tableArgs(name, args)
		if err != nil {
			return nil, err
		}
		return term.Table(tbl, opts...), nil
	case "dbList":
		if err := count(name, args, 0, 0); err != nil {
			return nil, err
		}
		return term.DBList(), nil
	case "dbCreate", "dbDrop":
		db, err := nameArg(name, args)
		if err != nil {
			return nil, err
		}
		if name == "dbCreate" {
			return term.DB(db).Create(), nil
		}
		return term.DB(db).Drop(), nil
	case "tableCreate", "tableDrop":
		tbl, opts, err := tableArgs(name, args)
		if err != nil {
			return nil, err
		}
		if name == "tableCreate" {
			return term.Table(tbl, opts...).Create(), nil
		}
		return term.Table(tbl).Drop(), nil
	}
	return nil, fmt.Errorf("unknown function r.%s", name)
}

func method(t *term.Term, name string, args []any) (*term.Term, error) {
	switch name {
	case "add", "sub", "mul", "div", "eq", "ne", "lt", "le", "gt", "ge":
		if err := count(name, args, 1, -1); err != nil {
			return nil, err
		}
		return variadic[name](t, args...), nil
	case "mod":
		if err := count(name, args, 1, 1); err != nil {
			return nil, err
		}
		return t.Mod(args[0]), nil
	case "not", "count", "create", "drop", "list", "tableList":
		if err := count(name, args, 0, 0); err != nil {
			return nil, err
		}
		switch name {
		case "not":
			return t.Not(), nil
		case "count":
			return t.Count(), nil
		case "create":
			return t.Create(), nil
		case "drop":
			return t.Drop(), nil
		}
		return t.List(), nil
	case "table", "tableCreate", "tableDrop":
		tbl, opts, err := tableArgs(name, args)
		if err != nil {
			return nil, err
		}
		switch name {
		case "tableCreate":
			return t.Table(tbl, opts...).Create(), nil
		case "tableDrop":
			return t.Table(tbl).Drop(), nil
		}
		return t.Table(tbl, opts...), nil
	case "insert", "get":
		if err := count(name, args, 1, 1); err != nil {
			return nil, err
		}
		if name == "insert" {
			return t.Insert(args[0]), nil
		}
		return t.Get(args[0]), nil
	case "between":
		if err := count(name, args, 2, 2); err != nil {
			return nil, err
		}
		return t.Between(args[0], args[1]), nil
	}
	return nil, fmt.Errorf("unknown method .%s", name)
}

var variadic = map[string]func(*term.Term, ...any) *term.Term{
	"add": (*term.Term).Add,
	"sub": (*term.Term).Sub,
	"mul": (*term.Term).Mul,
	"div": (*term.Term).Div,
	"eq":  (*term.Term).Eq,
	"ne":  (*term.Term).Ne,
	"lt":  (*term.Term).Lt,
	"le":  (*term.Term).Le,
	"gt":  (*term.Term).Gt,
	"ge":  (*term.Term).Ge,
}

func count(name string, args []any, min, max int) error {
	n := len(args)
	if n < min || (max >= 0 && n > max) {
		if min == max {
			return fmt.Errorf("%s expects %d argument(s), got %d", name, min, n)
		}
		return fmt.Errorf("%s expects at least %d argument(s), got %d", name, min, n)
	}
	return nil
}

func nameArg(fn string, args []any) (string, error) {
	if err := count(fn, args, 1, 1); err != nil {
		return "", err
	}
	s, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("%s expects a string name", fn)
	}
	return s, nil
}

// tableArgs reads (name[, {primary_key: "..."}]).
func tableArgs(fn string, args []any) (string, []term.TableOpts, error) {
	if err := count(fn, args, 1, 2); err != nil {
		return "", nil, err
	}
	name, ok := args[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("%s expects a string name", fn)
	}
	if len(args) == 1 {
		return name, nil, nil
	}
	raw, ok := args[1].(map[string]any)
	if !ok {
		return "", nil, fmt.Errorf("%s options must be an object", fn)
	}
	var opts term.TableOpts
	for k, v := range raw {
		switch k {
		case "primary_key", "primaryKey":
			pk, ok := v.(string)
			if !ok {
				return "", nil, fmt.Errorf("%s: primary_key must be a string", fn)
			}
			opts.PrimaryKey = pk
		default:
			return "", nil, fmt.Errorf("%s: unknown option %q", fn, k)
		}
	}
	return name, []term.TableOpts{opts}, nil
}
