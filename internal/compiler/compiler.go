// Package compiler turns term trees into wire messages.
package compiler

import (
	"bytes"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kartikbazzad/reql/internal/wire"
	rerrors "github.com/kartikbazzad/reql/pkg/errors"
	"github.com/kartikbazzad/reql/pkg/term"
)

// QueryOptions are the global optargs attached to a START query.
type QueryOptions struct {
	// DB is the default database for tables referenced without one.
	DB string
}

// Compiler compiles terms against one protocol definition. It is safe for
// concurrent use.
type Compiler struct {
	def   *wire.Definition
	cache *lru.Cache[*term.Term, []byte]
}

// New returns a compiler without a cache.
func New(def *wire.Definition) *Compiler {
	if def == nil {
		def = wire.V1
	}
	return &Compiler{def: def}
}

// NewWithCache returns a compiler that memoizes compiled trees by root
// pointer. Terms are immutable so a pointer always compiles to the same
// bytes.
func NewWithCache(def *wire.Definition, size int) (*Compiler, error) {
	c := New(def)
	cache, err := lru.New[*term.Term, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("compile cache: %w", err)
	}
	c.cache = cache
	return c, nil
}

// Definition returns the protocol the compiler emits.
func (c *Compiler) Definition() *wire.Definition { return c.def }

// CachedTerms returns the number of memoized trees.
func (c *Compiler) CachedTerms() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}

// Compile encodes t as a START query.
func (c *Compiler) Compile(t *term.Term, opts QueryOptions) ([]byte, error) {
	body, err := c.CompileTerm(t)
	if err != nil {
		return nil, err
	}
	q := &wire.Query{Type: wire.QueryStart, Term: body}
	if opts.DB != "" {
		db, err := c.build(term.DB(opts.DB))
		if err != nil {
			return nil, err
		}
		q.GlobalOptargs = append(q.GlobalOptargs, wire.Pair{Key: "db", Val: db.Marshal()})
	}
	return q.Marshal(), nil
}

// CompileTerm encodes t alone.
func (c *Compiler) CompileTerm(t *term.Term) ([]byte, error) {
	if t == nil {
		return nil, &rerrors.CompileError{Kind: rerrors.UnsupportedNode, Node: "<nil>", Detail: "nil term"}
	}
	if c.cache != nil {
		if b, ok := c.cache.Get(t); ok {
			return bytes.Clone(b), nil
		}
	}
	wt, err := c.build(t)
	if err != nil {
		return nil, err
	}
	b := wt.Marshal()
	if c.cache != nil {
		c.cache.Add(t, bytes.Clone(b))
	}
	return b, nil
}

var callOps = map[term.Op]string{
	term.OpAdd:     wire.NameAdd,
	term.OpSub:     wire.NameSub,
	term.OpMul:     wire.NameMul,
	term.OpDiv:     wire.NameDiv,
	term.OpMod:     wire.NameMod,
	term.OpEq:      wire.NameEq,
	term.OpNe:      wire.NameNe,
	term.OpLt:      wire.NameLt,
	term.OpLe:      wire.NameLe,
	term.OpGt:      wire.NameGt,
	term.OpGe:      wire.NameGe,
	term.OpNot:     wire.NameNot,
	term.OpInsert:  wire.NameInsert,
	term.OpGet:     wire.NameGet,
	term.OpBetween: wire.NameBetween,
	term.OpCount:   wire.NameCount,
}

func (c *Compiler) build(t *term.Term) (*wire.Term, error) {
	switch t.Kind() {
	case term.KindLiteral:
		return c.datum(t, t.Datum())
	case term.KindVar:
		id, err := c.datum(t, t.Datum())
		if err != nil {
			return nil, err
		}
		return c.node(t, wire.NameVar, []*wire.Term{id}, nil)
	case term.KindDB:
		args, err := c.buildAll(t.Args())
		if err != nil {
			return nil, err
		}
		return c.node(t, wire.NameDB, args, nil)
	case term.KindTable:
		args, err := c.buildAll(t.Args())
		if err != nil {
			return nil, err
		}
		return c.node(t, wire.NameTable, args, nil)
	case term.KindCall:
		return c.call(t)
	}
	return nil, unsupported(t, fmt.Sprintf("node kind %s", t.Kind()))
}

func (c *Compiler) call(t *term.Term) (*wire.Term, error) {
	switch t.Op() {
	case term.OpMakeArray:
		args, err := c.buildAll(t.Args())
		if err != nil {
			return nil, err
		}
		return c.node(t, wire.NameMakeArray, args, nil)
	case term.OpMakeObject:
		opts, err := c.buildOpts(t)
		if err != nil {
			return nil, err
		}
		return c.node(t, wire.NameMakeObject, nil, opts)
	case term.OpCreate, term.OpDrop, term.OpList:
		return c.admin(t)
	}

	name, ok := callOps[t.Op()]
	if !ok {
		return nil, unsupported(t, fmt.Sprintf("operation %s", t.Op()))
	}
	args, err := c.buildAll(t.Args())
	if err != nil {
		return nil, err
	}
	return c.node(t, name, args, nil)
}

// admin resolves the generic create/drop/list calls by the kind of their
// receiver.
func (c *Compiler) admin(t *term.Term) (*wire.Term, error) {
	recv, ok := t.Receiver()
	if !ok {
		if t.Op() == term.OpList {
			return c.node(t, wire.NameDBList, nil, nil)
		}
		return nil, unsupported(t, fmt.Sprintf("%s without receiver", t.Op()))
	}

	var name string
	switch {
	case recv.Kind() == term.KindDB && t.Op() == term.OpCreate:
		name = wire.NameDBCreate
	case recv.Kind() == term.KindDB && t.Op() == term.OpDrop:
		name = wire.NameDBDrop
	case recv.Kind() == term.KindDB && t.Op() == term.OpList:
		db, err := c.build(recv)
		if err != nil {
			return nil, err
		}
		return c.node(t, wire.NameTableList, []*wire.Term{db}, nil)
	case recv.Kind() == term.KindTable && t.Op() == term.OpCreate:
		name = wire.NameTableCreate
	case recv.Kind() == term.KindTable && t.Op() == term.OpDrop:
		name = wire.NameTableDrop
	default:
		return nil, unsupported(t, fmt.Sprintf("%s on %s", t.Op(), recv.Kind()))
	}

	// db_create(name), table_create([db,] name)
	args, err := c.buildAll(recv.Args())
	if err != nil {
		return nil, err
	}
	var opts []wire.TermPair
	if name == wire.NameTableCreate {
		if opts, err = c.buildOpts(recv); err != nil {
			return nil, err
		}
	}
	return c.node(t, name, args, opts)
}

func (c *Compiler) node(t *term.Term, name string, args []*wire.Term, opts []wire.TermPair) (*wire.Term, error) {
	tt, ok := c.def.Opcode(name)
	if !ok {
		return nil, unsupported(t, fmt.Sprintf("%s has no opcode in protocol %s", name, c.def.Name))
	}
	return &wire.Term{Type: tt, Args: args, Optargs: opts}, nil
}

func (c *Compiler) datum(t *term.Term, v any) (*wire.Term, error) {
	d, err := wire.NewDatum(v)
	if err != nil {
		return nil, &rerrors.CompileError{Kind: rerrors.InvalidLiteral, Node: t.String(), Detail: err.Error()}
	}
	tt, ok := c.def.Opcode(wire.NameDatum)
	if !ok {
		return nil, unsupported(t, "datum")
	}
	return &wire.Term{Type: tt, Datum: d}, nil
}

func (c *Compiler) buildAll(ts []*term.Term) ([]*wire.Term, error) {
	if len(ts) == 0 {
		return nil, nil
	}
	out := make([]*wire.Term, len(ts))
	for i, a := range ts {
		w, err := c.build(a)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

// buildOpts compiles the options of t in sorted key order.
func (c *Compiler) buildOpts(t *term.Term) ([]wire.TermPair, error) {
	names := t.OptNames()
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]wire.TermPair, len(names))
	for i, name := range names {
		v, _ := t.Opt(name)
		w, err := c.build(v)
		if err != nil {
			return nil, err
		}
		out[i] = wire.TermPair{Key: name, Val: w}
	}
	return out, nil
}

func unsupported(t *term.Term, detail string) error {
	return &rerrors.CompileError{Kind: rerrors.UnsupportedNode, Node: t.String(), Detail: detail}
}
