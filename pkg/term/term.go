// Package term models ReQL queries as immutable expression trees.
//
// A Term is built with the root constructors (Expr, DB, Table, DBList, Var)
// and extended with chain methods such as Add, Sub or Between. Every chain
// method returns a new Term whose first operand is the receiver, so the
// method chain
//
//	term.Expr(1).Add(3).Sub(2)
//
// is the tree SUB(ADD(1, 3), 2). Terms are never mutated after construction
// and a sub-tree may be shared by any number of chains.
//
// Construction never fails. Values that cannot be represented on the wire
// are kept as-is and rejected when the tree is compiled.
package term

import "sort"

// Kind tags a node of the expression tree.
type Kind uint8

const (
	KindLiteral Kind = iota + 1
	KindVar
	KindCall
	KindDB
	KindTable
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindVar:
		return "var"
	case KindCall:
		return "call"
	case KindDB:
		return "db"
	case KindTable:
		return "table"
	default:
		return "unknown"
	}
}

// Op is the operation of a KindCall node. Ops are symbolic; the wire
// opcode for each one comes from the protocol definition at compile time.
type Op uint8

const (
	OpNone Op = iota
	OpMakeArray
	OpMakeObject
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpNot
	OpCreate
	OpDrop
	OpList
	OpInsert
	OpGet
	OpBetween
	OpCount
)

var opNames = map[Op]string{
	OpMakeArray:  "makeArray",
	OpMakeObject: "makeObject",
	OpAdd:        "add",
	OpSub:        "sub",
	OpMul:        "mul",
	OpDiv:        "div",
	OpMod:        "mod",
	OpEq:         "eq",
	OpNe:         "ne",
	OpLt:         "lt",
	OpLe:         "le",
	OpGt:         "gt",
	OpGe:         "ge",
	OpNot:        "not",
	OpCreate:     "create",
	OpDrop:       "drop",
	OpList:       "list",
	OpInsert:     "insert",
	OpGet:        "get",
	OpBetween:    "between",
	OpCount:      "count",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "none"
}

// Term is one node of a query tree.
type Term struct {
	kind  Kind
	op    Op
	args  []*Term
	opts  map[string]*Term
	datum any
}

// Kind returns the node kind.
func (t *Term) Kind() Kind { return t.kind }

// Op returns the operation of a call node, OpNone for other kinds.
func (t *Term) Op() Op { return t.op }

// Datum returns the literal payload of a literal or var node.
func (t *Term) Datum() any { return t.datum }

// NumArgs returns the number of operands.
func (t *Term) NumArgs() int { return len(t.args) }

// Arg returns operand i.
func (t *Term) Arg(i int) *Term { return t.args[i] }

// Args returns a copy of the operand list.
func (t *Term) Args() []*Term {
	out := make([]*Term, len(t.args))
	copy(out, t.args)
	return out
}

// Opt returns the named option, if present.
func (t *Term) Opt(name string) (*Term, bool) {
	v, ok := t.opts[name]
	return v, ok
}

// OptNames returns the option names in sorted order.
func (t *Term) OptNames() []string {
	names := make([]string, 0, len(t.opts))
	for name := range t.opts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Name returns the name of a DB or Table reference.
func (t *Term) Name() (string, bool) {
	if t.kind != KindDB && t.kind != KindTable {
		return "", false
	}
	if len(t.args) == 0 {
		return "", false
	}
	nameTerm := t.args[len(t.args)-1]
	s, ok := nameTerm.datum.(string)
	return s, ok && nameTerm.kind == KindLiteral
}

// Receiver returns operand 0 when the node was built by a chain method.
func (t *Term) Receiver() (*Term, bool) {
	switch t.kind {
	case KindCall:
		if len(t.args) == 0 {
			return nil, false
		}
		return t.args[0], true
	case KindTable:
		if len(t.args) == 2 {
			return t.args[0], true
		}
	}
	return nil, false
}

func newCall(op Op, args []*Term, opts map[string]*Term) *Term {
	return &Term{kind: KindCall, op: op, args: args, opts: opts}
}

// chain builds a call whose first operand is recv.
func chain(op Op, recv *Term, args ...any) *Term {
	operands := make([]*Term, 0, len(args)+1)
	operands = append(operands, recv)
	for _, a := range args {
		operands = append(operands, Expr(a))
	}
	return newCall(op, operands, nil)
}
