package term

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// String renders the term in method-chain form, e.g. r.expr(1).add(3).
func (t *Term) String() string {
	var b strings.Builder
	t.format(&b)
	return b.String()
}

func (t *Term) format(b *strings.Builder) {
	switch t.kind {
	case KindLiteral:
		b.WriteString("r.expr(")
		formatDatum(b, t.datum)
		b.WriteString(")")
	case KindVar:
		fmt.Fprintf(b, "var_%v", t.datum)
	case KindDB:
		b.WriteString("r.db(")
		formatArgs(b, t.args)
		b.WriteString(")")
	case KindTable:
		if recv, ok := t.Receiver(); ok {
			recv.format(b)
			b.WriteString(".table(")
			formatArgs(b, t.args[1:])
		} else {
			b.WriteString("r.table(")
			formatArgs(b, t.args)
		}
		t.formatOpts(b)
		b.WriteString(")")
	case KindCall:
		t.formatCall(b)
	default:
		b.WriteString("<invalid>")
	}
}

func (t *Term) formatCall(b *strings.Builder) {
	switch {
	case t.op == OpList && len(t.args) == 0:
		b.WriteString("r.dbList()")
		return
	case t.op == OpMakeArray:
		b.WriteString("r.expr([")
		formatArgs(b, t.args)
		b.WriteString("])")
		return
	case t.op == OpMakeObject:
		b.WriteString("r.expr({")
		for i, name := range t.OptNames() {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(strconv.Quote(name))
			b.WriteString(": ")
			formatOperand(b, t.opts[name])
		}
		b.WriteString("})")
		return
	}
	t.args[0].format(b)
	b.WriteString(".")
	b.WriteString(t.op.String())
	b.WriteString("(")
	formatArgs(b, t.args[1:])
	b.WriteString(")")
}

func (t *Term) formatOpts(b *strings.Builder) {
	names := t.OptNames()
	if len(names) == 0 {
		return
	}
	b.WriteString(", {")
	for i, name := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(name)
		b.WriteString(": ")
		formatOperand(b, t.opts[name])
	}
	b.WriteString("}")
}

func formatArgs(b *strings.Builder, args []*Term) {
	for i, a := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		formatOperand(b, a)
	}
}

// formatOperand prints literal operands bare so chains stay readable.
func formatOperand(b *strings.Builder, t *Term) {
	if t.kind == KindLiteral {
		formatDatum(b, t.datum)
		return
	}
	t.format(b)
}

func formatDatum(b *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		b.WriteString(strconv.Quote(x))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case []any:
		b.WriteString("[")
		for i, e := range x {
			if i > 0 {
				b.WriteString(", ")
			}
			formatDatum(b, e)
		}
		b.WriteString("]")
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(strconv.Quote(k))
			b.WriteString(": ")
			formatDatum(b, x[k])
		}
		b.WriteString("}")
	default:
		fmt.Fprintf(b, "<%T>", v)
	}
}
