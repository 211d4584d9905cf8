package term

import (
	"math"
	"testing"
)

func TestChainNestsReceiverAsFirstOperand(t *testing.T) {
	q := Expr(1).Add(Expr(3)).Sub(Expr(2))

	if q.Kind() != KindCall || q.Op() != OpSub {
		t.Fatalf("root should be sub call, got %s/%s", q.Kind(), q.Op())
	}
	if q.NumArgs() != 2 {
		t.Fatalf("sub should have 2 operands, got %d", q.NumArgs())
	}

	add := q.Arg(0)
	if add.Op() != OpAdd {
		t.Fatalf("first operand should be add, got %s", add.Op())
	}
	if got := add.Arg(0).Datum(); got != int64(1) {
		t.Errorf("add lhs = %v, want 1", got)
	}
	if got := add.Arg(1).Datum(); got != int64(3) {
		t.Errorf("add rhs = %v, want 3", got)
	}
	if got := q.Arg(1).Datum(); got != int64(2) {
		t.Errorf("sub rhs = %v, want 2", got)
	}
}

func TestChainDoesNotMutateReceiver(t *testing.T) {
	base := Expr(10)
	a := base.Add(1)
	b := base.Sub(1)

	if base.Kind() != KindLiteral || base.NumArgs() != 0 {
		t.Fatalf("receiver was modified: %s", base)
	}
	if a.Arg(0) != base || b.Arg(0) != base {
		t.Fatal("shared sub-expression should be reused, not copied")
	}
	if a.String() != "r.expr(10).add(1)" {
		t.Errorf("a = %s", a)
	}
	if b.String() != "r.expr(10).sub(1)" {
		t.Errorf("b = %s", b)
	}
}

func TestArgsReturnsCopy(t *testing.T) {
	q := Expr(1).Add(2)
	args := q.Args()
	args[0] = Expr(99)

	if q.Arg(0).Datum() != int64(1) {
		t.Fatal("Args must not expose internal operand slice")
	}
}

func TestExprKeepsSourceTypes(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want any
	}{
		{"int", 7, int64(7)},
		{"int8", int8(-3), int64(-3)},
		{"uint16", uint16(9), int64(9)},
		{"float32", float32(1.5), float64(1.5)},
		{"float64", 2.25, 2.25},
		{"string", "hi", "hi"},
		{"bool", true, true},
		{"nil", nil, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Expr(tc.in)
			if got.Kind() != KindLiteral {
				t.Fatalf("kind = %s, want literal", got.Kind())
			}
			if got.Datum() != tc.want {
				t.Errorf("datum = %#v, want %#v", got.Datum(), tc.want)
			}
		})
	}
}

func TestExprUnsupportedValuesStayLiteral(t *testing.T) {
	fn := func() {}
	got := Expr(fn)
	if got.Kind() != KindLiteral {
		t.Fatalf("kind = %s, want literal", got.Kind())
	}
	if _, ok := got.Datum().(func()); !ok {
		t.Fatalf("func payload should be kept for the compiler to reject, got %T", got.Datum())
	}

	big := Expr(uint64(math.MaxUint64))
	if _, ok := big.Datum().(uint64); !ok {
		t.Fatalf("out of range uint should be kept as uint64, got %T", big.Datum())
	}
}

func TestExprCompositeLiterals(t *testing.T) {
	arr := Expr([]int{1, 2, 3})
	if arr.Kind() != KindLiteral {
		t.Fatalf("all-literal slice should fold into a literal, got %s", arr.Kind())
	}
	values, ok := arr.Datum().([]any)
	if !ok || len(values) != 3 || values[2] != int64(3) {
		t.Fatalf("unexpected array datum %#v", arr.Datum())
	}

	obj := Expr(map[string]any{"b": 2, "a": "x"})
	if obj.Kind() != KindLiteral {
		t.Fatalf("all-literal map should fold into a literal, got %s", obj.Kind())
	}
	if obj.String() != `r.expr({"a": "x", "b": 2})` {
		t.Errorf("object = %s", obj)
	}
}

func TestExprCompositeWithTermsBuildsCalls(t *testing.T) {
	arr := Expr([]any{1, Expr(2).Add(3)})
	if arr.Kind() != KindCall || arr.Op() != OpMakeArray {
		t.Fatalf("slice containing a query should be makeArray, got %s/%s", arr.Kind(), arr.Op())
	}
	if arr.NumArgs() != 2 {
		t.Fatalf("makeArray args = %d", arr.NumArgs())
	}

	obj := Expr(map[string]any{"sum": Expr(1).Add(1)})
	if obj.Op() != OpMakeObject {
		t.Fatalf("map containing a query should be makeObject, got %s", obj.Op())
	}
	if _, ok := obj.Opt("sum"); !ok {
		t.Fatal("makeObject should carry its fields as options")
	}
}

func TestExprCopiesCallerContainers(t *testing.T) {
	src := map[string]any{"a": 1}
	lit := Expr(src)
	src["a"] = 2

	m := lit.Datum().(map[string]any)
	if m["a"] != int64(1) {
		t.Fatal("literal must not alias the caller's map")
	}
}

func TestDatabaseAndTableReferences(t *testing.T) {
	db := DB("test")
	if db.Kind() != KindDB {
		t.Fatalf("kind = %s", db.Kind())
	}
	if name, ok := db.Name(); !ok || name != "test" {
		t.Fatalf("db name = %q, %v", name, ok)
	}

	tbl := db.Table("users", TableOpts{PrimaryKey: "email"})
	if tbl.Kind() != KindTable {
		t.Fatalf("kind = %s", tbl.Kind())
	}
	if recv, ok := tbl.Receiver(); !ok || recv != db {
		t.Fatal("table receiver should be the db reference")
	}
	if name, _ := tbl.Name(); name != "users" {
		t.Fatalf("table name = %q", name)
	}
	pk, ok := tbl.Opt("primary_key")
	if !ok || pk.Datum() != "email" {
		t.Fatal("primary key option missing")
	}
	if got := tbl.String(); got != `r.db("test").table("users", {primary_key: "email"})` {
		t.Errorf("table = %s", got)
	}

	root := Table("events")
	if _, ok := root.Receiver(); ok {
		t.Fatal("root table has no receiver")
	}
}

func TestAdministrativeChains(t *testing.T) {
	cases := []struct {
		q    *Term
		op   Op
		want string
	}{
		{DB("app").Create(), OpCreate, `r.db("app").create()`},
		{DB("app").Drop(), OpDrop, `r.db("app").drop()`},
		{DB("app").List(), OpList, `r.db("app").list()`},
		{DB("app").Table("t").Create(), OpCreate, `r.db("app").table("t").create()`},
		{DBList(), OpList, `r.dbList()`},
		{Table("t").Between(1, 5), OpBetween, `r.table("t").between(1, 5)`},
		{Table("t").Get("k").Eq(nil), OpEq, `r.table("t").get("k").eq(null)`},
		{Table("t").Count().Ge(2).Not(), OpNot, `r.table("t").count().ge(2).not()`},
	}

	for _, tc := range cases {
		if tc.q.Op() != tc.op {
			t.Errorf("%s: op = %s, want %s", tc.want, tc.q.Op(), tc.op)
		}
		if got := tc.q.String(); got != tc.want {
			t.Errorf("String() = %s, want %s", got, tc.want)
		}
	}
}

func TestVar(t *testing.T) {
	v := Var(3)
	if v.Kind() != KindVar || v.Datum() != int64(3) {
		t.Fatalf("unexpected var %#v", v)
	}
	if v.Add(1).String() != "var_3.add(1)" {
		t.Errorf("var chain = %s", v.Add(1))
	}
}
