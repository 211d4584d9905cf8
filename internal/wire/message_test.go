package wire

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	rerrors "github.com/kartikbazzad/reql/pkg/errors"
)

func mustDatum(t *testing.T, v any) *Datum {
	t.Helper()
	d, err := NewDatum(v)
	if err != nil {
		t.Fatalf("NewDatum(%v): %v", v, err)
	}
	return d
}

func TestDatumValues(t *testing.T) {
	cases := []any{
		nil,
		true,
		int64(-12),
		3.5,
		"hello",
		[]any{int64(1), "two", nil},
		map[string]any{"b": int64(2), "a": []any{false}},
	}
	for _, v := range cases {
		d := mustDatum(t, v)
		back, err := unmarshalDatum(d.appendTo(nil), 0)
		if err != nil {
			t.Fatalf("decode %v: %v", v, err)
		}
		got, err := back.Value()
		if err != nil {
			t.Fatalf("Value: %v", err)
		}
		if !reflect.DeepEqual(got, v) {
			t.Errorf("got %#v, want %#v", got, v)
		}
	}
}

func TestDatumIntStaysInt(t *testing.T) {
	d := mustDatum(t, 7)
	if d.Type != DatumInt {
		t.Fatalf("int encoded as %d", d.Type)
	}
	f := mustDatum(t, 7.0)
	if f.Type != DatumNum {
		t.Fatalf("float encoded as %d", f.Type)
	}
}

func TestDatumObjectKeysSorted(t *testing.T) {
	a := mustDatum(t, map[string]any{"z": 1, "a": 2, "m": 3}).appendTo(nil)
	for i := 0; i < 20; i++ {
		b := mustDatum(t, map[string]any{"m": 3, "z": 1, "a": 2}).appendTo(nil)
		if !bytes.Equal(a, b) {
			t.Fatal("object encoding depends on map order")
		}
	}
	d := mustDatum(t, map[string]any{"z": 1, "a": 2, "m": 3})
	var keys []string
	for _, p := range d.Object {
		keys = append(keys, p.Key)
	}
	if !reflect.DeepEqual(keys, []string{"a", "m", "z"}) {
		t.Errorf("keys = %v", keys)
	}
}

func TestNewDatumRejects(t *testing.T) {
	for _, v := range []any{math.NaN(), math.Inf(1), func() {}, make(chan int), complex(1, 2)} {
		if _, err := NewDatum(v); !errors.Is(err, ErrUnsupportedValue) {
			t.Errorf("NewDatum(%T): expected ErrUnsupportedValue, got %v", v, err)
		}
	}
}

func TestQueryRoundTrip(t *testing.T) {
	term := &Term{
		Type: 24,
		Args: []*Term{
			{Type: 1, Datum: mustDatum(t, 1)},
			{Type: 1, Datum: mustDatum(t, 3)},
		},
	}
	db := &Term{Type: 14, Args: []*Term{{Type: 1, Datum: mustDatum(t, "test")}}}
	q := &Query{
		Type:          QueryStart,
		Term:          term.Marshal(),
		GlobalOptargs: []Pair{{Key: "db", Val: db.Marshal()}},
	}

	got, err := UnmarshalQuery(q.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalQuery: %v", err)
	}
	if got.Type != QueryStart || !bytes.Equal(got.Term, q.Term) {
		t.Errorf("query mismatch: %+v", got)
	}
	if len(got.GlobalOptargs) != 1 || got.GlobalOptargs[0].Key != "db" {
		t.Fatalf("optargs = %+v", got.GlobalOptargs)
	}

	decoded, err := UnmarshalTerm(got.Term)
	if err != nil {
		t.Fatalf("UnmarshalTerm: %v", err)
	}
	if !reflect.DeepEqual(decoded, term) {
		t.Errorf("term mismatch: %+v", decoded)
	}
}

func TestTermOptargs(t *testing.T) {
	term := &Term{
		Type: 60,
		Args: []*Term{{Type: 1, Datum: mustDatum(t, "users")}},
		Optargs: []TermPair{
			{Key: "primary_key", Val: &Term{Type: 1, Datum: mustDatum(t, "email")}},
		},
	}
	decoded, err := UnmarshalTerm(term.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalTerm: %v", err)
	}
	if !reflect.DeepEqual(decoded, term) {
		t.Errorf("term mismatch: %+v", decoded)
	}
}

func TestUnmarshalQueryRequiresType(t *testing.T) {
	if _, err := UnmarshalQuery(nil); !errors.Is(err, rerrors.ErrInvalidFrame) {
		t.Errorf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	garbage := []byte{0x0a, 0xff}
	if _, err := UnmarshalResponse(garbage); !errors.Is(err, rerrors.ErrInvalidFrame) {
		t.Errorf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestUnknownFieldsSkipped(t *testing.T) {
	b := (&Response{Type: ResponseSuccessAtom, Datums: []*Datum{mustDatum(t, "x")}}).Marshal()
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 5)

	r, err := UnmarshalResponse(b)
	if err != nil {
		t.Fatalf("UnmarshalResponse: %v", err)
	}
	if r.Type != ResponseSuccessAtom || r.Datums[0].Str != "x" {
		t.Errorf("response = %+v", r)
	}
}

func TestTermNestingLimit(t *testing.T) {
	term := &Term{Type: 1, Datum: &Datum{Type: DatumNull}}
	for i := 0; i < MaxNestingDepth+2; i++ {
		term = &Term{Type: 23, Args: []*Term{term}}
	}
	if _, err := UnmarshalTerm(term.Marshal()); !errors.Is(err, rerrors.ErrInvalidFrame) {
		t.Errorf("expected nesting error, got %v", err)
	}
}

func TestErrorResponse(t *testing.T) {
	r := NewErrorResponse(ResponseRuntimeError, ErrorNonExistence, "Table `test.users` does not exist.")
	got, err := UnmarshalResponse(r.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalResponse: %v", err)
	}
	if !got.Type.IsError() {
		t.Error("runtime error response not reported as error")
	}
	if got.ErrorType != ErrorNonExistence || got.ErrorType.String() != "NON_EXISTENCE" {
		t.Errorf("error type = %v", got.ErrorType)
	}
	if got.ErrorMessage() != "Table `test.users` does not exist." {
		t.Errorf("message = %q", got.ErrorMessage())
	}
}

func TestDefinition(t *testing.T) {
	if tt, ok := V1.Opcode(NameAdd); !ok || tt != 24 {
		t.Errorf("add opcode = %d, %v", tt, ok)
	}
	if name, ok := V1.OpName(182); !ok || name != NameBetween {
		t.Errorf("opcode 182 = %q, %v", name, ok)
	}
	if _, err := NewDefinition("bad", 1, map[string]TermType{NameDatum: 1, NameAdd: 1}); err == nil {
		t.Error("duplicate opcode accepted")
	}
	if _, err := NewDefinition("bad", 1, map[string]TermType{NameAdd: 2}); err == nil {
		t.Error("definition without datum accepted")
	}

	d, err := Lookup("")
	if err != nil || d != V1 {
		t.Errorf("default protocol = %v, %v", d, err)
	}
	if _, err := Lookup("V9"); err == nil {
		t.Error("unknown protocol accepted")
	}
}
