package term

import (
	"math"
	"reflect"
	"sort"
)

// TableOpts is the metadata carried by a table reference.
type TableOpts struct {
	// PrimaryKey names the primary key field used when the table is created.
	PrimaryKey string
}

func (o TableOpts) terms() map[string]*Term {
	if o.PrimaryKey == "" {
		return nil
	}
	return map[string]*Term{"primary_key": literal(o.PrimaryKey)}
}

func mergeTableOpts(opts []TableOpts) map[string]*Term {
	var out map[string]*Term
	for _, o := range opts {
		for k, v := range o.terms() {
			if out == nil {
				out = make(map[string]*Term)
			}
			out[k] = v
		}
	}
	return out
}

// Expr wraps a Go value as a term. A *Term is returned unchanged.
func Expr(v any) *Term {
	switch x := v.(type) {
	case *Term:
		if x == nil {
			return literal(nil)
		}
		return x
	case nil:
		return literal(nil)
	case bool:
		return literal(x)
	case string:
		return literal(x)
	case int:
		return literal(int64(x))
	case int64:
		return literal(x)
	case int32:
		return literal(int64(x))
	case float64:
		return literal(x)
	case []any:
		elems := make([]*Term, len(x))
		for i, e := range x {
			elems[i] = Expr(e)
		}
		return sequence(elems)
	case map[string]any:
		return object(x)
	}
	return reflectExpr(v)
}

func reflectExpr(v any) *Term {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return literal(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u <= math.MaxInt64 {
			return literal(int64(u))
		}
		// out of range, rejected by the compiler
		return literal(u)
	case reflect.Float32, reflect.Float64:
		return literal(rv.Float())
	case reflect.String:
		return literal(rv.String())
	case reflect.Bool:
		return literal(rv.Bool())
	case reflect.Slice:
		if rv.IsNil() {
			return literal(nil)
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			break
		}
		fallthrough
	case reflect.Array:
		elems := make([]*Term, rv.Len())
		for i := range elems {
			elems[i] = Expr(rv.Index(i).Interface())
		}
		return sequence(elems)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		if rv.IsNil() {
			return literal(nil)
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return object(m)
	case reflect.Pointer:
		if rv.IsNil() {
			return literal(nil)
		}
		return Expr(rv.Elem().Interface())
	}
	return literal(v)
}

func literal(v any) *Term {
	return &Term{kind: KindLiteral, datum: v}
}

// sequence folds an all-literal list into one literal, otherwise it
// builds a makeArray call so nested queries are evaluated by the server.
func sequence(elems []*Term) *Term {
	values := make([]any, len(elems))
	for i, e := range elems {
		if e.kind != KindLiteral {
			return newCall(OpMakeArray, elems, nil)
		}
		values[i] = e.datum
	}
	return literal(values)
}

func object(m map[string]any) *Term {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make(map[string]*Term, len(m))
	values := make(map[string]any, len(m))
	allLiteral := true
	for _, k := range keys {
		t := Expr(m[k])
		fields[k] = t
		if t.kind != KindLiteral {
			allLiteral = false
		}
		values[k] = t.datum
	}
	if allLiteral {
		return literal(values)
	}
	return newCall(OpMakeObject, nil, fields)
}

// DB references a database by name.
func DB(name string) *Term {
	return &Term{kind: KindDB, args: []*Term{literal(name)}}
}

// Table references a table in the connection's default database.
func Table(name string, opts ...TableOpts) *Term {
	return &Term{kind: KindTable, args: []*Term{literal(name)}, opts: mergeTableOpts(opts)}
}

// DBList lists the databases on the server.
func DBList() *Term {
	return newCall(OpList, nil, nil)
}

// Var references a bound variable by id.
func Var(id int) *Term {
	return &Term{kind: KindVar, datum: int64(id)}
}

// Table references a table of the receiving database.
func (t *Term) Table(name string, opts ...TableOpts) *Term {
	return &Term{kind: KindTable, args: []*Term{t, literal(name)}, opts: mergeTableOpts(opts)}
}

func (t *Term) Add(args ...any) *Term { return chain(OpAdd, t, args...) }
func (t *Term) Sub(args ...any) *Term { return chain(OpSub, t, args...) }
func (t *Term) Mul(args ...any) *Term { return chain(OpMul, t, args...) }
func (t *Term) Div(args ...any) *Term { return chain(OpDiv, t, args...) }
func (t *Term) Mod(arg any) *Term     { return chain(OpMod, t, arg) }

func (t *Term) Eq(args ...any) *Term { return chain(OpEq, t, args...) }
func (t *Term) Ne(args ...any) *Term { return chain(OpNe, t, args...) }
func (t *Term) Lt(args ...any) *Term { return chain(OpLt, t, args...) }
func (t *Term) Le(args ...any) *Term { return chain(OpLe, t, args...) }
func (t *Term) Gt(args ...any) *Term { return chain(OpGt, t, args...) }
func (t *Term) Ge(args ...any) *Term { return chain(OpGe, t, args...) }
func (t *Term) Not() *Term           { return chain(OpNot, t) }

// List lists the tables of the receiving database.
func (t *Term) List() *Term { return chain(OpList, t) }

// Create creates the referenced database or table.
func (t *Term) Create() *Term { return chain(OpCreate, t) }

// Drop drops the referenced database or table.
func (t *Term) Drop() *Term { return chain(OpDrop, t) }

// Insert inserts a document or an array of documents.
func (t *Term) Insert(docs any) *Term { return chain(OpInsert, t, docs) }

// Get fetches a document by primary key.
func (t *Term) Get(key any) *Term { return chain(OpGet, t, key) }

// Between selects documents whose primary key is in [lower, upper).
func (t *Term) Between(lower, upper any) *Term { return chain(OpBetween, t, lower, upper) }

// Count counts the elements of a sequence or table.
func (t *Term) Count() *Term { return chain(OpCount, t) }
