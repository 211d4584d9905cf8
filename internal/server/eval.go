package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kartikbazzad/reql/internal/storage"
	"github.com/kartikbazzad/reql/internal/wire"
)

// queryError is an error answered to the client as an error response.
type queryError struct {
	rtype wire.ResponseType
	etype wire.ErrorType
	msg   string
}

func (e *queryError) Error() string { return e.msg }

func compileErr(format string, args ...any) error {
	return &queryError{rtype: wire.ResponseCompileError, msg: fmt.Sprintf(format, args...)}
}

func runtimeErr(et wire.ErrorType, format string, args ...any) error {
	return &queryError{rtype: wire.ResponseRuntimeError, etype: et, msg: fmt.Sprintf(format, args...)}
}

const interruptedMessage = "Query interrupted."

// Evaluation results besides plain datum values.
type (
	dbValue    struct{ name string }
	tableValue struct{ table storage.Table }
	sequence   []any
)

type evaluator struct {
	def       *wire.Definition
	catalog   *storage.Catalog
	defaultDB string
}

type scope struct {
	db string
}

// answer evaluates a START query and builds its single response.
func (e *evaluator) answer(ctx context.Context, q *wire.Query) *wire.Response {
	resp, err := e.run(ctx, q)
	if err != nil {
		return errorResponse(ctx, err)
	}
	return resp
}

func (e *evaluator) run(ctx context.Context, q *wire.Query) (*wire.Response, error) {
	if len(q.Term) == 0 {
		return nil, &queryError{rtype: wire.ResponseClientError, msg: "Query is missing a term."}
	}
	root, err := wire.UnmarshalTerm(q.Term)
	if err != nil {
		return nil, &queryError{rtype: wire.ResponseClientError, msg: "Malformed query: " + err.Error()}
	}

	sc := scope{db: e.defaultDB}
	for _, opt := range q.GlobalOptargs {
		if opt.Key != "db" {
			continue
		}
		t, err := wire.UnmarshalTerm(opt.Val)
		if err != nil {
			return nil, &queryError{rtype: wire.ResponseClientError, msg: "Malformed db optarg: " + err.Error()}
		}
		v, err := e.eval(ctx, sc, t)
		if err != nil {
			return nil, err
		}
		db, ok := v.(dbValue)
		if !ok {
			return nil, runtimeErr(wire.ErrorQueryLogic, "Expected type DATABASE but found %s.", typeName(v))
		}
		sc.db = db.name
	}

	v, err := e.eval(ctx, sc, root)
	if err != nil {
		return nil, err
	}
	return e.respond(ctx, v)
}

func (e *evaluator) respond(ctx context.Context, v any) (*wire.Response, error) {
	rtype := wire.ResponseSuccessAtom
	var values []any
	switch x := v.(type) {
	case sequence:
		rtype, values = wire.ResponseSuccessSequence, x
	case tableValue:
		docs, err := e.catalog.Scan(ctx, x.table)
		if err != nil {
			return nil, err
		}
		rtype = wire.ResponseSuccessSequence
		for _, d := range docs {
			values = append(values, d)
		}
	case dbValue:
		values = []any{map[string]any{"name": x.name, "type": "DB"}}
	default:
		values = []any{v}
	}

	resp := &wire.Response{Type: rtype, Datums: make([]*wire.Datum, 0, len(values))}
	for _, val := range values {
		d, err := wire.NewDatum(val)
		if err != nil {
			return nil, runtimeErr(wire.ErrorInternal, "Cannot encode result: %v", err)
		}
		resp.Datums = append(resp.Datums, d)
	}
	return resp, nil
}

func errorResponse(ctx context.Context, err error) *wire.Response {
	var qe *queryError
	switch {
	case errors.As(err, &qe):
		return wire.NewErrorResponse(qe.rtype, qe.etype, qe.msg)
	case ctx.Err() != nil:
		return wire.NewErrorResponse(wire.ResponseRuntimeError, wire.ErrorOpIndeterminate, interruptedMessage)
	default:
		return wire.NewErrorResponse(wire.ResponseRuntimeError, wire.ErrorInternal, err.Error())
	}
}

func (e *evaluator) eval(ctx context.Context, sc scope, t *wire.Term) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	op, ok := e.def.OpName(t.Type)
	if !ok {
		return nil, compileErr("Unknown term type %d.", t.Type)
	}

	switch op {
	case wire.NameDatum:
		if t.Datum == nil {
			return nil, compileErr("DATUM term without a value.")
		}
		v, err := t.Datum.Value()
		if err != nil {
			return nil, compileErr("Invalid datum: %v", err)
		}
		return v, nil
	case wire.NameVar:
		return nil, compileErr("Variable used outside of a function.")
	case wire.NameMakeObject:
		obj := make(map[string]any, len(t.Optargs))
		for _, p := range t.Optargs {
			v, err := e.datum(ctx, sc, p.Val)
			if err != nil {
				return nil, err
			}
			obj[p.Key] = v
		}
		return obj, nil
	}

	args := make([]any, len(t.Args))
	for i, a := range t.Args {
		v, err := e.eval(ctx, sc, a)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch op {
	case wire.NameMakeArray:
		if err := e.materializeAll(ctx, args); err != nil {
			return nil, err
		}
		return args, nil
	case wire.NameAdd, wire.NameSub, wire.NameMul, wire.NameDiv, wire.NameMod:
		if err := arity(op, args, 2, -1); err != nil {
			return nil, err
		}
		return arithmetic(op, args)
	case wire.NameEq, wire.NameNe, wire.NameLt, wire.NameLe, wire.NameGt, wire.NameGe:
		if err := arity(op, args, 2, -1); err != nil {
			return nil, err
		}
		if err := e.materializeAll(ctx, args); err != nil {
			return nil, err
		}
		return comparison(op, args), nil
	case wire.NameNot:
		if err := arity(op, args, 1, 1); err != nil {
			return nil, err
		}
		b, ok := args[0].(bool)
		if !ok {
			return nil, runtimeErr(wire.ErrorQueryLogic, "Expected type BOOL but found %s.", typeName(args[0]))
		}
		return !b, nil
	case wire.NameDB:
		if err := arity(op, args, 1, 1); err != nil {
			return nil, err
		}
		name, err := stringArg(args[0])
		if err != nil {
			return nil, err
		}
		return dbValue{name: name}, nil
	case wire.NameTable:
		db, rest, err := dbPrefix(sc, args)
		if err != nil {
			return nil, err
		}
		if err := arity(op, rest, 1, 1); err != nil {
			return nil, err
		}
		name, err := stringArg(rest[0])
		if err != nil {
			return nil, err
		}
		tbl, err := e.table(ctx, db, name)
		if err != nil {
			return nil, err
		}
		return tableValue{table: tbl}, nil
	}
	return e.admin(ctx, sc, op, t, args)
}

// datum evaluates t and requires a plain value.
func (e *evaluator) datum(ctx context.Context, sc scope, t *wire.Term) (any, error) {
	v, err := e.eval(ctx, sc, t)
	if err != nil {
		return nil, err
	}
	return materialize(ctx, e.catalog, v)
}

func (e *evaluator) admin(ctx context.Context, sc scope, op string, t *wire.Term, args []any) (any, error) {
	switch op {
	case wire.NameDBCreate, wire.NameDBDrop:
		if err := arity(op, args, 1, 1); err != nil {
			return nil, err
		}
		name, err := stringArg(args[0])
		if err != nil {
			return nil, err
		}
		if op == wire.NameDBCreate {
			if err := e.catalog.CreateDB(ctx, name); err != nil {
				return nil, storageErr(err, name, "")
			}
			return map[string]any{"dbs_created": int64(1)}, nil
		}
		tables, err := e.catalog.DropDB(ctx, name)
		if err != nil {
			return nil, storageErr(err, name, "")
		}
		return map[string]any{"dbs_dropped": int64(1), "tables_dropped": int64(tables)}, nil

	case wire.NameDBList:
		if err := arity(op, args, 0, 0); err != nil {
			return nil, err
		}
		names, err := e.catalog.ListDBs(ctx)
		if err != nil {
			return nil, err
		}
		return stringsToAny(names), nil

	case wire.NameTableCreate, wire.NameTableDrop:
		db, rest, err := dbPrefix(sc, args)
		if err != nil {
			return nil, err
		}
		if err := arity(op, rest, 1, 1); err != nil {
			return nil, err
		}
		name, err := stringArg(rest[0])
		if err != nil {
			return nil, err
		}
		if op == wire.NameTableDrop {
			if err := e.catalog.DropTable(ctx, db, name); err != nil {
				return nil, storageErr(err, db, name)
			}
			return map[string]any{"tables_dropped": int64(1)}, nil
		}
		pk := ""
		for _, p := range t.Optargs {
			if p.Key != "primary_key" {
				continue
			}
			v, err := e.datum(ctx, sc, p.Val)
			if err != nil {
				return nil, err
			}
			if pk, err = stringArg(v); err != nil {
				return nil, err
			}
		}
		if err := e.catalog.CreateTable(ctx, db, name, pk); err != nil {
			return nil, storageErr(err, db, name)
		}
		return map[string]any{"tables_created": int64(1)}, nil

	case wire.NameTableList:
		db, rest, err := dbPrefix(sc, args)
		if err != nil {
			return nil, err
		}
		if err := arity(op, rest, 0, 0); err != nil {
			return nil, err
		}
		names, err := e.catalog.ListTables(ctx, db)
		if err != nil {
			return nil, storageErr(err, db, "")
		}
		return stringsToAny(names), nil

	case wire.NameInsert:
		if err := arity(op, args, 2, 2); err != nil {
			return nil, err
		}
		tbl, err := tableArg(args[0])
		if err != nil {
			return nil, err
		}
		docs, err := documents(args[1])
		if err != nil {
			return nil, err
		}
		res, err := e.catalog.Insert(ctx, tbl, docs)
		if err != nil {
			return nil, err
		}
		return res.Object(), nil

	case wire.NameGet:
		if err := arity(op, args, 2, 2); err != nil {
			return nil, err
		}
		tbl, err := tableArg(args[0])
		if err != nil {
			return nil, err
		}
		doc, err := e.catalog.Get(ctx, tbl, args[1])
		if errors.Is(err, storage.ErrInvalidKey) {
			return nil, runtimeErr(wire.ErrorQueryLogic, "Primary keys must be either a number or a string, got %s.", typeName(args[1]))
		}
		if err != nil || doc == nil {
			return nil, err
		}
		return doc, nil

	case wire.NameBetween:
		if err := arity(op, args, 3, 3); err != nil {
			return nil, err
		}
		tbl, err := tableArg(args[0])
		if err != nil {
			return nil, err
		}
		docs, err := e.catalog.Between(ctx, tbl, args[1], args[2])
		if errors.Is(err, storage.ErrInvalidKey) {
			return nil, runtimeErr(wire.ErrorQueryLogic, "Between bounds must be numbers or strings.")
		}
		if err != nil {
			return nil, err
		}
		seq := make(sequence, len(docs))
		for i, d := range docs {
			seq[i] = d
		}
		return seq, nil

	case wire.NameCount:
		if err := arity(op, args, 1, 1); err != nil {
			return nil, err
		}
		switch x := args[0].(type) {
		case tableValue:
			return e.catalog.Count(ctx, x.table)
		case sequence:
			return int64(len(x)), nil
		case []any:
			return int64(len(x)), nil
		case string:
			return int64(len([]rune(x))), nil
		case map[string]any:
			return int64(len(x)), nil
		}
		return nil, runtimeErr(wire.ErrorQueryLogic, "Cannot convert %s to SEQUENCE.", typeName(args[0]))
	}
	return nil, compileErr("Term %s is not supported.", strings.ToUpper(op))
}

func (e *evaluator) table(ctx context.Context, db, name string) (storage.Table, error) {
	tbl, err := e.catalog.Table(ctx, db, name)
	if err != nil {
		return storage.Table{}, storageErr(err, db, name)
	}
	return tbl, nil
}

// storageErr maps catalog errors to the runtime errors clients see.
func storageErr(err error, db, table string) error {
	switch {
	case errors.Is(err, storage.ErrDBNotFound):
		return runtimeErr(wire.ErrorNonExistence, "Database `%s` does not exist.", db)
	case errors.Is(err, storage.ErrTableNotFound):
		return runtimeErr(wire.ErrorNonExistence, "Table `%s.%s` does not exist.", db, table)
	case errors.Is(err, storage.ErrDBExists):
		return runtimeErr(wire.ErrorOpFailed, "Database `%s` already exists.", db)
	case errors.Is(err, storage.ErrTableExists):
		return runtimeErr(wire.ErrorOpFailed, "Table `%s.%s` already exists.", db, table)
	case errors.Is(err, storage.ErrInvalidName):
		return runtimeErr(wire.ErrorQueryLogic, "%s.", strings.TrimPrefix(err.Error(), storage.ErrInvalidName.Error()+": "))
	}
	return err
}

func dbPrefix(sc scope, args []any) (string, []any, error) {
	if len(args) > 0 {
		if db, ok := args[0].(dbValue); ok {
			return db.name, args[1:], nil
		}
	}
	if sc.db == "" {
		return "", nil, runtimeErr(wire.ErrorQueryLogic, "No database selected.")
	}
	return sc.db, args, nil
}

func arity(op string, args []any, min, max int) error {
	n := len(args)
	if n >= min && (max < 0 || n <= max) {
		return nil
	}
	switch {
	case max < 0:
		return compileErr("Expected %d or more arguments to %s but found %d.", min, strings.ToUpper(op), n)
	case min == max:
		return compileErr("Expected %d argument(s) to %s but found %d.", min, strings.ToUpper(op), n)
	}
	return compileErr("Expected between %d and %d arguments to %s but found %d.", min, max, strings.ToUpper(op), n)
}

func stringArg(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", runtimeErr(wire.ErrorQueryLogic, "Expected type STRING but found %s.", typeName(v))
	}
	return s, nil
}

func tableArg(v any) (storage.Table, error) {
	t, ok := v.(tableValue)
	if !ok {
		return storage.Table{}, runtimeErr(wire.ErrorQueryLogic, "Expected type TABLE but found %s.", typeName(v))
	}
	return t.table, nil
}

func documents(v any) ([]map[string]any, error) {
	var items []any
	switch x := v.(type) {
	case map[string]any:
		return []map[string]any{x}, nil
	case []any:
		items = x
	case sequence:
		items = x
	default:
		return nil, runtimeErr(wire.ErrorQueryLogic, "Expected type OBJECT but found %s.", typeName(v))
	}
	docs := make([]map[string]any, len(items))
	for i, it := range items {
		// non-objects count as per-document errors in the insert result
		docs[i], _ = it.(map[string]any)
	}
	return docs, nil
}

// materialize turns table and db references into plain values.
func materialize(ctx context.Context, cat *storage.Catalog, v any) (any, error) {
	switch x := v.(type) {
	case sequence:
		return []any(x), nil
	case tableValue:
		docs, err := cat.Scan(ctx, x.table)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(docs))
		for i, d := range docs {
			out[i] = d
		}
		return out, nil
	case dbValue:
		return nil, runtimeErr(wire.ErrorQueryLogic, "Expected type DATUM but found DATABASE.")
	}
	return v, nil
}

// materializeAll replaces table and sequence values in args with arrays.
func (e *evaluator) materializeAll(ctx context.Context, args []any) error {
	for i, a := range args {
		d, err := materialize(ctx, e.catalog, a)
		if err != nil {
			return err
		}
		args[i] = d
	}
	return nil
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "NULL"
	case bool:
		return "BOOL"
	case int64, float64:
		return "NUMBER"
	case string:
		return "STRING"
	case []any:
		return "ARRAY"
	case map[string]any:
		return "OBJECT"
	case sequence:
		return "SEQUENCE"
	case tableValue:
		return "TABLE"
	case dbValue:
		return "DATABASE"
	}
	return fmt.Sprintf("%T", v)
}

func arithmetic(op string, args []any) (any, error) {
	acc := args[0]
	for _, next := range args[1:] {
		var err error
		acc, err = binary(op, acc, next)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func binary(op string, a, b any) (any, error) {
	if op == wire.NameAdd {
		switch x := a.(type) {
		case string:
			if y, ok := b.(string); ok {
				return x + y, nil
			}
		case []any:
			if y, ok := b.([]any); ok {
				return append(append([]any{}, x...), y...), nil
			}
		}
	}

	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	af, aNum := number(a)
	bf, bNum := number(b)
	if !aNum || !bNum {
		bad := a
		if aNum {
			bad = b
		}
		return nil, runtimeErr(wire.ErrorQueryLogic, "Expected type NUMBER but found %s.", typeName(bad))
	}
	ints := aInt && bInt

	switch op {
	case wire.NameAdd:
		if ints {
			if s := ai + bi; (s > ai) == (bi > 0) {
				return s, nil
			}
		}
		return af + bf, nil
	case wire.NameSub:
		if ints {
			if d := ai - bi; (d < ai) == (bi > 0) {
				return d, nil
			}
		}
		return af - bf, nil
	case wire.NameMul:
		if ints {
			if ai == 0 || bi == 0 {
				return int64(0), nil
			}
			p := ai * bi
			if p/bi == ai && !(ai == -1 && bi == math.MinInt64) && !(bi == -1 && ai == math.MinInt64) {
				return p, nil
			}
		}
		return af * bf, nil
	case wire.NameDiv:
		if bf == 0 {
			return nil, runtimeErr(wire.ErrorQueryLogic, "Cannot divide by zero.")
		}
		if ints && ai%bi == 0 && !(ai == math.MinInt64 && bi == -1) {
			return ai / bi, nil
		}
		return af / bf, nil
	case wire.NameMod:
		if !ints {
			return nil, runtimeErr(wire.ErrorQueryLogic, "Cannot take the modulo of non-integers.")
		}
		if bi == 0 {
			return nil, runtimeErr(wire.ErrorQueryLogic, "Cannot take a number modulo 0.")
		}
		if bi == -1 {
			return int64(0), nil
		}
		return ai % bi, nil
	}
	return nil, compileErr("Term %s is not supported.", strings.ToUpper(op))
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func comparison(op string, args []any) bool {
	if op == wire.NameNe {
		return !comparison(wire.NameEq, args)
	}
	for i := 1; i < len(args); i++ {
		c := compare(args[i-1], args[i])
		var ok bool
		switch op {
		case wire.NameEq:
			ok = c == 0
		case wire.NameLt:
			ok = c < 0
		case wire.NameLe:
			ok = c <= 0
		case wire.NameGt:
			ok = c > 0
		case wire.NameGe:
			ok = c >= 0
		}
		if !ok {
			return false
		}
	}
	return true
}

// Values of different types order as
// ARRAY < BOOL < NULL < NUMBER < OBJECT < STRING.
func typeRank(v any) int {
	switch v.(type) {
	case []any, sequence:
		return 0
	case bool:
		return 1
	case nil:
		return 2
	case int64, float64:
		return 3
	case map[string]any:
		return 4
	case string:
		return 5
	}
	return 6
}

func compare(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case nil:
		return 0
	case int64, float64:
		if xi, ok := x.(int64); ok {
			if yi, ok := b.(int64); ok {
				return cmpInt64(xi, yi)
			}
		}
		xf, _ := number(a)
		yf, _ := number(b)
		switch {
		case xf < yf:
			return -1
		case xf > yf:
			return 1
		}
		return 0
	case string:
		return strings.Compare(x, b.(string))
	case map[string]any:
		return compareObjects(x, b.(map[string]any))
	}
	return compareArrays(asArray(a), asArray(b))
}

func asArray(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case sequence:
		return x
	}
	return nil
}

func compareArrays(a, b []any) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmpInt(len(a), len(b))
}

func compareObjects(a, b map[string]any) int {
	ak, bk := sortedKeys(a), sortedKeys(b)
	for i := 0; i < len(ak) && i < len(bk); i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := compare(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return cmpInt(len(ak), len(bk))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cmpInt(a, b int) int {
	return cmpInt64(int64(a), int64(b))
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
