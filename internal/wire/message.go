package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	rerrors "github.com/kartikbazzad/reql/pkg/errors"
)

// MaxNestingDepth bounds recursion when decoding untrusted payloads.
const MaxNestingDepth = 512

type QueryType int32

const (
	QueryStart       QueryType = 1
	QueryContinue    QueryType = 2
	QueryStop        QueryType = 3
	QueryNoreplyWait QueryType = 4
)

type ResponseType int32

const (
	ResponseSuccessAtom     ResponseType = 1
	ResponseSuccessSequence ResponseType = 2
	ResponseClientError     ResponseType = 16
	ResponseCompileError    ResponseType = 17
	ResponseRuntimeError    ResponseType = 18
)

// IsError reports whether the response carries an error message.
func (t ResponseType) IsError() bool {
	return t == ResponseClientError || t == ResponseCompileError || t == ResponseRuntimeError
}

type ErrorType int32

const (
	ErrorInternal        ErrorType = 1000000
	ErrorResourceLimit   ErrorType = 2000000
	ErrorQueryLogic      ErrorType = 3000000
	ErrorNonExistence    ErrorType = 3100000
	ErrorOpFailed        ErrorType = 4100000
	ErrorOpIndeterminate ErrorType = 4200000
	ErrorUser            ErrorType = 5000000
	ErrorPermission      ErrorType = 6000000
)

func (e ErrorType) String() string {
	switch e {
	case 0:
		return ""
	case ErrorInternal:
		return "INTERNAL"
	case ErrorResourceLimit:
		return "RESOURCE_LIMIT"
	case ErrorQueryLogic:
		return "QUERY_LOGIC"
	case ErrorNonExistence:
		return "NON_EXISTENCE"
	case ErrorOpFailed:
		return "OP_FAILED"
	case ErrorOpIndeterminate:
		return "OP_INDETERMINATE"
	case ErrorUser:
		return "USER"
	case ErrorPermission:
		return "PERMISSION_ERROR"
	default:
		return fmt.Sprintf("ERROR_%d", int32(e))
	}
}

// Pair is a global optarg of a Query; Val is an encoded Term.
type Pair struct {
	Key string
	Val []byte
}

// Query (client -> server):
//
//	1 type varint, 2 query Term, 6 global_optargs Pair
type Query struct {
	Type          QueryType
	Term          []byte
	GlobalOptargs []Pair
}

// Term:
//
//	1 type varint, 2 datum Datum, 3 args Term, 4 optargs TermPair
type Term struct {
	Type    TermType
	Datum   *Datum
	Args    []*Term
	Optargs []TermPair
}

type TermPair struct {
	Key string
	Val *Term
}

// Response (server -> client):
//
//	1 type varint, 3 response Datum, 7 error_type varint
type Response struct {
	Type      ResponseType
	Datums    []*Datum
	ErrorType ErrorType
}

func (q *Query) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(q.Type))
	if q.Term != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, q.Term)
	}
	for _, p := range q.GlobalOptargs {
		var pair []byte
		pair = protowire.AppendTag(pair, 1, protowire.BytesType)
		pair = protowire.AppendString(pair, p.Key)
		pair = protowire.AppendTag(pair, 2, protowire.BytesType)
		pair = protowire.AppendBytes(pair, p.Val)
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, pair)
	}
	return b
}

func UnmarshalQuery(b []byte) (*Query, error) {
	q := &Query{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v field) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			q.Type = QueryType(v.u)
		case num == 2 && typ == protowire.BytesType:
			q.Term = v.b
		case num == 6 && typ == protowire.BytesType:
			var p Pair
			err := walk(v.b, func(num protowire.Number, typ protowire.Type, v field) error {
				switch {
				case num == 1 && typ == protowire.BytesType:
					p.Key = string(v.b)
				case num == 2 && typ == protowire.BytesType:
					p.Val = v.b
				}
				return nil
			})
			if err != nil {
				return err
			}
			q.GlobalOptargs = append(q.GlobalOptargs, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if q.Type == 0 {
		return nil, fmt.Errorf("%w: query without type", rerrors.ErrInvalidFrame)
	}
	return q, nil
}

// Marshal encodes the term. Pairs are written in slice order; callers that
// need deterministic output pass them sorted.
func (t *Term) Marshal() []byte {
	return t.appendTo(nil)
}

func (t *Term) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.Type))
	if t.Datum != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, t.Datum.appendTo(nil))
	}
	for _, a := range t.Args {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, a.appendTo(nil))
	}
	for _, p := range t.Optargs {
		var pair []byte
		pair = protowire.AppendTag(pair, 1, protowire.BytesType)
		pair = protowire.AppendString(pair, p.Key)
		pair = protowire.AppendTag(pair, 2, protowire.BytesType)
		pair = protowire.AppendBytes(pair, p.Val.appendTo(nil))
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, pair)
	}
	return b
}

func UnmarshalTerm(b []byte) (*Term, error) {
	return unmarshalTerm(b, 0)
}

func unmarshalTerm(b []byte, depth int) (*Term, error) {
	if depth > MaxNestingDepth {
		return nil, fmt.Errorf("%w: term nesting exceeds %d", rerrors.ErrInvalidFrame, MaxNestingDepth)
	}
	t := &Term{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v field) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			t.Type = TermType(v.u)
		case num == 2 && typ == protowire.BytesType:
			d, err := unmarshalDatum(v.b, depth+1)
			if err != nil {
				return err
			}
			t.Datum = d
		case num == 3 && typ == protowire.BytesType:
			arg, err := unmarshalTerm(v.b, depth+1)
			if err != nil {
				return err
			}
			t.Args = append(t.Args, arg)
		case num == 4 && typ == protowire.BytesType:
			var p TermPair
			err := walk(v.b, func(num protowire.Number, typ protowire.Type, v field) error {
				switch {
				case num == 1 && typ == protowire.BytesType:
					p.Key = string(v.b)
				case num == 2 && typ == protowire.BytesType:
					val, err := unmarshalTerm(v.b, depth+1)
					if err != nil {
						return err
					}
					p.Val = val
				}
				return nil
			})
			if err != nil {
				return err
			}
			if p.Val == nil {
				return fmt.Errorf("%w: optarg %q without value", rerrors.ErrInvalidFrame, p.Key)
			}
			t.Optargs = append(t.Optargs, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Response) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Type))
	for _, d := range r.Datums {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, d.appendTo(nil))
	}
	if r.ErrorType != 0 {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.ErrorType))
	}
	return b
}

func UnmarshalResponse(b []byte) (*Response, error) {
	r := &Response{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v field) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			r.Type = ResponseType(v.u)
		case num == 3 && typ == protowire.BytesType:
			d, err := unmarshalDatum(v.b, 1)
			if err != nil {
				return err
			}
			r.Datums = append(r.Datums, d)
		case num == 7 && typ == protowire.VarintType:
			r.ErrorType = ErrorType(v.u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.Type == 0 {
		return nil, fmt.Errorf("%w: response without type", rerrors.ErrInvalidFrame)
	}
	return r, nil
}

// ErrorMessage returns the message of an error response.
func (r *Response) ErrorMessage() string {
	if len(r.Datums) == 0 || r.Datums[0].Type != DatumStr {
		return "unknown error"
	}
	return r.Datums[0].Str
}

// NewErrorResponse builds an error response carrying msg.
func NewErrorResponse(rt ResponseType, et ErrorType, msg string) *Response {
	return &Response{
		Type:      rt,
		Datums:    []*Datum{{Type: DatumStr, Str: msg}},
		ErrorType: et,
	}
}

type field struct {
	u uint64
	b []byte
}

// walk decodes the fields of one message, skipping unknown ones.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", rerrors.ErrInvalidFrame, protowire.ParseError(n))
		}
		b = b[n:]

		var v field
		switch typ {
		case protowire.VarintType:
			v.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", rerrors.ErrInvalidFrame, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

func float64bits(f float64) uint64     { return math.Float64bits(f) }
func float64frombits(u uint64) float64 { return math.Float64frombits(u) }
