package session

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/kartikbazzad/reql/internal/wire"
	rerrors "github.com/kartikbazzad/reql/pkg/errors"
)

// Response is the successful result of a query.
type Response struct {
	Token uint64
	Type  wire.ResponseType

	values []any
}

// IsSequence reports whether the server answered with a sequence.
func (r *Response) IsSequence() bool { return r.Type == wire.ResponseSuccessSequence }

// Atom returns the single value of an atom response.
func (r *Response) Atom() (any, error) {
	if r.Type != wire.ResponseSuccessAtom {
		return nil, fmt.Errorf("reql: response is a sequence of %d values, not an atom", len(r.values))
	}
	if len(r.values) != 1 {
		return nil, fmt.Errorf("reql: atom response carries %d values", len(r.values))
	}
	return r.values[0], nil
}

// Sequence returns the values of a sequence response. An atom holding an
// array is returned as that array.
func (r *Response) Sequence() ([]any, error) {
	if r.IsSequence() {
		out := make([]any, len(r.values))
		copy(out, r.values)
		return out, nil
	}
	v, err := r.Atom()
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("reql: atom %T is not a sequence", v)
	}
	return arr, nil
}

// Decode stores the result in v, a pointer. Struct fields are matched by
// their json tag.
func (r *Response) Decode(v any) error {
	var src any
	if r.IsSequence() {
		src = r.values
	} else {
		atom, err := r.Atom()
		if err != nil {
			return err
		}
		src = atom
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  v,
		TagName: "json",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(src); err != nil {
		return fmt.Errorf("reql: decode response: %w", err)
	}
	return nil
}

// decodeResponse turns a response payload into a Response or the error the
// server reported.
func decodeResponse(token uint64, payload []byte) (*Response, error) {
	msg, err := wire.UnmarshalResponse(payload)
	if err != nil {
		return nil, &rerrors.DriverError{Kind: rerrors.KindNetwork, Token: token, Err: err}
	}

	var kind rerrors.ServerErrorKind
	switch msg.Type {
	case wire.ResponseSuccessAtom, wire.ResponseSuccessSequence:
		values := make([]any, len(msg.Datums))
		for i, d := range msg.Datums {
			v, err := d.Value()
			if err != nil {
				return nil, &rerrors.DriverError{Kind: rerrors.KindNetwork, Token: token, Err: err}
			}
			values[i] = v
		}
		return &Response{Token: token, Type: msg.Type, values: values}, nil
	case wire.ResponseClientError:
		kind = rerrors.ServerClientError
	case wire.ResponseCompileError:
		kind = rerrors.ServerCompileError
	case wire.ResponseRuntimeError:
		kind = rerrors.ServerRuntimeError
	default:
		return nil, &rerrors.DriverError{
			Kind:  rerrors.KindNetwork,
			Token: token,
			Err:   fmt.Errorf("%w: unknown response type %d", rerrors.ErrInvalidFrame, msg.Type),
		}
	}

	se := &rerrors.ServerError{Kind: kind, Message: msg.ErrorMessage()}
	if kind == rerrors.ServerRuntimeError {
		se.Type = msg.ErrorType.String()
	}
	return nil, &rerrors.DriverError{Kind: rerrors.KindServer, Token: token, Err: se}
}
