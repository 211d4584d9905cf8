package wire

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	rerrors "github.com/kartikbazzad/reql/pkg/errors"
)

// ErrUnsupportedValue is returned by NewDatum for values with no datum form.
var ErrUnsupportedValue = errors.New("value has no datum representation")

type DatumType int32

const (
	DatumNull   DatumType = 1
	DatumBool   DatumType = 2
	DatumNum    DatumType = 3
	DatumStr    DatumType = 4
	DatumArray  DatumType = 5
	DatumObject DatumType = 6
	DatumInt    DatumType = 7
)

// Datum:
//
//	1 type, 2 r_bool, 3 r_num fixed64, 4 r_str, 5 r_array Datum,
//	6 r_object DatumPair, 7 r_int zigzag varint
type Datum struct {
	Type   DatumType
	Bool   bool
	Num    float64
	Int    int64
	Str    string
	Array  []*Datum
	Object []DatumPair
}

type DatumPair struct {
	Key string
	Val *Datum
}

func (d *Datum) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.Type))
	switch d.Type {
	case DatumBool:
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(d.Bool))
	case DatumNum:
		b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, float64bits(d.Num))
	case DatumStr:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, d.Str)
	case DatumArray:
		for _, e := range d.Array {
			b = protowire.AppendTag(b, 5, protowire.BytesType)
			b = protowire.AppendBytes(b, e.appendTo(nil))
		}
	case DatumObject:
		for _, p := range d.Object {
			var pair []byte
			pair = protowire.AppendTag(pair, 1, protowire.BytesType)
			pair = protowire.AppendString(pair, p.Key)
			pair = protowire.AppendTag(pair, 2, protowire.BytesType)
			pair = protowire.AppendBytes(pair, p.Val.appendTo(nil))
			b = protowire.AppendTag(b, 6, protowire.BytesType)
			b = protowire.AppendBytes(b, pair)
		}
	case DatumInt:
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(d.Int))
	}
	return b
}

func unmarshalDatum(b []byte, depth int) (*Datum, error) {
	if depth > MaxNestingDepth {
		return nil, fmt.Errorf("%w: datum nesting exceeds %d", rerrors.ErrInvalidFrame, MaxNestingDepth)
	}
	d := &Datum{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v field) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			d.Type = DatumType(v.u)
		case num == 2 && typ == protowire.VarintType:
			d.Bool = protowire.DecodeBool(v.u)
		case num == 3 && typ == protowire.Fixed64Type:
			d.Num = float64frombits(v.u)
		case num == 4 && typ == protowire.BytesType:
			d.Str = string(v.b)
		case num == 5 && typ == protowire.BytesType:
			e, err := unmarshalDatum(v.b, depth+1)
			if err != nil {
				return err
			}
			d.Array = append(d.Array, e)
		case num == 6 && typ == protowire.BytesType:
			var p DatumPair
			err := walk(v.b, func(num protowire.Number, typ protowire.Type, v field) error {
				switch {
				case num == 1 && typ == protowire.BytesType:
					p.Key = string(v.b)
				case num == 2 && typ == protowire.BytesType:
					val, err := unmarshalDatum(v.b, depth+1)
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
				return fmt.Errorf("%w: object key %q without value", rerrors.ErrInvalidFrame, p.Key)
			}
			d.Object = append(d.Object, p)
		case num == 7 && typ == protowire.VarintType:
			d.Int = protowire.DecodeZigZag(v.u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// NewDatum converts a Go value into a datum. Supported: nil, bool, signed
// integers, float64, string, []any and map[string]any of supported values.
// Object keys are sorted so the encoding is deterministic.
func NewDatum(v any) (*Datum, error) {
	switch x := v.(type) {
	case nil:
		return &Datum{Type: DatumNull}, nil
	case bool:
		return &Datum{Type: DatumBool, Bool: x}, nil
	case int:
		return &Datum{Type: DatumInt, Int: int64(x)}, nil
	case int64:
		return &Datum{Type: DatumInt, Int: x}, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: non-finite number %v", ErrUnsupportedValue, x)
		}
		return &Datum{Type: DatumNum, Num: x}, nil
	case string:
		return &Datum{Type: DatumStr, Str: x}, nil
	case []any:
		d := &Datum{Type: DatumArray, Array: make([]*Datum, len(x))}
		for i, e := range x {
			ed, err := NewDatum(e)
			if err != nil {
				return nil, err
			}
			d.Array[i] = ed
		}
		return d, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := &Datum{Type: DatumObject, Object: make([]DatumPair, len(keys))}
		for i, k := range keys {
			vd, err := NewDatum(x[k])
			if err != nil {
				return nil, err
			}
			d.Object[i] = DatumPair{Key: k, Val: vd}
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

// Value converts the datum back into a Go value: nil, bool, int64,
// float64, string, []any or map[string]any.
func (d *Datum) Value() (any, error) {
	switch d.Type {
	case DatumNull:
		return nil, nil
	case DatumBool:
		return d.Bool, nil
	case DatumNum:
		return d.Num, nil
	case DatumInt:
		return d.Int, nil
	case DatumStr:
		return d.Str, nil
	case DatumArray:
		out := make([]any, len(d.Array))
		for i, e := range d.Array {
			v, err := e.Value()
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case DatumObject:
		out := make(map[string]any, len(d.Object))
		for _, p := range d.Object {
			v, err := p.Val.Value()
			if err != nil {
				return nil, err
			}
			out[p.Key] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown datum type %d", rerrors.ErrInvalidFrame, d.Type)
}
