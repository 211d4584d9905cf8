// Package wire defines the binary network protocol spoken between the reql
// driver and a server.
//
// Protocol Format:
//
//	Handshake: client sends Magic (uint32 LE); server answers with a
//	NUL-terminated string, "SUCCESS" or an error message.
//
//	Frame: [Length (4 bytes)] + [Token (8 bytes)] + [Payload]
//
// Length is a little-endian uint32 counting Token and Payload. Token is a
// little-endian uint64 chosen by the client; responses copy it from the
// request they answer.
//
// Payload:
//   - protobuf wire format Query (client -> server) or Response
//     (server -> client) messages, see message.go.
//
// The opcode numbering and the handshake magic are a versioned external
// contract and live in a Definition.
package wire

import (
	"fmt"
	"sort"
)

// TermType is the opcode of a term on the wire.
type TermType int32

// Operation names used as keys of Definition.Terms.
const (
	NameDatum       = "datum"
	NameMakeArray   = "make_array"
	NameMakeObject  = "make_obj"
	NameVar         = "var"
	NameDB          = "db"
	NameTable       = "table"
	NameGet         = "get"
	NameEq          = "eq"
	NameNe          = "ne"
	NameLt          = "lt"
	NameLe          = "le"
	NameGt          = "gt"
	NameGe          = "ge"
	NameNot         = "not"
	NameAdd         = "add"
	NameSub         = "sub"
	NameMul         = "mul"
	NameDiv         = "div"
	NameMod         = "mod"
	NameCount       = "count"
	NameInsert      = "insert"
	NameDBCreate    = "db_create"
	NameDBDrop      = "db_drop"
	NameDBList      = "db_list"
	NameTableCreate = "table_create"
	NameTableDrop   = "table_drop"
	NameTableList   = "table_list"
	NameBetween     = "between"
)

// Definition is one version of the protocol: the handshake magic and the
// opcode assigned to each operation.
type Definition struct {
	Name  string
	Magic uint32
	Terms map[string]TermType

	names map[TermType]string
}

// NewDefinition builds a Definition and its reverse opcode index.
func NewDefinition(name string, magic uint32, terms map[string]TermType) (*Definition, error) {
	d := &Definition{
		Name:  name,
		Magic: magic,
		Terms: make(map[string]TermType, len(terms)),
		names: make(map[TermType]string, len(terms)),
	}
	for op, tt := range terms {
		if prev, dup := d.names[tt]; dup {
			return nil, fmt.Errorf("protocol %s: opcode %d assigned to both %s and %s", name, tt, prev, op)
		}
		d.Terms[op] = tt
		d.names[tt] = op
	}
	if _, ok := d.Terms[NameDatum]; !ok {
		return nil, fmt.Errorf("protocol %s: missing %s opcode", name, NameDatum)
	}
	return d, nil
}

// Opcode returns the opcode of the named operation.
func (d *Definition) Opcode(name string) (TermType, bool) {
	tt, ok := d.Terms[name]
	return tt, ok
}

// OpName returns the operation name of an opcode.
func (d *Definition) OpName(tt TermType) (string, bool) {
	name, ok := d.names[tt]
	return name, ok
}

// V1 follows the ReQL term numbering.
var V1 = mustDefinition("V1", 0x34c2bdc3, map[string]TermType{
	NameDatum:       1,
	NameMakeArray:   2,
	NameMakeObject:  3,
	NameVar:         10,
	NameDB:          14,
	NameTable:       15,
	NameGet:         16,
	NameEq:          17,
	NameNe:          18,
	NameLt:          19,
	NameLe:          20,
	NameGt:          21,
	NameGe:          22,
	NameNot:         23,
	NameAdd:         24,
	NameSub:         25,
	NameMul:         26,
	NameDiv:         27,
	NameMod:         28,
	NameCount:       43,
	NameInsert:      56,
	NameDBCreate:    57,
	NameDBDrop:      58,
	NameDBList:      59,
	NameTableCreate: 60,
	NameTableDrop:   61,
	NameTableList:   62,
	NameBetween:     182,
})

var registry = map[string]*Definition{
	V1.Name: V1,
}

// Lookup returns a registered protocol definition by name.
func Lookup(name string) (*Definition, error) {
	if name == "" {
		return V1, nil
	}
	d, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown protocol version %q (known: %v)", name, Versions())
	}
	return d, nil
}

// Versions lists the registered protocol names.
func Versions() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func mustDefinition(name string, magic uint32, terms map[string]TermType) *Definition {
	d, err := NewDefinition(name, magic, terms)
	if err != nil {
		panic(err)
	}
	return d
}
