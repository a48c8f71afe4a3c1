package types

import (
	"time"
)

// ValueKind tags the concrete type held by a Value.
type ValueKind string

const (
	ValueString    ValueKind = "string"
	ValueNumber    ValueKind = "number"
	ValueBool      ValueKind = "bool"
	ValueTimestamp ValueKind = "timestamp"
	ValueBytes     ValueKind = "bytes"
	ValueMapping   ValueKind = "mapping"
	ValueList      ValueKind = "list"
)

// Value is a schema-less but typed metadata value. Exactly one field
// matching Kind is populated.
type Value struct {
	Kind      ValueKind        `json:"kind"`
	Str       string           `json:"str,omitempty"`
	Num       float64          `json:"num,omitempty"`
	Bool      bool             `json:"bool,omitempty"`
	Timestamp time.Time        `json:"timestamp,omitzero"`
	Bytes     []byte           `json:"bytes,omitempty"`
	Mapping   map[string]Value `json:"mapping,omitempty"`
	List      []Value          `json:"list,omitempty"`
}

func StringValue(s string) Value     { return Value{Kind: ValueString, Str: s} }
func NumberValue(n float64) Value    { return Value{Kind: ValueNumber, Num: n} }
func BoolValue(b bool) Value         { return Value{Kind: ValueBool, Bool: b} }
func TimeValue(t time.Time) Value    { return Value{Kind: ValueTimestamp, Timestamp: t} }
func BytesValue(b []byte) Value      { return Value{Kind: ValueBytes, Bytes: b} }
func ListValue(vs ...Value) Value    { return Value{Kind: ValueList, List: vs} }
func MappingValue(m map[string]Value) Value {
	return Value{Kind: ValueMapping, Mapping: m}
}
