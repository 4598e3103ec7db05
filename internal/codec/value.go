package codec

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindTuple
	KindMap
	KindOpaque
)

var kindNames = [...]string{"null", "bool", "int", "float", "string", "list", "tuple", "map", "opaque"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is a single payload value. The variant is fixed by the constructor
// and is what the encoder switches on.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	s      string
	items  []Value
	fields map[string]Value
	opaque any
}

func Null() Value { return Value{kind: KindNull} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func List(items ...Value) Value { return Value{kind: KindList, items: items} }
func Tuple(items ...Value) Value { return Value{kind: KindTuple, items: items} }

func Map(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindMap, fields: fields}
}

// Opaque wraps a Go value that has no plain JSON form. Its concrete type must
// be registered with Register before it can be encoded or decoded.
func Opaque(v any) Value { return Value{kind: KindOpaque, opaque: v} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) Bool() bool { return v.b }
func (v Value) Int() int64 { return v.i }
func (v Value) Float() float64 { return v.f }
func (v Value) Text() string { return v.s }
func (v Value) Items() []Value { return v.items }
func (v Value) Fields() map[string]Value { return v.fields }
func (v Value) Opaque() any { return v.opaque }

// Equal reports whether a and b hold the same variant and equivalent contents.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindList, KindTuple:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return fieldsEqual(v.fields, o.fields)
	case KindOpaque:
		return reflect.DeepEqual(v.opaque, o.opaque)
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprint(v.b)
	case KindInt:
		return fmt.Sprint(v.i)
	case KindFloat:
		return fmt.Sprint(v.f)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindList, KindTuple:
		parts := make([]string, len(v.items))
		for i, it := range v.items {
			parts[i] = it.String()
		}
		if v.kind == KindTuple {
			return "(" + strings.Join(parts, ", ") + ")"
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		keys := sortedKeys(v.fields)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%q: %s", k, v.fields[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindOpaque:
		return fmt.Sprintf("opaque(%T)", v.opaque)
	}
	return v.kind.String()
}

// Payload is a deferred call: positional arguments plus named arguments.
type Payload struct {
	Args   []Value
	Kwargs map[string]Value
}

func (p Payload) Equal(o Payload) bool {
	if len(p.Args) != len(o.Args) {
		return false
	}
	for i := range p.Args {
		if !p.Args[i].Equal(o.Args[i]) {
			return false
		}
	}
	return fieldsEqual(p.Kwargs, o.Kwargs)
}

func (p Payload) String() string {
	return Tuple(p.Args...).String() + " " + Map(p.Kwargs).String()
}

func fieldsEqual(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
