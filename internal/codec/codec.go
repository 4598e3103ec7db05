// Package codec converts deferred-call payloads to and from the byte form
// kept by the stores.
//
// A payload is written as the JSON document [args, kwargs]. Values with no
// plain JSON form are gob-encoded, base64-wrapped and written as a JSON string
// carrying Marker, so the document stays valid JSON for every backend.
//
// Lists are plain arrays, except under the forwarded args kwarg where a plain
// array is a tuple. A sequence of the other kind at either position is marked.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrDecode is wrapped by every error returned from Decode and FromJSON.
var ErrDecode = errors.New("payload decode failure")

// argsKey is the named argument that carries forwarded positional arguments.
// Plain arrays stored under it decode as tuples.
const argsKey = "args"

// Encode serializes p into the stored document form.
func Encode(p Payload) ([]byte, error) {
	args := make([]any, len(p.Args))
	for i, a := range p.Args {
		w, err := toWire(a)
		if err != nil {
			return nil, fmt.Errorf("codec: args[%d]: %w", i, err)
		}
		args[i] = w
	}
	kw := make(map[string]any, len(p.Kwargs))
	for k, v := range p.Kwargs {
		toW := toWire
		if k == argsKey {
			toW = forwardedToWire
		}
		w, err := toW(v)
		if err != nil {
			return nil, fmt.Errorf("codec: kwargs[%q]: %w", k, err)
		}
		kw[k] = w
	}
	return json.Marshal([]any{args, kw})
}

// Decode reverses Encode. It also accepts opaque values written in the legacy
// form without base64 wrapping.
func Decode(data []byte) (Payload, error) {
	top, err := decodeJSON(data)
	if err != nil {
		return Payload{}, err
	}
	doc, ok := top.([]any)
	if !ok || len(doc) != 2 {
		return Payload{}, fmt.Errorf("%w: expected [args, kwargs] document", ErrDecode)
	}
	rawArgs, ok := doc[0].([]any)
	if !ok && doc[0] != nil {
		return Payload{}, fmt.Errorf("%w: args is %T, not an array", ErrDecode, doc[0])
	}
	var p Payload
	p.Args = make([]Value, 0, len(rawArgs))
	for _, a := range rawArgs {
		v, err := fromWire(a)
		if err != nil {
			return Payload{}, err
		}
		p.Args = append(p.Args, v)
	}
	rawKw, ok := doc[1].(map[string]any)
	if !ok && doc[1] != nil {
		return Payload{}, fmt.Errorf("%w: kwargs is %T, not an object", ErrDecode, doc[1])
	}
	p.Kwargs = make(map[string]Value, len(rawKw))
	for k, x := range rawKw {
		v, err := fromWire(x)
		if err != nil {
			return Payload{}, err
		}
		if _, plain := x.([]any); k == argsKey && plain {
			v.kind = KindTuple
		}
		p.Kwargs[k] = v
	}
	return p, nil
}

// FromJSON decodes a single JSON value, resolving Marker strings.
func FromJSON(data []byte) (Value, error) {
	x, err := decodeJSON(data)
	if err != nil {
		return Value{}, err
	}
	return fromWire(x)
}

// MarshalJSON renders v the same way Encode does.
func (v Value) MarshalJSON() ([]byte, error) {
	w, err := toWire(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after document", ErrDecode)
	}
	return x, nil
}

func toWire(v Value) (any, error) {
	switch v.kind {
	case KindNull:
		return nil, nil
	case KindBool:
		return v.b, nil
	case KindInt:
		return json.Number(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return encodeOpaque(specialFloat(v.f))
		}
		return json.Number(formatFloat(v.f)), nil
	case KindString:
		if strings.HasPrefix(v.s, Marker) {
			return encodeOpaque(escapedString(v.s))
		}
		return v.s, nil
	case KindList:
		return wireSeq(v.items)
	case KindTuple:
		return markedSeq(v.items, KindTuple)
	case KindMap:
		out := make(map[string]any, len(v.fields))
		for k, it := range v.fields {
			w, err := toWire(it)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	case KindOpaque:
		return encodeOpaque(v.opaque)
	}
	return nil, fmt.Errorf("codec: unknown value kind %d", v.kind)
}

// forwardedToWire encodes the value of the forwarded args kwarg, where a
// plain array stands for a tuple.
func forwardedToWire(v Value) (any, error) {
	switch v.kind {
	case KindTuple:
		return wireSeq(v.items)
	case KindList:
		return markedSeq(v.items, KindList)
	}
	return toWire(v)
}

func wireSeq(items []Value) ([]any, error) {
	out := make([]any, len(items))
	for i, it := range items {
		w, err := toWire(it)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

func fromWire(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return parseNumber(t)
	case string:
		if strings.HasPrefix(t, Marker) {
			return decodeOpaque(t)
		}
		return String(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, it := range t {
			v, err := fromWire(it)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return List(items...), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, it := range t {
			v, err := fromWire(it)
			if err != nil {
				return Value{}, err
			}
			fields[k] = v
		}
		return Map(fields), nil
	}
	return Value{}, fmt.Errorf("%w: unexpected JSON type %T", ErrDecode, x)
}

// formatFloat always keeps a fraction or exponent so the value reads back as
// a float, not an int.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func parseNumber(n json.Number) (Value, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, fmt.Errorf("%w: number %q: %w", ErrDecode, s, err)
	}
	return Float(f), nil
}
