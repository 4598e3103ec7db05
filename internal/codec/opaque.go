package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
)

// Marker prefixes a JSON string that holds an encoded opaque value.
const Marker = "__go_gob__"

// escapedString carries a plain string that happens to start with Marker.
type escapedString string

// specialFloat carries NaN and the infinities, which JSON cannot express.
type specialFloat float64

// tupleItems and listItems carry a sequence, as its JSON array text, whose kind
// a plain array would not preserve at that position.
type (
	tupleItems string
	listItems  string
)

func init() {
	gob.RegisterName("longterm.escapedString", escapedString(""))
	gob.RegisterName("longterm.specialFloat", specialFloat(0))
	gob.RegisterName("longterm.tupleItems", tupleItems(""))
	gob.RegisterName("longterm.listItems", listItems(""))
}

// Register makes the concrete type of v usable inside Opaque values. It must
// be called, with the same name, by every process that writes or reads them.
func Register(v any) { gob.Register(v) }

// RegisterName is Register with an explicit, stable type name.
func RegisterName(name string, v any) { gob.RegisterName(name, v) }

func encodeOpaque(x any) (string, error) {
	if x == nil {
		return "", errors.New("codec: opaque value is nil")
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&x); err != nil {
		return "", fmt.Errorf("codec: encode opaque %T: %w", x, err)
	}
	return Marker + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeOpaque(s string) (Value, error) {
	raw := s[len(Marker):]
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		// Legacy entries carry the gob stream unwrapped.
		data = []byte(raw)
	}
	var x any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&x); err != nil {
		return Value{}, fmt.Errorf("%w: opaque value: %w", ErrDecode, err)
	}
	switch t := x.(type) {
	case escapedString:
		return String(string(t)), nil
	case specialFloat:
		return Float(float64(t)), nil
	case tupleItems:
		return decodeSeq(string(t), KindTuple)
	case listItems:
		return decodeSeq(string(t), KindList)
	}
	return Opaque(x), nil
}

// markedSeq writes items as a marked string so the sequence keeps its kind.
func markedSeq(items []Value, kind Kind) (string, error) {
	w, err := wireSeq(items)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	if kind == KindTuple {
		return encodeOpaque(tupleItems(data))
	}
	return encodeOpaque(listItems(data))
}

func decodeSeq(data string, kind Kind) (Value, error) {
	x, err := decodeJSON([]byte(data))
	if err != nil {
		return Value{}, err
	}
	if _, ok := x.([]any); !ok {
		return Value{}, fmt.Errorf("%w: marked sequence holds %T", ErrDecode, x)
	}
	v, err := fromWire(x)
	if err != nil {
		return Value{}, err
	}
	v.kind = kind
	return v, nil
}
