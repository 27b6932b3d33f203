package literal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

// MarshalJSON renders lists as arrays and maps as objects in declaration
// order. A map with any non-string key is rendered as an array of
// [key, value] pairs instead, since JSON objects only carry string keys.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case None:
		buf.WriteString("null")
	case String:
		b, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case Number:
		if json.Valid([]byte(v.num)) {
			buf.WriteString(v.num)
			return nil
		}
		// "1." and ".5" are valid source numbers but not JSON numbers.
		f, _ := v.Float()
		buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	case Bool:
		buf.WriteString(strconv.FormatBool(v.b))
	case List:
		buf.WriteByte('[')
		for i, it := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := it.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Map:
		if !v.m.stringKeys() {
			pairs := make([]Value, 0, v.m.Len())
			for _, e := range v.m.entries {
				pairs = append(pairs, NewList(e.Key, e.Value))
			}
			return NewList(pairs...).writeJSON(buf)
		}
		buf.WriteByte('{')
		for i, e := range v.m.entries {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.Key.writeJSON(buf); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := e.Value.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("literal: unknown kind %d", v.kind)
	}
	return nil
}

func (m *OrderedMap) stringKeys() bool {
	for _, e := range m.Entries() {
		if e.Key.kind != String {
			return false
		}
	}
	return true
}

// UnmarshalJSON reads any JSON document, keeping object key order.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	out, err := decodeJSON(dec)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// ParseJSON is UnmarshalJSON for callers holding a string.
func ParseJSON(s string) (Value, error) {
	var v Value
	err := v.UnmarshalJSON([]byte(s))
	return v, err
}

func decodeJSON(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Value{}, nil
	case string:
		return NewString(t), nil
	case json.Number:
		return Value{kind: Number, num: t.String()}, nil
	case bool:
		return NewBool(t), nil
	case json.Delim:
		switch t {
		case '[':
			var items []Value
			for dec.More() {
				it, err := decodeJSON(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, it)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return NewList(items...), nil
		case '{':
			m := &OrderedMap{}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := kt.(string)
				if !ok {
					return Value{}, fmt.Errorf("literal: object key %v", kt)
				}
				val, err := decodeJSON(dec)
				if err != nil {
					return Value{}, err
				}
				m.Set(NewString(key), val)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return NewMap(m), nil
		}
	}
	return Value{}, fmt.Errorf("literal: unexpected token %v", tok)
}

// EncodeMsgpack writes a [kind, payload] pair so the variant survives
// the round trip through the extraction cache.
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(v.kind)); err != nil {
		return err
	}
	switch v.kind {
	case None:
		return enc.EncodeNil()
	case String:
		return enc.EncodeString(v.str)
	case Number:
		return enc.EncodeString(v.num)
	case Bool:
		return enc.EncodeBool(v.b)
	case List:
		if err := enc.EncodeArrayLen(len(v.items)); err != nil {
			return err
		}
		for _, it := range v.items {
			if err := it.EncodeMsgpack(enc); err != nil {
				return err
			}
		}
		return nil
	case Map:
		if err := enc.EncodeArrayLen(2 * v.m.Len()); err != nil {
			return err
		}
		for _, e := range v.m.entries {
			if err := e.Key.EncodeMsgpack(enc); err != nil {
				return err
			}
			if err := e.Value.EncodeMsgpack(enc); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("literal: unknown kind %d", v.kind)
}

// DecodeMsgpack is the inverse of EncodeMsgpack.
func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("literal: msgpack pair has %d elements", n)
	}
	k, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	switch Kind(k) {
	case None:
		*v = Value{}
		return dec.DecodeNil()
	case String:
		s, err := dec.DecodeString()
		*v = NewString(s)
		return err
	case Number:
		s, err := dec.DecodeString()
		*v = Value{kind: Number, num: s}
		return err
	case Bool:
		b, err := dec.DecodeBool()
		*v = NewBool(b)
		return err
	case List:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		items := make([]Value, 0, max(n, 0))
		for range max(n, 0) {
			var it Value
			if err := it.DecodeMsgpack(dec); err != nil {
				return err
			}
			items = append(items, it)
		}
		*v = NewList(items...)
		return nil
	case Map:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		m := &OrderedMap{}
		for i := 0; i+1 < n; i += 2 {
			var key, val Value
			if err := key.DecodeMsgpack(dec); err != nil {
				return err
			}
			if err := val.DecodeMsgpack(dec); err != nil {
				return err
			}
			m.Set(key, val)
		}
		*v = NewMap(m)
		return nil
	}
	return fmt.Errorf("literal: unknown kind %d", k)
}
