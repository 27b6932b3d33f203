// Package literal is the value algebra produced by the source extractors:
// string, number, bool, none, ordered list and ordered key/value map.
// Extraction and classification logic only ever see these values, never
// syntax tree nodes.
package literal

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	None Kind = iota
	String
	Number
	Bool
	List
	Map
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case String:
		return "string"
	case Number:
		return "number"
	case Bool:
		return "bool"
	case List:
		return "list"
	case Map:
		return "map"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is an immutable literal. The zero Value is None.
// Numbers keep their source text so integers never lose precision.
type Value struct {
	kind  Kind
	str   string
	num   string
	b     bool
	items []Value
	m     *OrderedMap
}

// Entry is one key/value pair of an ordered map.
type Entry struct {
	Key   Value
	Value Value
}

// OrderedMap preserves insertion order. A repeated key keeps its first
// position and takes the last value, which is what a dict display does.
type OrderedMap struct {
	entries []Entry
}

func NewString(s string) Value { return Value{kind: String, str: s} }
func NewBool(b bool) Value { return Value{kind: Bool, b: b} }
func NewList(items ...Value) Value { return Value{kind: List, items: items} }
func NewMap(m *OrderedMap) Value {
	if m == nil {
		m = &OrderedMap{}
	}
	return Value{kind: Map, m: m}
}

// NewNumber wraps numeric source text. Invalid text yields None.
func NewNumber(text string) Value {
	t := strings.ReplaceAll(strings.TrimSpace(text), "_", "")
	if _, err := strconv.ParseFloat(t, 64); err != nil {
		if _, ierr := strconv.ParseInt(t, 0, 64); ierr != nil {
			return Value{}
		}
		// Hex, octal and binary literals are normalized to decimal.
		n, _ := strconv.ParseInt(t, 0, 64)
		t = strconv.FormatInt(n, 10)
	}
	return Value{kind: Number, num: t}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNone() bool { return v.kind == None }

// Str returns the string payload and whether v is a string.
func (v Value) Str() (string, bool) { return v.str, v.kind == String }

// Bool returns the boolean payload and whether v is a bool.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == Bool }

// Items returns the list elements, nil for non-lists.
func (v Value) Items() []Value {
	if v.kind != List {
		return nil
	}
	return v.items
}

// MapValue returns the ordered map, nil for non-maps.
func (v Value) MapValue() *OrderedMap {
	if v.kind != Map {
		return nil
	}
	return v.m
}

// NumberText returns the numeric source text.
func (v Value) NumberText() (string, bool) { return v.num, v.kind == Number }

// Int returns the number as an int64 when it is integral.
func (v Value) Int() (int64, bool) {
	if v.kind != Number {
		return 0, false
	}
	if n, err := strconv.ParseInt(v.num, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(v.num, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}

// Float returns the number as a float64.
func (v Value) Float() (float64, bool) {
	if v.kind != Number {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.num, 64)
	return f, err == nil
}

// Truthy applies the host language's truthiness rules.
func (v Value) Truthy() bool {
	switch v.kind {
	case String:
		return v.str != ""
	case Number:
		f, _ := v.Float()
		return f != 0
	case Bool:
		return v.b
	case List:
		return len(v.items) > 0
	case Map:
		return v.m.Len() > 0
	}
	return false
}

// Equal reports deep equality. Numbers compare by value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case None:
		return true
	case String:
		return v.str == o.str
	case Bool:
		return v.b == o.b
	case Number:
		a, _ := v.Float()
		b, _ := o.Float()
		return a == b
	case List:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case Map:
		if v.m.Len() != o.m.Len() {
			return false
		}
		for i, e := range v.m.entries {
			oe := o.m.entries[i]
			if !e.Key.Equal(oe.Key) || !e.Value.Equal(oe.Value) {
				return false
			}
		}
		return true
	}
	return false
}

// Native converts to plain Go values: string, int64 or float64, bool,
// nil and []any. Maps come back as the *OrderedMap itself.
func (v Value) Native() any {
	switch v.kind {
	case String:
		return v.str
	case Number:
		if n, ok := v.Int(); ok && !strings.ContainsAny(v.num, ".eE") {
			return n
		}
		f, _ := v.Float()
		return f
	case Bool:
		return v.b
	case List:
		out := make([]any, len(v.items))
		for i, it := range v.items {
			out[i] = it.Native()
		}
		return out
	case Map:
		return v.m
	}
	return nil
}

// String renders the value in the host language's literal syntax. Used
// in log lines and as the text form of a non-string default.
func (v Value) String() string {
	var sb strings.Builder
	v.write(&sb)
	return sb.String()
}

func (v Value) write(sb *strings.Builder) {
	switch v.kind {
	case None:
		sb.WriteString("None")
	case String:
		sb.WriteString(strconv.Quote(v.str))
	case Number:
		sb.WriteString(v.num)
	case Bool:
		if v.b {
			sb.WriteString("True")
		} else {
			sb.WriteString("False")
		}
	case List:
		sb.WriteByte('[')
		for i, it := range v.items {
			if i > 0 {
				sb.WriteString(", ")
			}
			it.write(sb)
		}
		sb.WriteByte(']')
	case Map:
		sb.WriteByte('{')
		for i, e := range v.m.entries {
			if i > 0 {
				sb.WriteString(", ")
			}
			e.Key.write(sb)
			sb.WriteString(": ")
			e.Value.write(sb)
		}
		sb.WriteByte('}')
	}
}

// Set inserts or replaces key.
func (m *OrderedMap) Set(key, val Value) {
	for i := range m.entries {
		if m.entries[i].Key.Equal(key) {
			m.entries[i].Value = val
			return
		}
	}
	m.entries = append(m.entries, Entry{Key: key, Value: val})
}

// Get looks up a key.
func (m *OrderedMap) Get(key Value) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	for _, e := range m.entries {
		if e.Key.Equal(key) {
			return e.Value, true
		}
	}
	return Value{}, false
}

// GetString looks up a string key.
func (m *OrderedMap) GetString(key string) (Value, bool) {
	return m.Get(NewString(key))
}

func (m *OrderedMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Entries returns the pairs in insertion order.
func (m *OrderedMap) Entries() []Entry {
	if m == nil {
		return nil
	}
	return m.entries
}

// StringList converts a list of strings, skipping non-string members.
// The second result counts skipped members.
func StringList(v Value) (out []string, skipped int) {
	for _, it := range v.Items() {
		if s, ok := it.Str(); ok {
			out = append(out, s)
		} else {
			skipped++
		}
	}
	return out, skipped
}
