package extract

import (
	"strconv"
	"strings"
	"unicode/utf8"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/DeusData/odoo-graph/internal/literal"
	"github.com/DeusData/odoo-graph/internal/parser"
)

// toLiteral converts a Python expression node into a literal value. Only
// string, number, bool, None, list, tuple, set and dict displays are
// accepted; anything else (names, calls, lambdas, f-strings) yields
// ok=false. Inside containers an unsupported element becomes None so
// positions are kept.
func toLiteral(n *tree_sitter.Node, src []byte) (v literal.Value, ok bool) {
	if n == nil {
		return literal.Value{}, false
	}
	switch n.Kind() {
	case "string":
		s, ok := pyString(n, src)
		if !ok {
			return literal.Value{}, false
		}
		return literal.NewString(s), true
	case "concatenated_string":
		var sb strings.Builder
		for _, part := range parser.NamedChildren(n) {
			if part.Kind() == "comment" {
				continue
			}
			s, ok := pyString(part, src)
			if !ok {
				return literal.Value{}, false
			}
			sb.WriteString(s)
		}
		return literal.NewString(sb.String()), true
	case "integer", "float":
		text := parser.NodeText(n, src)
		if strings.HasSuffix(text, "j") || strings.HasSuffix(text, "J") {
			return literal.Value{}, false
		}
		v := literal.NewNumber(pyNumberText(text))
		return v, !v.IsNone()
	case "true":
		return literal.NewBool(true), true
	case "false":
		return literal.NewBool(false), true
	case "none":
		return literal.Value{}, true
	case "unary_operator":
		op := n.ChildByFieldName("operator")
		arg := n.ChildByFieldName("argument")
		if op == nil || arg == nil {
			return literal.Value{}, false
		}
		inner, ok := toLiteral(arg, src)
		text, isNum := inner.NumberText()
		if !ok || !isNum {
			return literal.Value{}, false
		}
		switch parser.NodeText(op, src) {
		case "-":
			if strings.HasPrefix(text, "-") {
				return literal.NewNumber(text[1:]), true
			}
			return literal.NewNumber("-" + text), true
		case "+":
			return inner, true
		}
		return literal.Value{}, false
	case "parenthesized_expression":
		for _, c := range parser.NamedChildren(n) {
			if c.Kind() != "comment" {
				return toLiteral(c, src)
			}
		}
		return literal.Value{}, false
	case "list", "tuple", "set":
		var items []literal.Value
		for _, c := range parser.NamedChildren(n) {
			if c.Kind() == "comment" {
				continue
			}
			it, _ := toLiteral(c, src)
			items = append(items, it)
		}
		return literal.NewList(items...), true
	case "dictionary":
		m := &literal.OrderedMap{}
		for _, c := range parser.NamedChildren(n) {
			if c.Kind() != "pair" {
				continue
			}
			k, kok := toLiteral(c.ChildByFieldName("key"), src)
			if !kok || k.Kind() == literal.List || k.Kind() == literal.Map {
				continue
			}
			val, _ := toLiteral(c.ChildByFieldName("value"), src)
			m.Set(k, val)
		}
		return literal.NewMap(m), true
	}
	return literal.Value{}, false
}

// pyNumberText turns a Python numeric literal into text literal.NewNumber
// accepts: lowercase radix prefixes and no legacy long suffix.
func pyNumberText(text string) string {
	text = strings.TrimSuffix(strings.TrimSuffix(text, "L"), "l")
	if len(text) > 2 && text[0] == '0' {
		switch text[1] {
		case 'X', 'O', 'B':
			text = "0" + strings.ToLower(text[1:2]) + text[2:]
		}
	}
	return text
}

// pyString decodes a single string literal node. Byte strings decode as
// text; f-strings with interpolations are rejected.
func pyString(n *tree_sitter.Node, src []byte) (string, bool) {
	if n.Kind() != "string" {
		return "", false
	}
	var start, end *tree_sitter.Node
	for i := uint(0); i < n.ChildCount(); i++ {
		c := n.Child(i)
		switch c.Kind() {
		case "string_start":
			start = c
		case "string_end":
			end = c
		case "interpolation":
			return "", false
		}
	}
	if start == nil || end == nil {
		return "", false
	}
	opener := parser.NodeText(start, src)
	prefix := strings.ToLower(strings.TrimRight(opener, `'"`))
	body := string(src[start.EndByte():end.StartByte()])
	if strings.Contains(prefix, "r") {
		return body, true
	}
	return unescapePy(body), true
}

// unescapePy applies Python string escape sequences. Unknown escapes are
// kept verbatim, as Python does.
func unescapePy(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch e := s[i]; e {
		case '\n':
			// line continuation
		case '\\', '\'', '"':
			sb.WriteByte(e)
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case 'a':
			sb.WriteByte('\a')
		case 'b':
			sb.WriteByte('\b')
		case 'f':
			sb.WriteByte('\f')
		case 'v':
			sb.WriteByte('\v')
		case 'x', 'u', 'U':
			width := map[byte]int{'x': 2, 'u': 4, 'U': 8}[e]
			if i+width < len(s) {
				if r, err := strconv.ParseUint(s[i+1:i+1+width], 16, 32); err == nil && utf8.ValidRune(rune(r)) {
					sb.WriteRune(rune(r))
					i += width
					continue
				}
			}
			sb.WriteByte('\\')
			sb.WriteByte(e)
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			r, _ := strconv.ParseUint(s[i:j], 8, 32)
			sb.WriteRune(rune(r))
			i = j - 1
		default:
			sb.WriteByte('\\')
			sb.WriteByte(e)
		}
	}
	return sb.String()
}
