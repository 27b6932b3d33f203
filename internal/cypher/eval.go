package cypher

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/DeusData/odoo-graph/internal/store"
)

func (r *run) eval(e Expr, b binding) (any, error) {
	switch x := e.(type) {
	case *Literal:
		return x.Value, nil
	case *Param:
		v, ok := r.params[x.Name]
		if !ok {
			return nil, fmt.Errorf("missing parameter $%s", x.Name)
		}
		return v, nil
	case *VarRef:
		v, ok := b[x.Name]
		if !ok {
			return nil, fmt.Errorf("variable %s not defined", x.Name)
		}
		return v, nil
	case *PropertyRef:
		base, ok := b[x.Variable]
		if !ok {
			return nil, fmt.Errorf("variable %s not defined", x.Variable)
		}
		return property(base, x.Property)
	case *FuncCall:
		if aggregate(x) {
			return nil, fmt.Errorf("aggregate %s() is only allowed in RETURN", x.Name)
		}
		return r.call(x, b)
	case *Comparison:
		l, err := r.eval(x.Left, b)
		if err != nil {
			return nil, err
		}
		rv, err := r.eval(x.Right, b)
		if err != nil {
			return nil, err
		}
		return r.compare(x.Op, l, rv)
	case *NullCheck:
		v, err := r.eval(x.Expr, b)
		if err != nil {
			return nil, err
		}
		return (v == nil) != x.Negated, nil
	case *Logical:
		l, err := r.evalBool(x.Left, b)
		if err != nil {
			return nil, err
		}
		if x.Op == "AND" && !l {
			return false, nil
		}
		if x.Op == "OR" && l {
			return true, nil
		}
		return r.evalBool(x.Right, b)
	case *Not:
		v, err := r.eval(x.Expr, b)
		if err != nil || v == nil {
			return nil, err
		}
		bv, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("NOT needs a boolean, got %T", v)
		}
		return !bv, nil
	case *ListExpr:
		out := make([]any, 0, len(x.Items))
		for _, it := range x.Items {
			v, err := r.eval(it, b)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case *MapExpr:
		out := make(map[string]any, len(x.Entries))
		for _, en := range x.Entries {
			v, err := r.eval(en.Value, b)
			if err != nil {
				return nil, err
			}
			out[en.Key] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported expression %T", e)
}

// evalBool treats null and non-boolean results as false.
func (r *run) evalBool(e Expr, b binding) (bool, error) {
	v, err := r.eval(e, b)
	if err != nil {
		return false, err
	}
	bv, _ := v.(bool)
	return bv, nil
}

func property(base any, name string) (any, error) {
	switch t := base.(type) {
	case nil:
		return nil, nil
	case *store.Node:
		return t.Properties[name], nil
	case *store.Edge:
		return t.Properties[name], nil
	case map[string]any:
		return t[name], nil
	}
	return nil, fmt.Errorf("cannot read property %q of %T", name, base)
}

func comparable(a, b any) bool {
	if _, ok := store.ToFloat(a); ok {
		_, ok = store.ToFloat(b)
		return ok
	}
	switch a.(type) {
	case string:
		_, ok := b.(string)
		return ok
	case bool:
		_, ok := b.(bool)
		return ok
	}
	return false
}

// compare applies a binary predicate. Comparisons involving null yield null.
func (r *run) compare(op string, l, rv any) (any, error) {
	if op == "IN" {
		if l == nil || rv == nil {
			return nil, nil
		}
		list, ok := rv.([]any)
		if !ok {
			return nil, fmt.Errorf("IN needs a list, got %T", rv)
		}
		for _, it := range list {
			if store.ValuesEqual(l, it) {
				return true, nil
			}
		}
		return false, nil
	}
	if l == nil || rv == nil {
		return nil, nil
	}
	switch op {
	case "=":
		return store.ValuesEqual(l, rv), nil
	case "<>":
		return !store.ValuesEqual(l, rv), nil
	case "<", ">", "<=", ">=":
		if !comparable(l, rv) {
			return nil, nil
		}
		c := store.CompareValues(l, rv)
		switch op {
		case "<":
			return c < 0, nil
		case ">":
			return c > 0, nil
		case "<=":
			return c <= 0, nil
		}
		return c >= 0, nil
	}

	ls, ok1 := l.(string)
	rs, ok2 := rv.(string)
	if !ok1 || !ok2 {
		return nil, nil
	}
	switch op {
	case "CONTAINS":
		return strings.Contains(ls, rs), nil
	case "STARTS WITH":
		return strings.HasPrefix(ls, rs), nil
	case "ENDS WITH":
		return strings.HasSuffix(ls, rs), nil
	case "=~":
		re, ok := r.regex[rs]
		if !ok {
			var err error
			re, err = regexp.Compile(`^(?:` + rs + `)$`)
			if err != nil {
				return nil, fmt.Errorf("regex %q: %w", rs, err)
			}
			r.regex[rs] = re
		}
		return re.MatchString(ls), nil
	}
	return nil, fmt.Errorf("unsupported operator %s", op)
}

// call evaluates a scalar function.
func (r *run) call(f *FuncCall, b binding) (any, error) {
	args := make([]any, len(f.Args))
	for i, a := range f.Args {
		v, err := r.eval(a, b)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	arg := func() (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%s() takes one argument", f.Name)
		}
		return args[0], nil
	}

	switch f.Name {
	case "coalesce":
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	case "length", "size":
		v, err := arg()
		if err != nil {
			return nil, err
		}
		switch t := v.(type) {
		case nil:
			return nil, nil
		case *pathValue:
			return int64(len(t.edges)), nil
		case []any:
			return int64(len(t)), nil
		case string:
			return int64(len([]rune(t))), nil
		}
		return nil, fmt.Errorf("%s() of %T", f.Name, v)
	case "nodes":
		v, err := arg()
		if err != nil {
			return nil, err
		}
		p, ok := v.(*pathValue)
		if !ok {
			return nil, fmt.Errorf("nodes() needs a path")
		}
		out := make([]any, len(p.nodes))
		for i, n := range p.nodes {
			out[i] = n
		}
		return out, nil
	case "relationships":
		v, err := arg()
		if err != nil {
			return nil, err
		}
		p, ok := v.(*pathValue)
		if !ok {
			return nil, fmt.Errorf("relationships() needs a path")
		}
		out := make([]any, len(p.edges))
		for i, e := range p.edges {
			out[i] = e
		}
		return out, nil
	case "type":
		v, err := arg()
		if err != nil {
			return nil, err
		}
		if e, ok := v.(*store.Edge); ok {
			return e.Type, nil
		}
		return nil, nil
	case "labels":
		v, err := arg()
		if err != nil {
			return nil, err
		}
		if n, ok := v.(*store.Node); ok {
			return []any{n.Label}, nil
		}
		return nil, nil
	case "id":
		v, err := arg()
		if err != nil {
			return nil, err
		}
		switch t := v.(type) {
		case *store.Node:
			return t.ID, nil
		case *store.Edge:
			return t.ID, nil
		}
		return nil, nil
	case "properties":
		v, err := arg()
		if err != nil {
			return nil, err
		}
		m, err := propertyMap(v)
		if err != nil {
			return nil, err
		}
		return copyMap(m), nil
	case "keys":
		v, err := arg()
		if err != nil {
			return nil, err
		}
		m, err := propertyMap(v)
		if err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	case "tolower", "toupper", "tostring", "trim":
		v, err := arg()
		if err != nil || v == nil {
			return nil, err
		}
		s, ok := v.(string)
		if !ok {
			if f.Name != "tostring" {
				return nil, fmt.Errorf("%s() needs a string", f.Name)
			}
			s = fmt.Sprint(v)
		}
		switch f.Name {
		case "tolower":
			return strings.ToLower(s), nil
		case "toupper":
			return strings.ToUpper(s), nil
		case "trim":
			return strings.TrimSpace(s), nil
		}
		return s, nil
	case "head", "last":
		v, err := arg()
		if err != nil {
			return nil, err
		}
		list, ok := v.([]any)
		if !ok || len(list) == 0 {
			return nil, nil
		}
		if f.Name == "head" {
			return list[0], nil
		}
		return list[len(list)-1], nil
	case "startnode", "endnode":
		v, err := arg()
		if err != nil {
			return nil, err
		}
		e, ok := v.(*store.Edge)
		if !ok {
			return nil, nil
		}
		if f.Name == "startnode" {
			return r.node(e.SourceID)
		}
		return r.node(e.TargetID)
	}
	return nil, fmt.Errorf("unknown function %s()", f.Name)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// output converts bound values into plain data for a Result row.
func output(v any) any {
	switch t := v.(type) {
	case *store.Node:
		return copyMap(t.Properties)
	case *store.Edge:
		return copyMap(t.Properties)
	case *pathValue:
		out := make([]any, len(t.nodes))
		for i, n := range t.nodes {
			out[i] = copyMap(n.Properties)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = output(it)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, it := range t {
			out[k] = output(it)
		}
		return out
	}
	return v
}

// NormalizeParams converts caller values to the engine's value domain:
// int64, float64, string, bool, []any and map[string]any.
func NormalizeParams(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		n, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("parameter $%s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, int64:
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("non-finite number")
		}
		return t, nil
	case int:
		return int64(t), nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		return strconv.ParseFloat(t.String(), 64)
	case json.Marshaler:
		data, err := t.MarshalJSON()
		if err != nil {
			return nil, err
		}
		return store.DecodeJSONValue(data)
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			n, err := normalizeValue(it)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, it := range t {
			n, err := normalizeValue(it)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return normalizeValue(rv.Float())
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			n, err := normalizeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("map keys must be strings, got %s", rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			n, err := normalizeValue(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = n
		}
		return out, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalizeValue(rv.Elem().Interface())
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String(), nil
	}
	return nil, fmt.Errorf("unsupported parameter type %T", v)
}

// exprString renders an expression as a default column name.
func exprString(e Expr) string {
	switch x := e.(type) {
	case *VarRef:
		return x.Name
	case *PropertyRef:
		return x.Variable + "." + x.Property
	case *Param:
		return "$" + x.Name
	case *Literal:
		if s, ok := x.Value.(string); ok {
			return strconv.Quote(s)
		}
		return fmt.Sprint(x.Value)
	case *FuncCall:
		if x.Star {
			return x.Name + "(*)"
		}
		parts := make([]string, len(x.Args))
		for i, a := range x.Args {
			parts[i] = exprString(a)
		}
		prefix := ""
		if x.Distinct {
			prefix = "DISTINCT "
		}
		return x.Name + "(" + prefix + strings.Join(parts, ", ") + ")"
	case *Comparison:
		return exprString(x.Left) + " " + x.Op + " " + exprString(x.Right)
	case *NullCheck:
		if x.Negated {
			return exprString(x.Expr) + " IS NOT NULL"
		}
		return exprString(x.Expr) + " IS NULL"
	case *Logical:
		return exprString(x.Left) + " " + x.Op + " " + exprString(x.Right)
	case *Not:
		return "NOT " + exprString(x.Expr)
	case *ListExpr:
		parts := make([]string, len(x.Items))
		for i, it := range x.Items {
			parts[i] = exprString(it)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *MapExpr:
		parts := make([]string, len(x.Entries))
		for i, en := range x.Entries {
			parts[i] = en.Key + ": " + exprString(en.Value)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprintf("%T", e)
}
