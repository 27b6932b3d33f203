package cypher

import (
	"fmt"
	"strconv"
	"strings"
)

// Parser converts a token stream into an AST.
type Parser struct {
	tokens []Token
	pos    int
}

// Parse tokenizes and parses one Cypher statement.
func Parse(input string) (Statement, error) {
	tokens, err := Lex(input)
	if err != nil {
		return nil, fmt.Errorf("lex: %w", err)
	}
	p := &Parser{tokens: tokens}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.Type != TokEOF {
		return nil, fmt.Errorf("unexpected %q at pos %d", t.Text, t.Pos)
	}
	return stmt, nil
}

func (p *Parser) peek() Token {
	return p.peekAt(0)
}

func (p *Parser) peekAt(off int) Token {
	if p.pos+off >= len(p.tokens) {
		return Token{Type: TokEOF}
	}
	return p.tokens[p.pos+off]
}

func (p *Parser) advance() Token {
	t := p.peek()
	p.pos++
	return t
}

func (p *Parser) expect(typ TokenType) (Token, error) {
	t := p.advance()
	if t.Type != typ {
		return t, fmt.Errorf("expected token %d, got %d (%q) at pos %d", typ, t.Type, t.Text, t.Pos)
	}
	return t, nil
}

// isWord reports whether t can stand where a name is expected. Keywords
// qualify, so labels, property keys and map keys may reuse them.
func isWord(t Token) bool {
	return t.Type == TokIdent || t.Type <= TokSkip
}

// name consumes an identifier-like token and returns its source spelling.
func (p *Parser) name(what string) (string, error) {
	t := p.advance()
	if !isWord(t) {
		return "", fmt.Errorf("expected %s, got %q at pos %d", what, t.Text, t.Pos)
	}
	return t.Text, nil
}

func (p *Parser) parseStatement() (Statement, error) {
	switch p.peek().Type {
	case TokCreate:
		switch p.peekAt(1).Type {
		case TokConstraint, TokIndex:
			return p.parseSchemaCommand()
		}
	case TokShow:
		return p.parseShow()
	}
	return p.parseQuery()
}

func (p *Parser) parseQuery() (*Query, error) {
	q := &Query{}
	for {
		var c Clause
		var err error
		switch p.peek().Type {
		case TokMatch:
			c, err = p.parseMatch()
		case TokUnwind:
			c, err = p.parseUnwind()
		case TokMerge:
			c, err = p.parseMerge()
		case TokCreate:
			c, err = p.parseCreate()
		case TokSet:
			c, err = p.parseSet()
		case TokDetach, TokDelete:
			c, err = p.parseDelete()
		case TokReturn:
			q.Return, err = p.parseReturn()
			if err != nil {
				return nil, err
			}
			return q, nil
		case TokEOF:
			if len(q.Clauses) == 0 {
				return nil, fmt.Errorf("empty query")
			}
			return q, nil
		default:
			t := p.peek()
			return nil, fmt.Errorf("unexpected %q at pos %d", t.Text, t.Pos)
		}
		if err != nil {
			return nil, err
		}
		q.Clauses = append(q.Clauses, c)
	}
}

func (p *Parser) parseMatch() (*MatchClause, error) {
	p.advance() // consume MATCH
	m := &MatchClause{}
	for {
		pat, err := p.parsePattern()
		if err != nil {
			return nil, fmt.Errorf("match pattern: %w", err)
		}
		m.Patterns = append(m.Patterns, pat)
		if p.peek().Type != TokComma {
			break
		}
		p.advance()
	}
	if p.peek().Type == TokWhere {
		p.advance()
		w, err := p.parseExpr()
		if err != nil {
			return nil, fmt.Errorf("where: %w", err)
		}
		m.Where = w
	}
	return m, nil
}

func (p *Parser) parseUnwind() (*UnwindClause, error) {
	p.advance() // consume UNWIND
	e, err := p.parseExpr()
	if err != nil {
		return nil, fmt.Errorf("unwind: %w", err)
	}
	if _, err := p.expect(TokAs); err != nil {
		return nil, fmt.Errorf("unwind: expected AS: %w", err)
	}
	v, err := p.name("unwind variable")
	if err != nil {
		return nil, err
	}
	return &UnwindClause{Expr: e, Variable: v}, nil
}

func (p *Parser) parseMerge() (*MergeClause, error) {
	p.advance() // consume MERGE
	pat, err := p.parsePattern()
	if err != nil {
		return nil, fmt.Errorf("merge pattern: %w", err)
	}
	return &MergeClause{Pattern: pat}, nil
}

func (p *Parser) parseCreate() (*CreateClause, error) {
	p.advance() // consume CREATE
	c := &CreateClause{}
	for {
		pat, err := p.parsePattern()
		if err != nil {
			return nil, fmt.Errorf("create pattern: %w", err)
		}
		c.Patterns = append(c.Patterns, pat)
		if p.peek().Type != TokComma {
			return c, nil
		}
		p.advance()
	}
}

func (p *Parser) parseSet() (*SetClause, error) {
	p.advance() // consume SET
	s := &SetClause{}
	for {
		v, err := p.name("variable in SET")
		if err != nil {
			return nil, err
		}
		item := SetItem{Variable: v}
		if p.peek().Type == TokDot {
			p.advance()
			if item.Property, err = p.name("property in SET"); err != nil {
				return nil, err
			}
		}
		switch op := p.advance(); op.Type {
		case TokEQ:
			item.Op = "="
		case TokPlusEQ:
			if item.Property != "" {
				return nil, fmt.Errorf("'+=' needs a map target at pos %d", op.Pos)
			}
			item.Op = "+="
		default:
			return nil, fmt.Errorf("expected '=' or '+=' in SET, got %q at pos %d", op.Text, op.Pos)
		}
		if item.Value, err = p.parseExpr(); err != nil {
			return nil, err
		}
		s.Items = append(s.Items, item)
		if p.peek().Type != TokComma {
			return s, nil
		}
		p.advance()
	}
}

func (p *Parser) parseDelete() (*DeleteClause, error) {
	d := &DeleteClause{}
	if p.peek().Type == TokDetach {
		p.advance()
		d.Detach = true
	}
	if _, err := p.expect(TokDelete); err != nil {
		return nil, err
	}
	for {
		v, err := p.name("variable in DELETE")
		if err != nil {
			return nil, err
		}
		d.Variables = append(d.Variables, v)
		if p.peek().Type != TokComma {
			return d, nil
		}
		p.advance()
	}
}

// parseSchemaCommand parses
//
//	CREATE CONSTRAINT name [IF NOT EXISTS] FOR (v:Label) REQUIRE v.p IS UNIQUE
//	CREATE CONSTRAINT name [IF NOT EXISTS] FOR (v:Label) REQUIRE (v.a, v.b) IS UNIQUE
//	CREATE INDEX name [IF NOT EXISTS] FOR (v:Label) ON (v.a, ...)
func (p *Parser) parseSchemaCommand() (*SchemaCommand, error) {
	p.advance() // consume CREATE
	cmd := &SchemaCommand{Kind: p.advance().Value}
	if t := p.peek(); t.Type != TokIf && t.Type != TokFor {
		name, err := p.name("schema name")
		if err != nil {
			return nil, err
		}
		cmd.Name = name
	}
	if p.peek().Type == TokIf {
		p.advance()
		if _, err := p.expect(TokNot); err != nil {
			return nil, err
		}
		if _, err := p.expect(TokExists); err != nil {
			return nil, err
		}
		cmd.IfNotExists = true
	}
	if _, err := p.expect(TokFor); err != nil {
		return nil, err
	}
	node, err := p.parseNodePattern()
	if err != nil {
		return nil, err
	}
	if node.Label == "" {
		return nil, fmt.Errorf("schema %s: label required", strings.ToLower(cmd.Kind))
	}
	cmd.Variable, cmd.Label = node.Variable, node.Label

	if cmd.Kind == "CONSTRAINT" {
		if _, err := p.expect(TokRequire); err != nil {
			return nil, err
		}
	} else if _, err := p.expect(TokOn); err != nil {
		return nil, err
	}
	props, err := p.parsePropertyList(cmd.Variable)
	if err != nil {
		return nil, err
	}
	cmd.Properties = props
	if cmd.Kind == "CONSTRAINT" {
		if _, err := p.expect(TokIs); err != nil {
			return nil, err
		}
		if _, err := p.expect(TokUnique); err != nil {
			return nil, err
		}
	}
	if cmd.Name == "" {
		cmd.Name = strings.ToLower(cmd.Label + "_" + strings.Join(props, "_") + "_" + cmd.Kind)
	}
	return cmd, nil
}

// parsePropertyList reads v.p or (v.a, v.b, ...).
func (p *Parser) parsePropertyList(variable string) ([]string, error) {
	paren := p.peek().Type == TokLParen
	if paren {
		p.advance()
	}
	var props []string
	for {
		v, err := p.name("variable")
		if err != nil {
			return nil, err
		}
		if v != variable {
			return nil, fmt.Errorf("unknown variable %q in schema command", v)
		}
		if _, err := p.expect(TokDot); err != nil {
			return nil, err
		}
		prop, err := p.name("property")
		if err != nil {
			return nil, err
		}
		props = append(props, prop)
		if !paren || p.peek().Type != TokComma {
			break
		}
		p.advance()
	}
	if paren {
		if _, err := p.expect(TokRParen); err != nil {
			return nil, err
		}
	}
	return props, nil
}

func (p *Parser) parseShow() (*ShowCommand, error) {
	p.advance() // consume SHOW
	t := p.advance()
	if t.Type != TokIndexes && t.Type != TokConstraints {
		return nil, fmt.Errorf("expected INDEXES or CONSTRAINTS after SHOW, got %q", t.Text)
	}
	cmd := &ShowCommand{What: t.Value}
	if p.peek().Type == TokYield {
		p.advance()
		for {
			col, err := p.name("yield column")
			if err != nil {
				return nil, err
			}
			cmd.Yield = append(cmd.Yield, col)
			if p.peek().Type != TokComma {
				break
			}
			p.advance()
		}
	}
	return cmd, nil
}

func (p *Parser) parsePattern() (*Pattern, error) {
	pat := &Pattern{}

	// p = ...
	if isWord(p.peek()) && p.peekAt(1).Type == TokEQ {
		pat.PathVariable = p.advance().Text
		p.advance() // consume =
	}
	// shortestPath( ... )
	if t := p.peek(); t.Type == TokIdent && strings.EqualFold(t.Text, "shortestPath") && p.peekAt(1).Type == TokLParen {
		p.advance()
		p.advance()
		pat.Shortest = true
	}

	node, err := p.parseNodePattern()
	if err != nil {
		return nil, err
	}
	pat.Elements = append(pat.Elements, node)

	for p.isRelStart() {
		rel, nextNode, err := p.parseRelAndNode()
		if err != nil {
			return nil, err
		}
		pat.Elements = append(pat.Elements, rel, nextNode)
	}

	if pat.Shortest {
		if _, err := p.expect(TokRParen); err != nil {
			return nil, fmt.Errorf("expected ')' to close shortestPath: %w", err)
		}
		if len(pat.Elements) != 3 {
			return nil, fmt.Errorf("shortestPath needs exactly one relationship")
		}
	}
	return pat, nil
}

// isRelStart checks whether the next tokens begin a relationship pattern.
// Patterns: -[...]-> or <-[...]- or -[...]-
func (p *Parser) isRelStart() bool {
	t := p.peek()
	return t.Type == TokDash || (t.Type == TokLT && p.peekAt(1).Type == TokDash)
}

func (p *Parser) parseRelAndNode() (*RelPattern, *NodePattern, error) {
	rel := &RelPattern{MinHops: 1, MaxHops: 1}

	leadingArrow := false
	if p.peek().Type == TokLT {
		leadingArrow = true
		p.advance() // consume <
	}

	if _, err := p.expect(TokDash); err != nil {
		return nil, nil, fmt.Errorf("expected '-' in relationship: %w", err)
	}

	if p.peek().Type == TokLBracket {
		if err := p.parseRelBracket(rel); err != nil {
			return nil, nil, err
		}
	}

	if _, err := p.expect(TokDash); err != nil {
		return nil, nil, fmt.Errorf("expected '-' after relationship: %w", err)
	}

	trailingArrow := false
	if p.peek().Type == TokGT {
		trailingArrow = true
		p.advance() // consume >
	}

	switch {
	case !leadingArrow && trailingArrow:
		rel.Direction = "outbound"
	case leadingArrow && !trailingArrow:
		rel.Direction = "inbound"
	default:
		rel.Direction = "any"
	}

	node, err := p.parseNodePattern()
	if err != nil {
		return nil, nil, err
	}

	return rel, node, nil
}

func (p *Parser) parseRelBracket(rel *RelPattern) error {
	p.advance() // consume [

	if p.peek().Type == TokIdent {
		rel.Variable = p.advance().Text
	}

	// Optional :TYPE or :TYPE1|TYPE2
	if p.peek().Type == TokColon {
		p.advance() // consume :
		types, err := p.parseRelTypes()
		if err != nil {
			return err
		}
		rel.Types = types
	}

	// Optional *min..max for variable-length
	if p.peek().Type == TokStar {
		p.advance() // consume *
		rel.VarLength = true
		p.parseHopRange(rel)
	}

	if p.peek().Type == TokLBrace {
		props, err := p.parseInlineProps()
		if err != nil {
			return err
		}
		rel.Props = props
	}

	if _, err := p.expect(TokRBracket); err != nil {
		return fmt.Errorf("expected ']' to close relationship: %w", err)
	}

	return nil
}

func (p *Parser) parseRelTypes() ([]string, error) {
	var types []string
	t, err := p.name("relationship type")
	if err != nil {
		return nil, err
	}
	types = append(types, t)

	for p.peek().Type == TokPipe {
		p.advance() // consume |
		if p.peek().Type == TokColon {
			p.advance()
		}
		t, err = p.name("relationship type after '|'")
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func (p *Parser) parseHopRange(rel *RelPattern) {
	// Possibilities after *:
	//   *1..3   min=1, max=3
	//   *0..3   min=0, max=3
	//   *..3    min=1, max=3
	//   *1..    min=1, max=0 (unbounded)
	//   *3      min=3, max=3
	//   (empty) min=1, max=0 (unbounded)
	rel.MinHops, rel.MaxHops = 1, 0
	switch p.peek().Type {
	case TokNumber:
		n, _ := strconv.Atoi(p.advance().Value)
		if p.peek().Type != TokDotDot {
			rel.MinHops, rel.MaxHops = n, n
			return
		}
		rel.MinHops = n
		p.advance() // consume ..
		if p.peek().Type == TokNumber {
			rel.MaxHops, _ = strconv.Atoi(p.advance().Value)
		}
	case TokDotDot:
		p.advance() // consume ..
		if p.peek().Type == TokNumber {
			rel.MaxHops, _ = strconv.Atoi(p.advance().Value)
		}
	}
}

func (p *Parser) parseNodePattern() (*NodePattern, error) {
	if _, err := p.expect(TokLParen); err != nil {
		return nil, fmt.Errorf("expected '(' for node pattern: %w", err)
	}

	node := &NodePattern{}

	if p.peek().Type == TokIdent {
		node.Variable = p.advance().Text
	}

	if p.peek().Type == TokColon {
		p.advance() // consume :
		label, err := p.name("label name after ':'")
		if err != nil {
			return nil, err
		}
		node.Label = label
	}

	if p.peek().Type == TokLBrace {
		props, err := p.parseInlineProps()
		if err != nil {
			return nil, err
		}
		node.Props = props
	}

	if _, err := p.expect(TokRParen); err != nil {
		return nil, fmt.Errorf("expected ')' to close node pattern: %w", err)
	}

	return node, nil
}

// parseInlineProps reads {key: expr, ...}.
func (p *Parser) parseInlineProps() ([]PropEntry, error) {
	p.advance() // consume {
	var props []PropEntry

	for p.peek().Type != TokRBrace {
		if len(props) > 0 {
			if _, err := p.expect(TokComma); err != nil {
				return nil, fmt.Errorf("expected ',' between properties: %w", err)
			}
		}
		key, err := p.name("property key")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokColon); err != nil {
			return nil, fmt.Errorf("expected ':' after property key: %w", err)
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", key, err)
		}
		props = append(props, PropEntry{Key: key, Value: val})
	}

	p.advance() // consume }
	return props, nil
}

func (p *Parser) parseReturn() (*ReturnClause, error) {
	p.advance() // consume RETURN
	r := &ReturnClause{}

	if p.peek().Type == TokDistinct {
		r.Distinct = true
		p.advance()
	}

	for {
		item, err := p.parseReturnItem()
		if err != nil {
			return nil, err
		}
		r.Items = append(r.Items, item)
		if p.peek().Type != TokComma {
			break
		}
		p.advance() // consume ,
	}

	if p.peek().Type == TokOrder {
		p.advance() // consume ORDER
		if _, err := p.expect(TokBy); err != nil {
			return nil, fmt.Errorf("expected BY after ORDER: %w", err)
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, fmt.Errorf("order by: %w", err)
			}
			item := OrderItem{Expr: e}
			switch p.peek().Type {
			case TokDesc:
				item.Desc = true
				p.advance()
			case TokAsc:
				p.advance()
			}
			r.OrderBy = append(r.OrderBy, item)
			if p.peek().Type != TokComma {
				break
			}
			p.advance()
		}
	}

	if p.peek().Type == TokSkip {
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, fmt.Errorf("skip: %w", err)
		}
		r.Skip = e
	}

	if p.peek().Type == TokLimit {
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, fmt.Errorf("limit: %w", err)
		}
		r.Limit = e
	}

	return r, nil
}

func (p *Parser) parseReturnItem() (ReturnItem, error) {
	e, err := p.parseExpr()
	if err != nil {
		return ReturnItem{}, err
	}
	item := ReturnItem{Expr: e}
	if p.peek().Type == TokAs {
		p.advance()
		if item.Alias, err = p.name("alias after AS"); err != nil {
			return item, err
		}
	}
	return item, nil
}

// Expression grammar, lowest precedence first:
//
//	or   := and (OR and)*
//	and  := not (AND not)*
//	not  := NOT not | cmp
//	cmp  := atom [op atom | IS [NOT] NULL]
func (p *Parser) parseExpr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokAnd {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, error) {
	if p.peek().Type == TokNot {
		p.advance()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Not{Expr: inner}, nil
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() (Expr, error) {
	left, err := p.parseAtom()
	if err != nil {
		return nil, err
	}

	var op string
	switch t := p.peek(); t.Type {
	case TokEQ, TokNEQ, TokLT, TokGT, TokLTE, TokGTE, TokRegex:
		op = t.Value
		if t.Type == TokNEQ {
			op = "<>"
		}
		p.advance()
	case TokContains:
		op = "CONTAINS"
		p.advance()
	case TokIn:
		op = "IN"
		p.advance()
	case TokStarts, TokEnds:
		p.advance()
		if _, err := p.expect(TokWith); err != nil {
			return nil, fmt.Errorf("expected WITH after %s: %w", t.Value, err)
		}
		op = t.Value + " WITH"
	case TokIs:
		p.advance()
		nc := &NullCheck{Expr: left}
		if p.peek().Type == TokNot {
			p.advance()
			nc.Negated = true
		}
		if _, err := p.expect(TokNull); err != nil {
			return nil, fmt.Errorf("expected NULL after IS: %w", err)
		}
		return nc, nil
	default:
		return left, nil
	}

	right, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	return &Comparison{Left: left, Op: op, Right: right}, nil
}

func (p *Parser) parseAtom() (Expr, error) {
	t := p.peek()
	switch t.Type {
	case TokString:
		p.advance()
		return &Literal{Value: t.Value}, nil
	case TokNumber:
		p.advance()
		return numberLiteral(t.Value, false), nil
	case TokDash:
		if p.peekAt(1).Type == TokNumber {
			p.advance()
			return numberLiteral(p.advance().Value, true), nil
		}
	case TokTrue:
		p.advance()
		return &Literal{Value: true}, nil
	case TokFalse:
		p.advance()
		return &Literal{Value: false}, nil
	case TokNull:
		p.advance()
		return &Literal{Value: nil}, nil
	case TokParam:
		p.advance()
		return &Param{Name: t.Value}, nil
	case TokLBracket:
		return p.parseList()
	case TokLBrace:
		entries, err := p.parseInlineProps()
		if err != nil {
			return nil, err
		}
		return &MapExpr{Entries: entries}, nil
	case TokLParen:
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen); err != nil {
			return nil, err
		}
		return e, nil
	}

	if !isWord(t) {
		return nil, fmt.Errorf("unexpected %q at pos %d", t.Text, t.Pos)
	}
	p.advance()
	if p.peek().Type == TokLParen {
		return p.parseCall(t.Text)
	}
	if p.peek().Type == TokDot {
		p.advance()
		prop, err := p.name("property name")
		if err != nil {
			return nil, err
		}
		return &PropertyRef{Variable: t.Text, Property: prop}, nil
	}
	return &VarRef{Name: t.Text}, nil
}

func (p *Parser) parseCall(name string) (Expr, error) {
	p.advance() // consume (
	f := &FuncCall{Name: strings.ToLower(name)}
	if p.peek().Type == TokStar {
		p.advance()
		f.Star = true
	} else {
		if p.peek().Type == TokDistinct {
			p.advance()
			f.Distinct = true
		}
		for p.peek().Type != TokRParen {
			if len(f.Args) > 0 {
				if _, err := p.expect(TokComma); err != nil {
					return nil, err
				}
			}
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			f.Args = append(f.Args, arg)
		}
	}
	if _, err := p.expect(TokRParen); err != nil {
		return nil, fmt.Errorf("expected ')' to close %s(: %w", name, err)
	}
	return f, nil
}

func (p *Parser) parseList() (Expr, error) {
	p.advance() // consume [
	l := &ListExpr{}
	for p.peek().Type != TokRBracket {
		if len(l.Items) > 0 {
			if _, err := p.expect(TokComma); err != nil {
				return nil, err
			}
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		l.Items = append(l.Items, e)
	}
	p.advance() // consume ]
	return l, nil
}

func numberLiteral(text string, negative bool) *Literal {
	if negative {
		text = "-" + text
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return &Literal{Value: n}
	}
	f, _ := strconv.ParseFloat(text, 64)
	return &Literal{Value: f}
}
