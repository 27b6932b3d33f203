package cypher

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType classifies a lexer token.
type TokenType int

const (
	// Keywords
	TokMatch    TokenType = iota // MATCH
	TokWhere                     // WHERE
	TokReturn                    // RETURN
	TokOrder                     // ORDER
	TokBy                        // BY
	TokLimit                     // LIMIT
	TokAnd                       // AND
	TokOr                        // OR
	TokAs                        // AS
	TokDistinct                  // DISTINCT
	TokContains                  // CONTAINS
	TokStarts                    // STARTS
	TokEnds                      // ENDS
	TokWith                      // WITH
	TokNot                       // NOT
	TokAsc                       // ASC
	TokDesc                      // DESC
	TokIn                        // IN
	TokIs                        // IS
	TokNull                      // NULL
	TokTrue                      // TRUE
	TokFalse                     // FALSE
	TokUnwind                    // UNWIND
	TokMerge                     // MERGE
	TokCreate                    // CREATE
	TokSet                       // SET
	TokDelete                    // DELETE
	TokDetach                    // DETACH
	TokConstraint                // CONSTRAINT
	TokIndex                     // INDEX
	TokIf                        // IF
	TokExists                    // EXISTS
	TokFor                       // FOR
	TokRequire                   // REQUIRE
	TokOn                        // ON
	TokUnique                    // UNIQUE
	TokShow                      // SHOW
	TokIndexes                   // INDEXES
	TokConstraints               // CONSTRAINTS
	TokYield                     // YIELD
	TokSkip                      // SKIP

	// Symbols
	TokLParen   // (
	TokRParen   // )
	TokLBracket // [
	TokRBracket // ]
	TokDash     // -
	TokGT       // >
	TokLT       // <
	TokColon    // :
	TokDot      // .
	TokLBrace   // {
	TokRBrace   // }
	TokStar     // *
	TokComma    // ,
	TokEQ       // =
	TokRegex    // =~
	TokGTE      // >=
	TokLTE      // <=
	TokPipe     // |
	TokDotDot   // ..
	TokNEQ      // <> or !=
	TokPlusEQ   // +=

	TokParam // $name

	// Literals
	TokIdent  // identifier
	TokString // "..." or '...'
	TokNumber // integer

	TokEOF // end of input
)

// Token is a single lexer token. Keywords carry their uppercase form in
// Value and the source spelling in Text, so a keyword can still serve as a
// property name (f.index) or map key.
type Token struct {
	Type  TokenType
	Value string
	Text  string
	Pos   int // byte offset in the input
}

func (t Token) String() string {
	return fmt.Sprintf("Token(%d, %q, pos=%d)", t.Type, t.Value, t.Pos)
}

// keywords maps uppercase keyword strings to their token type.
var keywords = map[string]TokenType{
	"MATCH":    TokMatch,
	"WHERE":    TokWhere,
	"RETURN":   TokReturn,
	"ORDER":    TokOrder,
	"BY":       TokBy,
	"LIMIT":    TokLimit,
	"AND":      TokAnd,
	"OR":       TokOr,
	"AS":       TokAs,
	"DISTINCT": TokDistinct,
	"CONTAINS": TokContains,
	"STARTS":   TokStarts,
	"ENDS":     TokEnds,
	"WITH":     TokWith,
	"NOT":      TokNot,
	"ASC":      TokAsc,
	"DESC":     TokDesc,
	"IN":       TokIn,
	"IS":       TokIs,
	"NULL":     TokNull,
	"TRUE":     TokTrue,
	"FALSE":    TokFalse,
	"UNWIND":   TokUnwind,
	"MERGE":    TokMerge,
	"CREATE":   TokCreate,
	"SET":      TokSet,
	"DELETE":   TokDelete,
	"DETACH":   TokDetach,
	"IF":       TokIf,
	"EXISTS":   TokExists,
	"FOR":      TokFor,
	"REQUIRE":  TokRequire,
	"ON":       TokOn,
	"UNIQUE":   TokUnique,
	"SHOW":     TokShow,
	"INDEX":    TokIndex,
	"INDEXES":  TokIndexes,
	"YIELD":    TokYield,
	"SKIP":     TokSkip,

	"CONSTRAINT":  TokConstraint,
	"CONSTRAINTS": TokConstraints,
}

// singleCharTokens maps single-character symbols to their token type.
var singleCharTokens = map[byte]TokenType{
	'(': TokLParen,
	')': TokRParen,
	'[': TokLBracket,
	']': TokRBracket,
	'{': TokLBrace,
	'}': TokRBrace,
	'*': TokStar,
	',': TokComma,
	'|': TokPipe,
	':': TokColon,
	'-': TokDash,
}

// Lexer tokenizes a Cypher statement.
type Lexer struct {
	input  string
	pos    int
	tokens []Token
}

// Lex tokenizes the input string into a slice of tokens.
func Lex(input string) ([]Token, error) {
	l := &Lexer{input: input}
	if err := l.tokenize(); err != nil {
		return nil, err
	}
	return l.tokens, nil
}

func (l *Lexer) tokenize() error {
	for l.pos < len(l.input) {
		ch := l.input[l.pos]

		if l.skipWhitespaceAndComments(ch) {
			continue
		}

		if err := l.lexNextToken(ch); err != nil {
			return err
		}
	}

	l.tokens = append(l.tokens, Token{Type: TokEOF, Pos: l.pos})
	return nil
}

// skipWhitespaceAndComments skips whitespace and // or /* */ comments.
// Returns true if something was skipped (caller should continue the loop).
func (l *Lexer) skipWhitespaceAndComments(ch byte) bool {
	if unicode.IsSpace(rune(ch)) {
		l.pos++
		return true
	}
	if ch == '/' && l.pos+1 < len(l.input) && l.input[l.pos+1] == '/' {
		for l.pos < len(l.input) && l.input[l.pos] != '\n' {
			l.pos++
		}
		return true
	}
	if ch == '/' && l.pos+1 < len(l.input) && l.input[l.pos+1] == '*' {
		l.pos += 2
		for l.pos+1 < len(l.input) {
			if l.input[l.pos] == '*' && l.input[l.pos+1] == '/' {
				l.pos += 2
				break
			}
			l.pos++
		}
		return true
	}
	return false
}

// lexNextToken dispatches a single token starting at l.pos.
func (l *Lexer) lexNextToken(ch byte) error {
	// Single-character tokens
	if tok, ok := singleCharTokens[ch]; ok {
		l.emit(tok, string(ch))
		l.pos++
		return nil
	}

	switch {
	case ch == '.':
		l.lexDot()
	case ch == '>':
		l.lexTwoChar('=', TokGTE, TokGT, ">")
	case ch == '<' && l.peekByte(1) == '>':
		l.emit(TokNEQ, "<>")
		l.pos += 2
	case ch == '<':
		l.lexTwoChar('=', TokLTE, TokLT, "<")
	case ch == '!' && l.peekByte(1) == '=':
		l.emit(TokNEQ, "!=")
		l.pos += 2
	case ch == '+' && l.peekByte(1) == '=':
		l.emit(TokPlusEQ, "+=")
		l.pos += 2
	case ch == '$':
		return l.lexParam()
	case ch == '`':
		return l.lexQuotedIdent()
	case ch == '=':
		l.lexTwoChar('~', TokRegex, TokEQ, "=")
	case ch == '"' || ch == '\'':
		return l.lexString(ch)
	case isDigit(ch):
		l.lexNumber()
	case isIdentStart(ch):
		l.lexIdent()
	default:
		return fmt.Errorf("unexpected char %q at pos %d", string(ch), l.pos)
	}
	return nil
}

// lexDot handles '.' and '..' tokens.
func (l *Lexer) lexDot() {
	if l.pos+1 < len(l.input) && l.input[l.pos+1] == '.' {
		l.emit(TokDotDot, "..")
		l.pos += 2
	} else {
		l.emit(TokDot, ".")
		l.pos++
	}
}

// lexTwoChar handles two-character tokens like >=, <=, =~.
// If the next char matches second, emit the compound token; otherwise emit the single token.
func (l *Lexer) lexTwoChar(second byte, compoundTok, singleTok TokenType, singleVal string) {
	if l.pos+1 < len(l.input) && l.input[l.pos+1] == second {
		l.emit(compoundTok, singleVal+string(second))
		l.pos += 2
	} else {
		l.emit(singleTok, singleVal)
		l.pos++
	}
}

func (l *Lexer) emit(typ TokenType, val string) {
	l.tokens = append(l.tokens, Token{Type: typ, Value: val, Text: val, Pos: l.pos})
}

func (l *Lexer) peekByte(off int) byte {
	if l.pos+off < len(l.input) {
		return l.input[l.pos+off]
	}
	return 0
}

// lexParam reads $name.
func (l *Lexer) lexParam() error {
	start := l.pos
	l.pos++
	for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
		l.pos++
	}
	name := l.input[start+1 : l.pos]
	if name == "" {
		return fmt.Errorf("empty parameter name at pos %d", start)
	}
	l.tokens = append(l.tokens, Token{Type: TokParam, Value: name, Text: name, Pos: start})
	return nil
}

// lexQuotedIdent reads a `backtick quoted` identifier.
func (l *Lexer) lexQuotedIdent() error {
	start := l.pos
	end := strings.IndexByte(l.input[start+1:], '`')
	if end < 0 {
		return fmt.Errorf("unterminated identifier at pos %d", start)
	}
	word := l.input[start+1 : start+1+end]
	l.tokens = append(l.tokens, Token{Type: TokIdent, Value: word, Text: word, Pos: start})
	l.pos = start + end + 2
	return nil
}

func (l *Lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++ // skip opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '\\' && l.pos+1 < len(l.input) {
			l.pos++
			switch esc := l.input[l.pos]; esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(esc)
			}
			l.pos++
			continue
		}
		if ch == quote {
			l.tokens = append(l.tokens, Token{Type: TokString, Value: sb.String(), Text: sb.String(), Pos: start})
			l.pos++ // skip closing quote
			return nil
		}
		sb.WriteByte(ch)
		l.pos++
	}
	return fmt.Errorf("unterminated string at pos %d", start)
}

func (l *Lexer) lexNumber() {
	start := l.pos
	for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
		l.pos++
	}
	// A decimal point (0.9, 3.14) but not ".." which is the range operator.
	if l.pos < len(l.input) && l.input[l.pos] == '.' {
		if l.pos+1 < len(l.input) && l.input[l.pos+1] != '.' && isDigit(l.input[l.pos+1]) {
			l.pos++ // consume '.'
			for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
				l.pos++
			}
		}
	}
	l.tokens = append(l.tokens, Token{Type: TokNumber, Value: l.input[start:l.pos], Text: l.input[start:l.pos], Pos: start})
}

func (l *Lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
		l.pos++
	}
	word := l.input[start:l.pos]
	upper := strings.ToUpper(word)
	if tok, ok := keywords[upper]; ok {
		l.tokens = append(l.tokens, Token{Type: tok, Value: upper, Text: word, Pos: start})
	} else {
		l.tokens = append(l.tokens, Token{Type: TokIdent, Value: word, Text: word, Pos: start})
	}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch)
}
