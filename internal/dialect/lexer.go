// Package dialect holds the engine-agnostic SQL helpers used by SQL Lab:
// statement splitting, LIMIT detection, CTAS rewriting and the per-engine
// knobs (limit method, disallowed functions, log parsing).
package dialect

import (
	"strings"
	"unicode"
)

// TokenType identifies the lexical class of a token.
type TokenType int

// Token types produced by the lexer.
const (
	TokenEOF TokenType = iota
	TokenWord
	TokenQuotedIdent
	TokenString
	TokenNumber
	TokenLParen
	TokenRParen
	TokenComma
	TokenDot
	TokenSemicolon
	TokenComment
	TokenOther
)

// Token is a lexical unit with its byte span in the input.
type Token struct {
	Type    TokenType
	Literal string
	Start   int
	End     int
}

// Upper returns the literal upper-cased; handy for keyword comparison.
func (t Token) Upper() string { return strings.ToUpper(t.Literal) }

// IsWord reports whether the token is the given keyword, case-insensitively.
func (t Token) IsWord(kw string) bool {
	return t.Type == TokenWord && strings.EqualFold(t.Literal, kw)
}

// lexer tokenizes SQL. Comments are emitted as tokens so callers can choose
// to keep or drop them.
type lexer struct {
	input   string
	pos     int
	readPos int
	ch      byte
}

func newLexer(input string) *lexer {
	l := &lexer{input: input}
	l.readChar()
	return l
}

func (l *lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

func (l *lexer) eof() bool { return l.pos >= len(l.input) }

func (l *lexer) next() Token {
	for !l.eof() && isSpace(l.ch) {
		l.readChar()
	}
	start := l.pos
	if l.eof() {
		return Token{Type: TokenEOF, Start: start, End: start}
	}

	var typ TokenType
	switch {
	case l.ch == '-' && l.peekChar() == '-':
		for !l.eof() && l.ch != '\n' {
			l.readChar()
		}
		typ = TokenComment
	case l.ch == '/' && l.peekChar() == '*':
		l.readChar()
		l.readChar()
		for !l.eof() {
			if l.ch == '*' && l.peekChar() == '/' {
				l.readChar()
				l.readChar()
				break
			}
			l.readChar()
		}
		typ = TokenComment
	case l.ch == '\'':
		l.readQuoted('\'')
		typ = TokenString
	case l.ch == '"':
		l.readQuoted('"')
		typ = TokenQuotedIdent
	case l.ch == '`':
		l.readQuoted('`')
		typ = TokenQuotedIdent
	case l.ch == '[':
		l.readQuoted(']')
		typ = TokenQuotedIdent
	case isLetter(l.ch) || l.ch == '_':
		for !l.eof() && (isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' || l.ch == '$') {
			l.readChar()
		}
		typ = TokenWord
	case isDigit(l.ch):
		for !l.eof() && (isDigit(l.ch) || l.ch == '.') {
			l.readChar()
		}
		typ = TokenNumber
	default:
		switch l.ch {
		case '(':
			typ = TokenLParen
		case ')':
			typ = TokenRParen
		case ',':
			typ = TokenComma
		case '.':
			typ = TokenDot
		case ';':
			typ = TokenSemicolon
		default:
			typ = TokenOther
		}
		l.readChar()
	}
	return Token{Type: typ, Literal: l.input[start:l.pos], Start: start, End: l.pos}
}

// readQuoted consumes a quoted run. A doubled closing quote is an escape.
func (l *lexer) readQuoted(closing byte) {
	l.readChar()
	for !l.eof() {
		if l.ch == closing {
			if l.peekChar() == closing && closing != ']' {
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar()
			return
		}
		l.readChar()
	}
}

// Tokenize returns every token of sql, comments included, without the EOF marker.
func Tokenize(sql string) []Token {
	l := newLexer(sql)
	var out []Token
	for {
		tok := l.next()
		if tok.Type == TokenEOF {
			return out
		}
		out = append(out, tok)
	}
}

// codeTokens drops comment tokens.
func codeTokens(sql string) []Token {
	all := Tokenize(sql)
	out := all[:0]
	for _, t := range all {
		if t.Type != TokenComment {
			out = append(out, t)
		}
	}
	return out
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\f'
}

func isLetter(ch byte) bool {
	return ch >= 0x80 || unicode.IsLetter(rune(ch))
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
