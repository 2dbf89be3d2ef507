package dialect

import (
	"fmt"
	"strconv"
	"strings"

	"sqllab/internal/domain"
)

// SplitStatements splits a script on top-level semicolons. Empty statements
// and statements consisting only of comments are dropped; the returned
// statements are trimmed and carry no trailing semicolon.
func SplitStatements(sql string) []string {
	var (
		out   []string
		start int
		code  bool
	)
	flush := func(end int) {
		if code {
			out = append(out, strings.TrimSpace(sql[start:end]))
		}
		code = false
	}
	for _, tok := range Tokenize(sql) {
		switch tok.Type {
		case TokenSemicolon:
			flush(tok.Start)
			start = tok.End
		case TokenComment:
		default:
			code = true
		}
	}
	flush(len(sql))
	return out
}

// StripComments removes SQL comments and trims the result.
func StripComments(sql string) string {
	var b strings.Builder
	last := 0
	for _, tok := range Tokenize(sql) {
		if tok.Type != TokenComment {
			continue
		}
		b.WriteString(sql[last:tok.Start])
		last = tok.End
	}
	b.WriteString(sql[last:])
	return strings.TrimSpace(b.String())
}

// StripTrailingSemicolons removes trailing semicolons and whitespace.
func StripTrailingSemicolons(sql string) string {
	return strings.TrimRight(strings.TrimSpace(sql), "; \t\r\n")
}

var mutatingKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "UPSERT": true,
	"CREATE": true, "DROP": true, "ALTER": true, "TRUNCATE": true, "REPLACE": true,
	"GRANT": true, "REVOKE": true, "COPY": true, "ATTACH": true, "DETACH": true,
	"VACUUM": true, "RENAME": true,
}

// mainKeyword returns the keyword that decides the statement kind. Leading
// parentheses are skipped and a WITH clause is walked past to the top-level
// statement that consumes it.
func mainKeyword(tokens []Token) string {
	i := 0
	for i < len(tokens) && tokens[i].Type == TokenLParen {
		i++
	}
	if i >= len(tokens) || tokens[i].Type != TokenWord {
		return ""
	}
	kw := tokens[i].Upper()
	if kw != "WITH" {
		return kw
	}
	depth := 0
	for _, tok := range tokens[i+1:] {
		switch tok.Type {
		case TokenLParen:
			depth++
		case TokenRParen:
			depth--
		case TokenWord:
			if depth != 0 {
				continue
			}
			switch up := tok.Upper(); up {
			case "SELECT", "VALUES", "TABLE":
				return "SELECT"
			default:
				if mutatingKeywords[up] {
					return up
				}
			}
		}
	}
	return "WITH"
}

// IsSelect reports whether sql is a single read-only SELECT (CTEs allowed).
func IsSelect(sql string) bool {
	stmts := SplitStatements(sql)
	if len(stmts) != 1 {
		return false
	}
	switch mainKeyword(codeTokens(stmts[0])) {
	case "SELECT", "VALUES", "TABLE":
		return true
	}
	return false
}

// IsMutating reports whether any statement in sql writes data or schema.
func IsMutating(sql string) bool {
	for _, stmt := range SplitStatements(sql) {
		tokens := codeTokens(stmt)
		if mutatingKeywords[mainKeyword(tokens)] {
			return true
		}
		// SELECT ... INTO creates a table on several engines.
		depth := 0
		for _, tok := range tokens {
			switch tok.Type {
			case TokenLParen:
				depth++
			case TokenRParen:
				depth--
			case TokenWord:
				if depth == 0 && tok.IsWord("INTO") {
					return true
				}
			}
		}
	}
	return false
}

// LimitInSQL returns the top-level LIMIT of the last statement in sql.
// "LIMIT offset, count" yields count. ok is false when there is no literal
// integer limit.
func LimitInSQL(sql string) (limit int, ok bool) {
	stmts := SplitStatements(sql)
	if len(stmts) == 0 {
		return 0, false
	}
	tokens := codeTokens(stmts[len(stmts)-1])
	depth := 0
	found := -1
	for i, tok := range tokens {
		switch tok.Type {
		case TokenLParen:
			depth++
		case TokenRParen:
			depth--
		case TokenWord:
			if depth == 0 && tok.IsWord("LIMIT") {
				found = i
			}
		}
	}
	if found < 0 || found+1 >= len(tokens) || tokens[found+1].Type != TokenNumber {
		return 0, false
	}
	idx := found + 1
	if idx+2 < len(tokens) && tokens[idx+1].Type == TokenComma && tokens[idx+2].Type == TokenNumber {
		idx += 2
	}
	n, err := strconv.Atoi(tokens[idx].Literal)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// WrapLimit wraps a statement so the engine returns at most limit rows.
func WrapLimit(sql string, limit int) string {
	return fmt.Sprintf("SELECT * FROM (\n%s\n) AS inner_qry LIMIT %d", StripTrailingSemicolons(sql), limit)
}

// AsCreateTable rewrites a SELECT into CREATE TABLE|VIEW ... AS. With
// overwrite the statement is preceded by a DROP ... IF EXISTS.
func AsCreateTable(sql, schema, table string, method domain.CtasMethod, overwrite bool) string {
	if method == "" {
		method = domain.CtasMethodTable
	}
	target := table
	if schema != "" {
		target = schema + "." + table
	}
	create := fmt.Sprintf("CREATE %s %s AS\n%s", method, target, StripTrailingSemicolons(sql))
	if overwrite {
		return fmt.Sprintf("DROP %s IF EXISTS %s;\n%s", method, target, create)
	}
	return create
}

// callKeywords are words that may precede a parenthesis without being a call.
var callKeywords = map[string]bool{
	"as": true, "in": true, "exists": true, "values": true, "from": true, "join": true,
	"on": true, "using": true, "over": true, "filter": true, "within": true, "and": true,
	"or": true, "not": true, "select": true, "where": true, "into": true, "table": true,
	"with": true, "union": true, "all": true, "any": true, "some": true, "lateral": true,
}

// FunctionNames returns the lower-cased names of every function called in sql.
func FunctionNames(sql string) []string {
	tokens := codeTokens(sql)
	seen := map[string]bool{}
	var out []string
	for i := 0; i+1 < len(tokens); i++ {
		if tokens[i].Type != TokenWord || tokens[i+1].Type != TokenLParen {
			continue
		}
		name := strings.ToLower(tokens[i].Literal)
		if callKeywords[name] || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// FindFunctions returns the members of names called in sql, in call order.
func FindFunctions(sql string, names []string) []string {
	if len(names) == 0 {
		return nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[strings.ToLower(n)] = true
	}
	var out []string
	for _, fn := range FunctionNames(sql) {
		if wanted[fn] {
			out = append(out, fn)
		}
	}
	return out
}
