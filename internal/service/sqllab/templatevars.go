package sqllab

import (
	"regexp"
	"sort"
	"strings"
)

var templateKeywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true, "is": true, "as": true,
	"true": true, "false": true, "True": true, "False": true, "None": true, "nil": true,
	"reversed": true, "sorted": true,
}

// exprTags are block tags whose arguments are plain expressions.
var exprTags = map[string]bool{
	"if": true, "elif": true, "ifequal": true, "ifnotequal": true,
	"firstof": true, "cycle": true, "ifchanged": true,
}

var kwargPattern = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*=[^=]`)

// undeclaredVariables lists the root variable names a template reads but
// never binds itself (for, with, set, macro), sorted.
func undeclaredVariables(src string) []string {
	declared := map[string]bool{"forloop": true}
	used := map[string]bool{}
	use := func(names []string) {
		for _, n := range names {
			used[n] = true
		}
	}

	i := 0
	for i < len(src) {
		start := strings.IndexByte(src[i:], '{')
		if start < 0 || i+start+1 >= len(src) {
			break
		}
		start += i
		switch src[start+1] {
		case '{':
			body, next := blockBody(src, start+2, "}}")
			use(exprNames(body))
			i = next
		case '#':
			_, next := blockBody(src, start+2, "#}")
			i = next
		case '%':
			body, next := blockBody(src, start+2, "%}")
			i = next
			tag, rest := splitTag(body)
			switch {
			case tag == "comment" || tag == "verbatim":
				i = skipPast(src, i, "end"+tag)
			case tag == "for":
				left, right, ok := strings.Cut(" "+rest+" ", " in ")
				if !ok {
					continue
				}
				for _, name := range strings.Split(left, ",") {
					declared[strings.TrimSpace(name)] = true
				}
				use(exprNames(right))
			case tag == "with":
				if expr, name, ok := strings.Cut(rest, " as "); ok {
					use(exprNames(expr))
					declared[strings.TrimSpace(name)] = true
					continue
				}
				for _, m := range kwargPattern.FindAllStringSubmatch(rest+" ", -1) {
					declared[m[1]] = true
				}
				use(exprNames(rest))
			case tag == "set":
				name, expr, _ := strings.Cut(rest, "=")
				declared[strings.TrimSpace(name)] = true
				use(exprNames(expr))
			case tag == "macro":
				for _, name := range identifiers(rest) {
					declared[name] = true
				}
			case exprTags[tag]:
				use(exprNames(rest))
			}
		default:
			i = start + 1
		}
	}

	var out []string
	for name := range used {
		if !declared[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// blockBody returns the text between from and the closing delimiter with
// whitespace-control dashes trimmed, and the offset after the delimiter.
func blockBody(src string, from int, closing string) (string, int) {
	end := strings.Index(src[from:], closing)
	if end < 0 {
		return "", len(src)
	}
	body := strings.TrimSpace(src[from : from+end])
	body = strings.TrimSpace(strings.Trim(body, "-"))
	return body, from + end + len(closing)
}

func skipPast(src string, from int, endTag string) int {
	for from < len(src) {
		open := strings.Index(src[from:], "{%")
		if open < 0 {
			return len(src)
		}
		body, next := blockBody(src, from+open+2, "%}")
		if tag, _ := splitTag(body); tag == endTag {
			return next
		}
		from = next
	}
	return len(src)
}

func splitTag(body string) (tag, rest string) {
	tag, rest, _ = strings.Cut(body, " ")
	return tag, strings.TrimSpace(rest)
}

// exprNames returns the root identifiers of an expression: names that are
// not attributes, filter names, keyword arguments or keywords.
func exprNames(expr string) []string {
	var out []string
	prev := byte(0)
	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == '"' || c == '\'':
			i++
			for i < len(expr) && expr[i] != c {
				if expr[i] == '\\' {
					i++
				}
				i++
			}
			i++
			prev = 'q'
		case isIdentStart(c):
			start := i
			for i < len(expr) && isIdentPart(expr[i]) {
				i++
			}
			name := expr[start:i]
			j := i
			for j < len(expr) && expr[j] == ' ' {
				j++
			}
			kwarg := j < len(expr) && expr[j] == '=' && (j+1 >= len(expr) || expr[j+1] != '=')
			if prev != '.' && prev != '|' && !kwarg && !templateKeywords[name] {
				out = append(out, name)
			}
			prev = 'a'
		case c >= '0' && c <= '9':
			for i < len(expr) && (expr[i] >= '0' && expr[i] <= '9' || expr[i] == '.') {
				i++
			}
			prev = '0'
		default:
			if c != ' ' && c != '\t' && c != '\n' {
				prev = c
			}
			i++
		}
	}
	return out
}

func identifiers(s string) []string {
	var out []string
	for i := 0; i < len(s); {
		if !isIdentStart(s[i]) {
			i++
			continue
		}
		start := i
		for i < len(s) && isIdentPart(s[i]) {
			i++
		}
		out = append(out, s[start:i])
	}
	return out
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}
