// internal/llm/repair.go
package llm

import (
	"encoding/json"
	"strings"
	"unicode"
)

// Best-effort repair for vendor JSON replies. It handles the failure modes seen
// in practice (markdown fences, chatter around the object, full-width
// punctuation, trailing commas, output cut off mid-string) and nothing more; it
// is not a JSON5 parser.

var jsonNoiseReplacer = strings.NewReplacer(
	"```json", "",
	"```JSON", "",
	"```", "",
	"\ufeff", "",
	"\u00a0", " ",
	"\u2028", "\n",
	"\u2029", "\n",
)

var structuralPunctuationMap = map[rune]rune{
	'：': ':',
	'﹕': ':',
	'，': ',',
	'﹐': ',',
	'【': '[',
	'】': ']',
	'［': '[',
	'］': ']',
	'｛': '{',
	'｝': '}',
}

var quotePairs = map[rune]rune{
	'“': '”',
	'„': '”',
	'‟': '”',
	'「': '」',
	'『': '』',
	'﹁': '﹂',
}

// CleanJSON strips everything around the first JSON value and normalises
// structural punctuation. It never fails; the result may still be invalid.
func CleanJSON(s string) string {
	if s == "" {
		return s
	}

	s = jsonNoiseReplacer.Replace(s)
	s = strings.TrimSpace(s)

	// 移除零宽字符及除换行/制表符外的控制字符
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return s
	}
	s = normalizeJSONStructure(strings.TrimSpace(s[start:]))

	if end := matchingClose(s); end >= 0 {
		return strings.TrimSpace(s[:end+1])
	}
	return strings.TrimSpace(s)
}

// normalizeJSONStructure maps full-width punctuation outside strings to ASCII
// and turns typographic quote pairs used as delimiters into '"'.
func normalizeJSONStructure(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	closing := '"'

	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == closing || r == '"':
				inString = false
				closing = '"'
				b.WriteRune('"')
				continue
			}
			b.WriteRune(r)
			continue
		}

		if replacement, ok := structuralPunctuationMap[r]; ok {
			r = replacement
		} else if c, ok := quotePairs[r]; ok {
			inString = true
			closing = c
			b.WriteRune('"')
			continue
		} else if r == '"' {
			inString = true
			closing = '"'
		} else if r > unicode.MaxASCII && !unicode.IsSpace(r) {
			// 丢弃字符串外的异常字符
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// matchingClose returns the index of the bracket closing s[0], or -1.
func matchingClose(s string) int {
	if s == "" {
		return -1
	}
	opening, closing := byte('{'), byte('}')
	if s[0] == '[' {
		opening, closing = '[', ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case opening:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// RepairJSON makes one attempt to turn s into valid JSON: clean, drop
// trailing commas, close an unterminated string and balance brackets.
func RepairJSON(s string) (string, bool) {
	cleaned := CleanJSON(s)
	if json.Valid([]byte(cleaned)) {
		return cleaned, true
	}

	fixed := closeTruncated(removeTrailingCommas(escapeControlInStrings(cleaned)))
	fixed = removeTrailingCommas(fixed)
	if json.Valid([]byte(fixed)) {
		return fixed, true
	}
	return fixed, false
}

// escapeControlInStrings escapes raw newlines and tabs inside string literals.
func escapeControlInStrings(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			b.WriteByte(c)
			continue
		}
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inString = false
		case c == '\n':
			b.WriteString(`\n`)
			continue
		case c == '\r':
			b.WriteString(`\r`)
			continue
		case c == '\t':
			b.WriteString(`\t`)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// removeTrailingCommas drops commas directly before '}' or ']' outside strings.
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\n' || s[j] == '\r' || s[j] == '\t') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
			if j == len(s) {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// closeTruncated closes an open string and any unbalanced brackets, in order.
func closeTruncated(s string) string {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if escaped {
		// a dangling backslash would escape the closing quote
		b.WriteByte('\\')
	}
	if inString {
		b.WriteByte('"')
	}
	trimmed := strings.TrimRight(b.String(), " \n\r\t")
	// dangling "key": gets a null value
	if strings.HasSuffix(trimmed, ":") {
		trimmed += "null"
	}
	b.Reset()
	b.WriteString(trimmed)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}
