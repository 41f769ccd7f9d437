package nl2sql

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	fencedFollowUp = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{\\s*\"is_follow_up\".*?\\})\\s*```")
	sqlBlock       = regexp.MustCompile(`(?s)<sql>(.*?)</sql>`)
	paramsBlock    = regexp.MustCompile(`(?s)<params>(.*?)</params>`)
)

// ParseFollowUp reads the {is_follow_up, answer} object out of a model
// response. A fenced JSON block wins; otherwise the first brace-balanced
// object in the text that decodes and carries is_follow_up is used.
func ParseFollowUp(response string) (FollowUp, error) {
	if match := fencedFollowUp.FindStringSubmatch(response); match != nil {
		if verdict, err := decodeFollowUp(match[1]); err == nil {
			return verdict, nil
		}
	}
	for start := strings.IndexByte(response, '{'); start >= 0; {
		if object, ok := balancedObject(response, start); ok {
			if verdict, err := decodeFollowUp(object); err == nil {
				return verdict, nil
			}
		}
		next := strings.IndexByte(response[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return decodeFollowUp(strings.TrimSpace(response))
}

func decodeFollowUp(candidate string) (FollowUp, error) {
	var decoded struct {
		IsFollowUp *bool   `json:"is_follow_up"`
		Answer     *string `json:"answer"`
	}
	if err := json.Unmarshal([]byte(candidate), &decoded); err != nil {
		return FollowUp{}, fmt.Errorf("decode follow-up verdict: %w", err)
	}
	if decoded.IsFollowUp == nil {
		return FollowUp{}, fmt.Errorf("follow-up verdict has no is_follow_up field")
	}
	result := FollowUp{IsFollowUp: *decoded.IsFollowUp}
	if decoded.Answer != nil {
		result.Answer = *decoded.Answer
	}
	return result, nil
}

// ParseSQL returns the first <sql> block of response and the raw text of
// the first <params> block, if any.
func ParseSQL(response string) (sqlText string, rawParams string, err error) {
	match := sqlBlock.FindStringSubmatch(response)
	if match == nil {
		return "", "", ErrNoSQL
	}
	sqlText = stripMarkdownSQL(match[1])
	if sqlText == "" {
		return "", "", ErrNoSQL
	}
	if params := paramsBlock.FindStringSubmatch(response); params != nil {
		rawParams = strings.TrimSpace(params[1])
	}
	return sqlText, rawParams, nil
}

// ParseParams decodes a parameter list. JSON arrays are tried first; lists
// and tuples written as Python literals are accepted as a fallback.
func ParseParams(raw string) ([]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []any{}, nil
	}

	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	var values []any
	if err := decoder.Decode(&values); err == nil && !decoder.More() {
		for i, value := range values {
			values[i] = normalizeJSONValue(value)
		}
		return values, nil
	}

	parser := &literalParser{input: raw}
	values, err := parser.parseSequence()
	if err != nil {
		return nil, err
	}
	parser.skipSpace()
	if parser.pos != len(parser.input) {
		return nil, fmt.Errorf("unexpected trailing input at offset %d", parser.pos)
	}
	return values, nil
}

// NumberPlaceholders rewrites %s placeholders outside quoted text to $1, $2,
// ... and unescapes %% to % there, reporting how many placeholders were
// rewritten. SQL without either sequence is returned unchanged.
func NumberPlaceholders(sqlText string) (string, int) {
	if !strings.Contains(sqlText, "%s") && !strings.Contains(sqlText, "%%") {
		return sqlText, 0
	}
	var b strings.Builder
	count := 0
	var quote byte
	for i := 0; i < len(sqlText); i++ {
		ch := sqlText[i]
		if quote != 0 {
			b.WriteByte(ch)
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch {
		case ch == '\'' || ch == '"':
			quote = ch
			b.WriteByte(ch)
		case ch == '%' && i+1 < len(sqlText) && sqlText[i+1] == 's':
			count++
			b.WriteString("$" + strconv.Itoa(count))
			i++
		case ch == '%' && i+1 < len(sqlText) && sqlText[i+1] == '%':
			b.WriteByte('%')
			i++
		default:
			b.WriteByte(ch)
		}
	}
	return b.String(), count
}

func stripMarkdownSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```sql")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}

// balancedObject returns the object that opens at text[start], skipping
// braces inside JSON strings.
func balancedObject(text string, start int) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func normalizeJSONValue(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return i
		}
		if f, err := typed.Float64(); err == nil {
			return f
		}
		return typed.String()
	case []any:
		for i := range typed {
			typed[i] = normalizeJSONValue(typed[i])
		}
		return typed
	default:
		return value
	}
}

// literalParser reads Python list and tuple literals of scalars: quoted
// strings, integers, floats, True, False and None.
type literalParser struct {
	input string
	pos   int
}

func (p *literalParser) parseSequence() ([]any, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("empty parameter list")
	}
	var closing byte
	switch p.input[p.pos] {
	case '[':
		closing = ']'
	case '(':
		closing = ')'
	default:
		return nil, fmt.Errorf("parameter list must start with [ or (, got %q", p.input[p.pos])
	}
	p.pos++

	values := []any{}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return nil, fmt.Errorf("unterminated parameter list")
		}
		if p.input[p.pos] == closing {
			p.pos++
			return values, nil
		}
		value, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		values = append(values, value)

		p.skipSpace()
		if p.pos < len(p.input) && p.input[p.pos] == ',' {
			p.pos++
			continue
		}
		if p.pos < len(p.input) && p.input[p.pos] == closing {
			continue
		}
		return nil, fmt.Errorf("expected , or %q at offset %d", closing, p.pos)
	}
}

func (p *literalParser) parseValue() (any, error) {
	ch := p.input[p.pos]
	switch {
	case ch == '\'' || ch == '"':
		return p.parseString(ch)
	case ch == '[' || ch == '(':
		return p.parseSequence()
	case ch == '-' || ch == '+' || ch == '.' || (ch >= '0' && ch <= '9'):
		return p.parseNumber()
	default:
		word := p.readWord()
		switch word {
		case "True", "true":
			return true, nil
		case "False", "false":
			return false, nil
		case "None", "null":
			return nil, nil
		}
		return nil, fmt.Errorf("unsupported literal %q at offset %d", word, p.pos)
	}
}

func (p *literalParser) parseString(quote byte) (string, error) {
	p.pos++
	var b bytes.Buffer
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		p.pos++
		switch ch {
		case quote:
			return b.String(), nil
		case '\\':
			if p.pos >= len(p.input) {
				return "", fmt.Errorf("unterminated escape")
			}
			escaped := p.input[p.pos]
			p.pos++
			switch escaped {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(escaped)
			}
		default:
			b.WriteByte(ch)
		}
	}
	return "", fmt.Errorf("unterminated string literal")
}

func (p *literalParser) parseNumber() (any, error) {
	start := p.pos
	for p.pos < len(p.input) && strings.IndexByte("+-.0123456789eE_", p.input[p.pos]) >= 0 {
		p.pos++
	}
	text := strings.ReplaceAll(p.input[start:p.pos], "_", "")
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", text)
	}
	return f, nil
}

func (p *literalParser) readWord() string {
	start := p.pos
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if ch == ',' || ch == ']' || ch == ')' || ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			break
		}
		p.pos++
	}
	return p.input[start:p.pos]
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.input) && strings.IndexByte(" \t\r\n", p.input[p.pos]) >= 0 {
		p.pos++
	}
}
