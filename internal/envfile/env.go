// ABOUTME: Literal dotenv parser: export prefix, comments, quotes and multi-line quoted values
// ABOUTME: Keeps declaration order and never expands variable references

package envfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// ErrUnterminatedQuote is returned when a quoted value never closes.
var ErrUnterminatedQuote = errors.New("unterminated quoted value")

var assignment = regexp.MustCompile(`^\s*(?:export\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*=(.*)$`)

// Var is one assignment in declaration order.
type Var struct {
	Key   string
	Value string
	Line  int
}

// ParseEnv reads dotenv content. Lines that are not assignments are skipped.
func ParseEnv(r io.Reader) ([]Var, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimSuffix(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading env content: %w", err)
	}

	var vars []Var
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		m := assignment.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		start := i + 1
		key, raw := m[1], strings.TrimLeft(m[2], " \t")

		var value string
		if raw != "" && (raw[0] == '"' || raw[0] == '\'') {
			v, consumed, err := quoted(raw, lines[i+1:])
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", start, key, err)
			}
			value = v
			i += consumed
		} else {
			value = unquoted(raw)
		}
		vars = append(vars, Var{Key: key, Value: value, Line: start})
	}
	return vars, nil
}

// ReadEnvFile parses the dotenv file at path.
func ReadEnvFile(path string) ([]Var, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseEnv(f)
}

// Map collapses vars into a map; later declarations win.
func Map(vars []Var) map[string]string {
	m := make(map[string]string, len(vars))
	for _, v := range vars {
		m[v.Key] = v.Value
	}
	return m
}

// unquoted strips an inline comment (a # preceded by whitespace) and
// surrounding space.
func unquoted(raw string) string {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '#' && (i == 0 || raw[i-1] == ' ' || raw[i-1] == '\t') {
			return strings.TrimSpace(raw[:i])
		}
	}
	return strings.TrimSpace(raw)
}

// quoted reads a value opened by raw[0], continuing into rest when the quote
// spans lines. It returns the value and how many extra lines were consumed.
// Double-quoted values understand \" \\ \n and \t escapes; single-quoted
// values are verbatim.
func quoted(raw string, rest []string) (string, int, error) {
	q := raw[0]
	var b strings.Builder
	text := raw[1:]
	consumed := 0
	for {
		for j := 0; j < len(text); j++ {
			c := text[j]
			if q == '"' && c == '\\' && j+1 < len(text) {
				j++
				switch text[j] {
				case 'n':
					b.WriteByte('\n')
				case 't':
					b.WriteByte('\t')
				case '"', '\\':
					b.WriteByte(text[j])
				default:
					b.WriteByte('\\')
					b.WriteByte(text[j])
				}
				continue
			}
			if c == q {
				tail := strings.TrimSpace(text[j+1:])
				if tail != "" && !strings.HasPrefix(tail, "#") {
					return "", 0, fmt.Errorf("unexpected content after closing quote: %q", tail)
				}
				return b.String(), consumed, nil
			}
			b.WriteByte(c)
		}
		if consumed >= len(rest) {
			return "", 0, ErrUnterminatedQuote
		}
		b.WriteByte('\n')
		text = rest[consumed]
		consumed++
	}
}
