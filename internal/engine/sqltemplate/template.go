// Package sqltemplate inspects and rewrites rule query templates. A template
// uses either positional "?" placeholders or named {{name}} placeholders;
// both are rewritten to PostgreSQL "$N" parameters before execution so values
// always travel through driver binding.
package sqltemplate

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrMixedPlaceholders   = errors.New("template mixes ? and {{name}} placeholders")
	ErrDriverPlaceholders  = errors.New("template uses $N placeholders; use ? or {{name}}")
	ErrPlaceholderInString = errors.New("placeholder inside a string literal")
	ErrUnknownName         = errors.New("placeholder is not a declared parameter")
)

var (
	namedRegex  = regexp.MustCompile(`\{\{([a-zA-Z_]\w*)\}\}`)
	driverRegex = regexp.MustCompile(`\$\d+`)
)

type Style int

const (
	StyleNone Style = iota
	StylePositional
	StyleNamed
)

func (s Style) String() string {
	switch s {
	case StylePositional:
		return "positional"
	case StyleNamed:
		return "named"
	default:
		return "none"
	}
}

// Template summarizes the placeholders of a query.
type Template struct {
	Style      Style
	Positional int
	// Names holds distinct named placeholders in order of first appearance.
	Names []string
}

// Count is the number of values the template needs bound.
func (t Template) Count() int {
	if t.Style == StyleNamed {
		return len(t.Names)
	}
	return t.Positional
}

// Parse counts placeholders outside string literals, quoted identifiers and comments.
func Parse(query string) (Template, error) {
	var t Template
	seen := make(map[string]bool)
	var err error

	walk(query, func(seg string, code bool) {
		if err != nil {
			return
		}
		if !code {
			if strings.HasPrefix(seg, "'") && namedRegex.MatchString(seg) {
				err = fmt.Errorf("%w: %s", ErrPlaceholderInString, seg)
			}
			return
		}
		if driverRegex.MatchString(seg) {
			err = ErrDriverPlaceholders
			return
		}
		t.Positional += strings.Count(seg, "?")
		for _, m := range namedRegex.FindAllStringSubmatch(seg, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				t.Names = append(t.Names, m[1])
			}
		}
	})
	if err != nil {
		return Template{}, err
	}

	switch {
	case t.Positional > 0 && len(t.Names) > 0:
		return Template{}, ErrMixedPlaceholders
	case t.Positional > 0:
		t.Style = StylePositional
	case len(t.Names) > 0:
		t.Style = StyleNamed
	}
	return t, nil
}

// Rewrite converts placeholders to $N. For named templates the number is the
// 1-based index of the name in order; a name used twice reuses its number.
// Positional placeholders are numbered left to right.
func Rewrite(query string, order []string) (string, error) {
	index := make(map[string]int, len(order))
	for i, name := range order {
		index[name] = i + 1
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	next := 0
	var err error

	walk(query, func(seg string, code bool) {
		if !code || err != nil {
			b.WriteString(seg)
			return
		}
		seg = namedRegex.ReplaceAllStringFunc(seg, func(m string) string {
			name := m[2 : len(m)-2]
			n, ok := index[name]
			if !ok {
				err = fmt.Errorf("%w: %s", ErrUnknownName, name)
				return m
			}
			return "$" + strconv.Itoa(n)
		})
		for _, r := range seg {
			if r == '?' {
				next++
				b.WriteString("$" + strconv.Itoa(next))
				continue
			}
			b.WriteRune(r)
		}
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// walk splits query into code and non-code segments. Non-code segments are
// string literals ('' escapes), quoted identifiers, -- and /* */ comments.
func walk(query string, fn func(seg string, code bool)) {
	start := 0
	i := 0
	flush := func(end int, code bool) {
		if end > start {
			fn(query[start:end], code)
		}
		start = end
	}

	for i < len(query) {
		switch {
		case query[i] == '\'' || query[i] == '"':
			flush(i, true)
			quote := query[i]
			i++
			for i < len(query) {
				if query[i] == quote {
					if i+1 < len(query) && query[i+1] == quote {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			flush(i, false)
		case strings.HasPrefix(query[i:], "--"):
			flush(i, true)
			end := strings.IndexByte(query[i:], '\n')
			if end < 0 {
				i = len(query)
			} else {
				i += end
			}
			flush(i, false)
		case strings.HasPrefix(query[i:], "/*"):
			flush(i, true)
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				i = len(query)
			} else {
				i += end + 4
			}
			flush(i, false)
		default:
			i++
		}
	}
	flush(len(query), true)
}
