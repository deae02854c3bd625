// Package results builds, stores and reshapes run result documents.
package results

import (
	"strings"

	"github.com/ashita-ai/kensa/internal/apperr"
)

// Key identifies one flat result record.
type Key struct {
	Model          string
	Recipe         string
	Dataset        string
	PromptTemplate string
}

// ParseKey parses "(model, recipe, dataset, prompt_template)". Components may
// be wrapped in single or double quotes, which allows commas inside them.
// The prompt template may be empty; the other components may not.
func ParseKey(s string) (Key, error) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 2 || trimmed[0] != '(' || trimmed[len(trimmed)-1] != ')' {
		return Key{}, malformedKey(s)
	}
	parts, ok := splitKey(trimmed[1 : len(trimmed)-1])
	if !ok || len(parts) != 4 {
		return Key{}, malformedKey(s)
	}
	k := Key{Model: parts[0], Recipe: parts[1], Dataset: parts[2], PromptTemplate: parts[3]}
	if k.Model == "" || k.Recipe == "" || k.Dataset == "" {
		return Key{}, malformedKey(s)
	}
	return k, nil
}

func malformedKey(s string) error {
	return apperr.New(apperr.Invariant, "", "malformed result key %q", s)
}

// splitKey splits on commas outside quotes, trimming and unquoting each part.
func splitKey(inner string) ([]string, bool) {
	var (
		parts []string
		cur   strings.Builder
		quote rune
		// quoted records whether the current part was quoted, so that
		// trailing spaces after the closing quote are not kept.
		quoted bool
	)
	flush := func() {
		part := cur.String()
		if !quoted {
			part = strings.TrimSpace(part)
		}
		parts = append(parts, part)
		cur.Reset()
		quoted = false
	}
	for _, r := range inner {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			if quoted || strings.TrimSpace(cur.String()) != "" {
				return nil, false
			}
			cur.Reset()
			quote = r
			quoted = true
		case r == ',':
			flush()
		case quoted:
			if r != ' ' && r != '\t' {
				return nil, false
			}
		default:
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, false
	}
	flush()
	return parts, true
}

// String formats k in the canonical composite form. Components containing
// characters significant to the format are single-quoted.
func (k Key) String() string {
	return "(" + quoteComponent(k.Model) + ", " + quoteComponent(k.Recipe) + ", " +
		quoteComponent(k.Dataset) + ", " + quoteComponent(k.PromptTemplate) + ")"
}

func quoteComponent(s string) string {
	if s == "" || strings.ContainsAny(s, ",()'\"") || strings.TrimSpace(s) != s {
		if strings.ContainsRune(s, '\'') {
			return `"` + s + `"`
		}
		return "'" + s + "'"
	}
	return s
}
