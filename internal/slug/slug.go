// Package slug derives stable artifact identifiers from human names.
package slug

import (
	"strings"
	"unicode"
)

// Make lowercases name, collapses every whitespace run to a single "-",
// drops characters outside [a-z0-9-] and trims leading/trailing "-".
// Make is idempotent: Make(Make(s)) == Make(s).
func Make(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	inSpace := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte('-')
			}
			inSpace = true
			continue
		}
		inSpace = false
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-")
}

// Valid reports whether id is already in slug form.
func Valid(id string) bool {
	return id != "" && Make(id) == id
}

// Derive returns the id for name. When explicit is non-empty it must equal
// the slug of name. ok is false when the slug is empty or disagrees with
// explicit; reason then describes the problem.
func Derive(name, explicit string) (id string, reason string, ok bool) {
	id = Make(name)
	if id == "" {
		return "", "name " + quote(name) + " does not produce a valid id", false
	}
	if explicit != "" && explicit != id {
		return "", "id " + quote(explicit) + " does not match the id derived from name (" + quote(id) + ")", false
	}
	return id, "", true
}

func quote(s string) string { return "\"" + s + "\"" }
