// Package filter renders LDAP search filters from configurable templates.
package filter

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Placeholder is the token in a template that is replaced by the identifier.
const Placeholder = "{}"

// Render substitutes identifier for every Placeholder in template.
//
// The identifier is escaped per RFC 4515 before substitution, so it can never add
// clauses, wildcards or escapes of its own. The template itself is trusted and is
// not escaped. A template such as "uid={}" is wrapped in parentheses.
func Render(template, identifier string) string {
	return Normalize(strings.ReplaceAll(template, Placeholder, ldap.EscapeFilter(identifier)))
}

// Normalize wraps a bare filter component in parentheses.
func Normalize(f string) string {
	f = strings.TrimSpace(f)
	if f == "" || strings.HasPrefix(f, "(") {
		return f
	}
	return "(" + f + ")"
}
