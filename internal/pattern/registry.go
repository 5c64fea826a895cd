// Package pattern implements identifier recognition for ServiceNow records:
// a per-kind rule registry and a resolver that scans message text and URLs.
package pattern

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/starford/snowlink/internal/models"
)

// URLBuilder derives the canonical deep link for a recognised identifier.
type URLBuilder func(identifier string) string

// Rule binds one record kind to its matcher expression and URL builder.
type Rule struct {
	Kind models.Kind

	expr     string
	re       *regexp.Regexp
	prefix   string // literal prefix of expr, used as the specificity tie-break
	order    int
	buildURL URLBuilder
}

// Expr returns the raw matcher expression the rule was registered with.
func (r *Rule) Expr() string { return r.expr }

// Registry holds the closed set of matching rules, in registration order.
// It is populated once at startup and read-only afterwards.
type Registry struct {
	rules  []*Rule
	byExpr map[string]models.Kind
}

// NewRegistry creates an empty rule registry.
func NewRegistry() *Registry {
	return &Registry{byExpr: make(map[string]models.Kind)}
}

// Register adds a matching rule for kind. Matching is case-insensitive.
// Two kinds declaring the same matcher expression is an ambiguous
// configuration and fails registration.
func (reg *Registry) Register(kind models.Kind, expr string, build URLBuilder) error {
	if expr == "" {
		return fmt.Errorf("pattern: empty matcher for kind %q", kind)
	}
	if build == nil {
		return fmt.Errorf("pattern: nil URL builder for kind %q", kind)
	}
	if prev, ok := reg.byExpr[expr]; ok {
		return fmt.Errorf("pattern: matcher %q registered for both %q and %q", expr, prev, kind)
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return fmt.Errorf("pattern: compile matcher for kind %q: %w", kind, err)
	}
	reg.byExpr[expr] = kind
	reg.rules = append(reg.rules, &Rule{
		Kind:     kind,
		expr:     expr,
		re:       re,
		prefix:   literalPrefix(expr),
		order:    len(reg.rules),
		buildURL: build,
	})
	return nil
}

// Rules returns all rules in registration order.
func (reg *Registry) Rules() []*Rule {
	return reg.rules
}

// literalPrefix returns the leading run of expr up to the first regexp
// metacharacter. A longer literal prefix marks a more specific matcher.
func literalPrefix(expr string) string {
	end := len(expr)
	for i, r := range expr {
		if strings.ContainsRune(`\.+*?()|[]{}^$`, r) {
			end = i
			break
		}
	}
	return expr[:end]
}
