package pattern

import (
	"net/url"
	"sort"
	"strings"

	"github.com/starford/snowlink/internal/apperr"
	"github.com/starford/snowlink/internal/models"
)

// URLParser recognises backend deep links that carry a record reference
// directly (table + sys_id) instead of a bare identifier.
type URLParser interface {
	ParseRecordURL(raw string) (models.Match, bool)
}

// Resolver scans free text for record identifiers using the registry rules.
type Resolver struct {
	reg     *Registry
	urls    URLParser
	maxText int
}

// NewResolver creates a resolver over the given registry. urls may be nil
// when deep-link recognition is not wanted (bare identifiers only).
// maxText bounds the accepted input length; zero disables the bound.
func NewResolver(reg *Registry, urls URLParser, maxText int) *Resolver {
	return &Resolver{reg: reg, urls: urls, maxText: maxText}
}

type candidate struct {
	rule       *Rule
	start, end int
	identifier string
}

// Resolve returns the deduplicated set of record references found in text,
// in order of first appearance. Empty text yields an empty result; text
// longer than the configured bound yields apperr.ErrOversizedInput.
func (r *Resolver) Resolve(text string) ([]models.Match, error) {
	if text == "" {
		return nil, nil
	}
	if r.maxText > 0 && len(text) > r.maxText {
		return nil, apperr.ErrOversizedInput
	}

	var out []models.Match
	seen := make(map[string]struct{})
	add := func(m models.Match) {
		if _, dup := seen[m.Key()]; dup {
			return
		}
		seen[m.Key()] = struct{}{}
		out = append(out, m)
	}

	// Deep links resolve directly; remaining URLs are unwrapped so their
	// path and query segments are scanned like plain text.
	scan := r.expandURLs(text, add)

	var cands []candidate
	for _, rule := range r.reg.Rules() {
		for _, loc := range rule.re.FindAllStringSubmatchIndex(scan, -1) {
			id := scan[loc[0]:loc[1]]
			if len(loc) >= 4 && loc[2] >= 0 {
				id = scan[loc[2]:loc[3]]
			}
			cands = append(cands, candidate{rule: rule, start: loc[0], end: loc[1], identifier: id})
		}
	}

	// A substring claimed by several rules goes to the most specific one.
	kept := cands[:0:0]
	for i, c := range cands {
		shadowed := false
		for j, other := range cands {
			if i == j || c.end <= other.start || other.end <= c.start {
				continue
			}
			if moreSpecific(other.rule, c.rule) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].start < kept[j].start })

	for _, c := range kept {
		id := strings.ToUpper(c.identifier)
		add(models.Match{
			Kind:         c.rule.Kind,
			Identifier:   id,
			CanonicalURL: c.rule.buildURL(id),
		})
	}
	return out, nil
}

// moreSpecific reports whether rule a beats rule b for the same substring:
// longer literal prefix first, then earlier registration.
func moreSpecific(a, b *Rule) bool {
	if a == b {
		return false
	}
	if len(a.prefix) != len(b.prefix) {
		return len(a.prefix) > len(b.prefix)
	}
	return a.order < b.order
}

// expandURLs replaces URL tokens with their unescaped path and query so
// identifiers embedded in links are visible to the matchers. Tokens the
// URLParser recognises as record deep links are resolved on the spot and
// removed from the scan text.
func (r *Resolver) expandURLs(text string, add func(models.Match)) string {
	if !strings.Contains(text, "://") {
		return text
	}
	fields := strings.Fields(text)
	for i, f := range fields {
		tok := trimSlackLink(f)
		if !strings.Contains(tok, "://") {
			continue
		}
		if r.urls != nil {
			if m, ok := r.urls.ParseRecordURL(tok); ok {
				add(m)
				fields[i] = ""
				continue
			}
		}
		fields[i] = unwrapURL(tok)
	}
	return strings.Join(fields, " ")
}

// unwrapURL reduces a URL token to its unescaped path and query text.
func unwrapURL(tok string) string {
	u, err := url.Parse(tok)
	if err != nil {
		return tok
	}
	p, perr := url.PathUnescape(u.Path)
	if perr != nil {
		p = u.Path
	}
	q, qerr := url.QueryUnescape(u.RawQuery)
	if qerr != nil {
		q = u.RawQuery
	}
	return strings.TrimSpace(p + " " + q)
}

// trimSlackLink strips Slack's <url|label> link syntax down to the URL.
func trimSlackLink(tok string) string {
	tok = strings.Trim(tok, "<>")
	if i := strings.IndexByte(tok, '|'); i >= 0 {
		tok = tok[:i]
	}
	return tok
}
