package snow

import (
	"net/url"
	"strings"

	"github.com/starford/snowlink/internal/models"
	"github.com/starford/snowlink/internal/pattern"
)

// RecordURL builds the classic-UI deep link for a record by sys_id.
func (c *Client) RecordURL(table, sysID string) string {
	target := url.PathEscape(table + ".do?sys_id=" + sysID)
	return c.baseURL + "/now/nav/ui/classic/params/target/" + target
}

// NumberURLBuilder returns the canonical-URL builder used by the pattern
// registry for a kind: a list-view deep link filtered to the record number.
func (c *Client) NumberURLBuilder(kind models.Kind) pattern.URLBuilder {
	spec := c.specs[kind]
	return func(identifier string) string {
		query := spec.field("number", "task_effective_number") + "=" + identifier
		target := url.PathEscape(spec.Table + "_list.do?sysparm_query=" + query)
		return c.baseURL + "/now/nav/ui/classic/params/target/" + target
	}
}

// ParseRecordURL recognises classic-UI deep links ("/target/{table}.do" with
// a sys_id query parameter) and maps them to a Match for the table's kind.
// It satisfies pattern.URLParser.
func (c *Client) ParseRecordURL(raw string) (models.Match, bool) {
	unquoted, err := url.QueryUnescape(raw)
	if err != nil {
		unquoted = raw
	}
	if !strings.Contains(unquoted, "/target/") {
		return models.Match{}, false
	}
	u, err := url.Parse(unquoted)
	if err != nil {
		return models.Match{}, false
	}
	sysID := u.Query().Get("sys_id")
	if sysID == "" {
		return models.Match{}, false
	}
	seg := u.Path[strings.LastIndex(u.Path, "/")+1:]
	table := strings.TrimSuffix(seg, ".do")
	kind, ok := c.tables[table]
	if !ok {
		return models.Match{}, false
	}
	return models.Match{
		Kind:         kind,
		Identifier:   strings.ToLower(sysID),
		CanonicalURL: c.RecordURL(table, sysID),
	}, true
}
