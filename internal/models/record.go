// Package models defines the domain types for Snowlink.
package models

// Kind identifies one of the supported ServiceNow record categories.
// The set is closed and fixed by configuration at startup.
type Kind string

const (
	KindTask          Kind = "task"
	KindRequestItem   Kind = "request_item"
	KindRequest       Kind = "request"
	KindIncident      Kind = "incident"
	KindChangeRequest Kind = "change_request"
)

// Label returns the human-readable name of the kind for card rendering.
func (k Kind) Label() string {
	switch k {
	case KindTask:
		return "Task"
	case KindRequestItem:
		return "Request Item"
	case KindRequest:
		return "Request"
	case KindIncident:
		return "Incident"
	case KindChangeRequest:
		return "Change Request"
	default:
		return string(k)
	}
}

// Match is one resolved record reference found in message text.
// Equality is (Kind, Identifier); CanonicalURL is derived from them.
type Match struct {
	Kind         Kind   `json:"kind"`
	Identifier   string `json:"identifier"`
	CanonicalURL string `json:"canonical_url"`
}

// Key returns the cache/deduplication key for the match.
func (m Match) Key() string {
	return string(m.Kind) + "/" + m.Identifier
}

// Field is one labelled value rendered on a card. Order matters.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Record is the kind-agnostic representation of a fetched ServiceNow
// record, produced by the fetch layer and consumed by the card builder.
type Record struct {
	Kind        Kind    `json:"kind"`
	Identifier  string  `json:"identifier"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
	Assignee    string  `json:"assignee,omitempty"`
	Description string  `json:"description,omitempty"`
	URL         string  `json:"url"`
	Extra       []Field `json:"extra,omitempty"`
}
