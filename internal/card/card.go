// Package card renders unified records as Slack Block Kit preview cards.
// Building a card is pure: no I/O, deterministic for the same record.
package card

import (
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/starford/snowlink/internal/models"
)

// Placeholders substituted for fields the backend record did not carry.
const (
	PlaceholderValue    = "N/A"
	PlaceholderAssignee = "Unassigned"
)

const defaultIndicator = ":white_circle:"

// maxDetailLen bounds the long description text so a verbose ticket does
// not dominate the channel.
const maxDetailLen = 500

// Payload is one rendered preview card.
type Payload struct {
	// Title is the plain-text summary used for notification fallback text.
	Title string
	// Blocks is the Block Kit body posted to the channel or unfurl.
	Blocks []slack.Block
}

// Builder maps records to cards using a per-kind status indicator table.
type Builder struct {
	indicators map[models.Kind]map[string]string
}

// NewBuilder creates a card builder. indicators maps status labels to
// emoji per kind; unknown statuses fall back to a neutral indicator.
func NewBuilder(indicators map[models.Kind]map[string]string) *Builder {
	return &Builder{indicators: indicators}
}

// Build renders a record into a card. Missing optional fields are replaced
// with documented placeholders rather than omitted.
func (b *Builder) Build(rec models.Record) Payload {
	status := orPlaceholder(rec.Status, PlaceholderValue)
	assignee := orPlaceholder(rec.Assignee, PlaceholderAssignee)

	// The Description section leads with the short summary; the long
	// description follows when it adds anything.
	desc := orPlaceholder(rec.Title, PlaceholderValue)
	if rec.Description != "" && rec.Description != rec.Title {
		desc += "\n" + truncate(rec.Description, maxDetailLen)
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject(slack.PlainTextType, orPlaceholder(rec.Identifier, PlaceholderValue), true, false),
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("*%s* · %s %s", rec.Kind.Label(), b.indicator(rec.Kind, rec.Status), status),
				false, false),
			nil, nil),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType,
				"*Description:*\n"+desc,
				false, false),
			nil, nil),
		fieldPair("Created", b.extra(rec, "Created"), "Priority", b.extra(rec, "Priority")),
		fieldPair("Last updated by", b.extra(rec, "Last updated by"), "Last updated", b.extra(rec, "Last updated")),
		fieldPair("Created by", b.extra(rec, "Created by"), "Assigned to", assignee),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("<%s|View item>", rec.URL),
				false, false),
			nil, nil),
	}

	return Payload{
		Title:  fmt.Sprintf("%s %s: %s", rec.Kind.Label(), rec.Identifier, orPlaceholder(rec.Title, PlaceholderValue)),
		Blocks: blocks,
	}
}

// indicator returns the emoji for a kind/status pair.
func (b *Builder) indicator(kind models.Kind, status string) string {
	if m, ok := b.indicators[kind]; ok {
		if emoji, ok := m[status]; ok {
			return emoji
		}
	}
	return defaultIndicator
}

// extra reads an ordered extra field by label, with the neutral placeholder.
func (b *Builder) extra(rec models.Record, label string) string {
	for _, f := range rec.Extra {
		if f.Label == label {
			return orPlaceholder(f.Value, PlaceholderValue)
		}
	}
	return PlaceholderValue
}

func fieldPair(leftLabel, left, rightLabel, right string) slack.Block {
	return slack.NewSectionBlock(nil, []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s:*\n%s", leftLabel, left), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s:*\n%s", rightLabel, right), false, false),
	}, nil)
}

func orPlaceholder(v, placeholder string) string {
	if v == "" {
		return placeholder
	}
	return v
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max])) + "..."
}

// Attachment wraps a card as a Slack message attachment, the shape the
// chat.unfurl API expects.
func (p Payload) Attachment() slack.Attachment {
	return slack.Attachment{
		Fallback: p.Title,
		Blocks:   slack.Blocks{BlockSet: p.Blocks},
	}
}
