// Package orchestrate wires the resolver, fetch client, and card builder
// into the per-event pipeline: one inbound chat event in, a batch of
// preview cards out.
package orchestrate

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/starford/snowlink/internal/apperr"
	"github.com/starford/snowlink/internal/card"
	"github.com/starford/snowlink/internal/history"
	"github.com/starford/snowlink/internal/models"
	"github.com/starford/snowlink/internal/pattern"
)

// Event types delivered by the messaging collaborator.
const (
	EventLinkShared    = "link_shared"
	EventReactionAdded = "reaction_added"
)

// Event is one inbound chat event. Channel and MessageRef address the
// response; the orchestrator does not interpret them.
type Event struct {
	Type       string
	Text       string
	Channel    string
	MessageRef string
}

// Card pairs a rendered payload with the match that produced it, so the
// bridge can key unfurls by source reference.
type Card struct {
	Match   models.Match
	Payload card.Payload
}

// Response is the batched result for one event.
type Response struct {
	Channel    string
	MessageRef string
	Cards      []Card
}

// Fetcher is the unified record fetch operation.
type Fetcher interface {
	Fetch(ctx context.Context, m models.Match) (models.Record, error)
}

// Recorder receives fire-and-forget audit entries. May be nil.
type Recorder interface {
	Record(e history.Entry)
}

// Orchestrator handles inbound events.
type Orchestrator struct {
	resolver   *pattern.Resolver
	fetcher    Fetcher
	builder    *card.Builder
	recorder   Recorder
	maxMatches int
	logger     *slog.Logger
}

// New creates an orchestrator. maxMatches caps how many cards a single
// event may produce; zero or negative means no cap.
func New(resolver *pattern.Resolver, fetcher Fetcher, builder *card.Builder, recorder Recorder, maxMatches int, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		resolver:   resolver,
		fetcher:    fetcher,
		builder:    builder,
		recorder:   recorder,
		maxMatches: maxMatches,
		logger:     logger,
	}
}

// Handle resolves the event text and fetches all matches concurrently.
// One match's failure never blocks the others; a failed match simply has
// no card in the response. The second return is false when the event
// produced nothing and should be dropped.
func (o *Orchestrator) Handle(ctx context.Context, ev Event) (Response, bool) {
	matches, err := o.resolver.Resolve(ev.Text)
	if err != nil {
		if errors.Is(err, apperr.ErrOversizedInput) {
			o.logger.Warn("resolution skipped, oversized input",
				slog.String("event", ev.Type),
				slog.String("channel", ev.Channel),
				slog.Int("len", len(ev.Text)))
		} else {
			o.logger.Error("resolution failed",
				slog.String("event", ev.Type),
				slog.String("error", err.Error()))
		}
		return Response{}, false
	}
	if len(matches) == 0 {
		return Response{}, false
	}
	if o.maxMatches > 0 && len(matches) > o.maxMatches {
		o.logger.Warn("match limit exceeded, truncating",
			slog.String("channel", ev.Channel),
			slog.Int("matches", len(matches)),
			slog.Int("limit", o.maxMatches))
		matches = matches[:o.maxMatches]
	}

	results := make([]*Card, len(matches))
	var g errgroup.Group
	for i, m := range matches {
		g.Go(func() error {
			rec, err := o.fetcher.Fetch(ctx, m)
			if err != nil {
				o.noteFailure(ev, m, err)
				return nil
			}
			results[i] = &Card{Match: m, Payload: o.builder.Build(rec)}
			o.record(ev, m, history.OutcomeOK)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return an error

	resp := Response{Channel: ev.Channel, MessageRef: ev.MessageRef}
	for _, c := range results {
		if c != nil {
			resp.Cards = append(resp.Cards, *c)
		}
	}
	return resp, len(resp.Cards) > 0
}

func (o *Orchestrator) noteFailure(ev Event, m models.Match, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		o.logger.Info("record not found",
			slog.String("kind", string(m.Kind)),
			slog.String("identifier", m.Identifier))
		o.record(ev, m, history.OutcomeNotFound)
	default:
		o.logger.Warn("fetch failed, card omitted",
			slog.String("kind", string(m.Kind)),
			slog.String("identifier", m.Identifier),
			slog.String("error", err.Error()))
		o.record(ev, m, history.OutcomeFailed)
	}
}

func (o *Orchestrator) record(ev Event, m models.Match, outcome string) {
	if o.recorder == nil {
		return
	}
	o.recorder.Record(history.Entry{
		Kind:       m.Kind,
		Identifier: m.Identifier,
		Channel:    ev.Channel,
		Outcome:    outcome,
	})
}
