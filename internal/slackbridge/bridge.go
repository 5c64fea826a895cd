// Package slackbridge connects the event pipeline to Slack over Socket
// Mode: link_shared events become unfurls, configured-emoji reactions
// become threaded preview cards.
package slackbridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/starford/snowlink/internal/orchestrate"
)

// API is the slice of the Slack Web API the bridge uses.
type API interface {
	AuthTest() (*slack.AuthTestResponse, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UnfurlMessageContext(ctx context.Context, channelID, timestamp string, unfurls map[string]slack.Attachment, options ...slack.MsgOption) (string, string, string, error)
}

// Handler is the per-event pipeline the bridge feeds.
type Handler interface {
	Handle(ctx context.Context, ev orchestrate.Event) (orchestrate.Response, bool)
}

// Config holds the bridge settings.
type Config struct {
	BotToken      string // xoxb-... Slack bot token
	AppToken      string // xapp-... Slack app-level token (for Socket Mode)
	ReactionEmoji string // emoji name that triggers card posting
	UnfurlDomain  string // only links on this domain are unfurled; empty = all
	Debug         bool
}

// Bridge is the Socket Mode event loop.
type Bridge struct {
	client     API
	socketMode *socketmode.Client
	handler    Handler
	emoji      string
	domain     string
	botUserID  string
	logger     *slog.Logger
}

// New creates a new bridge. It does not connect until Run is called.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Bridge, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("app token is required for Socket Mode")
	}
	if !strings.HasPrefix(cfg.AppToken, "xapp-") {
		return nil, fmt.Errorf("app token must start with xapp-")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := slack.New(
		cfg.BotToken,
		slack.OptionDebug(cfg.Debug),
		slack.OptionAppLevelToken(cfg.AppToken),
	)
	socketClient := socketmode.New(
		client,
		socketmode.OptionDebug(cfg.Debug),
	)

	return &Bridge{
		client:     client,
		socketMode: socketClient,
		handler:    handler,
		emoji:      cfg.ReactionEmoji,
		domain:     cfg.UnfurlDomain,
		logger:     logger,
	}, nil
}

// Run connects to Slack and processes events until the context is
// cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	authResp, err := b.client.AuthTest()
	if err != nil {
		b.logger.Warn("auth test failed, own reactions will not be filtered",
			slog.String("error", err.Error()))
	} else {
		b.botUserID = authResp.UserID
		b.logger.Info("authenticated", slog.String("bot_user_id", b.botUserID))
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-b.socketMode.Events:
				if !ok {
					return
				}
				b.handleEvent(ctx, evt)
			}
		}
	}()

	return b.socketMode.RunContext(ctx)
}

func (b *Bridge) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.logger.Info("connecting to Socket Mode")

	case socketmode.EventTypeConnected:
		b.logger.Info("connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		b.logger.Warn("Socket Mode connection error",
			slog.Any("data", evt.Data))

	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		b.socketMode.Ack(*evt.Request)
		b.handleEventsAPI(ctx, eventsAPIEvent)
	}
}

func (b *Bridge) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.LinkSharedEvent:
		b.HandleLinkShared(ctx, ev)
	case *slackevents.ReactionAddedEvent:
		b.HandleReactionAdded(ctx, ev)
	}
}

// HandleLinkShared unfurls every shared instance link that resolves to a
// record. Each link gets its own unfurl keyed by the exact URL Slack sent.
func (b *Bridge) HandleLinkShared(ctx context.Context, ev *slackevents.LinkSharedEvent) {
	unfurls := make(map[string]slack.Attachment)
	for _, link := range ev.Links {
		if b.domain != "" && link.Domain != b.domain {
			continue
		}
		resp, ok := b.handler.Handle(ctx, orchestrate.Event{
			Type:       orchestrate.EventLinkShared,
			Text:       link.URL,
			Channel:    ev.Channel,
			MessageRef: ev.MessageTimeStamp,
		})
		if !ok {
			continue
		}
		// One URL yields at most one record.
		unfurls[link.URL] = resp.Cards[0].Payload.Attachment()
	}
	if len(unfurls) == 0 {
		return
	}

	_, _, _, err := b.client.UnfurlMessageContext(ctx, ev.Channel, ev.MessageTimeStamp, unfurls)
	if err != nil {
		b.logger.Warn("unfurl failed",
			slog.String("channel", ev.Channel),
			slog.String("error", err.Error()))
		return
	}
	b.logger.Info("links unfurled",
		slog.String("channel", ev.Channel),
		slog.Int("count", len(unfurls)))
}

// HandleReactionAdded posts preview cards in-thread when a user reacts to
// a message with the configured emoji.
func (b *Bridge) HandleReactionAdded(ctx context.Context, ev *slackevents.ReactionAddedEvent) {
	if ev.Reaction != b.emoji {
		return
	}
	if ev.Item.Type != "message" {
		return
	}
	if b.botUserID != "" && ev.User == b.botUserID {
		return
	}

	history, err := b.client.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: ev.Item.Channel,
		Latest:    ev.Item.Timestamp,
		Limit:     1,
		Inclusive: true,
	})
	if err != nil {
		b.logger.Warn("message lookup failed",
			slog.String("channel", ev.Item.Channel),
			slog.String("error", err.Error()))
		return
	}
	if len(history.Messages) == 0 {
		return
	}

	resp, ok := b.handler.Handle(ctx, orchestrate.Event{
		Type:       orchestrate.EventReactionAdded,
		Text:       history.Messages[0].Text,
		Channel:    ev.Item.Channel,
		MessageRef: ev.Item.Timestamp,
	})
	if !ok {
		return
	}

	for _, c := range resp.Cards {
		_, _, err := b.client.PostMessageContext(ctx, resp.Channel,
			slack.MsgOptionBlocks(c.Payload.Blocks...),
			slack.MsgOptionTS(resp.MessageRef),
		)
		if err != nil {
			b.logger.Warn("card post failed",
				slog.String("channel", resp.Channel),
				slog.String("identifier", c.Match.Identifier),
				slog.String("error", err.Error()))
		}
	}
	b.logger.Info("cards posted",
		slog.String("channel", resp.Channel),
		slog.Int("count", len(resp.Cards)))
}
