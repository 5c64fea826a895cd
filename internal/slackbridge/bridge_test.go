package slackbridge

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/starford/snowlink/internal/card"
	"github.com/starford/snowlink/internal/models"
	"github.com/starford/snowlink/internal/orchestrate"
)

type unfurlCall struct {
	channel string
	ts      string
	payload map[string]slack.Attachment
}

type fakeAPI struct {
	history       *slack.GetConversationHistoryResponse
	historyErr    error
	historyParams *slack.GetConversationHistoryParameters
	posts         []string // channels posted to
	unfurls       []unfurlCall
}

func (f *fakeAPI) AuthTest() (*slack.AuthTestResponse, error) {
	return &slack.AuthTestResponse{UserID: "UBOT"}, nil
}

func (f *fakeAPI) GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	f.historyParams = params
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history, nil
}

func (f *fakeAPI) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.posts = append(f.posts, channelID)
	return channelID, "1.2", nil
}

func (f *fakeAPI) UnfurlMessageContext(ctx context.Context, channelID, timestamp string, unfurls map[string]slack.Attachment, options ...slack.MsgOption) (string, string, string, error) {
	f.unfurls = append(f.unfurls, unfurlCall{channel: channelID, ts: timestamp, payload: unfurls})
	return channelID, timestamp, "", nil
}

// fakeHandler resolves any text containing an INC number to one card.
type fakeHandler struct {
	events []orchestrate.Event
}

func (h *fakeHandler) Handle(ctx context.Context, ev orchestrate.Event) (orchestrate.Response, bool) {
	h.events = append(h.events, ev)
	idx := strings.Index(ev.Text, "INC")
	if idx < 0 {
		return orchestrate.Response{}, false
	}
	id := ev.Text[idx:]
	if cut := strings.IndexAny(id, " /?&"); cut >= 0 {
		id = id[:cut]
	}
	rec := models.Record{
		Kind:       models.KindIncident,
		Identifier: id,
		Title:      "Printer on fire",
		Status:     "Open",
		URL:        "https://sn.example.com/records/" + id,
	}
	return orchestrate.Response{
		Channel:    ev.Channel,
		MessageRef: ev.MessageRef,
		Cards: []orchestrate.Card{
			{Match: models.Match{Kind: rec.Kind, Identifier: id}, Payload: card.NewBuilder(nil).Build(rec)},
		},
	}, true
}

func testBridge(api *fakeAPI, h Handler) *Bridge {
	return &Bridge{
		client:    api,
		handler:   h,
		emoji:     "snowbot",
		botUserID: "UBOT",
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestHandleReactionAddedPostsCards(t *testing.T) {
	api := &fakeAPI{history: &slack.GetConversationHistoryResponse{
		Messages: []slack.Message{{Msg: slack.Msg{Text: "see INC0012345"}}},
	}}
	h := &fakeHandler{}
	b := testBridge(api, h)

	b.HandleReactionAdded(context.Background(), &slackevents.ReactionAddedEvent{
		Reaction: "snowbot",
		User:     "U123",
		Item:     slackevents.Item{Type: "message", Channel: "C1", Timestamp: "111.222"},
	})

	if api.historyParams == nil {
		t.Fatal("conversation history not fetched")
	}
	if api.historyParams.Latest != "111.222" || !api.historyParams.Inclusive || api.historyParams.Limit != 1 {
		t.Errorf("history params = %+v", api.historyParams)
	}
	if len(h.events) != 1 || h.events[0].Type != orchestrate.EventReactionAdded {
		t.Fatalf("events = %+v", h.events)
	}
	if len(api.posts) != 1 || api.posts[0] != "C1" {
		t.Errorf("posts = %v", api.posts)
	}
}

func TestHandleReactionAddedWrongEmoji(t *testing.T) {
	api := &fakeAPI{}
	b := testBridge(api, &fakeHandler{})

	b.HandleReactionAdded(context.Background(), &slackevents.ReactionAddedEvent{
		Reaction: "thumbsup",
		Item:     slackevents.Item{Type: "message", Channel: "C1", Timestamp: "1.2"},
	})

	if api.historyParams != nil {
		t.Error("should not fetch history for other emojis")
	}
}

func TestHandleReactionAddedIgnoresOwnReaction(t *testing.T) {
	api := &fakeAPI{}
	b := testBridge(api, &fakeHandler{})

	b.HandleReactionAdded(context.Background(), &slackevents.ReactionAddedEvent{
		Reaction: "snowbot",
		User:     "UBOT",
		Item:     slackevents.Item{Type: "message", Channel: "C1", Timestamp: "1.2"},
	})

	if api.historyParams != nil || len(api.posts) != 0 {
		t.Error("bot's own reaction must be ignored")
	}
}

func TestHandleReactionAddedNonMessageItem(t *testing.T) {
	api := &fakeAPI{}
	b := testBridge(api, &fakeHandler{})

	b.HandleReactionAdded(context.Background(), &slackevents.ReactionAddedEvent{
		Reaction: "snowbot",
		User:     "U123",
		Item:     slackevents.Item{Type: "file"},
	})

	if api.historyParams != nil {
		t.Error("file reactions must be ignored")
	}
}

func TestHandleLinkSharedUnfurls(t *testing.T) {
	api := &fakeAPI{}
	h := &fakeHandler{}
	b := testBridge(api, h)

	url := "https://instance.service-now.com/now/nav/ui/classic/params/target/incident.do%3Fsys_id%3DINC0012345"
	b.HandleLinkShared(context.Background(), &slackevents.LinkSharedEvent{
		Channel:          "C9",
		MessageTimeStamp: "333.444",
		Links: []slackevents.SharedLinks{
			{Domain: "instance.service-now.com", URL: url},
			{Domain: "example.com", URL: "https://example.com/unrelated"},
		},
	})

	if len(api.unfurls) != 1 {
		t.Fatalf("unfurl calls = %d, want 1", len(api.unfurls))
	}
	call := api.unfurls[0]
	if call.channel != "C9" || call.ts != "333.444" {
		t.Errorf("unfurl addressing = %+v", call)
	}
	att, ok := call.payload[url]
	if !ok {
		t.Fatalf("payload keys = %v, want the shared URL", call.payload)
	}
	if att.Fallback == "" || len(att.Blocks.BlockSet) == 0 {
		t.Errorf("attachment = %+v, want fallback text and blocks", att)
	}
	if len(call.payload) != 1 {
		t.Errorf("unrelated link should not be unfurled: %v", call.payload)
	}
}

func TestHandleLinkSharedDomainFilter(t *testing.T) {
	api := &fakeAPI{}
	h := &fakeHandler{}
	b := testBridge(api, h)
	b.domain = "instance.service-now.com"

	b.HandleLinkShared(context.Background(), &slackevents.LinkSharedEvent{
		Channel:          "C9",
		MessageTimeStamp: "1.2",
		Links: []slackevents.SharedLinks{
			{Domain: "evil.example.com", URL: "https://evil.example.com/INC0012345"},
		},
	})

	if len(h.events) != 0 || len(api.unfurls) != 0 {
		t.Error("links outside the configured domain must be ignored")
	}
}

func TestHandleLinkSharedNoMatches(t *testing.T) {
	api := &fakeAPI{}
	b := testBridge(api, &fakeHandler{})

	b.HandleLinkShared(context.Background(), &slackevents.LinkSharedEvent{
		Channel:          "C9",
		MessageTimeStamp: "1.2",
		Links:            []slackevents.SharedLinks{{Domain: "example.com", URL: "https://example.com/x"}},
	})

	if len(api.unfurls) != 0 {
		t.Errorf("unfurl calls = %d, want 0", len(api.unfurls))
	}
}
