package snow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/snowlink/internal/apperr"
	"github.com/starford/snowlink/internal/models"
)

func testSpecs() []KindSpec {
	return []KindSpec{
		{
			Kind:  models.KindIncident,
			Table: "incident",
			States: map[string]string{
				"1": "New",
				"2": "In Progress",
				"7": "Closed",
			},
		},
		{
			Kind:        models.KindTask,
			Table:       "sc_task",
			ParentRef:   "request_item",
			ParentTable: "sc_req_item",
		},
		{
			Kind:   models.KindRequest,
			Table:  "sc_request",
			Fields: map[string]string{"status": "request_state"},
		},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{
		BaseURL:    srv.URL,
		Username:   "bot",
		Password:   "secret",
		Timeout:    2 * time.Second,
		Retries:    1,
		RetryDelay: 10 * time.Millisecond,
	}, testSpecs(), nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func displayPair(value, display string) map[string]any {
	return map[string]any{"value": value, "display_value": display}
}

func incidentPayload() map[string]any {
	return map[string]any{
		"sys_id":                displayPair("9d385017c611228701d22104cc95c371", "9d385017c611228701d22104cc95c371"),
		"task_effective_number": displayPair("INC0012345", "INC0012345"),
		"short_description":     displayPair("Printer down", "Printer down"),
		"description":           displayPair("The 3rd floor printer is down.", "The 3rd floor printer is down."),
		"state":                 displayPair("2", "2"),
		"assigned_to":           displayPair("a1b2", "Jordan Smith"),
		"priority":              displayPair("2", "2 - High"),
		"sys_created_on":        displayPair("2026-08-20 10:00:00", "2026-08-20 10:00:00"),
		"sys_created_by":        displayPair("jordan", "jordan"),
		"sys_updated_on":        displayPair("2026-08-21 09:30:00", "2026-08-21 09:30:00"),
		"sys_updated_by":        displayPair("casey", "casey"),
		"approval":              displayPair("not requested", "not requested"),
	}
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func TestGetRecord_ByNumber(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/now/table/incident" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("sysparm_query"); got != "task_effective_number=INC0012345" {
			t.Errorf("sysparm_query = %q", got)
		}
		if user, pass, _ := r.BasicAuth(); user != "bot" || pass != "secret" {
			t.Errorf("basic auth = %s:%s", user, pass)
		}
		writeResult(w, []any{incidentPayload()})
	})

	rec, err := c.GetRecord(context.Background(), models.KindIncident, "INC0012345")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Identifier != "INC0012345" || rec.Title != "Printer down" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Status != "In Progress" {
		t.Errorf("status = %q, want mapped label In Progress", rec.Status)
	}
	if rec.Assignee != "Jordan Smith" {
		t.Errorf("assignee = %q", rec.Assignee)
	}
	if !strings.Contains(rec.URL, "incident.do%3Fsys_id=9d385017c611228701d22104cc95c371") {
		t.Errorf("url = %q", rec.URL)
	}
	wantExtras := []string{"Created", "Priority", "Last updated by", "Last updated", "Created by", "Approval"}
	if len(rec.Extra) != len(wantExtras) {
		t.Fatalf("extras = %v", rec.Extra)
	}
	for i, label := range wantExtras {
		if rec.Extra[i].Label != label {
			t.Errorf("extra[%d].Label = %q, want %q", i, rec.Extra[i].Label, label)
		}
	}
}

func TestGetRecord_StatusFieldOverride(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"sys_id":                displayPair("00000000000000000000000000000abc", ""),
			"task_effective_number": displayPair("REQ0034567", "REQ0034567"),
			"short_description":     displayPair("New laptop", "New laptop"),
			"request_state":         displayPair("in_process", "In Process"),
		}
		writeResult(w, []any{payload})
	})

	rec, err := c.GetRecord(context.Background(), models.KindRequest, "REQ0034567")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Status != "In Process" {
		t.Errorf("status = %q, want display value of request_state", rec.Status)
	}
}

func TestGetRecord_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, []any{})
	})

	_, err := c.GetRecord(context.Background(), models.KindIncident, "INC0099999")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetRecord_RetriesTransportFailure(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeResult(w, []any{incidentPayload()})
	})

	rec, err := c.GetRecord(context.Background(), models.KindIncident, "INC0012345")
	if err != nil {
		t.Fatalf("GetRecord after retry: %v", err)
	}
	if rec.Identifier != "INC0012345" {
		t.Errorf("record = %+v", rec)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestGetRecord_NoRetryOnNotFound(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetRecord(context.Background(), models.KindIncident, "9d385017c611228701d22104cc95c371")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on missing record)", calls.Load())
	}
}

func TestGetRecord_RetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.GetRecord(context.Background(), models.KindIncident, "INC0012345")
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	var se *statusError
	if !errors.As(err, &se) || se.code != http.StatusInternalServerError {
		t.Errorf("err = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", calls.Load())
	}
}

func TestGetRecord_MalformedRecord(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, []any{map[string]any{
			"short_description": displayPair("no number here", "no number here"),
		}})
	})

	_, err := c.GetRecord(context.Background(), models.KindIncident, "INC0012345")
	if !errors.Is(err, apperr.ErrMalformedRecord) {
		t.Fatalf("err = %v, want ErrMalformedRecord", err)
	}
}

func TestGetRecord_TaskParentEnrichment(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/now/table/sc_task":
			task := incidentPayload()
			task["task_effective_number"] = displayPair("SCTASK0098765", "SCTASK0098765")
			task["request_item"] = displayPair("feedbeeffeedbeeffeedbeeffeedbeef", "RITM0011111")
			task["sys_created_by"] = displayPair("task-bot", "task-bot")
			writeResult(w, []any{task})
		case strings.HasPrefix(r.URL.Path, "/api/now/table/sc_req_item/feedbeeffeedbeeffeedbeeffeedbeef"):
			writeResult(w, map[string]any{
				"sys_id":         displayPair("feedbeeffeedbeeffeedbeeffeedbeef", ""),
				"sys_created_by": displayPair("alice", "alice"),
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	rec, err := c.GetRecord(context.Background(), models.KindTask, "SCTASK0098765")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	var createdBy string
	for _, f := range rec.Extra {
		if f.Label == "Created by" {
			createdBy = f.Value
		}
	}
	if createdBy != "alice" {
		t.Errorf("Created by = %q, want parent record's alice", createdBy)
	}
}

func TestParseRecordURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	raw := c.RecordURL("incident", "9d385017c611228701d22104cc95c371")
	m, ok := c.ParseRecordURL(raw)
	if !ok {
		t.Fatalf("ParseRecordURL(%q) not recognised", raw)
	}
	if m.Kind != models.KindIncident || m.Identifier != "9d385017c611228701d22104cc95c371" {
		t.Errorf("match = %+v", m)
	}

	if _, ok := c.ParseRecordURL("https://sn.example.com/now/nav/ui/classic/params/target/kb_knowledge.do?sys_id=abc"); ok {
		t.Error("unknown table should not resolve")
	}
	if _, ok := c.ParseRecordURL("https://sn.example.com/now/nav/ui/classic/params/target/incident.do"); ok {
		t.Error("missing sys_id should not resolve")
	}
	if _, ok := c.ParseRecordURL("https://example.com/plain"); ok {
		t.Error("plain URL should not resolve")
	}
}

func TestNumberURLBuilder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	build := c.NumberURLBuilder(models.KindIncident)
	u := build("INC0012345")
	if !strings.Contains(u, "incident_list.do%3Fsysparm_query=task_effective_number=INC0012345") {
		t.Errorf("url = %q", u)
	}
}
