// Package snow implements the ServiceNow Table API client and the
// normalization of backend-native records into the unified record model.
package snow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/starford/snowlink/internal/apperr"
	"github.com/starford/snowlink/internal/models"
)

// KindSpec declares how one record kind maps onto the backend: its table,
// which backend field feeds which record field, and how raw state values
// translate to display labels.
type KindSpec struct {
	Kind   models.Kind
	Table  string
	Fields map[string]string
	States map[string]string

	// ParentRef names a reference field whose target record supplies the
	// created-by value (sc_task inherits it from its request item).
	ParentRef   string
	ParentTable string
}

func (s *KindSpec) field(name, fallback string) string {
	if v, ok := s.Fields[name]; ok && v != "" {
		return v
	}
	return fallback
}

// Options configures the ServiceNow client.
type Options struct {
	BaseURL    string // scheme and host, e.g. https://acme.service-now.com
	Username   string
	Password   string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// Client talks to the ServiceNow Table API with basic auth. It performs at
// most Options.Retries bounded retries on transport-level failures.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpc      *http.Client
	retries    int
	retryDelay time.Duration
	specs      map[models.Kind]*KindSpec
	tables     map[string]models.Kind
	logger     *slog.Logger
}

// NewClient creates a ServiceNow client for the given kind specs.
func NewClient(opts Options, specs []KindSpec, logger *slog.Logger) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("snow: base URL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		username:   opts.Username,
		password:   opts.Password,
		httpc:      &http.Client{Timeout: opts.Timeout},
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		specs:      make(map[models.Kind]*KindSpec, len(specs)),
		tables:     make(map[string]models.Kind, len(specs)),
		logger:     logger,
	}
	for i := range specs {
		spec := specs[i]
		if spec.Table == "" {
			return nil, fmt.Errorf("snow: kind %q has no table", spec.Kind)
		}
		if prev, dup := c.tables[spec.Table]; dup {
			return nil, fmt.Errorf("snow: table %q declared for both %q and %q", spec.Table, prev, spec.Kind)
		}
		c.specs[spec.Kind] = &spec
		c.tables[spec.Table] = spec.Kind
	}
	return c, nil
}

// GetRecord fetches and normalizes one record. The identifier is either a
// record number (INC0012345) or a raw sys_id extracted from a deep link.
// A missing record yields apperr.ErrNotFound.
func (c *Client) GetRecord(ctx context.Context, kind models.Kind, identifier string) (models.Record, error) {
	spec, ok := c.specs[kind]
	if !ok {
		return models.Record{}, fmt.Errorf("snow: unknown kind %q", kind)
	}

	var (
		raw map[string]any
		err error
	)
	if isSysID(identifier) {
		raw, err = c.getBySysID(ctx, spec.Table, identifier)
	} else {
		raw, err = c.getByNumber(ctx, spec, identifier)
	}
	if err != nil {
		return models.Record{}, err
	}

	rec, err := c.normalize(spec, raw)
	if err != nil {
		return models.Record{}, fmt.Errorf("snow: %s %s: %w", spec.Table, identifier, err)
	}

	if spec.ParentRef != "" {
		c.enrichFromParent(ctx, spec, raw, &rec)
	}
	return rec, nil
}

// getByNumber queries the kind's table for the record with the given number.
func (c *Client) getByNumber(ctx context.Context, spec *KindSpec, number string) (map[string]any, error) {
	q := url.Values{}
	q.Set("sysparm_query", spec.field("number", "task_effective_number")+"="+number)
	q.Set("sysparm_limit", "1")
	q.Set("sysparm_display_value", "all")
	u := fmt.Sprintf("%s/api/now/table/%s?%s", c.baseURL, spec.Table, q.Encode())

	body, err := c.doJSON(ctx, u)
	if err != nil {
		return nil, err
	}
	var env struct {
		Result []map[string]any `json:"result"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("snow: decode %s response: %w", spec.Table, err)
	}
	if len(env.Result) == 0 {
		return nil, fmt.Errorf("snow: %s %s: %w", spec.Table, number, apperr.ErrNotFound)
	}
	return env.Result[0], nil
}

// getBySysID fetches one record directly by its sys_id.
func (c *Client) getBySysID(ctx context.Context, table, sysID string) (map[string]any, error) {
	q := url.Values{}
	q.Set("sysparm_display_value", "all")
	u := fmt.Sprintf("%s/api/now/table/%s/%s?%s", c.baseURL, table, url.PathEscape(sysID), q.Encode())

	body, err := c.doJSON(ctx, u)
	if err != nil {
		return nil, err
	}
	var env struct {
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("snow: decode %s response: %w", table, err)
	}
	if env.Result == nil {
		return nil, fmt.Errorf("snow: %s %s: %w", table, sysID, apperr.ErrNotFound)
	}
	return env.Result, nil
}

// enrichFromParent copies the created-by value from the referenced parent
// record when the child carries the reference. Failure to reach the parent
// degrades silently; the child record still renders.
func (c *Client) enrichFromParent(ctx context.Context, spec *KindSpec, raw map[string]any, rec *models.Record) {
	refID, _, ok := fieldValue(raw, spec.ParentRef)
	if !ok || refID == "" {
		return
	}
	parent, err := c.getBySysID(ctx, spec.ParentTable, refID)
	if err != nil {
		c.logger.Warn("parent lookup failed",
			slog.String("table", spec.ParentTable),
			slog.String("sys_id", refID),
			slog.String("error", err.Error()))
		return
	}
	if _, display, ok := fieldValue(parent, "sys_created_by"); ok {
		setExtra(rec, "Created by", display)
	}
}

// statusError marks a non-2xx backend response.
type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("snow: status %d from %s", e.code, e.url)
}

// doJSON performs one GET with basic auth, retrying transport failures and
// 5xx responses up to the configured retry budget with a fixed delay.
func (c *Client) doJSON(ctx context.Context, u string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		start := time.Now()
		body, err := c.get(ctx, u)
		if err == nil {
			c.logger.Debug("table query",
				slog.String("url", u),
				slog.Duration("elapsed", time.Since(start)))
			return body, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		c.logger.Warn("table query failed, retrying",
			slog.String("url", u),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return nil, lastErr
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("snow: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snow: request %s: %w", u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("snow: %s: %w", u, apperr.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, &statusError{code: resp.StatusCode, url: u}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("snow: read response: %w", err)
	}
	return body, nil
}

// retryable reports whether an error is worth one more attempt: transport
// failures and 5xx responses, never a missing record.
func retryable(err error) bool {
	if errors.Is(err, apperr.ErrNotFound) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// isSysID reports whether identifier looks like a ServiceNow sys_id
// (32 hex characters) rather than a record number.
func isSysID(identifier string) bool {
	if len(identifier) != 32 {
		return false
	}
	for _, r := range identifier {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
