package internal

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/starford/snowlink/internal/models"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Auth    AuthConfig        `yaml:"auth"`
	Slack   SlackConfig       `yaml:"slack"`
	Snow    SnowConfig        `yaml:"snow"`
	Cache   CacheConfig       `yaml:"cache"`
	Limits  LimitsConfig      `yaml:"limits"`
	History HistoryConfig     `yaml:"history"`
	Kinds   []KindConfig      `yaml:"kinds"`
}

// Validate validates the configuration. Any failure here is fatal at
// startup: the service never runs with a partial kind table.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Slack.Validate(); err != nil {
		return err
	}
	if err := c.Snow.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if err := c.History.Validate(); err != nil {
		return err
	}
	return c.validateKinds()
}

func (c *Config) validateKinds() error {
	if len(c.Kinds) == 0 {
		return fmt.Errorf("kinds: at least one record kind is required")
	}
	seenKind := make(map[models.Kind]bool)
	seenPattern := make(map[string]models.Kind)
	seenTable := make(map[string]models.Kind)
	for i := range c.Kinds {
		k := &c.Kinds[i]
		if err := k.Validate(); err != nil {
			return fmt.Errorf("kinds[%d] (%s): %w", i, k.Kind, err)
		}
		if seenKind[k.Kind] {
			return fmt.Errorf("kinds: %q declared twice", k.Kind)
		}
		seenKind[k.Kind] = true
		if prev, dup := seenPattern[k.Pattern]; dup {
			return fmt.Errorf("kinds: pattern %q declared for both %q and %q", k.Pattern, prev, k.Kind)
		}
		seenPattern[k.Pattern] = k.Kind
		if prev, dup := seenTable[k.Table]; dup {
			return fmt.Errorf("kinds: table %q declared for both %q and %q", k.Table, prev, k.Kind)
		}
		seenTable[k.Table] = k.Kind
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
	Version  string     `yaml:"version"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds the ops HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns the ops HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// AuthConfig guards the ops HTTP surface.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// SlackConfig holds the Slack app credentials and triggers.
type SlackConfig struct {
	BotToken      string `yaml:"bot_token"`
	AppToken      string `yaml:"app_token"`
	ReactionEmoji string `yaml:"reaction_emoji"`
	// UnfurlDomain restricts link_shared handling to links on this domain.
	// Empty means every shared link is offered to the URL parser.
	UnfurlDomain string `yaml:"unfurl_domain"`
}

// Validate validates the Slack configuration.
func (c *SlackConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.BotToken, validation.Required),
		validation.Field(&c.AppToken, validation.Required),
		validation.Field(&c.ReactionEmoji, validation.Required),
	); err != nil {
		return err
	}
	if !strings.HasPrefix(c.AppToken, "xapp-") {
		return fmt.Errorf("slack: app token must start with xapp-")
	}
	return nil
}

// SnowConfig holds the ServiceNow instance credentials and call limits.
type SnowConfig struct {
	Host       string   `yaml:"host"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	Timeout    Duration `yaml:"timeout"`
	Retries    int      `yaml:"retries"`
	RetryDelay Duration `yaml:"retry_delay"`
}

// BaseURL returns the instance base URL. A bare host gets the https scheme;
// a value that already carries a scheme is used as-is (tests, proxies).
func (c *SnowConfig) BaseURL() string {
	if strings.Contains(c.Host, "://") {
		return strings.TrimRight(c.Host, "/")
	}
	return "https://" + c.Host
}

// Validate validates the ServiceNow configuration.
func (c *SnowConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Host, validation.Required),
		validation.Field(&c.Username, validation.Required),
		validation.Field(&c.Password, validation.Required),
		validation.Field(&c.Retries, validation.Min(0), validation.Max(5)),
	)
}

// CacheConfig bounds the fetch-result cache.
type CacheConfig struct {
	TTL      Duration `yaml:"ttl"`
	Capacity int      `yaml:"capacity"`
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("cache: ttl must be positive")
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Capacity, validation.Required, validation.Min(1)),
	)
}

// LimitsConfig protects against pathological inputs and card floods.
type LimitsConfig struct {
	MaxTextLen         int `yaml:"max_text_len"`
	MaxMatchesPerEvent int `yaml:"max_matches_per_event"`
}

// Validate validates the limits configuration.
func (c *LimitsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxTextLen, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxMatchesPerEvent, validation.Required, validation.Min(1)),
	)
}

// HistoryConfig holds the unfurl audit log settings.
type HistoryConfig struct {
	Path   string `yaml:"path"`
	Retain int    `yaml:"retain"`
}

// Validate validates the history configuration.
func (c *HistoryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Retain, validation.Min(0)),
	)
}

// KindConfig declares one record kind: how to recognise it in text, which
// backend table serves it, and how to map its fields and states.
type KindConfig struct {
	Kind        models.Kind       `yaml:"kind"`
	Pattern     string            `yaml:"pattern"`
	Table       string            `yaml:"table"`
	Fields      map[string]string `yaml:"fields"`
	States      map[string]string `yaml:"states"`
	Indicators  map[string]string `yaml:"indicators"`
	ParentRef   string            `yaml:"parent_ref"`
	ParentTable string            `yaml:"parent_table"`
}

// Validate validates a single kind declaration.
func (c *KindConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Kind, validation.Required, validation.In(
			models.KindTask, models.KindRequestItem, models.KindRequest,
			models.KindIncident, models.KindChangeRequest,
		)),
		validation.Field(&c.Pattern, validation.Required),
		validation.Field(&c.Table, validation.Required),
	); err != nil {
		return err
	}
	if (c.ParentRef == "") != (c.ParentTable == "") {
		return fmt.Errorf("parent_ref and parent_table must be set together")
	}
	return nil
}

// taskStates is the sc_task state map shared by tasks and request items.
func taskStates() map[string]string {
	return map[string]string{
		"-5": "Pending",
		"1":  "Open",
		"2":  "Work in Progress",
		"3":  "Closed Complete",
		"4":  "Closed Incomplete",
		"7":  "Closed Skipped",
	}
}

func taskIndicators() map[string]string {
	return map[string]string{
		"Pending":           ":hourglass_flowing_sand:",
		"Open":              ":large_blue_circle:",
		"Work in Progress":  ":large_yellow_circle:",
		"Closed Complete":   ":large_green_circle:",
		"Closed Incomplete": ":red_circle:",
		"Closed Skipped":    ":white_circle:",
	}
}

// NewDefaultConfig returns a new Config with sensible default values:
// the five standard ServiceNow record kinds and a short-lived cache.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
			Version: "1.0.0",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Slack: SlackConfig{
			ReactionEmoji: "snowbot",
		},
		Snow: SnowConfig{
			Timeout:    Duration(10 * time.Second),
			Retries:    1,
			RetryDelay: Duration(500 * time.Millisecond),
		},
		Cache: CacheConfig{
			TTL:      Duration(5 * time.Minute),
			Capacity: 512,
		},
		Limits: LimitsConfig{
			MaxTextLen:         4000,
			MaxMatchesPerEvent: 5,
		},
		History: HistoryConfig{
			Path:   "./snowlink.db",
			Retain: 1000,
		},
		Kinds: []KindConfig{
			{
				Kind:        models.KindTask,
				Pattern:     `SCTASK\d{7,}`,
				Table:       "sc_task",
				States:      taskStates(),
				Indicators:  taskIndicators(),
				ParentRef:   "request_item",
				ParentTable: "sc_req_item",
			},
			{
				Kind:       models.KindRequestItem,
				Pattern:    `RITM\d{7,}`,
				Table:      "sc_req_item",
				States:     taskStates(),
				Indicators: taskIndicators(),
			},
			{
				Kind:    models.KindRequest,
				Pattern: `REQ\d{7,}`,
				Table:   "sc_request",
				Fields:  map[string]string{"status": "request_state"},
				Indicators: map[string]string{
					"In Process":      ":large_yellow_circle:",
					"Closed Complete": ":large_green_circle:",
					"Closed Rejected": ":red_circle:",
				},
			},
			{
				Kind:    models.KindIncident,
				Pattern: `INC\d{7,}`,
				Table:   "incident",
				States: map[string]string{
					"1": "New",
					"2": "In Progress",
					"3": "On Hold",
					"6": "Resolved",
					"7": "Closed",
					"8": "Canceled",
				},
				Indicators: map[string]string{
					"New":         ":new:",
					"In Progress": ":large_yellow_circle:",
					"On Hold":     ":double_vertical_bar:",
					"Resolved":    ":large_green_circle:",
					"Closed":      ":large_green_circle:",
					"Canceled":    ":heavy_multiplication_x:",
				},
			},
			{
				Kind:    models.KindChangeRequest,
				Pattern: `CHG\d{7,}`,
				Table:   "change_request",
				Indicators: map[string]string{
					"Implement": ":large_yellow_circle:",
					"Closed":    ":large_green_circle:",
				},
			},
		},
	}
}
