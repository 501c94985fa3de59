package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults/settings.yaml
var defaultSettings []byte

// Audience selects who receives a planned notification.
type Audience string

const (
	AudienceCustomer Audience = "customer"
	AudienceAdmin    Audience = "admin"
)

type PlanEntry struct {
	EventType string   `mapstructure:"event_type"`
	Template  string   `mapstructure:"template"`
	Audience  Audience `mapstructure:"audience"`
	Priority  int      `mapstructure:"priority"`
	// PerReference scopes deduplication to the payment reference, so each
	// distinct payment raises its own notification.
	PerReference bool `mapstructure:"per_reference"`
}

type RetryPolicy struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     time.Duration `mapstructure:"jitter"`
}

type RateLimit struct {
	PerHour int `mapstructure:"per_hour"`
	PerDay  int `mapstructure:"per_day"`
}

type Settings struct {
	Currency              string                 `mapstructure:"currency"`
	Production            bool                   `mapstructure:"production"`
	DenyReferencePrefixes []string               `mapstructure:"deny_reference_prefixes"`
	AdminRecipients       []string               `mapstructure:"admin_recipients"`
	SoftBounceTTL         time.Duration          `mapstructure:"soft_bounce_ttl"`
	Retry                 RetryPolicy            `mapstructure:"retry"`
	RateLimit             RateLimit              `mapstructure:"rate_limit"`
	Plans                 map[string][]PlanEntry `mapstructure:"plans"`
}

// Plan returns the notifications to enqueue when trigger fires.
func (s Settings) Plan(trigger string) []PlanEntry {
	return s.Plans[strings.ToLower(trigger)]
}

// ReferenceDenied reports whether reference matches a test prefix and the
// store runs in production mode.
func (s Settings) ReferenceDenied(reference string) bool {
	if !s.Production {
		return false
	}
	ref := strings.ToLower(strings.TrimSpace(reference))
	for _, p := range s.DenyReferencePrefixes {
		if p != "" && strings.HasPrefix(ref, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

type Provider interface {
	Settings() Settings
}

// Static serves a fixed Settings value; Swap replaces it atomically.
type Static struct {
	v atomic.Pointer[Settings]
}

func NewStatic(s Settings) *Static {
	st := &Static{}
	st.v.Store(&s)
	return st
}

func (s *Static) Settings() Settings { return *s.v.Load() }

func (s *Static) Swap(next Settings) { s.v.Store(&next) }

// LoadSettings reads the embedded defaults, then path (if set), then
// STOREFRONT_* environment overrides.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaultSettings)); err != nil {
		return nil, fmt.Errorf("read default settings: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("STOREFRONT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	s.Currency = strings.ToUpper(s.Currency)
	if s.Retry.MaxRetries < 1 {
		return nil, fmt.Errorf("retry.max_retries must be at least 1")
	}
	return &s, nil
}
