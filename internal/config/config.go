// Package config reads the process configuration from the environment and
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unical/internal/apperr"
	"unical/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// OAuthApp is one provider's OAuth client registration.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Tenant       string
}

// Configured reports whether the app has both halves of its credentials.
func (a OAuthApp) Configured() bool {
	return a.ClientID != "" && a.ClientSecret != ""
}

// BusyFeed locates the optional CalDAV busy feed.
type BusyFeed struct {
	URL      string `validate:"omitempty,url"`
	Username string
	Password string
	Calendar string `validate:"required_with=URL"`
}

// Enabled reports whether a feed endpoint is set.
func (b BusyFeed) Enabled() bool {
	return b.URL != ""
}

// Config is the whole process configuration.
type Config struct {
	DatabaseURL string `validate:"required"`

	Google           OAuthApp
	MicrosoftEnabled bool
	Microsoft        OAuthApp

	DefaultTimezone    string `validate:"required"`
	ProviderPreference []models.Provider

	// Zero selects the provider's own window.
	SyncDaysBack    int `validate:"gte=0,lte=3650"`
	SyncDaysForward int `validate:"gte=0,lte=3650"`

	ProviderTimeout   time.Duration `validate:"gt=0"`
	MirrorWorkers     int           `validate:"gte=1,lte=64"`
	MirrorPairTimeout time.Duration `validate:"gt=0"`

	RedisURL     string        `validate:"omitempty,url"`
	SlotCacheTTL time.Duration `validate:"gt=0"`

	BusyFeed BusyFeed

	OAuthStateSecret string
	LogLevel         string `validate:"omitempty,oneof=debug info warn error"`
}

// Load reads .env when present, then the environment. Malformed numbers and
// durations are reported together.
func Load() (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", "sqlite://unical.db"),
		Google: OAuthApp{
			ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			RedirectURI:  os.Getenv("GOOGLE_REDIRECT_URI"),
		},
		MicrosoftEnabled: getBool("MICROSOFT_ENABLED", true, &errs),
		Microsoft: OAuthApp{
			ClientID:     os.Getenv("MICROSOFT_CLIENT_ID"),
			ClientSecret: os.Getenv("MICROSOFT_CLIENT_SECRET"),
			RedirectURI:  os.Getenv("MICROSOFT_REDIRECT_URI"),
			Tenant:       getEnv("MICROSOFT_TENANT_ID", "common"),
		},
		DefaultTimezone:    getEnv("DEFAULT_TIMEZONE", "UTC"),
		ProviderPreference: parsePreference(getEnv("PROVIDER_PREFERENCE", "google,microsoft")),
		SyncDaysBack:       getInt("SYNC_DAYS_BACK", 0, &errs),
		SyncDaysForward:    getInt("SYNC_DAYS_FORWARD", 0, &errs),
		ProviderTimeout:    getDuration("PROVIDER_TIMEOUT", 15*time.Second, &errs),
		MirrorWorkers:      getInt("MIRROR_WORKERS", 4, &errs),
		MirrorPairTimeout:  getDuration("MIRROR_PAIR_TIMEOUT", 2*time.Minute, &errs),
		RedisURL:           os.Getenv("REDIS_URL"),
		SlotCacheTTL:       getDuration("SLOT_CACHE_TTL", time.Minute, &errs),
		BusyFeed: BusyFeed{
			URL:      os.Getenv("BUSYFEED_URL"),
			Username: os.Getenv("BUSYFEED_USERNAME"),
			Password: os.Getenv("BUSYFEED_PASSWORD"),
			Calendar: os.Getenv("BUSYFEED_CALENDAR"),
		},
		OAuthStateSecret: os.Getenv("OAUTH_STATE_SECRET"),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}
	if len(errs) > 0 {
		return nil, apperr.Wrap(apperr.KindConfiguration, "", "load config", errors.Join(errs...))
	}
	return cfg, nil
}

// Validate rejects a configuration the process cannot start with.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return apperr.Wrap(apperr.KindConfiguration, "", "validate config", err)
	}
	if !c.Google.Configured() && !c.MicrosoftActive() {
		return apperr.Configuration("no calendar provider is configured: set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET, or MICROSOFT_CLIENT_ID and MICROSOFT_CLIENT_SECRET")
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return apperr.Wrap(apperr.KindConfiguration, "", "load DEFAULT_TIMEZONE", err)
	}
	if len(c.ProviderPreference) == 0 {
		return apperr.New(apperr.KindConfiguration, "", "PROVIDER_PREFERENCE is empty")
	}
	for _, p := range c.ProviderPreference {
		if !p.Valid() {
			return apperr.New(apperr.KindConfiguration, "", fmt.Sprintf("PROVIDER_PREFERENCE names unknown provider %q", p))
		}
	}
	return nil
}

// MicrosoftActive reports whether Microsoft is both enabled and configured.
func (c *Config) MicrosoftActive() bool {
	return c.MicrosoftEnabled && c.Microsoft.Configured()
}

// Location returns the default time zone. Call Validate first.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func getBool(key string, def bool, errs *[]error) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

// getDuration accepts Go durations ("90s") and bare seconds ("90").
func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

func parsePreference(v string) []models.Provider {
	var out []models.Provider
	for _, part := range strings.Split(v, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, models.Provider(part))
		}
	}
	return out
}
