// Package registry builds provider clients for stored connections.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unical/internal/apperr"
	"unical/internal/google"
	"unical/internal/microsoft"
	"unical/internal/models"
	"unical/internal/provider"
	"unical/internal/store"

	"golang.org/x/oauth2"
)

// Options holds the OAuth apps per provider. A nil config disables the provider.
type Options struct {
	Google    *oauth2.Config
	Microsoft *oauth2.Config
	Timeout   time.Duration
}

// Registry is a provider.Factory backed by the store.
type Registry struct {
	store  *store.Store
	logger *slog.Logger
	opts   Options
}

// New creates a Registry.
func New(st *store.Store, logger *slog.Logger, opts Options) *Registry {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Registry{store: st, logger: logger, opts: opts}
}

// Config returns the OAuth config for p, or a configuration error when the
// provider is not enabled.
func (r *Registry) Config(p models.Provider) (*oauth2.Config, error) {
	var cfg *oauth2.Config
	switch p {
	case models.ProviderGoogle:
		cfg = r.opts.Google
	case models.ProviderMicrosoft:
		cfg = r.opts.Microsoft
	default:
		return nil, apperr.Configuration("unknown provider %q", p)
	}
	if cfg == nil {
		return nil, &apperr.Error{Kind: apperr.KindConfiguration, Code: apperr.CodeMissingCredentials, Reason: fmt.Sprintf("%s is not configured", p)}
	}
	return cfg, nil
}

// Client returns an auth-retrying client for conn. Refreshed tokens are
// written back to the connection row.
func (r *Registry) Client(ctx context.Context, conn *models.Connection) (provider.Client, error) {
	cfg, err := r.Config(conn.Provider)
	if err != nil {
		return nil, err
	}

	id := conn.ID
	save := func(ctx context.Context, bundle []byte) error {
		return r.store.SaveCredentials(ctx, id, bundle)
	}
	creds, err := provider.NewCredentials(context.WithoutCancel(ctx), r.logger, cfg, conn.Credentials, save)
	if err != nil {
		return nil, err
	}
	// An expired token is refreshed here, before callers open a transaction.
	if _, err := creds.Token(); err != nil {
		return nil, err
	}

	var client provider.Client
	switch conn.Provider {
	case models.ProviderGoogle:
		client, err = google.NewClient(ctx, r.logger, creds, conn, r.opts.Timeout)
		if err != nil {
			return nil, err
		}
	case models.ProviderMicrosoft:
		client = microsoft.NewClient(r.logger, creds, conn, r.opts.Timeout)
	}
	return provider.WithAuthRetry(client, r.logger), nil
}

// AccountEmail resolves the account address for a freshly authorized token.
func (r *Registry) AccountEmail(ctx context.Context, p models.Provider, bundle []byte) (string, error) {
	cfg, err := r.Config(p)
	if err != nil {
		return "", err
	}
	creds, err := provider.NewCredentials(ctx, r.logger, cfg, bundle, nil)
	if err != nil {
		return "", err
	}
	conn := &models.Connection{Provider: p}
	switch p {
	case models.ProviderGoogle:
		c, err := google.NewClient(ctx, r.logger, creds, conn, r.opts.Timeout)
		if err != nil {
			return "", err
		}
		return c.AccountEmail(ctx)
	default:
		return microsoft.NewClient(r.logger, creds, conn, r.opts.Timeout).AccountEmail(ctx)
	}
}
