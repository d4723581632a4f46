package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unical/internal/apperr"

	"golang.org/x/oauth2"
)

// SaveFunc persists a refreshed credential bundle.
type SaveFunc func(ctx context.Context, bundle []byte) error

// Credentials is an oauth2.TokenSource over one connection's bundle. It
// refreshes expired tokens transparently and writes every new token back
// through save.
type Credentials struct {
	mu     sync.Mutex
	ctx    context.Context
	config *oauth2.Config
	token  *oauth2.Token
	save   SaveFunc
	logger *slog.Logger
}

// NewCredentials decodes a JSON oauth2 token bundle.
func NewCredentials(ctx context.Context, logger *slog.Logger, config *oauth2.Config, bundle []byte, save SaveFunc) (*Credentials, error) {
	if len(bundle) == 0 {
		return nil, &apperr.Error{Kind: apperr.KindAuthentication, Code: apperr.CodeReconnectRequired, Reason: "connection has no credentials"}
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(bundle, tok); err != nil {
		return nil, apperr.Wrap(apperr.KindAuthentication, apperr.CodeReconnectRequired, "decode credentials", err)
	}
	return &Credentials{ctx: ctx, config: config, token: tok, save: save, logger: logger}, nil
}

// Token returns a valid access token, refreshing it when expired.
func (c *Credentials) Token() (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Valid() {
		return c.token, nil
	}
	return c.refreshLocked(c.ctx, c.token)
}

// Refresh forces a new access token from the refresh token, even when the
// current one has not expired yet.
func (c *Credentials) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.refreshLocked(ctx, &oauth2.Token{RefreshToken: c.token.RefreshToken})
	return err
}

func (c *Credentials) refreshLocked(ctx context.Context, seed *oauth2.Token) (*oauth2.Token, error) {
	if seed.RefreshToken == "" {
		return nil, &apperr.Error{Kind: apperr.KindAuthentication, Code: apperr.CodeReconnectRequired, Reason: "no refresh token"}
	}
	tok, err := c.config.TokenSource(ctx, seed).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, apperr.Wrap(apperr.KindAuthentication, apperr.CodeReconnectRequired, "refresh token", err)
		}
		return nil, Classify("refresh token", 0, err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = seed.RefreshToken
	}
	c.token = tok

	if c.save != nil {
		bundle, err := json.Marshal(tok)
		if err == nil {
			q := pendingSaves(ctx)
			if q == nil {
				q = pendingSaves(c.ctx)
			}
			if q != nil {
				q.add(c, bundle)
			} else {
				err = c.save(ctx, bundle)
			}
		}
		if err != nil {
			c.logger.Error("Failed to persist refreshed token", "error", err)
		}
	}
	return tok, nil
}

type saveQueueKey struct{}

// SaveQueue holds refreshed bundles until Flush writes them. Only the latest
// bundle per credential is kept.
type SaveQueue struct {
	mu      sync.Mutex
	order   []*Credentials
	bundles map[*Credentials][]byte
}

// DeferSaves returns a context under which credential refreshes queue their
// writes on the returned SaveQueue instead of saving immediately. Clients
// must be built from, or called with, the returned context. Use it around a
// database transaction that would otherwise be asked to save on another
// connection while it holds the only one.
func DeferSaves(ctx context.Context) (context.Context, *SaveQueue) {
	q := &SaveQueue{bundles: make(map[*Credentials][]byte)}
	return context.WithValue(ctx, saveQueueKey{}, q), q
}

func pendingSaves(ctx context.Context) *SaveQueue {
	q, _ := ctx.Value(saveQueueKey{}).(*SaveQueue)
	return q
}

func (q *SaveQueue) add(c *Credentials, bundle []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.bundles[c]; !ok {
		q.order = append(q.order, c)
	}
	q.bundles[c] = bundle
}

// Len reports how many credentials wait to be saved.
func (q *SaveQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Flush writes every queued bundle and empties the queue.
func (q *SaveQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	order, bundles := q.order, q.bundles
	q.order, q.bundles = nil, make(map[*Credentials][]byte)
	q.mu.Unlock()

	var errs []error
	for _, c := range order {
		if err := c.save(ctx, bundles[c]); err != nil {
			errs = append(errs, fmt.Errorf("failed to save refreshed credentials: %w", err))
		}
	}
	return errors.Join(errs...)
}

// HTTPClient returns an authorized client with a bounded per-request timeout.
func (c *Credentials) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &oauth2.Transport{Source: c, Base: http.DefaultTransport},
	}
}

