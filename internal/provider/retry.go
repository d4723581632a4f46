package provider

import (
	"context"
	"log/slog"
	"time"
	"unical/internal/apperr"
	"unical/internal/models"
)

// WithAuthRetry decorates c so that an authentication failure triggers
// exactly one credential refresh and one retry of the same call. A second
// authentication failure surfaces as reconnect_required.
func WithAuthRetry(c Client, logger *slog.Logger) Client {
	return &authRetryClient{next: c, logger: logger}
}

type authRetryClient struct {
	next   Client
	logger *slog.Logger
}

func (a *authRetryClient) ListEvents(ctx context.Context, start, end time.Time) ([]models.RawEvent, error) {
	var out []models.RawEvent
	err := a.do(ctx, "list events", func() error {
		var err error
		out, err = a.next.ListEvents(ctx, start, end)
		return err
	})
	return out, err
}

func (a *authRetryClient) CreateEvent(ctx context.Context, payload models.EventPayload) (models.CreatedEvent, error) {
	var out models.CreatedEvent
	err := a.do(ctx, "create event", func() error {
		var err error
		out, err = a.next.CreateEvent(ctx, payload)
		return err
	})
	return out, err
}

func (a *authRetryClient) UpdateEvent(ctx context.Context, remoteID string, payload models.EventPayload) error {
	return a.do(ctx, "update event", func() error {
		return a.next.UpdateEvent(ctx, remoteID, payload)
	})
}

// Refresh forwards to the wrapped client when it can refresh.
func (a *authRetryClient) Refresh(ctx context.Context) error {
	if r, ok := a.next.(Refresher); ok {
		return r.Refresh(ctx)
	}
	return nil
}

func (a *authRetryClient) do(ctx context.Context, op string, call func() error) error {
	err := call()
	if !apperr.IsKind(err, apperr.KindAuthentication) {
		return err
	}

	r, ok := a.next.(Refresher)
	if !ok {
		return reconnect(op, err)
	}
	a.logger.Warn("Provider rejected credentials, refreshing once.", "op", op, "error", err)
	if rerr := r.Refresh(ctx); rerr != nil {
		return reconnect(op, rerr)
	}

	err = call()
	if apperr.IsKind(err, apperr.KindAuthentication) {
		return reconnect(op, err)
	}
	return err
}

func reconnect(op string, err error) error {
	return &apperr.Error{
		Kind:   apperr.KindAuthentication,
		Code:   apperr.CodeReconnectRequired,
		Op:     op,
		Reason: "reconnect required",
		Err:    err,
	}
}
