// Package providertest provides an in-memory calendar client that records
// every call, for tests of the services built on provider.Client.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unical/internal/apperr"
	"unical/internal/models"
	"unical/internal/provider"
)

// Call is one recorded create or update.
type Call struct {
	RemoteID string
	Payload  models.EventPayload
}

// Fake is a scriptable provider client.
type Fake struct {
	mu sync.Mutex

	Prefix      string
	Events      []models.RawEvent
	ListErr     error
	CreateErr   error
	UpdateErr   map[string]error
	MeetingLink string

	// AuthFailures makes the next n calls fail with an authentication error.
	AuthFailures int
	RefreshErr   error

	Created   []Call
	Updated   []Call
	Refreshes int
	remote    map[string]models.EventPayload
	seq       int
}

// NewFake returns a Fake whose created ids start with prefix.
func NewFake(prefix string) *Fake {
	return &Fake{Prefix: prefix, UpdateErr: map[string]error{}, remote: map[string]models.EventPayload{}}
}

func (f *Fake) authFailure() error {
	if f.AuthFailures > 0 {
		f.AuthFailures--
		return apperr.Wrap(apperr.KindAuthentication, apperr.CodeReconnectRequired, "fake", fmt.Errorf("http 401"))
	}
	return nil
}

func (f *Fake) ListEvents(ctx context.Context, start, end time.Time) ([]models.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.authFailure(); err != nil {
		return nil, err
	}
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var out []models.RawEvent
	for _, e := range f.Events {
		if e.Start.Before(end) && e.End.After(start) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *Fake) CreateEvent(ctx context.Context, payload models.EventPayload) (models.CreatedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.authFailure(); err != nil {
		return models.CreatedEvent{}, err
	}
	if f.CreateErr != nil {
		return models.CreatedEvent{}, f.CreateErr
	}
	f.seq++
	id := fmt.Sprintf("%s%d", f.Prefix, f.seq)
	f.Created = append(f.Created, Call{RemoteID: id, Payload: payload})
	f.remote[id] = payload
	link := ""
	if payload.RequestMeetingLink {
		link = f.MeetingLink
	}
	return models.CreatedEvent{RemoteID: id, MeetingLink: link}, nil
}

func (f *Fake) UpdateEvent(ctx context.Context, remoteID string, payload models.EventPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.authFailure(); err != nil {
		return err
	}
	if err := f.UpdateErr[remoteID]; err != nil {
		return err
	}
	f.Updated = append(f.Updated, Call{RemoteID: remoteID, Payload: payload})
	f.remote[remoteID] = payload
	return nil
}

func (f *Fake) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Refreshes++
	return f.RefreshErr
}

// RemoteCount returns how many distinct remote events exist.
func (f *Fake) RemoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remote)
}

// Calls returns copies of the recorded creates and updates.
func (f *Fake) Calls() (created, updated []Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.Created...), append([]Call(nil), f.Updated...)
}

// Forget deletes a remote event, as if the user removed it on the provider side.
func (f *Fake) Forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.remote, id)
	f.UpdateErr[id] = apperr.Wrap(apperr.KindNotFound, apperr.CodeRemoteNotFound, "fake", fmt.Errorf("http 404"))
}

// Factory hands out Fakes by connection account email.
type Factory struct {
	mu      sync.Mutex
	Clients map[string]*Fake
	Err     map[string]error
}

// NewFactory returns an empty Factory.
func NewFactory() *Factory {
	return &Factory{Clients: map[string]*Fake{}, Err: map[string]error{}}
}

// Add registers a client for an account.
func (f *Factory) Add(email string, c *Fake) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Clients[email] = c
	return c
}

// Client satisfies provider.Factory.
func (f *Factory) Client(ctx context.Context, conn *models.Connection) (provider.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Err[conn.AccountEmail]; err != nil {
		return nil, err
	}
	c, ok := f.Clients[conn.AccountEmail]
	if !ok {
		return nil, fmt.Errorf("no fake client for %s", conn.AccountEmail)
	}
	return c, nil
}

// SetEvents replaces the listed feed.
func (f *Fake) SetEvents(events ...models.RawEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Events = events
}
