package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
	"unical/internal/apperr"
	"unical/internal/models"
	"unical/internal/provider/providertest"
	"unical/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	now     = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
)

type fixture struct {
	store   *store.Store
	clients *providertest.Factory
	syncer  *Syncer
	owner   *models.Owner
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, "memory", discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	owner := &models.Owner{Email: "owner@example.com"}
	require.NoError(t, st.CreateOwner(ctx, owner))

	clients := providertest.NewFactory()
	s := NewSyncer(discard, st, clients, opts)
	s.now = func() time.Time { return now }
	return &fixture{store: st, clients: clients, syncer: s, owner: owner}
}

func (f *fixture) connect(t *testing.T, p models.Provider, email string) (*models.Connection, *providertest.Fake) {
	t.Helper()
	conn := &models.Connection{OwnerID: f.owner.ID, Provider: p, AccountEmail: email}
	_, err := f.store.UpsertConnection(context.Background(), conn)
	require.NoError(t, err)
	return conn, f.clients.Add(conn.AccountEmail, providertest.NewFake(email+"-"))
}

func meeting(id, title string, start time.Time) models.RawEvent {
	return models.RawEvent{
		Provider:       models.ProviderGoogle,
		RemoteID:       id,
		Title:          title,
		Start:          start,
		End:            start.Add(time.Hour),
		OrganizerEmail: "Boss@Example.com",
		Attendees:      []models.Attendee{{Email: "a@example.com"}},
		Google:         &models.GoogleConferencing{EventType: "default", HangoutLink: "https://meet.google.com/abc-def"},
	}
}

func TestSyncConnectionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	conn, fake := f.connect(t, models.ProviderGoogle, "a@example.com")
	fake.SetEvents(
		meeting("e1", "Board Review", now.Add(6*time.Hour)),
		meeting("e2", "Standup", now.Add(24*time.Hour)),
	)
	w := WindowFor(conn.Provider, now, 0, 0)

	res, err := f.syncer.SyncConnection(ctx, conn, w)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, res.Fetched)

	res, err = f.syncer.SyncConnection(ctx, conn, w)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 2, res.Updated)

	events, err := f.store.AccountEvents(ctx, f.owner.ID, models.ProviderGoogle, "a@example.com", w.Start, w.End)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a@example.com:e1", events[0].ProviderEventID)
	assert.Equal(t, "boss@example.com", events[0].Organizer)
	assert.Equal(t, "https://meet.google.com/abc-def", events[0].MeetingLink)

	synced, err := f.store.ConnectionByID(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, synced.LastSynced)
	assert.True(t, synced.LastSynced.Equal(now))
}

func TestSyncUpdatesMovedEventInPlace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	conn, fake := f.connect(t, models.ProviderGoogle, "a@example.com")
	w := WindowFor(conn.Provider, now, 0, 0)

	fake.SetEvents(meeting("e1", "Board Review", now.Add(6*time.Hour)))
	_, err := f.syncer.SyncConnection(ctx, conn, w)
	require.NoError(t, err)

	moved := meeting("e1", "Board Review (moved)", now.Add(7*time.Hour))
	fake.SetEvents(moved)
	_, err = f.syncer.SyncConnection(ctx, conn, w)
	require.NoError(t, err)

	e, err := f.store.EventByIdentity(ctx, f.owner.ID, "a@example.com:e1")
	require.NoError(t, err)
	assert.Equal(t, "Board Review (moved)", e.Title)
	assert.True(t, e.StartTime.Equal(moved.Start))
}

func TestSyncSkipsArtifactsAndNoise(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	conn, fake := f.connect(t, models.ProviderGoogle, "a@example.com")

	holiday := meeting("h1", "Holi", now.Add(time.Hour))
	holiday.CalendarID = "en.indian#holiday@group.v.calendar.google.com"
	mirrored := meeting("m1", "[Mirror] Busy", now.Add(2*time.Hour))
	legacy := meeting("s1", "[SYNCED] Board Review", now.Add(3*time.Hour))
	edited := meeting("b1", "Renamed blocker", now.Add(4*time.Hour))
	fake.SetEvents(holiday, mirrored, legacy, edited, meeting("ok", "Real", now.Add(5*time.Hour)))

	claimed, err := f.store.ClaimMapping(ctx, &models.MirrorMapping{
		OwnerID: f.owner.ID, OriginalProvider: models.ProviderMicrosoft, OriginalIdentity: "b@example.com:x",
		MirrorProvider: models.ProviderGoogle, MirrorAccount: "a@example.com",
	})
	require.NoError(t, err)
	require.True(t, claimed)
	rows, err := f.store.Mappings(ctx, store.MappingKey{OwnerID: f.owner.ID, OriginalProvider: models.ProviderMicrosoft, OriginalIdentity: "b@example.com:x", MirrorProvider: models.ProviderGoogle})
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteMapping(ctx, rows[0].ID, "a@example.com:b1", nil, nil))

	res, err := f.syncer.SyncConnection(ctx, conn, WindowFor(conn.Provider, now, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 4, res.Skipped)
	assert.Equal(t, "a@example.com: synced 1 of 5 events, 4 skipped, 0 failed", res.String())
}

func TestMalformedEventDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	conn, fake := f.connect(t, models.ProviderGoogle, "a@example.com")

	bad := meeting("bad", "Broken", now.Add(time.Hour))
	bad.End = bad.Start.Add(-time.Minute)
	fake.SetEvents(bad, meeting("", "No id", now.Add(2*time.Hour)), meeting("good", "Fine", now.Add(3*time.Hour)))

	res, err := f.syncer.SyncConnection(ctx, conn, WindowFor(conn.Provider, now, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Len(t, res.Errors, 2)
	assert.Equal(t, 1, res.Created)
}

func TestSyncOwnerIsolatesConnectionFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	_, broken := f.connect(t, models.ProviderGoogle, "a@example.com")
	_, healthy := f.connect(t, models.ProviderMicrosoft, "b@example.com")

	broken.ListErr = apperr.Wrap(apperr.KindTransient, apperr.CodeProviderUnavailable, "list events", errors.New("503"))
	ms := meeting("m1", "Sync", now.Add(time.Hour))
	ms.Provider = models.ProviderMicrosoft
	ms.Google = nil
	healthy.SetEvents(ms)

	results, err := f.syncer.SyncOwner(ctx, f.owner.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, apperr.IsKind(results[0].Err, apperr.KindTransient))
	assert.NoError(t, results[1].Err)
	assert.Equal(t, 1, results[1].Created)
}

func TestDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{DryRun: true})
	conn, fake := f.connect(t, models.ProviderGoogle, "a@example.com")
	fake.SetEvents(meeting("e1", "Board Review", now.Add(time.Hour)))

	w := WindowFor(conn.Provider, now, 0, 0)
	_, err := f.syncer.SyncConnection(ctx, conn, w)
	require.NoError(t, err)

	events, err := f.store.AccountEvents(ctx, f.owner.ID, models.ProviderGoogle, "a@example.com", w.Start, w.End)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWindowForProviderDefaults(t *testing.T) {
	w := WindowFor(models.ProviderMicrosoft, now, 0, 0)
	assert.Equal(t, now.AddDate(0, 0, -90), w.Start)
	assert.Equal(t, now.AddDate(0, 0, 365), w.End)

	w = WindowFor(models.ProviderGoogle, now, 7, 14)
	assert.Equal(t, now.AddDate(0, 0, -7), w.Start)
	assert.Equal(t, now.AddDate(0, 0, 14), w.End)
}
