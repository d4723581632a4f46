package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unical/internal/classifier"
	"unical/internal/models"
	"unical/internal/provider"
	"unical/internal/store"
)

// Window is the fetch range of one sync.
type Window struct {
	Start time.Time
	End   time.Time
}

// Provider defaults, in days, used when Options leaves a bound at zero.
var defaultDays = map[models.Provider][2]int{
	models.ProviderGoogle:    {30, 30},
	models.ProviderMicrosoft: {90, 365},
}

// WindowFor returns [now-daysBack, now+daysForward]. A zero bound selects
// the provider default.
func WindowFor(p models.Provider, now time.Time, daysBack, daysForward int) Window {
	def := defaultDays[p]
	if daysBack <= 0 {
		daysBack = def[0]
	}
	if daysForward <= 0 {
		daysForward = def[1]
	}
	return Window{Start: now.AddDate(0, 0, -daysBack), End: now.AddDate(0, 0, daysForward)}
}

// Options tune a Syncer.
type Options struct {
	DaysBack    int
	DaysForward int
	DryRun      bool
}

// Result reports one connection's sync.
type Result struct {
	ConnectionID uint
	Account      string
	Fetched      int
	Created      int
	Updated      int
	Skipped      int
	Failed       int
	Errors       []error
	// Err is set when the connection could not be synced at all.
	Err error
}

// Synced is the number of events written to the store.
func (r Result) Synced() int {
	return r.Created + r.Updated
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: failed: %v", r.Account, r.Err)
	}
	return fmt.Sprintf("%s: synced %d of %d events, %d skipped, %d failed", r.Account, r.Synced(), r.Fetched, r.Skipped, r.Failed)
}

// Syncer pulls provider events into the event store.
type Syncer struct {
	logger  *slog.Logger
	store   *store.Store
	clients provider.Factory
	opts    Options
	now     func() time.Time
}

// NewSyncer creates a new Syncer.
func NewSyncer(logger *slog.Logger, st *store.Store, clients provider.Factory, opts Options) *Syncer {
	return &Syncer{
		logger:  logger,
		store:   st,
		clients: clients,
		opts:    opts,
		now:     time.Now,
	}
}

// SyncOwner syncs every usable connection of the owner. A failing
// connection is reported in its Result and does not stop the others.
func (s *Syncer) SyncOwner(ctx context.Context, ownerID uint) ([]Result, error) {
	conns, err := s.store.ActiveConnections(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Starting sync cycle.", "owner", ownerID, "connections", len(conns))

	results := make([]Result, 0, len(conns))
	for i := range conns {
		conn := &conns[i]
		w := WindowFor(conn.Provider, s.now(), s.opts.DaysBack, s.opts.DaysForward)
		res, err := s.SyncConnection(ctx, conn, w)
		if err != nil {
			s.logger.Error("Failed to sync connection", "account", conn.AccountEmail, "error", err)
			res.Err = err
		}
		results = append(results, res)
	}

	s.logger.Info("Sync cycle finished.", "owner", ownerID)
	return results, nil
}

// SyncConnection fetches the connection's events in w and upserts the real
// meetings among them. Per-event failures are collected in the Result; an
// error is returned only when the provider could not be read.
func (s *Syncer) SyncConnection(ctx context.Context, conn *models.Connection, w Window) (Result, error) {
	res := Result{ConnectionID: conn.ID, Account: conn.AccountEmail}

	client, err := s.clients.Client(ctx, conn)
	if err != nil {
		return res, fmt.Errorf("failed to build client for %s: %w", conn.AccountEmail, err)
	}
	raws, err := client.ListEvents(ctx, w.Start, w.End)
	if err != nil {
		return res, fmt.Errorf("failed to fetch events for %s: %w", conn.AccountEmail, err)
	}
	res.Fetched = len(raws)

	now := s.now()
	for _, raw := range raws {
		created, skipped, err := s.syncEvent(ctx, conn, raw, now)
		switch {
		case err != nil:
			s.logger.Error("Failed to sync event", "title", raw.Title, "id", raw.RemoteID, "error", err)
			res.Failed++
			res.Errors = append(res.Errors, err)
		case skipped:
			res.Skipped++
		case created:
			res.Created++
		default:
			res.Updated++
		}
	}

	if !s.opts.DryRun {
		if err := s.store.MarkSynced(ctx, conn.ID, now); err != nil {
			return res, err
		}
	}

	s.logger.Info("Synced connection.", "account", conn.AccountEmail, "fetched", res.Fetched,
		"created", res.Created, "updated", res.Updated, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// syncEvent handles the logic for syncing a single event.
func (s *Syncer) syncEvent(ctx context.Context, conn *models.Connection, raw models.RawEvent, now time.Time) (created, skipped bool, err error) {
	// The engine's own artifacts are never re-ingested.
	if models.HasEngineMarker(raw.Title) {
		s.logger.Debug("Skipping engine artifact.", "title", raw.Title, "id", raw.RemoteID)
		return false, true, nil
	}
	if !classifier.IsRealMeeting(raw) {
		s.logger.Debug("Skipping non-meeting event.", "title", raw.Title, "id", raw.RemoteID)
		return false, true, nil
	}
	if raw.RemoteID == "" {
		return false, false, fmt.Errorf("event %q has no remote id", raw.Title)
	}
	if !raw.End.After(raw.Start) {
		return false, false, fmt.Errorf("event %q ends before it starts", raw.Title)
	}

	identity := models.Identity(conn.AccountEmail, raw.RemoteID)
	// A blocker whose title was edited on the provider side still maps back to us.
	mirror, err := s.store.IsMirrorIdentity(ctx, conn.OwnerID, identity)
	if err != nil {
		return false, false, err
	}
	if mirror {
		return false, true, nil
	}

	organizer := raw.OrganizerEmail
	if organizer == "" {
		organizer = conn.AccountEmail
	}
	connID := conn.ID
	event := &models.Event{
		OwnerID:         conn.OwnerID,
		ConnectionID:    &connID,
		Provider:        conn.Provider,
		ProviderEventID: identity,
		CalendarID:      raw.CalendarID,
		Title:           raw.Title,
		Description:     raw.Description,
		Location:        raw.Location,
		StartTime:       raw.Start,
		EndTime:         raw.End,
		AllDay:          raw.AllDay,
		Organizer:       organizer,
		Attendees:       raw.Attendees,
		MeetingLink:     classifier.MeetingLink(raw),
		LastSynced:      now,
	}

	if s.opts.DryRun {
		s.logger.Info("[DRY RUN] Would upsert event", "title", event.Title, "identity", identity, "startTime", event.StartTime)
		return false, false, nil
	}
	created, err = s.store.UpsertEvent(ctx, event)
	return created, false, err
}
