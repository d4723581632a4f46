// Package mirror copies every real meeting of an owner's account onto each of
// the owner's other accounts as a private busy blocker.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unical/internal/apperr"
	"unical/internal/classifier"
	"unical/internal/models"
	"unical/internal/provider"
	"unical/internal/store"
	"unical/internal/syncer"
)

// Options tune the engine.
type Options struct {
	Workers     int
	PairTimeout time.Duration
	DaysBack    int
	DaysForward int
	// ClaimTTL is how long a pending claim protects its key before another
	// pass may take it over.
	ClaimTTL time.Duration
}

// Engine runs mirror passes.
type Engine struct {
	logger  *slog.Logger
	store   *store.Store
	clients provider.Factory
	opts    Options
	now     func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(logger *slog.Logger, st *store.Store, clients provider.Factory, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PairTimeout <= 0 {
		opts.PairTimeout = 2 * time.Minute
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 10 * time.Minute
	}
	return &Engine{logger: logger, store: st, clients: clients, opts: opts, now: time.Now}
}

// PairReport is the outcome of mirroring one source account onto one target.
type PairReport struct {
	Source     string
	Target     string
	Considered int
	Created    int
	Updated    int
	Recreated  int
	Skipped    int
	Failed     int
	Errors     []error
	// Err is set when the pair could not be processed at all.
	Err error
}

func (r PairReport) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s -> %s: failed: %v", r.Source, r.Target, r.Err)
	}
	return fmt.Sprintf("%s -> %s: %d meetings, %d created, %d updated, %d recreated, %d skipped, %d failed",
		r.Source, r.Target, r.Considered, r.Created, r.Updated, r.Recreated, r.Skipped, r.Failed)
}

// PassReport collects the pair reports of one pass.
type PassReport struct {
	OwnerID uint
	Pairs   []PairReport
}

// Totals sums the per-pair counters.
func (r PassReport) Totals() PairReport {
	var t PairReport
	for _, p := range r.Pairs {
		t.Considered += p.Considered
		t.Created += p.Created
		t.Updated += p.Updated
		t.Recreated += p.Recreated
		t.Skipped += p.Skipped
		t.Failed += p.Failed
		if p.Err != nil {
			t.Failed++
		}
	}
	return t
}

type pair struct {
	source    models.Connection
	target    models.Connection
	client    provider.Client
	clientErr error
	timeZone  string
}

type outcome int

const (
	created outcome = iota
	updated
	recreated
	skipped
)

// RunMirrorPass mirrors every ordered pair of the owner's usable connections.
// Pairs run concurrently; a failing pair or event is reported, never fatal.
func (e *Engine) RunMirrorPass(ctx context.Context, ownerID uint) (PassReport, error) {
	report := PassReport{OwnerID: ownerID}

	owner, err := e.store.OwnerByID(ctx, ownerID)
	if err != nil {
		return report, err
	}
	conns, err := e.store.ActiveConnections(ctx, ownerID)
	if err != nil {
		return report, err
	}
	if len(conns) < 2 {
		e.logger.Info("Not enough connections to mirror, skipping.", "owner", ownerID, "connections", len(conns))
		return report, nil
	}

	type built struct {
		client provider.Client
		err    error
	}
	clients := make([]built, len(conns))
	for i := range conns {
		c, err := e.clients.Client(ctx, &conns[i])
		clients[i] = built{client: c, err: err}
	}

	var pairs []pair
	for i := range conns {
		for j := range conns {
			if i == j {
				continue
			}
			pairs = append(pairs, pair{
				source:    conns[i],
				target:    conns[j],
				client:    clients[j].client,
				clientErr: clients[j].err,
				timeZone:  owner.TimeZone,
			})
		}
	}

	report.Pairs = make([]PairReport, len(pairs))
	pairCh := make(chan int, len(pairs))

	var wg sync.WaitGroup
	for w := range min(e.opts.Workers, len(pairs)) {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					e.logger.Warn("Context cancelled, stopping mirror pass.", "worker", workerID)
					return
				case idx, ok := <-pairCh:
					if !ok {
						return
					}
					pairCtx, cancel := context.WithTimeout(ctx, e.opts.PairTimeout)
					report.Pairs[idx] = e.mirrorPair(pairCtx, &pairs[idx])
					cancel()
				}
			}
		}(w)
	}

	for i := range pairs {
		pairCh <- i
	}
	close(pairCh)
	wg.Wait()

	for i := range report.Pairs {
		if report.Pairs[i].Source == "" {
			report.Pairs[i] = PairReport{
				Source: pairs[i].source.AccountEmail,
				Target: pairs[i].target.AccountEmail,
				Err:    ctx.Err(),
			}
		}
	}

	t := report.Totals()
	e.logger.Info("Mirror pass finished.", "owner", ownerID, "pairs", len(pairs),
		"created", t.Created, "updated", t.Updated, "recreated", t.Recreated, "failed", t.Failed)
	return report, nil
}

func (e *Engine) mirrorPair(ctx context.Context, p *pair) PairReport {
	rep := PairReport{Source: p.source.AccountEmail, Target: p.target.AccountEmail}
	if p.clientErr != nil {
		rep.Err = fmt.Errorf("failed to build client for %s: %w", p.target.AccountEmail, p.clientErr)
		e.logger.Error("Failed to mirror pair", "source", rep.Source, "target", rep.Target, "error", rep.Err)
		return rep
	}

	w := syncer.WindowFor(p.source.Provider, e.now(), e.opts.DaysBack, e.opts.DaysForward)
	events, err := e.store.AccountEvents(ctx, p.source.OwnerID, p.source.Provider, p.source.AccountEmail, w.Start, w.End)
	if err != nil {
		rep.Err = err
		return rep
	}

	for _, ev := range events {
		if ev.IsMirror() || models.HasEngineMarker(ev.Title) || !classifier.IsRealMeeting(ev.Raw()) {
			continue
		}
		rep.Considered++

		out, err := e.mirrorEvent(ctx, p, ev)
		if err != nil {
			e.logger.Error("Failed to mirror event", "source", rep.Source, "target", rep.Target,
				"identity", ev.ProviderEventID, "error", err)
			rep.Failed++
			rep.Errors = append(rep.Errors, fmt.Errorf("%s: %w", ev.ProviderEventID, err))
			continue
		}
		switch out {
		case created:
			rep.Created++
		case updated:
			rep.Updated++
		case recreated:
			rep.Recreated++
		case skipped:
			rep.Skipped++
		}
	}

	e.logger.Info("Mirrored pair.", "source", rep.Source, "target", rep.Target,
		"created", rep.Created, "updated", rep.Updated, "recreated", rep.Recreated, "skipped", rep.Skipped, "failed", rep.Failed)
	return rep
}

func (e *Engine) blocker(p *pair, ev models.Event) models.EventPayload {
	return provider.SanitizeBlocker(models.EventPayload{
		Title:    models.MirrorTitle,
		Start:    ev.StartTime,
		End:      ev.EndTime,
		AllDay:   ev.AllDay,
		TimeZone: p.timeZone,
	})
}

// mirrorEvent makes sure ev has exactly one blocker on the pair's target.
func (e *Engine) mirrorEvent(ctx context.Context, p *pair, ev models.Event) (outcome, error) {
	key := store.MappingKey{
		OwnerID:          ev.OwnerID,
		OriginalProvider: p.source.Provider,
		OriginalIdentity: ev.ProviderEventID,
		MirrorProvider:   p.target.Provider,
	}

	// Two rounds: a lost claim race is resolved by reading the winner's row.
	for attempt := 0; attempt < 2; attempt++ {
		m, err := e.resolveMapping(ctx, key, p.target.AccountEmail)
		if err != nil {
			return 0, err
		}

		if m == nil {
			claim := &models.MirrorMapping{
				OwnerID:          key.OwnerID,
				OriginalProvider: key.OriginalProvider,
				OriginalIdentity: key.OriginalIdentity,
				MirrorProvider:   key.MirrorProvider,
				MirrorAccount:    p.target.AccountEmail,
				OriginalEventID:  &ev.ID,
			}
			won, err := e.store.ClaimMapping(ctx, claim)
			if err != nil {
				return 0, err
			}
			if !won {
				continue
			}
			return e.createBlocker(ctx, p, ev, claim.ID, created)
		}

		if m.Pending() {
			stale := e.now().Add(-e.opts.ClaimTTL)
			if !m.ClaimedAt.Before(stale) {
				// Another pass holds the claim and is creating the blocker.
				return skipped, nil
			}
			won, err := e.store.ReclaimStale(ctx, m.ID, stale)
			if err != nil {
				return 0, err
			}
			if !won {
				return skipped, nil
			}
			e.logger.Warn("Reclaimed stale mirror claim.", "mapping", m.ID, "identity", ev.ProviderEventID)
			return e.createBlocker(ctx, p, ev, m.ID, created)
		}

		return e.updateBlocker(ctx, p, ev, m)
	}
	return skipped, nil
}

// resolveMapping picks the row serving target among the key's rows: the row
// recording target explicitly, else the key's legacy row (no recorded
// account) when its blocker lives on target. A legacy row is attributed by
// its local blocker's organizer, then by its identity prefix; one with
// neither is adopted by the first target asking. A chosen legacy row is
// stamped with target. nil means no row serves target.
func (e *Engine) resolveMapping(ctx context.Context, key store.MappingKey, target string) (*models.MirrorMapping, error) {
	rows, err := e.store.Mappings(ctx, key)
	if err != nil {
		return nil, err
	}

	var legacy *models.MirrorMapping
	for i := range rows {
		if rows[i].MirrorAccount == target {
			return &rows[i], nil
		}
		if rows[i].MirrorAccount == "" && legacy == nil {
			legacy = &rows[i]
		}
	}
	if legacy == nil {
		return nil, nil
	}
	if account := e.legacyAccount(ctx, legacy); account != "" && account != target {
		return nil, nil
	}

	if err := e.store.AdoptMapping(ctx, legacy.ID, target); err != nil {
		return nil, apperr.Wrap(apperr.KindDataIntegrity, apperr.CodeDuplicateMapping, "adopt mapping", err)
	}
	legacy.MirrorAccount = target
	return legacy, nil
}

// legacyAccount names the account holding a legacy row's blocker, or "" when
// nothing records it.
func (e *Engine) legacyAccount(ctx context.Context, m *models.MirrorMapping) string {
	if m.MirrorEventID != nil {
		mirror, err := e.store.EventByID(ctx, *m.MirrorEventID)
		if err == nil && mirror.Organizer != "" {
			return strings.ToLower(mirror.Organizer)
		}
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			e.logger.Warn("Failed to load legacy blocker", "mapping", m.ID, "error", err)
		}
	}
	return strings.ToLower(store.MappingAccount(*m))
}

// createBlocker creates the remote blocker for a claimed mapping row and
// records it locally.
func (e *Engine) createBlocker(ctx context.Context, p *pair, ev models.Event, mappingID uint, out outcome) (outcome, error) {
	res, err := p.client.CreateEvent(ctx, e.blocker(p, ev))
	if err != nil {
		if rerr := e.store.ReleaseClaim(context.WithoutCancel(ctx), mappingID); rerr != nil {
			e.logger.Error("Failed to release mirror claim", "mapping", mappingID, "error", rerr)
		}
		return 0, err
	}

	identity := models.Identity(p.target.AccountEmail, res.RemoteID)
	err = e.store.Transaction(ctx, func(tx *store.Store) error {
		local := e.localMirror(p, ev, identity)
		if _, err := tx.UpsertEvent(ctx, local); err != nil {
			return err
		}
		if err := tx.CompleteMapping(ctx, mappingID, identity, &local.ID, &ev.ID); err != nil {
			return err
		}
		return tx.TouchEvent(ctx, ev.ID, e.now())
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record blocker %s: %w", identity, err)
	}
	return out, nil
}

// updateBlocker moves the blocker of a completed mapping to ev's time range,
// recreating it if it was deleted remotely.
func (e *Engine) updateBlocker(ctx context.Context, p *pair, ev models.Event, m *models.MirrorMapping) (outcome, error) {
	local := e.findLocalMirror(ctx, ev.OwnerID, &p.target, m)

	_, remoteID, _ := models.SplitIdentity(m.MirrorIdentity)
	err := p.client.UpdateEvent(ctx, remoteID, e.blocker(p, ev))
	if apperr.IsKind(err, apperr.KindNotFound) {
		e.logger.Warn("Blocker missing on target, recreating.", "target", p.target.AccountEmail, "identity", m.MirrorIdentity)
		return e.recreateBlocker(ctx, p, ev, m, local)
	}
	if err != nil {
		return 0, err
	}

	now := e.now()
	err = e.store.Transaction(ctx, func(tx *store.Store) error {
		if local == nil {
			local = e.localMirror(p, ev, m.MirrorIdentity)
			if _, err := tx.UpsertEvent(ctx, local); err != nil {
				return err
			}
		} else if err := tx.UpdateEventTimes(ctx, local.ID, ev.StartTime, ev.EndTime, ev.AllDay, now); err != nil {
			return err
		}
		if m.MirrorEventID == nil || *m.MirrorEventID != local.ID || m.OriginalEventID == nil {
			if err := tx.CompleteMapping(ctx, m.ID, m.MirrorIdentity, &local.ID, &ev.ID); err != nil {
				return err
			}
		}
		return tx.TouchEvent(ctx, ev.ID, now)
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func (e *Engine) recreateBlocker(ctx context.Context, p *pair, ev models.Event, m *models.MirrorMapping, local *models.Event) (outcome, error) {
	res, err := p.client.CreateEvent(ctx, e.blocker(p, ev))
	if err != nil {
		return 0, err
	}
	identity := models.Identity(p.target.AccountEmail, res.RemoteID)
	now := e.now()

	err = e.store.Transaction(ctx, func(tx *store.Store) error {
		if local != nil {
			if err := tx.RekeyEvent(ctx, local.ID, identity); err != nil {
				return err
			}
			if err := tx.UpdateEventTimes(ctx, local.ID, ev.StartTime, ev.EndTime, ev.AllDay, now); err != nil {
				return err
			}
		} else {
			local = e.localMirror(p, ev, identity)
			if _, err := tx.UpsertEvent(ctx, local); err != nil {
				return err
			}
		}
		if err := tx.CompleteMapping(ctx, m.ID, identity, &local.ID, &ev.ID); err != nil {
			return err
		}
		return tx.TouchEvent(ctx, ev.ID, now)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record recreated blocker %s: %w", identity, err)
	}
	return recreated, nil
}

// findLocalMirror resolves the local blocker by stored reference, then by
// identity, then by remote id among the target account's events.
func (e *Engine) findLocalMirror(ctx context.Context, ownerID uint, target *models.Connection, m *models.MirrorMapping) *models.Event {
	if m.MirrorEventID != nil {
		if ev, err := e.store.EventByID(ctx, *m.MirrorEventID); err == nil {
			return ev
		}
	}
	if ev, err := e.store.EventByIdentity(ctx, ownerID, m.MirrorIdentity); err == nil {
		return ev
	}
	_, remoteID, _ := models.SplitIdentity(m.MirrorIdentity)
	ev, err := e.store.EventByRemoteSuffix(ctx, ownerID, target.Provider, target.AccountEmail, remoteID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			e.logger.Warn("Failed to look up local blocker", "identity", m.MirrorIdentity, "error", err)
		}
		return nil
	}
	return ev
}

func (e *Engine) localMirror(p *pair, ev models.Event, identity string) *models.Event {
	connID := p.target.ID
	return &models.Event{
		OwnerID:         ev.OwnerID,
		ConnectionID:    &connID,
		Provider:        p.target.Provider,
		ProviderEventID: identity,
		CalendarID:      p.target.CalendarID,
		Title:           models.MirrorTitle,
		StartTime:       ev.StartTime,
		EndTime:         ev.EndTime,
		AllDay:          ev.AllDay,
		Organizer:       p.target.AccountEmail,
		LastSynced:      e.now(),
	}
}
