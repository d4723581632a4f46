// Package booking arbitrates public booking requests against an owner's
// weekly availability, and serves the privacy-filtered slot list the public
// booking page is built from.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unical/internal/apperr"
	"unical/internal/models"
	"unical/internal/provider"
	"unical/internal/schedule"
	"unical/internal/store"
	"unical/internal/timeslot"

	"github.com/go-playground/validator/v10"
)

// SlotCache stores computed public slots per owner. Bump invalidates every
// entry of one owner.
type SlotCache interface {
	Get(ctx context.Context, ownerID uint, key string, dst any) (bool, error)
	Set(ctx context.Context, ownerID uint, key string, v any) error
	Bump(ctx context.Context, ownerID uint) error
}

// Options tunes a Service.
type Options struct {
	// Preference orders the providers tried when a request names none.
	Preference []models.Provider
	// DefaultLoc applies to owners without a time zone.
	DefaultLoc *time.Location
}

// Service creates bookings and answers public slot queries.
type Service struct {
	logger     *slog.Logger
	store      *store.Store
	clients    provider.Factory
	notifier   Notifier
	cache      SlotCache
	preference []models.Provider
	defaultLoc *time.Location
	validate   *validator.Validate
	now        func() time.Time
}

// NewService creates a Service. notifier and slotCache may be nil.
func NewService(logger *slog.Logger, st *store.Store, clients provider.Factory, notifier Notifier, slotCache SlotCache, opts Options) *Service {
	if len(opts.Preference) == 0 {
		opts.Preference = []models.Provider{models.ProviderGoogle, models.ProviderMicrosoft}
	}
	if opts.DefaultLoc == nil {
		opts.DefaultLoc = time.UTC
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Service{
		logger:     logger,
		store:      st,
		clients:    clients,
		notifier:   notifier,
		cache:      slotCache,
		preference: opts.Preference,
		defaultLoc: opts.DefaultLoc,
		validate:   validator.New(),
		now:        time.Now,
	}
}

// Request is a public booking request.
type Request struct {
	Handle          string
	ClientName      string `validate:"required,max=255"`
	ClientEmail     string `validate:"required,email,max=255"`
	ClientNote      string `validate:"max=2000"`
	Start           time.Time
	End             time.Time
	DurationMinutes int
	// Provider optionally picks the hosting calendar.
	Provider models.Provider
	// MeetingLink replaces the generated conference link when set.
	MeetingLink string `validate:"omitempty,url"`
	// InviteClient adds the client as an attendee, which lets the provider
	// send the invitation.
	InviteClient bool
}

func validDuration(minutes int) bool {
	return minutes == 30 || minutes == 60
}

// CreateBooking validates req, reserves the slot under the owner lock,
// creates the remote calendar event and records the booking together with
// its unified event. Notifications are sent after commit and never undo it.
func (s *Service) CreateBooking(ctx context.Context, req Request) (*models.Booking, error) {
	req.ClientName = strings.TrimSpace(req.ClientName)
	req.ClientEmail = strings.TrimSpace(req.ClientEmail)
	req.ClientNote = strings.TrimSpace(req.ClientNote)
	if err := s.validate.Struct(req); err != nil {
		return nil, invalidClient(err)
	}
	if !validDuration(req.DurationMinutes) {
		return nil, apperr.Validation(apperr.CodeInvalidDuration, "duration must be 30 or 60 minutes, got %d", req.DurationMinutes)
	}
	if !req.End.After(req.Start) {
		return nil, apperr.Validation(apperr.CodeInvalidRange, "end must be after start")
	}
	if req.End.Sub(req.Start) != time.Duration(req.DurationMinutes)*time.Minute {
		return nil, apperr.Validation(apperr.CodeInvalidDuration, "start and end do not span %d minutes", req.DurationMinutes)
	}
	if req.Start.Before(s.now()) {
		return nil, apperr.Validation(apperr.CodeInvalidRange, "start is in the past")
	}

	owner, err := s.store.OwnerByHandle(ctx, req.Handle)
	if err != nil {
		return nil, err
	}
	loc := owner.Location(s.defaultLoc)
	slot := timeslot.Range{Start: req.Start.In(loc), End: req.End.In(loc)}
	if !timeslot.OnGrid(slot.Start, timeslot.Grid) {
		return nil, apperr.Validation(apperr.CodeOffGrid, "bookings must start on a %d minute boundary", int(timeslot.Grid/time.Minute))
	}
	if err := s.checkAvailability(ctx, owner.ID, slot); err != nil {
		return nil, err
	}

	conn, err := s.pickConnection(ctx, owner.ID, req.Provider)
	if err != nil {
		return nil, err
	}
	// The owner lock holds a database connection; tokens refreshed under it
	// are written once it is released.
	lockCtx, saves := provider.DeferSaves(ctx)
	defer s.flushSaves(ctx, saves)
	client, err := s.clients.Client(lockCtx, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to build client for %s: %w", conn.AccountEmail, err)
	}

	payload := bookingPayload(req, loc)
	var booking *models.Booking
	err = s.store.WithOwnerLock(lockCtx, owner.ID, func(tx *store.Store) error {
		if err := ensureFree(ctx, tx, owner.ID, slot, loc); err != nil {
			return err
		}

		created, err := client.CreateEvent(lockCtx, payload)
		if err != nil {
			return fmt.Errorf("failed to create booking event on %s: %w", conn.AccountEmail, err)
		}
		link := created.MeetingLink
		if req.MeetingLink != "" {
			link = req.MeetingLink
		}

		event := &models.Event{
			OwnerID:         owner.ID,
			ConnectionID:    &conn.ID,
			Provider:        conn.Provider,
			ProviderEventID: models.Identity(conn.AccountEmail, created.RemoteID),
			CalendarID:      conn.CalendarID,
			Title:           payload.Title,
			Description:     payload.Description,
			StartTime:       slot.Start,
			EndTime:         slot.End,
			Organizer:       conn.AccountEmail,
			Attendees:       payload.Attendees,
			MeetingLink:     link,
			LastSynced:      s.now(),
		}
		if _, err := tx.UpsertEvent(ctx, event); err != nil {
			s.logger.Error("Booking event exists remotely but could not be stored", "remote_id", created.RemoteID, "error", err)
			return err
		}

		booking = &models.Booking{
			OwnerID:       owner.ID,
			ClientName:    req.ClientName,
			ClientEmail:   req.ClientEmail,
			ClientNote:    req.ClientNote,
			StartTime:     slot.Start,
			EndTime:       slot.End,
			Provider:      conn.Provider,
			ConnectionID:  &conn.ID,
			RemoteEventID: created.RemoteID,
			MeetingLink:   link,
			EventID:       &event.ID,
		}
		return tx.CreateBooking(ctx, booking)
	})
	if err != nil {
		return nil, err
	}
	s.flushSaves(ctx, saves)

	s.logger.Info("Created booking.", "owner", owner.ID, "booking", booking.ID, "provider", booking.Provider, "start", booking.StartTime)
	if s.cache != nil {
		if err := s.cache.Bump(ctx, owner.ID); err != nil {
			s.logger.Warn("Failed to invalidate slot cache", "owner", owner.ID, "error", err)
		}
	}
	s.notifyBooked(ctx, owner, booking)
	return booking, nil
}

func (s *Service) flushSaves(ctx context.Context, saves *provider.SaveQueue) {
	if saves.Len() == 0 {
		return
	}
	if err := saves.Flush(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("Failed to persist refreshed credentials", "error", err)
	}
}

func invalidClient(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.Validation(apperr.CodeInvalidClient, "%s failed the %q check", fe.Field(), fe.Tag())
	}
	return apperr.Validation(apperr.CodeInvalidClient, "%v", err)
}

// checkAvailability requires slot to lie inside the weekly window of its
// local weekday, within the shared tolerance.
func (s *Service) checkAvailability(ctx context.Context, ownerID uint, slot timeslot.Range) error {
	day := models.DayOfWeek(slot.Start.Weekday())
	rule, err := s.store.AvailabilityForDay(ctx, ownerID, day)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return apperr.Validation(apperr.CodeOutsideAvailability, "no availability on %s", models.DayName(day))
	}
	if err != nil {
		return err
	}

	opens, closes := rule.Window(slot.Start)
	window := timeslot.Range{Start: opens, End: closes}
	if slot.Within(window, timeslot.Tolerance) {
		return nil
	}
	if slot.Start.Before(window.Start.Add(-timeslot.Tolerance)) {
		return apperr.Validation(apperr.CodeOutsideAvailability, "starts before availability opens at %s", opens.Format("15:04"))
	}
	return apperr.Validation(apperr.CodeOutsideAvailability, "ends after availability closes at %s", closes.Format("15:04"))
}

// ensureFree fails with slot_taken when slot overlaps a booking or any
// event of the owner. It must run under the owner lock.
func ensureFree(ctx context.Context, tx *store.Store, ownerID uint, slot timeslot.Range, loc *time.Location) error {
	taken := apperr.New(apperr.KindConflict, apperr.CodeSlotTaken, "slot no longer available")

	bookings, err := tx.Bookings(ctx, ownerID, slot.Start, slot.End)
	if err != nil {
		return err
	}
	if len(bookings) > 0 {
		return taken
	}

	conns, err := tx.ActiveConnections(ctx, ownerID)
	if err != nil {
		return err
	}
	// All-day events are stored on UTC dates, so look one day either side.
	events, err := tx.MemberEvents(ctx, ownerID, store.AccountEmails(conns), slot.Start.AddDate(0, 0, -1), slot.End.AddDate(0, 0, 1))
	if err != nil {
		return err
	}
	for _, busy := range schedule.BusyRanges(events, loc) {
		if busy.Overlaps(slot) {
			return taken
		}
	}
	return nil
}

// pickConnection returns the oldest usable connection of the first provider
// in preference order, starting with the requested one.
func (s *Service) pickConnection(ctx context.Context, ownerID uint, requested models.Provider) (*models.Connection, error) {
	conns, err := s.store.ActiveConnections(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	order := s.preference
	if requested != "" {
		if !requested.Valid() {
			return nil, apperr.Validation(apperr.CodeNoCalendar, "unknown provider %q", requested)
		}
		order = []models.Provider{requested}
	}
	for _, p := range order {
		for i := range conns {
			if conns[i].Provider == p {
				return &conns[i], nil
			}
		}
	}
	return nil, apperr.New(apperr.KindValidation, apperr.CodeNoCalendar, "owner has no connected calendar to host the booking")
}

func bookingPayload(req Request, loc *time.Location) models.EventPayload {
	var desc strings.Builder
	fmt.Fprintf(&desc, "Client: %s (%s)", req.ClientName, req.ClientEmail)
	if req.ClientNote != "" {
		fmt.Fprintf(&desc, "\n\nNote: %s", req.ClientNote)
	}
	if req.MeetingLink != "" {
		fmt.Fprintf(&desc, "\n\nMeeting link: %s", req.MeetingLink)
	}

	p := models.EventPayload{
		Kind:               models.PayloadBooking,
		Title:              "Booking: " + req.ClientName,
		Description:        desc.String(),
		Location:           req.MeetingLink,
		Start:              req.Start,
		End:                req.End,
		TimeZone:           loc.String(),
		Private:            true,
		Reminders:          true,
		RequestMeetingLink: req.MeetingLink == "",
	}
	if req.InviteClient {
		p.Attendees = []models.Attendee{{Email: req.ClientEmail, Name: req.ClientName}}
	}
	return provider.SanitizeBooking(p)
}
