// Package provider defines the calendar client capability the sync, mirror
// and booking services consume, and the policies every implementation applies.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
	"unical/internal/apperr"
	"unical/internal/models"
)

// Client is one connection's view of its remote calendar.
type Client interface {
	ListEvents(ctx context.Context, start, end time.Time) ([]models.RawEvent, error)
	CreateEvent(ctx context.Context, payload models.EventPayload) (models.CreatedEvent, error)
	UpdateEvent(ctx context.Context, remoteID string, payload models.EventPayload) error
}

// Refresher is implemented by clients that can force a credential refresh.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Factory builds the client for a connection.
type Factory interface {
	Client(ctx context.Context, conn *models.Connection) (Client, error)
}

// SanitizeBlocker enforces the mirror policy: private, busy, silent and
// guest-free, whatever the caller filled in.
func SanitizeBlocker(p models.EventPayload) models.EventPayload {
	p.Kind = models.PayloadBlocker
	if !models.IsMirrorTitle(p.Title) {
		p.Title = strings.TrimSpace(models.MirrorMarker + " " + p.Title)
	}
	if strings.TrimSpace(p.Title) == models.MirrorMarker {
		p.Title = models.MirrorTitle
	}
	p.Description = ""
	p.Location = ""
	p.Attendees = nil
	p.Private = true
	p.Busy = true
	p.Reminders = false
	p.GuestsCanModify = false
	p.GuestsCanInviteOthers = false
	p.GuestsCanSeeOtherGuests = false
	p.SendNotifications = false
	p.RequestMeetingLink = false
	return p
}

// SanitizeBooking enforces the booking policy: guests cannot modify the
// event or invite others, but may see each other and receive notifications.
func SanitizeBooking(p models.EventPayload) models.EventPayload {
	p.Kind = models.PayloadBooking
	p.Busy = true
	p.GuestsCanModify = false
	p.GuestsCanInviteOthers = false
	p.GuestsCanSeeOtherGuests = true
	p.SendNotifications = len(p.Attendees) > 0
	return p
}

// Sanitize applies the policy matching p.Kind.
func Sanitize(p models.EventPayload) models.EventPayload {
	if p.Kind == models.PayloadBooking {
		return SanitizeBooking(p)
	}
	return SanitizeBlocker(p)
}

// HTTPError is a non-2xx answer from a provider API.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// ClassifyStatus maps an HTTP status to an error kind.
func ClassifyStatus(status int) (apperr.Kind, string) {
	switch {
	case status == http.StatusUnauthorized:
		return apperr.KindAuthentication, apperr.CodeReconnectRequired
	case status == http.StatusNotFound || status == http.StatusGone:
		return apperr.KindNotFound, apperr.CodeRemoteNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		return apperr.KindTransient, apperr.CodeProviderUnavailable
	}
	return apperr.KindValidation, ""
}

// Classify wraps a transport level failure of op with its error kind.
// Already classified errors pass through.
func Classify(op string, status int, err error) error {
	if err == nil {
		return nil
	}
	var classified *apperr.Error
	if errors.As(err, &classified) {
		return err
	}
	if status > 0 {
		kind, code := ClassifyStatus(status)
		return apperr.Wrap(kind, code, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTransient, apperr.CodeProviderUnavailable, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
