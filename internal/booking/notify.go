package booking

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unical/internal/models"
)

// Message is one outbound notification.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Notifier delivers notifications. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes notifications to the log instead of delivering them.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs msg.
func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	n.logger.Info("Notification.", "to", msg.To, "subject", msg.Subject, "body", msg.Body)
	return nil
}

const (
	SubjectConfirmed = "Meeting booking confirmed"
	SubjectReceived  = "New booking received"
)

func (s *Service) notifyBooked(ctx context.Context, owner *models.Owner, b *models.Booking) {
	when := fmt.Sprintf("%s - %s", b.StartTime.Format(time.RFC3339), b.EndTime.Format(time.RFC3339))
	link := b.MeetingLink
	if link == "" {
		link = "TBD"
	}
	note := b.ClientNote
	if note == "" {
		note = "-"
	}

	messages := []Message{
		{
			To:      b.ClientEmail,
			Subject: SubjectConfirmed,
			Body:    fmt.Sprintf("Your meeting is confirmed.\n\nWhen: %s\nMeeting link: %s", when, link),
		},
		{
			To:      owner.Email,
			Subject: SubjectReceived,
			Body:    fmt.Sprintf("New booking from %s (%s).\n\nWhen: %s\nMeeting link: %s\n\nNote:\n%s", b.ClientName, b.ClientEmail, when, link, note),
		},
	}
	for _, msg := range messages {
		if err := s.notifier.Notify(ctx, msg); err != nil {
			s.logger.Warn("Failed to send booking notification", "to", msg.To, "subject", msg.Subject, "error", err)
		}
	}
}
