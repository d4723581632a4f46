// Package busyfeed publishes an owner's busy time to a CalDAV calendar as
// anonymous VEVENTs, so any CalDAV client can subscribe to free/busy without
// seeing what the owner is doing.
package busyfeed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"
	"unical/internal/timeslot"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

const (
	summary   = "Busy"
	productID = "-//unical//busy feed//EN"
)

var uidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://unical/busyfeed"))

// Config locates the target calendar.
type Config struct {
	Endpoint string
	Username string
	Password string
	Calendar string
}

// BusySource yields merged busy ranges for an owner.
type BusySource interface {
	Busy(ctx context.Context, ownerID uint, from, to time.Time) ([]timeslot.Range, error)
}

// remote is the part of a CalDAV server the publisher writes to.
type remote interface {
	Put(ctx context.Context, objectPath string, cal *ical.Calendar) error
	List(ctx context.Context, dir string) ([]string, error)
	Remove(ctx context.Context, objectPath string) error
}

// basicAuthTransport adds Basic Auth and the user agent to each request.
type basicAuthTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "unical/1.0")
	return t.Transport.RoundTrip(req)
}

type davRemote struct {
	caldav *caldav.Client
	webdav *webdav.Client
}

func (r *davRemote) Put(ctx context.Context, objectPath string, cal *ical.Calendar) error {
	_, err := r.caldav.PutCalendarObject(ctx, objectPath, cal)
	return err
}

func (r *davRemote) List(ctx context.Context, dir string) ([]string, error) {
	infos, err := r.webdav.ReadDir(ctx, dir, false)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(infos))
	for _, fi := range infos {
		if !fi.IsDir {
			out = append(out, fi.Path)
		}
	}
	return out, nil
}

func (r *davRemote) Remove(ctx context.Context, objectPath string) error {
	return r.webdav.RemoveAll(ctx, objectPath)
}

// Publisher writes busy ranges into one calendar collection.
type Publisher struct {
	remote       remote
	source       BusySource
	logger       *slog.Logger
	calendarPath string
	now          func() time.Time
}

// NewPublisher connects to the CalDAV endpoint and locates the calendar
// named cfg.Calendar in the user's home set.
func NewPublisher(ctx context.Context, logger *slog.Logger, cfg Config, source BusySource) (*Publisher, error) {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &basicAuthTransport{
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: http.DefaultTransport,
		},
	}

	caldavClient, err := caldav.NewClient(httpClient, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	webdavClient, err := webdav.NewClient(httpClient, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}

	logger.Info("Finding busy feed calendar.", "calendar", cfg.Calendar)
	calendarPath, err := findCalendar(ctx, caldavClient, cfg.Calendar)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar %q: %w", cfg.Calendar, err)
	}
	logger.Info("Found busy feed calendar.", "path", calendarPath)

	return newPublisher(logger, &davRemote{caldav: caldavClient, webdav: webdavClient}, calendarPath, source), nil
}

func newPublisher(logger *slog.Logger, r remote, calendarPath string, source BusySource) *Publisher {
	if !strings.HasSuffix(calendarPath, "/") {
		calendarPath += "/"
	}
	return &Publisher{remote: r, source: source, logger: logger, calendarPath: calendarPath, now: time.Now}
}

func findCalendar(ctx context.Context, c *caldav.Client, name string) (string, error) {
	principal, err := c.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}
	homeSet, err := c.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}
	calendars, err := c.FindCalendars(ctx, homeSet)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}
	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar named %q", name)
}

// Result reports one publish run.
type Result struct {
	Written int
	Removed int
	Failed  int
	Errors  []error
}

// Publish writes the owner's busy ranges in [from, to) and removes feed
// objects of that owner that no longer correspond to a range. Each range
// maps to a fixed object, so republishing overwrites in place.
func (p *Publisher) Publish(ctx context.Context, ownerID uint, from, to time.Time) (Result, error) {
	var res Result
	busy, err := p.source.Busy(ctx, ownerID, from, to)
	if err != nil {
		return res, fmt.Errorf("failed to load busy time: %w", err)
	}

	keep := make(map[string]bool, len(busy))
	for _, r := range busy {
		uid := UID(ownerID, r)
		objectPath := p.objectPath(ownerID, uid)
		keep[objectPath] = true
		if err := p.remote.Put(ctx, objectPath, p.calendar(uid, r)); err != nil {
			p.logger.Error("Failed to publish busy range", "start", r.Start, "end", r.End, "error", err)
			res.Failed++
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Written++
	}

	existing, err := p.remote.List(ctx, p.calendarPath)
	if err != nil {
		return res, fmt.Errorf("failed to list feed calendar: %w", err)
	}
	prefix := objectPrefix(ownerID)
	for _, objectPath := range existing {
		if keep[objectPath] || !strings.HasPrefix(path.Base(objectPath), prefix) {
			continue
		}
		if err := p.remote.Remove(ctx, objectPath); err != nil {
			p.logger.Error("Failed to remove stale busy range", "path", objectPath, "error", err)
			res.Failed++
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Removed++
	}

	p.logger.Info("Published busy feed.", "owner", ownerID, "written", res.Written, "removed", res.Removed, "failed", res.Failed)
	return res, nil
}

// UID is the stable identifier of one owner's busy range.
func UID(ownerID uint, r timeslot.Range) string {
	key := fmt.Sprintf("%d:%d:%d", ownerID, r.Start.Unix(), r.End.Unix())
	return uuid.NewSHA1(uidNamespace, []byte(key)).String()
}

func objectPrefix(ownerID uint) string {
	return fmt.Sprintf("busy-%d-", ownerID)
}

func (p *Publisher) objectPath(ownerID uint, uid string) string {
	return p.calendarPath + objectPrefix(ownerID) + uid + ".ics"
}

// calendar wraps one busy range in a VCALENDAR. Only the time range is
// exported: no description, location, organizer or attendees.
func (p *Publisher) calendar(uid string, r timeslot.Range) *ical.Calendar {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, summary)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, p.now().UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, r.Start.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, r.End.UTC())
	ve.Props.SetText(ical.PropTransparency, "OPAQUE")
	ve.Props.SetText(ical.PropClass, "PRIVATE")

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, ve)
	return cal
}
