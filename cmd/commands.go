package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unical/internal/apperr"
	"unical/internal/booking"
	"unical/internal/busyfeed"
	"unical/internal/models"
	"unical/internal/schedule"

	"github.com/urfave/cli/v2"
)

const displayLayout = "Mon 2006-01-02 15:04"

func rangeFlags(defaultDays int) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "from", Usage: "RFC 3339 time or YYYY-MM-DD, defaults to now."},
		&cli.StringFlag{Name: "to", Usage: fmt.Sprintf("RFC 3339 time or YYYY-MM-DD, defaults to %d days after from.", defaultDays)},
	}
}

// parseTime accepts RFC 3339 or a bare date, read in loc.
func parseTime(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", v, loc)
	if err != nil {
		return time.Time{}, apperr.Validation(apperr.CodeInvalidRange, "%q is neither RFC 3339 nor YYYY-MM-DD", v)
	}
	return t, nil
}

func timeRange(c *cli.Context, loc *time.Location, defaultDays int) (time.Time, time.Time, error) {
	from := time.Now().In(loc)
	if v := c.String("from"); v != "" {
		t, err := parseTime(v, loc)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = t
	}
	to := from.AddDate(0, 0, defaultDays)
	if v := c.String("to"); v != "" {
		t, err := parseTime(v, loc)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = t
	}
	return from, to, nil
}

func conflictsCommand() *cli.Command {
	return &cli.Command{
		Name:  "conflicts",
		Usage: "Detect overlapping events across an owner's calendars.",
		Flags: append([]cli.Flag{ownerFlag()}, rangeFlags(30)...),
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			loc := rt.cfg.Location()
			from, to, err := timeRange(c, loc, 30)
			if err != nil {
				return err
			}
			groups, err := rt.schedule().DetectConflicts(c.Context, c.Uint("owner"), from, to)
			if err != nil {
				return err
			}
			if len(groups) == 0 {
				fmt.Println("no conflicts")
				return nil
			}
			for _, g := range groups {
				fmt.Printf("%s  %-40s  %-9s  %s  with %v\n",
					g.Event.StartTime.In(loc).Format(displayLayout), g.Event.Title, g.Event.Provider, g.Type, g.PartnerIDs)
			}
			return nil
		}),
	}
}

func clearConflictsCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear-conflicts",
		Usage: "Reset conflict flags and detect conflicts afresh.",
		Flags: []cli.Flag{ownerFlag()},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			res, err := rt.schedule().ClearConflicts(c.Context, c.Uint("owner"))
			if err != nil {
				return err
			}
			fmt.Printf("%d flags cleared, %d conflicts detected\n", res.Cleared, res.Groups)
			return nil
		}),
	}
}

func clearEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear-events",
		Usage: "Delete every stored event of an owner. The next sync refills them.",
		Flags: []cli.Flag{ownerFlag()},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			n, err := rt.store.ClearEvents(c.Context, c.Uint("owner"))
			if err != nil {
				return err
			}
			fmt.Printf("%d events deleted\n", n)
			return nil
		}),
	}
}

func freeSlotsCommand() *cli.Command {
	return &cli.Command{
		Name:  "free-slots",
		Usage: "List free slots on one day.",
		Flags: []cli.Flag{
			ownerFlag(),
			&cli.StringFlag{Name: "date", Usage: "YYYY-MM-DD, defaults to today."},
			&cli.IntFlag{Name: "duration", Value: 60, Usage: "Minutes."},
			&cli.IntFlag{Name: "start-hour", Value: 9},
			&cli.IntFlag{Name: "end-hour", Value: 17},
		},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			loc := rt.cfg.Location()
			date := time.Now().In(loc)
			if v := c.String("date"); v != "" {
				t, err := parseTime(v, loc)
				if err != nil {
					return err
				}
				date = t
			}
			slots, err := rt.schedule().FindFreeSlots(c.Context, c.Uint("owner"), date,
				c.Int("duration"), c.Int("start-hour"), c.Int("end-hour"))
			if err != nil {
				return err
			}
			for _, s := range slots {
				fmt.Printf("%s - %s\n", s.Start.In(loc).Format(displayLayout), s.End.In(loc).Format("15:04"))
			}
			fmt.Printf("%d free slots\n", len(slots))
			return nil
		}),
	}
}

func suggestCommand() *cli.Command {
	return &cli.Command{
		Name:  "suggest",
		Usage: "Suggest meeting times inside preferred working hours.",
		Flags: append([]cli.Flag{
			ownerFlag(),
			&cli.IntFlag{Name: "duration", Value: 60, Usage: "Minutes."},
			&cli.IntFlag{Name: "start-hour", Value: 9},
			&cli.IntFlag{Name: "end-hour", Value: 17},
			&cli.IntFlag{Name: "per-day", Value: 3},
		}, rangeFlags(7)...),
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			loc := rt.cfg.Location()
			from, to, err := timeRange(c, loc, 7)
			if err != nil {
				return err
			}
			prefs := schedule.Preferences{StartHour: c.Int("start-hour"), EndHour: c.Int("end-hour"), PerDay: c.Int("per-day")}
			suggestions, err := rt.schedule().SuggestMeetingTimes(c.Context, c.Uint("owner"), from, to, c.Int("duration"), prefs)
			if err != nil {
				return err
			}
			for _, s := range suggestions {
				fmt.Printf("%s - %s  score %.2f\n", s.Start.In(loc).Format(displayLayout), s.End.In(loc).Format("15:04"), s.Score)
			}
			return nil
		}),
	}
}

func summaryCommand() *cli.Command {
	return &cli.Command{
		Name:  "summary",
		Usage: "Summarize an owner's calendar over a range.",
		Flags: append([]cli.Flag{ownerFlag()}, rangeFlags(7)...),
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			from, to, err := timeRange(c, rt.cfg.Location(), 7)
			if err != nil {
				return err
			}
			s, err := rt.schedule().Summary(c.Context, c.Uint("owner"), from, to)
			if err != nil {
				return err
			}
			fmt.Printf("events:            %d\n", s.TotalEvents)
			fmt.Printf("conflicting:       %d (%.1f%%)\n", s.ConflictingEvents, s.ConflictPercentage)
			fmt.Printf("meeting hours:     %.1f\n", s.TotalMeetingHours)
			fmt.Printf("meetings per day:  %.1f\n", s.AverageMeetingsPerDay)
			if s.BusiestDay != "" {
				fmt.Printf("busiest day:       %s (%d events)\n", s.BusiestDay, s.BusiestDayEvents)
			}
			for p, share := range s.Providers {
				fmt.Printf("%-18s %d (%.1f%%)\n", string(p)+":", share.Count, share.Percentage)
			}
			return nil
		}),
	}
}

func availabilityCommand() *cli.Command {
	return &cli.Command{
		Name:  "availability",
		Usage: "Manage weekly booking availability.",
		Subcommands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Replace the weekly rules. Each rule is DAY=HH:MM-HH:MM with DAY 0 (Monday) to 6.",
				Flags: []cli.Flag{
					ownerFlag(),
					&cli.StringSliceFlag{Name: "rule", Required: true},
				},
				Action: withRuntime(func(c *cli.Context, rt *runtime) error {
					var rules []booking.RuleInput
					for _, v := range c.StringSlice("rule") {
						r, err := parseRule(v)
						if err != nil {
							return err
						}
						rules = append(rules, r)
					}
					saved, err := rt.booking().SetAvailability(c.Context, c.Uint("owner"), rules)
					if err != nil {
						return err
					}
					printAvailability(saved)
					return nil
				}),
			},
			{
				Name:  "show",
				Flags: []cli.Flag{ownerFlag()},
				Action: withRuntime(func(c *cli.Context, rt *runtime) error {
					rules, err := rt.booking().Availability(c.Context, c.Uint("owner"))
					if err != nil {
						return err
					}
					if len(rules) == 0 {
						fmt.Println("no availability set")
						return nil
					}
					printAvailability(rules)
					return nil
				}),
			},
			{
				Name:  "default-slot",
				Usage: "Set the slot length public pages offer by default.",
				Flags: []cli.Flag{
					ownerFlag(),
					&cli.IntFlag{Name: "minutes", Required: true, Usage: "30 or 60."},
				},
				Action: withRuntime(func(c *cli.Context, rt *runtime) error {
					return rt.booking().SetDefaultSlot(c.Context, c.Uint("owner"), c.Int("minutes"))
				}),
			},
		},
	}
}

func parseRule(v string) (booking.RuleInput, error) {
	day, window, ok := strings.Cut(v, "=")
	start, end, ok2 := strings.Cut(window, "-")
	if !ok || !ok2 {
		return booking.RuleInput{}, apperr.Validation(apperr.CodeInvalidWindow, "rule %q is not DAY=HH:MM-HH:MM", v)
	}
	d, err := strconv.Atoi(strings.TrimSpace(day))
	if err != nil {
		return booking.RuleInput{}, apperr.Validation(apperr.CodeInvalidDay, "rule %q has no numeric day", v)
	}
	return booking.RuleInput{Day: d, Start: strings.TrimSpace(start), End: strings.TrimSpace(end)}, nil
}

func printAvailability(rules []models.Availability) {
	for _, r := range rules {
		fmt.Printf("%-9s %s - %s\n", models.DayName(r.DayOfWeek), booking.FormatClock(r.StartTime), booking.FormatClock(r.EndTime))
	}
}

func bookCommand() *cli.Command {
	return &cli.Command{
		Name:  "book",
		Usage: "Book a slot on an owner's public page.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "handle", Required: true},
			&cli.StringFlag{Name: "name", Required: true},
			&cli.StringFlag{Name: "email", Required: true},
			&cli.StringFlag{Name: "note"},
			&cli.StringFlag{Name: "start", Required: true, Usage: "RFC 3339."},
			&cli.IntFlag{Name: "duration", Value: 30, Usage: "30 or 60 minutes."},
			&cli.StringFlag{Name: "provider", Usage: "Host on google or microsoft."},
			&cli.StringFlag{Name: "link", Usage: "Use this meeting link instead of generating one."},
			&cli.BoolFlag{Name: "invite", Usage: "Invite the client as an attendee."},
		},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			start, err := time.Parse(time.RFC3339, c.String("start"))
			if err != nil {
				return apperr.Validation(apperr.CodeInvalidRange, "start %q is not RFC 3339", c.String("start"))
			}
			d := c.Int("duration")
			b, err := rt.booking().CreateBooking(c.Context, booking.Request{
				Handle:          c.String("handle"),
				ClientName:      c.String("name"),
				ClientEmail:     c.String("email"),
				ClientNote:      c.String("note"),
				Start:           start,
				End:             start.Add(time.Duration(d) * time.Minute),
				DurationMinutes: d,
				Provider:        models.Provider(strings.ToLower(c.String("provider"))),
				MeetingLink:     c.String("link"),
				InviteClient:    c.Bool("invite"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("booking %d confirmed on %s", b.ID, b.Provider)
			if b.MeetingLink != "" {
				fmt.Printf(", join at %s", b.MeetingLink)
			}
			fmt.Println()
			return nil
		}),
	}
}

func publicSlotsCommand() *cli.Command {
	return &cli.Command{
		Name:  "public-slots",
		Usage: "List bookable slots on an owner's public page.",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "handle", Required: true},
			&cli.IntFlag{Name: "duration", Usage: "30 or 60, defaults to the owner's slot length."},
		}, rangeFlags(7)...),
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			loc := rt.cfg.Location()
			from, to, err := timeRange(c, loc, 7)
			if err != nil {
				return err
			}
			slots, err := rt.booking().GetPublicSlots(c.Context, c.String("handle"), from, to, c.Int("duration"))
			if err != nil {
				return err
			}
			for _, s := range slots {
				fmt.Printf("%s - %s\n", s.Start.In(loc).Format(displayLayout), s.End.In(loc).Format("15:04"))
			}
			fmt.Printf("%d slots\n", len(slots))
			return nil
		}),
	}
}

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:  "publish",
		Usage: "Publish an owner's busy time to the CalDAV busy feed.",
		Flags: []cli.Flag{
			ownerFlag(),
			&cli.IntFlag{Name: "days", Value: 30, Usage: "Days ahead to publish."},
		},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			feed := rt.cfg.BusyFeed
			if !feed.Enabled() {
				return apperr.Configuration("BUSYFEED_URL is not set")
			}
			pub, err := busyfeed.NewPublisher(c.Context, rt.logger, busyfeed.Config{
				Endpoint: feed.URL,
				Username: feed.Username,
				Password: feed.Password,
				Calendar: feed.Calendar,
			}, rt.schedule())
			if err != nil {
				return err
			}
			from := time.Now()
			res, err := pub.Publish(c.Context, c.Uint("owner"), from, from.AddDate(0, 0, c.Int("days")))
			if err != nil {
				return err
			}
			for _, e := range res.Errors {
				rt.logger.Warn("Busy feed object failed", "error", e)
			}
			fmt.Printf("busy feed: %d written, %d removed, %d failed\n", res.Written, res.Removed, res.Failed)
			return nil
		}),
	}
}
