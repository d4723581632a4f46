package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
	"unical/internal/apperr"
	"unical/internal/booking"
	"unical/internal/cache"
	"unical/internal/config"
	"unical/internal/google"
	"unical/internal/microsoft"
	"unical/internal/mirror"
	"unical/internal/models"
	"unical/internal/oauthstate"
	"unical/internal/registry"
	"unical/internal/schedule"
	"unical/internal/store"
	"unical/internal/syncer"

	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
)

func main() {
	app := &cli.App{
		Name:  "unical",
		Usage: "Unify Google and Microsoft calendars, mirror busy time across accounts and take public bookings.",
		Commands: []*cli.Command{
			migrateCommand(),
			ownerCommand(),
			connectCommand(),
			disconnectCommand(),
			syncCommand(),
			mirrorCommand(),
			conflictsCommand(),
			clearConflictsCommand(),
			clearEventsCommand(),
			freeSlotsCommand(),
			suggestCommand(),
			summaryCommand(),
			availabilityCommand(),
			bookCommand(),
			publicSlotsCommand(),
			publishCommand(),
			dedupeMappingsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err, "kind", apperr.KindOf(err), "code", apperr.CodeOf(err))
		os.Exit(1)
	}
}

// runtime is what every command needs once configuration is valid.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	registry *registry.Registry
	cache    *cache.SlotCache
}

func bootstrap(c *cli.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(c.Context, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	opts := registry.Options{Timeout: cfg.ProviderTimeout}
	if cfg.Google.Configured() {
		opts.Google, err = google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURI)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to get google oauth config: %w", err)
		}
	}
	if cfg.MicrosoftActive() {
		opts.Microsoft = microsoft.OAuthConfig(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.Microsoft.Tenant, cfg.Microsoft.RedirectURI)
	}

	rt := &runtime{cfg: cfg, logger: logger, store: st, registry: registry.New(st, logger, opts)}
	if cfg.RedisURL != "" {
		rt.cache, err = cache.Open(c.Context, cfg.RedisURL, cfg.SlotCacheTTL, logger)
		if err != nil {
			logger.Warn("Slot cache unavailable, continuing without it", "error", err)
		}
	}
	return rt, nil
}

func (rt *runtime) Close() {
	if rt.cache != nil {
		_ = rt.cache.Close()
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Error("Failed to close database", "error", err)
	}
}

func (rt *runtime) syncer(dryRun bool) *syncer.Syncer {
	return syncer.NewSyncer(rt.logger, rt.store, rt.registry, syncer.Options{
		DaysBack:    rt.cfg.SyncDaysBack,
		DaysForward: rt.cfg.SyncDaysForward,
		DryRun:      dryRun,
	})
}

func (rt *runtime) mirror() *mirror.Engine {
	return mirror.NewEngine(rt.logger, rt.store, rt.registry, mirror.Options{
		Workers:     rt.cfg.MirrorWorkers,
		PairTimeout: rt.cfg.MirrorPairTimeout,
		DaysBack:    rt.cfg.SyncDaysBack,
		DaysForward: rt.cfg.SyncDaysForward,
	})
}

func (rt *runtime) schedule() *schedule.Service {
	return schedule.NewService(rt.logger, rt.store, rt.cfg.Location())
}

func (rt *runtime) booking() *booking.Service {
	var slotCache booking.SlotCache
	if rt.cache != nil {
		slotCache = rt.cache
	}
	return booking.NewService(rt.logger, rt.store, rt.registry, nil, slotCache, booking.Options{
		Preference: rt.cfg.ProviderPreference,
		DefaultLoc: rt.cfg.Location(),
	})
}

// withRuntime adapts a command body to a cli action.
func withRuntime(fn func(c *cli.Context, rt *runtime) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		rt, err := bootstrap(c)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(c, rt)
	}
}

func ownerFlag() cli.Flag {
	return &cli.UintFlag{Name: "owner", Usage: "Owner id.", Required: true}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the database schema.",
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			if err := rt.store.Migrate(c.Context); err != nil {
				return err
			}
			rt.logger.Info("Database schema is up to date.")
			return nil
		}),
	}
}

func ownerCommand() *cli.Command {
	return &cli.Command{
		Name:  "owner",
		Usage: "Manage owners.",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create an owner and assign a public handle.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "name"},
					&cli.StringFlag{Name: "timezone", Usage: "IANA time zone, defaults to DEFAULT_TIMEZONE."},
				},
				Action: withRuntime(func(c *cli.Context, rt *runtime) error {
					tz := c.String("timezone")
					if tz != "" {
						if _, err := time.LoadLocation(tz); err != nil {
							return apperr.Validation(apperr.CodeInvalidRange, "unknown time zone %q", tz)
						}
					}
					owner := &models.Owner{Email: c.String("email"), Name: c.String("name"), TimeZone: tz, DefaultSlotMinutes: 30}
					if err := rt.store.CreateOwner(c.Context, owner); err != nil {
						return err
					}
					handle, err := rt.booking().EnsurePublicHandle(c.Context, owner.ID)
					if err != nil {
						return err
					}
					fmt.Printf("owner %d created, public handle %q\n", owner.ID, handle)
					return nil
				}),
			},
		},
	}
}

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "Authorize a Google or Microsoft account for an owner.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "provider", Value: string(models.ProviderGoogle), Usage: "google or microsoft."},
			ownerFlag(),
		},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			p := models.Provider(strings.ToLower(c.String("provider")))
			ownerID := c.Uint("owner")
			if _, err := rt.store.OwnerByID(c.Context, ownerID); err != nil {
				return err
			}
			oauthCfg, err := rt.registry.Config(p)
			if err != nil {
				return err
			}
			signer, err := stateSigner(rt.cfg.OAuthStateSecret)
			if err != nil {
				return err
			}
			state, err := signer.Issue(ownerID, p)
			if err != nil {
				return err
			}

			authURL := oauthCfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
			fmt.Printf("Go to the following link in your browser, then paste the "+
				"authorization code or the full redirect URL: \n%v\n", authURL)
			fmt.Print("Enter Authorization Code: ")
			input, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			code, err := codeFromInput(strings.TrimSpace(input), signer, ownerID, p)
			if err != nil {
				return err
			}

			token, err := oauthCfg.Exchange(c.Context, code)
			if err != nil {
				return apperr.Wrap(apperr.KindAuthentication, apperr.CodeReconnectRequired, "exchange authorization code", err)
			}
			bundle, err := json.Marshal(token)
			if err != nil {
				return fmt.Errorf("failed to encode token: %w", err)
			}
			email, err := rt.registry.AccountEmail(c.Context, p, bundle)
			if err != nil {
				return fmt.Errorf("failed to resolve account email: %w", err)
			}

			conn := &models.Connection{OwnerID: ownerID, Provider: p, AccountEmail: email, Credentials: bundle}
			if p == models.ProviderGoogle {
				conn.CalendarID = "primary"
			}
			created, err := rt.store.UpsertConnection(c.Context, conn)
			if err != nil {
				return err
			}
			rt.logger.Info("Successfully connected account.", "connection", conn.ID, "provider", p, "account", email, "new", created)
			return nil
		}),
	}
}

func stateSigner(secret string) (*oauthstate.Signer, error) {
	if secret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("failed to generate state secret: %w", err)
		}
		secret = hex.EncodeToString(b)
	}
	return oauthstate.NewSigner(secret, oauthstate.DefaultTTL)
}

// codeFromInput accepts a bare code or a redirect URL. A redirect URL must
// carry a valid state issued for this owner and provider.
func codeFromInput(input string, signer *oauthstate.Signer, ownerID uint, p models.Provider) (string, error) {
	if !strings.Contains(input, "code=") {
		if input == "" {
			return "", apperr.Validation(apperr.CodeReconnectRequired, "no authorization code entered")
		}
		return input, nil
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("failed to parse redirect url: %w", err)
	}
	q := u.Query()
	payload, err := signer.Verify(q.Get("state"))
	if err != nil {
		return "", apperr.Wrap(apperr.KindAuthentication, apperr.CodeReconnectRequired, "verify oauth state", err)
	}
	if payload.OwnerID != ownerID || payload.Provider != p {
		return "", apperr.New(apperr.KindAuthentication, apperr.CodeReconnectRequired, "oauth state was issued for another owner or provider")
	}
	return q.Get("code"), nil
}

func disconnectCommand() *cli.Command {
	return &cli.Command{
		Name:  "disconnect",
		Usage: "Deactivate a connection. Its events stay in place.",
		Flags: []cli.Flag{&cli.UintFlag{Name: "connection", Required: true}},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			if err := rt.store.DeactivateConnection(c.Context, c.Uint("connection")); err != nil {
				return err
			}
			rt.logger.Info("Deactivated connection.", "connection", c.Uint("connection"))
			return nil
		}),
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Fetch every connection of an owner, then mirror busy time across them.",
		Flags: []cli.Flag{
			ownerFlag(),
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run every N seconds."},
		},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			ownerID := c.Uint("owner")
			dryRun := c.Bool("dry-run")
			if dryRun {
				rt.logger.Info("Performing a dry run. No changes will be made.")
			}
			s := rt.syncer(dryRun)
			engine := rt.mirror()

			cycle := func(ctx context.Context) error {
				results, err := s.SyncOwner(ctx, ownerID)
				if err != nil {
					return err
				}
				for _, r := range results {
					fmt.Println(r.String())
				}
				if dryRun {
					return nil
				}
				report, err := engine.RunMirrorPass(ctx, ownerID)
				if err != nil {
					return err
				}
				printPass(report)
				return nil
			}

			if !c.IsSet("watch") {
				rt.logger.Info("Running a single sync cycle.")
				return cycle(c.Context)
			}

			interval := time.Duration(c.Int("watch")) * time.Second
			rt.logger.Info("Starting watcher.", "interval", interval)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if err := cycle(c.Context); err != nil {
					if apperr.IsKind(err, apperr.KindConfiguration) {
						return err
					}
					rt.logger.Error("Sync cycle failed", "error", err)
				}
				select {
				case <-c.Context.Done():
					return nil
				case <-ticker.C:
				}
			}
		}),
	}
}

func mirrorCommand() *cli.Command {
	return &cli.Command{
		Name:  "mirror",
		Usage: "Run one mirror pass from the stored events.",
		Flags: []cli.Flag{ownerFlag()},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			report, err := rt.mirror().RunMirrorPass(c.Context, c.Uint("owner"))
			if err != nil {
				return err
			}
			printPass(report)
			return nil
		}),
	}
}

func printPass(report mirror.PassReport) {
	for _, p := range report.Pairs {
		fmt.Println(p.String())
	}
	t := report.Totals()
	fmt.Printf("mirror pass: %d created, %d updated, %d recreated, %d skipped, %d failed\n",
		t.Created, t.Updated, t.Recreated, t.Skipped, t.Failed)
}

func dedupeMappingsCommand() *cli.Command {
	return &cli.Command{
		Name:  "dedupe-mappings",
		Usage: "Collapse duplicate mirror mappings.",
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			res, err := rt.store.DedupeMappings(c.Context)
			if err != nil {
				return err
			}
			fmt.Printf("%d duplicate groups, %d rows removed\n", res.Groups, res.Removed)
			return nil
		}),
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
