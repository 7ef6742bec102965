package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"currently/internal/agenda"
	"currently/internal/ai"
	"currently/internal/config"
	"currently/internal/feeds"
	"currently/internal/ics"
	"currently/internal/importer"
	appLog "currently/internal/log"
	"currently/internal/provider/caldav"
	"currently/internal/provider/google"
	"currently/internal/state"
	"currently/internal/store"
	"currently/internal/voice"
	"currently/internal/web"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "currently",
		Usage:   "Tasks, meetings and calendar imports behind one small API.",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(),
			importCommand(),
			syncCommand(),
			agendaCommand(),
			googleAuthCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		appLog.Error("currently failed", err)
		os.Exit(1)
	}
}

// commonFlags are accepted by every command.
func commonFlags(extra ...cli.Flag) []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{Name: "config", Value: "./currently.yaml", Usage: "Path to config file", EnvVars: []string{"CURRENTLY_CONFIG"}},
		&cli.BoolFlag{Name: "debug", Usage: "Log at debug level"},
	}, extra...)
}

// loadConfig reads the config named by --config and applies the log level.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level := appLog.ParseLevel(cfg.LogLevel)
	if c.Bool("debug") {
		level = appLog.LevelDebug
	}
	appLog.SetLevel(level)
	return cfg, nil
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// app bundles the collaborators every command shares.
type app struct {
	cfg   *config.Config
	loc   *time.Location
	store *store.SQL
	ai    *ai.Client
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, loc: cfg.Location(), store: st}

	client, err := ai.New(ai.Config{
		APIKey:          cfg.OpenAI.APIKey,
		BaseURL:         cfg.OpenAI.BaseURL,
		TranscribeModel: cfg.OpenAI.TranscribeModel,
		ChatModel:       cfg.OpenAI.ChatModel,
	})
	switch {
	case errors.Is(err, ai.ErrNoAPIKey):
		appLog.Info("no OpenAI key; text, image and voice imports are disabled")
	case err != nil:
		st.Close()
		return nil, err
	default:
		a.ai = client
	}
	return a, nil
}

func (a *app) Close() { a.store.Close() }

func (a *app) importer() *importer.Engine {
	e := &importer.Engine{Store: a.store, Location: a.loc}
	// A nil *ai.Client must not become a non-nil interface.
	if a.ai != nil {
		e.Extractor = a.ai
	}
	return e
}

func (a *app) scheduler(ctx context.Context, onSynced func(feeds.Report)) (*feeds.Scheduler, error) {
	subs := make([]ics.Subscription, 0, len(a.cfg.Subscriptions))
	for _, s := range a.cfg.Subscriptions {
		subs = append(subs, ics.Subscription{ID: s.ID, Name: s.Name, URL: s.URL})
	}

	var providers []feeds.Provider
	if c := a.cfg.CalDAV; c != nil && c.Endpoint != "" {
		p, err := caldav.NewClient(caldav.Config{Endpoint: c.Endpoint, Username: c.Username, Password: c.Password, Calendar: c.Calendar}, a.loc)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if g := a.cfg.Google; g != nil && g.CredentialsFile != "" {
		p, err := google.NewClient(ctx, google.Config{CredentialsFile: g.CredentialsFile, TokenFile: g.TokenFile, CalendarIDs: g.CalendarIDs}, a.loc)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	return feeds.New(feeds.Options{
		Subscriptions: subs,
		Fetcher:       ics.NewFetcher(filepath.Join(a.cfg.DataDir, "ics-cache"), &http.Client{Timeout: 30 * time.Second}),
		Providers:     providers,
		Store:         a.store,
		Location:      a.loc,
		PastDays:      a.cfg.Window.PastDays,
		FutureDays:    a.cfg.Window.FutureDays,
		OnSynced:      onSynced,
	}), nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the scheduled feed refresh.",
		Flags: commonFlags(
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address (overrides config if set)"},
		),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if l := c.String("listen"); l != "" {
				cfg.Listen = l
			}
			appLog.Info("currently starting", "version", version)
			appLog.Info("effective config",
				"listen", cfg.Listen,
				"timezone", cfg.Timezone,
				"database", cfg.Database.Driver,
				"refresh", cfg.RefreshCron,
				"subscriptions", len(cfg.Subscriptions),
				"caldav", cfg.CalDAV != nil,
				"google", cfg.Google != nil,
			)

			ctx, cancel := signalContext(c.Context)
			defer cancel()

			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			shopping, err := state.OpenShoppingList(cfg.DataDir)
			if err != nil {
				return err
			}
			prefs, err := state.OpenPreferences(cfg.DataDir)
			if err != nil {
				return err
			}

			deps := web.Deps{
				Store:    a.store,
				Importer: a.importer(),
				Shopping: shopping,
				Prefs:    prefs,
			}
			if a.ai != nil {
				deps.Voice = voice.New(a.ai)
			}

			var srv *web.Server
			sched, err := a.scheduler(ctx, func(feeds.Report) {
				if srv != nil {
					srv.Notify("events")
				}
			})
			if err != nil {
				return err
			}
			deps.Scheduler = sched
			srv = web.NewServer(cfg, deps)

			if err := sched.Start(ctx, cfg.RefreshCron); err != nil {
				return err
			}
			defer sched.Stop()
			go func() {
				if _, err := sched.RunOnce(ctx); err != nil && !errors.Is(err, feeds.ErrAlreadyRunning) {
					appLog.Error("initial refresh failed", err)
				}
			}()

			err = srv.StartServer(ctx)
			appLog.Info("currently exiting")
			return err
		},
	}
}

// importKind picks the import path from the file extension.
func importKind(path string) importer.Kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ics", ".ical", ".ifb":
		return importer.KindICS
	case ".png", ".jpg", ".jpeg", ".webp", ".gif":
		return importer.KindImage
	default:
		return importer.KindText
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import one calendar file, screenshot or text note.",
		Flags: commonFlags(
			&cli.StringFlag{Name: "file", Required: true, Usage: "File to import (.ics, image or text)"},
			&cli.StringFlag{Name: "timezone", Usage: "Zone for floating times (defaults to config)"},
		),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			path := c.String("file")
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}

			a, err := openApp(c.Context, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if tz := c.String("timezone"); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return fmt.Errorf("invalid timezone %q: %w", tz, err)
				}
				a.loc = loc
			}

			src := importer.Source{Kind: importKind(path), Data: data}
			switch src.Kind {
			case importer.KindText:
				src.Data, src.Text = nil, string(data)
			case importer.KindImage:
				src.MimeType = http.DetectContentType(data)
			}

			out, err := a.importer().Import(c.Context, src)
			if err != nil {
				return err
			}
			fmt.Printf("stored %d events (%d new, %d updated)\n", len(out.Stored), out.Inserted, out.Updated)
			for _, d := range out.Dropped {
				fmt.Printf("dropped: %s\n", d)
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Refresh subscriptions and calendar providers.",
		Flags: commonFlags(
			&cli.BoolFlag{Name: "once", Usage: "Run one refresh and exit instead of following the cron spec."},
		),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(c.Context)
			defer cancel()

			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := a.scheduler(ctx, nil)
			if err != nil {
				return err
			}
			if c.Bool("once") {
				rep, err := sched.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("sources=%d drafts=%d stored=%d skipped=%d\n", rep.Sources, rep.Drafts, rep.Stored, rep.Skipped)
				for src, msg := range rep.Errors {
					fmt.Printf("error %s: %s\n", src, msg)
				}
				return nil
			}

			if err := sched.Start(ctx, cfg.RefreshCron); err != nil {
				return err
			}
			<-ctx.Done()
			sched.Stop()
			return nil
		},
	}
}

func agendaCommand() *cli.Command {
	return &cli.Command{
		Name:  "agenda",
		Usage: "Print the meetings of one day.",
		Flags: commonFlags(
			&cli.StringFlag{Name: "date", Usage: "Day as YYYY-MM-DD (defaults to today)"},
		),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			a, err := openApp(c.Context, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now().In(a.loc)
			day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.loc)
			if v := c.String("date"); v != "" {
				if day, err = time.ParseInLocation("2006-01-02", v, a.loc); err != nil {
					return fmt.Errorf("invalid date %q: %w", v, err)
				}
			}

			events, err := a.store.ListEvents(c.Context, day, day.AddDate(0, 0, 1))
			if err != nil {
				return err
			}
			projects, err := a.store.ListProjects(c.Context)
			if err != nil {
				return err
			}
			names := make(map[string]string, len(projects))
			for _, p := range projects {
				names[p.ID] = p.Name
			}

			rows, diags := agenda.BuildDay(day, events, names, a.loc)
			for _, d := range diags {
				if d.Err != nil {
					appLog.Error("recurrence rule not expandable, shown once", d.Err, "event", d.EventID)
				}
				if d.Truncated {
					appLog.Debug("recurrence expansion truncated at occurrence cap", "event", d.EventID)
				}
			}
			fmt.Println(day.Format("Monday, Jan 2 2006"))
			if len(rows) == 0 {
				fmt.Println("  no meetings")
			}
			for _, r := range rows {
				line := fmt.Sprintf("  %-8s  %s", r.Time, r.Title)
				if r.Project != "" {
					line += " (" + r.Project + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

// googleAuthCommand runs the desktop consent flow and stores the token
// where the google provider reads it.
func googleAuthCommand() *cli.Command {
	return &cli.Command{
		Name:  "google-auth",
		Usage: "Authorize read access to Google Calendar.",
		Flags: commonFlags(),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Google == nil || cfg.Google.CredentialsFile == "" || cfg.Google.TokenFile == "" {
				return errors.New("google.credentials_file and google.token_file must be set")
			}
			url, oc, err := google.AuthURL(cfg.Google.CredentialsFile)
			if err != nil {
				return err
			}
			fmt.Printf("Go to the following link in your browser then type the authorization code:\n%v\n", url)
			fmt.Print("Enter Authorization Code: ")
			code, _ := bufio.NewReader(os.Stdin).ReadString('\n')

			tok, err := oc.Exchange(c.Context, strings.TrimSpace(code))
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}
			if err := google.SaveToken(cfg.Google.TokenFile, tok); err != nil {
				return err
			}
			appLog.Info("google token saved", "file", cfg.Google.TokenFile)
			return nil
		},
	}
}
