package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/elonfeng/debaterank/internal/config"
	"github.com/elonfeng/debaterank/internal/logging"
	"github.com/elonfeng/debaterank/internal/metrics"
	"github.com/elonfeng/debaterank/internal/scheduler"
	"github.com/elonfeng/debaterank/internal/store"
	"github.com/elonfeng/debaterank/pkg/dbrouter"
	"github.com/elonfeng/debaterank/pkg/server"
	"github.com/elonfeng/debaterank/pkg/source"
	"github.com/elonfeng/debaterank/pkg/trend"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// app holds the dependencies shared by every command.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	router  *dbrouter.Router
	store   *store.SQLStore
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	m := metrics.New(nil)

	router, err := buildRouter(cfg, logger, m)
	if err != nil {
		logger.Sync()
		return nil, err
	}

	db, err := store.Open(cfg.Database.Driver, endpoints(cfg), router)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &app{cfg: cfg, logger: logger, metrics: m, router: router, store: db}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", zap.Error(err))
	}
	a.logger.Sync()
}

func buildRouter(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*dbrouter.Router, error) {
	replicas := make([]string, len(cfg.Database.Replicas))
	for i, r := range cfg.Database.Replicas {
		replicas[i] = r.Name
	}
	router, err := dbrouter.New(dbrouter.Config{
		Primary:        cfg.Database.Primary.Name,
		Replicas:       replicas,
		ReferenceKinds: cfg.Routing.ReferenceKinds,
		PinningPeriod:  cfg.Routing.PinningPeriod(),
	}, dbrouter.WithLogger(logger), dbrouter.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}
	return router, nil
}

func endpoints(cfg *config.Config) []store.Endpoint {
	eps := []store.Endpoint{{Name: cfg.Database.Primary.Name, DSN: cfg.Database.Primary.DSN}}
	for _, r := range cfg.Database.Replicas {
		eps = append(eps, store.Endpoint{Name: r.Name, DSN: r.DSN})
	}
	return eps
}

// buildPins returns the session backend for read-your-writes pins and a
// function that releases it.
func buildPins(ctx context.Context, cfg *config.Config, logger *zap.Logger) (dbrouter.PinStore, func(), error) {
	if cfg.Session.Backend != "redis" {
		logger.Info("using in-memory pin store")
		return dbrouter.NewMemoryPinStore(nil), func() {}, nil
	}

	pins, err := dbrouter.NewRedisPinStore(ctx, dbrouter.RedisOptions{
		Addr:     cfg.Session.Redis.Addr,
		Password: cfg.Session.Redis.Password,
		DB:       cfg.Session.Redis.DB,
		Key:      cfg.Routing.PinningKey,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using redis pin store", zap.String("addr", cfg.Session.Redis.Addr))
	return pins, func() {
		if err := pins.Close(); err != nil {
			logger.Warn("close redis", zap.Error(err))
		}
	}, nil
}

func (a *app) deadlineSource() (trend.DeadlineSource, error) {
	deadline, ok, err := a.cfg.Debate.ParseDeadline()
	if err != nil {
		return nil, err
	}
	if ok {
		return trend.StaticDeadline(deadline), nil
	}
	return a.store, nil
}

func (a *app) buildEngine() (*trend.Engine, error) {
	deadlines, err := a.deadlineSource()
	if err != nil {
		return nil, err
	}
	p := trend.Params{
		MinVotes:    a.cfg.Scoring.MinVotes,
		Gravity:     a.cfg.Scoring.Gravity,
		ShortWindow: a.cfg.Scoring.ParseShortWindow(),
		ShortWeight: a.cfg.Scoring.ShortWeight,
		LongWindow:  a.cfg.Scoring.ParseLongWindow(),
		LongWeight:  a.cfg.Scoring.LongWeight,
	}
	return trend.NewEngine(a.store, deadlines, a.router, p,
		trend.WithLogger(a.logger.Named("trend")),
		trend.WithMetrics(a.metrics)), nil
}

func (a *app) buildImporter() *source.Importer {
	feeds := make([]source.Feed, len(a.cfg.Feeds))
	for i, f := range a.cfg.Feeds {
		feeds[i] = source.Feed{Name: f.Name, URL: f.URL, Category: f.Category}
	}
	filter := source.NewFilter(a.cfg.Filter.Include, a.cfg.Filter.Exclude)
	return source.NewImporter(feeds, filter, a.store, a.router, source.Options{
		AutoApprove: a.cfg.Server.AutoApprove,
		Logger:      a.logger.Named("source"),
	})
}

func (a *app) buildServer(pins dbrouter.PinStore, activity server.ActivitySource, port int) *server.Server {
	if port == 0 {
		port = a.cfg.Server.Port
	}
	return server.New(a.store, a.router, pins, activity, server.Options{
		Port:        port,
		AutoApprove: a.cfg.Server.AutoApprove,
		CookieName:  a.cfg.Routing.CookieName,
		Logger:      a.logger.Named("server"),
		Metrics:     a.metrics,
	})
}

func runScore(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.buildEngine()
	if err != nil {
		return err
	}
	res, err := engine.UpdateTrendingScores(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("score pass: %w", err)
	}

	if res.Frozen {
		fmt.Printf("rankings frozen since %s, nothing scored\n", res.Deadline.Format(time.RFC3339))
		return nil
	}
	fmt.Printf("scored %d submissions in %s\n", res.Scored, res.Duration.Round(time.Millisecond))
	return nil
}

func runSubmissions(ctx context.Context, jsonOutput bool, sort, category string, limit int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var subs []store.Submission
	err = a.router.Do(ctx, dbrouter.ReadOnly, func(ctx context.Context) error {
		var err error
		subs, err = a.store.ListSubmissions(ctx, store.ListOpts{Sort: sort, Category: category, Limit: limit})
		return err
	})
	if err != nil {
		return fmt.Errorf("list submissions: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(subs)
	}

	if len(subs) == 0 {
		fmt.Println("no submissions found (try importing some: debaterank import)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VOTES\tCATEGORY\tHEADLINE\tCREATED")
	for _, s := range subs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			s.Votes, s.Category, s.Headline,
			s.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runImport(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if len(a.cfg.Feeds) == 0 {
		return fmt.Errorf("no feeds configured")
	}

	n, err := a.buildImporter().ImportAll(ctx)
	fmt.Fprintf(os.Stderr, "imported %d new submissions from %d feeds\n", n, len(a.cfg.Feeds))
	return err
}

func runDeadlineShow(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	deadlines, err := a.deadlineSource()
	if err != nil {
		return err
	}

	var deadline time.Time
	err = a.router.Do(ctx, dbrouter.ReadOnly, func(ctx context.Context) error {
		var err error
		deadline, err = deadlines.DebateDeadline(ctx)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		fmt.Println("no debate deadline set (debaterank deadline set <RFC3339>)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read deadline: %w", err)
	}

	state := "open"
	if time.Now().After(deadline) {
		state = "frozen"
	}
	fmt.Printf("%s (%s)\n", deadline.Format(time.RFC3339), state)
	return nil
}

func runDeadlineSet(ctx context.Context, value string) error {
	deadline, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return fmt.Errorf("parse deadline: %w", err)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Debate.Deadline != "" {
		a.logger.Warn("config sets debate.deadline, which takes precedence over the stored value",
			zap.String("configured", a.cfg.Debate.Deadline))
	}

	err = a.router.Do(ctx, dbrouter.ReadWrite, func(ctx context.Context) error {
		return a.store.SetDebateDeadline(ctx, deadline)
	})
	if err != nil {
		return err
	}
	fmt.Printf("debate deadline set to %s\n", deadline.UTC().Format(time.RFC3339))
	return nil
}

func runServe(ctx context.Context, port int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	pins, closePins, err := buildPins(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer closePins()

	// Without the scheduler, the server refreshes the recent feed itself.
	tracker := trend.NewActivityTracker(a.store, a.router, a.logger.Named("activity"), a.metrics)
	srv := a.buildServer(pins, tracker, port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		refreshLoop(ctx, tracker, a.cfg.Schedule.ParseRecentInterval())
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	return g.Wait()
}

func refreshLoop(ctx context.Context, tracker *trend.ActivityTracker, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		_ = tracker.Refresh(ctx, time.Now())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runDaemon(ctx context.Context, port int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	pins, closePins, err := buildPins(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer closePins()

	engine, err := a.buildEngine()
	if err != nil {
		return err
	}
	tracker := trend.NewActivityTracker(a.store, a.router, a.logger.Named("activity"), a.metrics)

	var importer scheduler.FeedImporter
	if len(a.cfg.Feeds) > 0 {
		importer = a.buildImporter()
	}

	sched := scheduler.New(engine, tracker, importer, scheduler.Intervals{
		Score:  a.cfg.Schedule.ParseScoreInterval(),
		Recent: a.cfg.Schedule.ParseRecentInterval(),
		Import: a.cfg.Schedule.ParseImportInterval(),
	}, a.logger.Named("scheduler"))
	srv := a.buildServer(pins, tracker, port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})

	err = g.Wait()
	a.logger.Info("shut down")
	return err
}
