package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"mcphub/internal/api"
	"mcphub/internal/automation"
	"mcphub/internal/callback"
	"mcphub/internal/config"
	"mcphub/internal/directory"
	"mcphub/internal/dispatch"
	"mcphub/internal/domain"
	"mcphub/internal/registry"
	"mcphub/internal/report"
	"mcphub/internal/token"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to TOML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		debug   = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.Database.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := registry.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure registry schema")
	}
	if err := directory.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure directory schema")
	}

	reg := registry.NewSQLiteRepo(db)
	dir := directory.NewSQLiteDirectory(db)
	signer := token.NewSigner(cfg.Callback.Secret, cfg.Callback.TTL.Or(token.DefaultTTL))

	var dispOpts []dispatch.Option
	if cfg.Dispatch.MaxInflight > 0 {
		dispOpts = append(dispOpts, dispatch.WithMaxInflight(cfg.Dispatch.MaxInflight))
	}
	if d := cfg.Dispatch.ForwardTimeout.Or(0); d > 0 {
		dispOpts = append(dispOpts, dispatch.WithHTTPClient(&http.Client{Timeout: d}))
	}
	disp := dispatch.New(reg, dir, signer, cfg.Server.CallbackBase, dispOpts...)
	recv := callback.NewReceiver(reg, signer)
	agg := report.New(disp, reg,
		report.WithTimeout(cfg.Report.Timeout.Or(2*time.Minute)),
		report.WithPollInterval(cfg.Report.PollInterval.Or(500*time.Millisecond)))

	seed(context.Background(), cfg, dir, reg)

	ctx, cancel := context.WithCancel(context.Background())
	svc := automation.NewService(reg, disp, cfg.Automation.CheckInterval.Or(30*time.Second))
	go svc.Start(ctx)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewServerWithDebug(reg, dir, disp, recv, agg, *debug),
	}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	svc.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

// seed registers configured agents and schedules that are not present yet.
func seed(ctx context.Context, cfg config.Config, dir directory.Directory, reg registry.Repository) {
	existing, err := dir.List(ctx, directory.Filter{})
	if err != nil {
		log.Error().Err(err).Msg("list agents for seeding")
		return
	}
	byEndpoint := map[string]bool{}
	for _, a := range existing {
		byEndpoint[a.EndpointURL] = true
	}
	for _, a := range cfg.Agents {
		if byEndpoint[a.EndpointURL] {
			continue
		}
		created, err := dir.Register(ctx, domain.Agent{
			Name:         a.Name,
			Type:         a.Type,
			EndpointURL:  a.EndpointURL,
			APIKey:       a.APIKey,
			Description:  a.Description,
			Capabilities: a.Capabilities,
		})
		if err != nil {
			log.Error().Err(err).Str("agent", a.Name).Msg("seed agent")
			continue
		}
		log.Info().Str("agent_id", created.ID).Str("type", created.Type).Msg("agent seeded")
	}

	schedules, err := reg.ListSchedules(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list schedules for seeding")
		return
	}
	byName := map[string]bool{}
	for _, s := range schedules {
		byName[s.Name] = true
	}
	for _, s := range cfg.Schedules {
		if byName[s.Name] {
			continue
		}
		nextRun, err := automation.NextRunTime(s.CronExpr, time.Now())
		if err != nil {
			log.Error().Err(err).Str("schedule", s.Name).Msg("seed schedule cron")
			continue
		}
		created, err := reg.CreateSchedule(ctx, domain.Schedule{
			Name:       s.Name,
			CronExpr:   s.CronExpr,
			TaskType:   s.TaskType,
			BusinessID: s.BusinessID,
			Params:     json.RawMessage(s.Params),
			Enabled:    true,
			NextRun:    nextRun,
		})
		if err != nil {
			log.Error().Err(err).Str("schedule", s.Name).Msg("seed schedule")
			continue
		}
		log.Info().Str("schedule_id", created.ID).Str("cron", created.CronExpr).Msg("schedule seeded")
	}
}
