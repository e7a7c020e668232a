package main

import (
	"context"
	"database/sql"
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

	"taskvault/internal/actions/httpcall"
	"taskvault/internal/actions/shell"
	"taskvault/internal/api"
	"taskvault/internal/scheduler"
	"taskvault/internal/store"
)

func main() {
	var (
		addr      = flag.String("addr", ":8080", "HTTP bind address")
		dbPath    = flag.String("db", "taskvault.db", "SQLite DB path")
		workers   = flag.Int("workers", 5, "max concurrent task executions")
		poll      = flag.Duration("poll", time.Second, "poll interval for due tasks")
		purgeSpec = flag.String("purge-cron", "@every 1m", "cron spec for purging old finished tasks")
		retention = flag.Duration("retention", 7*24*time.Hour, "how long to keep finished tasks")
		debug     = flag.Bool("debug", false, "expose pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.NewSQLiteStore(db)

	runner := scheduler.New(st, scheduler.Options{
		MaxConcurrent: *workers,
		Poll:          *poll,
		PurgeSpec:     *purgeSpec,
		Retention:     *retention,
	})
	runner.Register("shell", shell.Run)
	runner.Register("http_call", httpcall.Run)

	if n, err := runner.ResumeStale(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("resume stale tasks")
	} else if n > 0 {
		log.Info().Int("resumed", n).Msg("rescheduled stale active tasks")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(st, runner, *debug)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	select {
	case <-done:
	case <-ctxTimeout.Done():
	}
}
