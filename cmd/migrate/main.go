// Command migrate applies the secmon schema (risk history, audit chain,
// incidents, lockouts) with goose. The connection string comes from the same
// configuration as the server, so DATABASE_URL may live in .env.
//
// Usage:
//
//	migrate [-dir migrations] [-timeout 1m] <command> [args]
//
// Commands: up, up-by-one, up-to <version>, down, down-to <version>, redo,
// reset, status, version.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/secmon/internal/config"
	"github.com/mbd888/secmon/internal/logging"
)

// gooseLogger routes goose output through slog.
type gooseLogger struct{ l *slog.Logger }

func (g gooseLogger) Printf(format string, v ...any) { g.l.Info(fmt.Sprintf(format, v...)) }
func (g gooseLogger) Fatalf(format string, v ...any) {
	g.l.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

func main() {
	dir := flag.String("dir", "migrations", "directory holding the SQL migrations")
	timeout := flag.Duration("timeout", time.Minute, "upper bound for the whole command")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-dir migrations] [-timeout 1m] <command> [args]")
		fmt.Fprintln(os.Stderr, "Commands: up, up-by-one, up-to <version>, down, down-to <version>, redo, reset, status, version")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required; the in-memory stores have no schema")
		os.Exit(1)
	}

	if err := run(cfg.DatabaseURL, *dir, *timeout, flag.Arg(0), flag.Args()[1:], logger); err != nil {
		logger.Error("migration failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func run(dsn, dir string, timeout time.Duration, command string, args []string, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	goose.SetLogger(gooseLogger{l: logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	start := time.Now()
	if err := goose.RunContext(ctx, command, db, dir, args...); err != nil {
		return err
	}
	logger.Info("migration finished", "command", command, "dir", dir, "took", time.Since(start).Round(time.Millisecond))
	return nil
}
