// Command authgate-migrate applies the PostgreSQL schema used by pgstore and
// optionally purges expired rows.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/MrEthical07/authgate/kv/pgstore"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("AUTHGATE_PG_DSN"), "PostgreSQL DSN (default $AUTHGATE_PG_DSN)")
	purge := flag.Bool("purge", false, "delete expired rows after migrating")
	timeout := flag.Duration("timeout", time.Minute, "overall deadline")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		logger.Fatal("missing dsn (--dsn or AUTHGATE_PG_DSN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	start := time.Now()
	if err := pgstore.Migrate(ctx, db); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}
	logger.Info("schema up to date", zap.Duration("took", time.Since(start)))

	if !*purge {
		return
	}

	store, pool, err := pgstore.Connect(ctx, *dsn)
	if err != nil {
		logger.Fatal("connect pool", zap.Error(err))
	}
	defer pool.Close()

	n, err := store.PurgeExpired(ctx)
	if err != nil {
		logger.Fatal("purge expired", zap.Error(err))
	}
	logger.Info("purged expired rows", zap.Int64("rows", n))
}
