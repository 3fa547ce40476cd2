package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	payhooks "github.com/goliatone/go-payhooks"
	"github.com/goliatone/go-payhooks/core"
	"github.com/goliatone/go-payhooks/migrations"
)

func main() {
	logger := glog.NewLogger(
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(strings.TrimSpace(os.Getenv("PAYHOOKS_LOG_LEVEL"))),
		glog.WithWriter(os.Stderr),
		glog.WithName("payhooks"),
	)
	if err := run(logger); err != nil {
		logger.Error("payhooks exited", "error", err.Error())
		os.Exit(1)
	}
}

func run(logger *glog.BaseLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := payhooks.LoadConfig(ctx, payhooks.Config{})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	opts := []payhooks.Option{payhooks.WithLoggerProvider(logger)}
	if cfg.Database.Driver != core.DatabaseDriverMemory {
		client, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		opts = append(opts, payhooks.WithPersistenceClient(client))
	}

	service, err := payhooks.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	logger.Info("payhooks starting",
		"addr", cfg.HTTP.Addr,
		"queue", cfg.Queue.Backend,
		"database", cfg.Database.Driver,
	)
	return service.Run(ctx)
}

type databaseConfig struct {
	core.DatabaseConfig
}

func (c databaseConfig) GetDebug() bool                { return c.Debug }
func (c databaseConfig) GetDriver() string             { return c.Driver }
func (c databaseConfig) GetServer() string             { return c.DSN }
func (c databaseConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c databaseConfig) GetOtelIdentifier() string     { return "payhooks" }

func openDatabase(ctx context.Context, cfg core.DatabaseConfig) (*persistence.Client, error) {
	dialectName, err := migrations.DialectForDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	var dialect schema.Dialect = pgdialect.New()
	if dialectName == migrations.DialectSQLite {
		dialect = sqlitedialect.New()
	}
	sqlDB, err := sql.Open(strings.TrimSpace(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialectName == migrations.DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(databaseConfig{cfg}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("persistence client: %w", err)
	}
	err = migrations.Apply(ctx, func(_ context.Context, src migrations.Source) error {
		client.RegisterSQLMigrations(src.FS)
		return nil
	}, dialectName)
	if err == nil {
		err = client.Migrate(ctx)
	}
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return client, nil
}
