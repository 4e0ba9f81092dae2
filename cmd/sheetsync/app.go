package main

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mehmetymw/sheetsync/internal/config"
	"github.com/mehmetymw/sheetsync/internal/reconcile"
	"github.com/mehmetymw/sheetsync/internal/replay"
	"github.com/mehmetymw/sheetsync/internal/sink/kafka"
	memsource "github.com/mehmetymw/sheetsync/internal/source/memory"
	"github.com/mehmetymw/sheetsync/internal/source/sheets"
	memstore "github.com/mehmetymw/sheetsync/internal/store/memory"
	"github.com/mehmetymw/sheetsync/internal/store/postgres"
	"github.com/mehmetymw/sheetsync/internal/types"
)

func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadFromEnv()
}

// newLogger builds the production zap logger, teeing into a rotating file when one is configured.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", cfg.Level)
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(os.Stderr), level),
	}
	if cfg.File != "" {
		rotate := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(rotate), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// app holds the handles shared by every command. Everything opened here is closed by Close.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	store    types.LocalStore
	log      types.ChangeLog
	pg       *postgres.Store
	source   types.ExternalDataSource
	sink     types.ReportSink
	timeouts types.Timeouts
}

func openApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		sink:     kafka.Nop{},
		timeouts: types.Timeouts{External: cfg.Sync.ExternalTimeout(), Local: cfg.Sync.LocalTimeout()},
	}

	logger.Info("Initializing local store", zap.String("type", cfg.Local.Type))
	switch cfg.Local.Type {
	case "postgres":
		pg, err := postgres.New(ctx, cfg.Local.Postgres, cfg.Mapping, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		a.pg, a.store, a.log = pg, pg, pg
	case "memory":
		st := memstore.New()
		a.store, a.log = st, st
	}

	logger.Info("Initializing external source", zap.String("type", cfg.External.Type))
	switch cfg.External.Type {
	case "sheets":
		src, err := sheets.New(ctx, cfg.External.Sheets, len(cfg.Mapping.Columns), logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.source = src
	case "memory":
		a.source = memsource.New()
	}

	if cfg.Reports.Type == "kafka" {
		sink, err := kafka.New(cfg.Reports.Kafka.Brokers, cfg.Reports.Kafka.Topic, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.sink = sink
	}
	return a, nil
}

func (a *app) reconciler() *reconcile.Reconciler {
	return reconcile.New(a.source, a.store, len(a.cfg.Mapping.Columns), a.timeouts, a.logger)
}

func (a *app) replayer() *replay.Replayer {
	return replay.New(a.source, a.log, a.cfg.Sync.BatchSize, a.timeouts, a.logger)
}

func (a *app) Close() error {
	var err error
	if a.sink != nil {
		err = multierr.Append(err, a.sink.Close())
	}
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	return err
}

// setup loads config, builds the logger and opens the app for a command.
func setup(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	logger.Info("Configuration loaded",
		zap.String("local_type", cfg.Local.Type),
		zap.String("external_type", cfg.External.Type),
		zap.String("table", cfg.Mapping.Table),
		zap.Strings("columns", cfg.Mapping.Columns),
		zap.Duration("drain_interval", cfg.Sync.DrainInterval()))
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Startup failed", zap.Error(err))
		logger.Sync()
		return nil, err
	}
	return a, nil
}
