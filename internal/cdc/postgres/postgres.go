// Package postgres watches the change log table through logical replication
// and wakes the outbound drain as soon as new entries commit.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/mehmetymw/sheetsync/internal/config"
)

const (
	retryDelay     = 5 * time.Second
	standbyTimeout = 10 * time.Second
)

type Watcher struct {
	dsn       string
	cfg       config.ReplicationConfig
	table     string
	nudge     func()
	logger    *zap.Logger
	stopCh    chan struct{}
	relations map[uint32]string
	inserts   int
}

// New creates a watcher for inserts into logTable. nudge is called once per
// committed transaction that appended at least one entry.
func New(dsn string, cfg config.ReplicationConfig, logTable string, nudge func(), logger *zap.Logger) *Watcher {
	logger.Info("Creating change log watcher",
		zap.String("table", logTable),
		zap.String("publication", cfg.Publication),
		zap.String("slot", cfg.Slot))
	return &Watcher{
		dsn:       dsn,
		cfg:       cfg,
		table:     logTable,
		nudge:     nudge,
		logger:    logger,
		stopCh:    make(chan struct{}),
		relations: make(map[uint32]string),
	}
}

// Run streams until ctx is done or Stop is called, reconnecting after failures.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("Starting change log watcher")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		err := w.run(ctx)
		if ctx.Err() != nil {
			w.logger.Info("Change log watcher stopped")
			return
		}
		w.logger.Error("Replication failed, retrying in 5s", zap.Error(err))
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			w.logger.Info("Change log watcher stopped")
			return
		}
	}
}

func (w *Watcher) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
		w.logger.Info("Stop signal sent to change log watcher")
	}
}

func (w *Watcher) run(ctx context.Context) error {
	cfg, err := pgconn.ParseConfig(w.dsn)
	if err != nil {
		return err
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["replication"] = "database"

	if w.cfg.CreatePublication {
		w.ensurePublication(ctx)
	}

	w.logger.Info("Connecting to PostgreSQL for replication",
		zap.String("host", cfg.Host),
		zap.Uint16("port", cfg.Port),
		zap.String("database", cfg.Database))
	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	// Temporary slots vanish with the connection; missed commits are caught by the drain timer.
	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, w.cfg.Slot, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{Temporary: !w.cfg.CreateSlot})
	if err != nil {
		if !w.cfg.CreateSlot {
			return err
		}
		w.logger.Warn("Failed to create replication slot (may already exist)", zap.String("slot", w.cfg.Slot), zap.Error(err))
	}

	opts := pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", w.cfg.Publication),
		},
	}
	if err := pglogrepl.StartReplication(ctx, conn, w.cfg.Slot, 0, opts); err != nil {
		return err
	}
	w.logger.Info("Started change log replication", zap.String("slot", w.cfg.Slot))

	var statusLSN pglogrepl.LSN
	deadline := time.Now().Add(standbyTimeout)
	for {
		if time.Now().After(deadline) {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: statusLSN}); err != nil {
				return err
			}
			deadline = time.Now().Add(standbyTimeout)
		}
		rctx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := conn.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			return err
		}

		cd, ok := msg.(*pgproto3.CopyData)
		if !ok || len(cd.Data) == 0 {
			continue
		}
		switch cd.Data[0] {
		case pglogrepl.XLogDataByteID:
			x, err := pglogrepl.ParseXLogData(cd.Data[1:])
			if err != nil {
				return err
			}
			if err := w.handleXLog(x.WALData); err != nil {
				return err
			}
			if end := x.WALStart + pglogrepl.LSN(len(x.WALData)); end > statusLSN {
				statusLSN = end
			}
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
			if err != nil {
				return err
			}
			if ka.ReplyRequested {
				deadline = time.Time{}
			}
		}
	}
}

func (w *Watcher) ensurePublication(ctx context.Context) {
	conn, err := pgx.Connect(ctx, w.dsn)
	if err != nil {
		w.logger.Error("Failed to connect for publication creation", zap.Error(err))
		return
	}
	defer conn.Close(ctx)

	pub := pgx.Identifier{w.cfg.Publication}.Sanitize()
	if _, err := conn.Exec(ctx, "CREATE PUBLICATION "+pub+" FOR TABLE "+pgx.Identifier{w.table}.Sanitize()+" WITH (publish = 'insert')"); err != nil {
		w.logger.Warn("Failed to create publication (may already exist)", zap.String("publication", w.cfg.Publication), zap.Error(err))
		return
	}
	w.logger.Info("Publication created", zap.String("publication", w.cfg.Publication))
}

// handleXLog counts change log inserts and nudges on commit.
func (w *Watcher) handleXLog(data []byte) error {
	msg, err := pglogrepl.Parse(data)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		w.relations[m.RelationID] = m.RelationName
	case *pglogrepl.InsertMessage:
		if strings.EqualFold(w.relations[m.RelationID], w.table) {
			w.inserts++
		}
	case *pglogrepl.CommitMessage:
		if w.inserts > 0 {
			w.logger.Debug("Change log entries committed, nudging drain",
				zap.Int("entries", w.inserts),
				zap.String("lsn", m.CommitLSN.String()))
			w.nudge()
		}
		w.inserts = 0
	}
	return nil
}
