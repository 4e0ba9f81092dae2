// Package postgres is the PostgreSQL LocalStore and ChangeLog.
//
// Every row mutation runs in its own transaction with the mutation origin
// carried in a transaction-local setting. An AFTER trigger on the mirrored
// table reads that setting and appends to the change log for local and
// inbound writes; outbound writes are not logged. Identity bindings live in a
// separate table so a local delete keeps its position until the external
// delete has been confirmed.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mehmetymw/sheetsync/internal/config"
	"github.com/mehmetymw/sheetsync/internal/identity"
	"github.com/mehmetymw/sheetsync/internal/types"
)

var ErrNotFound = errors.New("row not found")

type Store struct {
	pool   *pgxpool.Pool
	tables Tables
	logger *zap.Logger
}

func New(ctx context.Context, cfg config.PostgresConfig, mapping config.Mapping, logger *zap.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	logger.Info("Connecting to PostgreSQL",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.Uint16("port", poolCfg.ConnConfig.Port),
		zap.String("database", poolCfg.ConnConfig.Database),
		zap.String("table", mapping.Table),
		zap.Int32("max_conns", poolCfg.MaxConns))

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &Store{
		pool:   pool,
		tables: NewTables(mapping.Table, mapping.IDColumn, mapping.Columns),
		logger: logger,
	}, nil
}

func (s *Store) Tables() Tables { return s.tables }

// EnsureSchema applies the DDL. It is safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	s.logger.Info("Ensuring sync schema", zap.String("table", s.tables.Data))
	if _, err := s.pool.Exec(ctx, s.tables.DDL()); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

func (s *Store) Close() error {
	s.logger.Info("Closing PostgreSQL pool")
	s.pool.Close()
	return nil
}

// Exclusive takes a session advisory lock keyed on the mirrored table, so the
// sync directions also serialise across processes. The lock lives on one
// pooled connection until release.
func (s *Store) Exclusive(ctx context.Context) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire lock connection")
	}
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock(hashtext($1))", s.tables.lockKey); err != nil {
		conn.Release()
		return nil, errors.Wrap(err, "take sync lock")
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock(hashtext($1))", s.tables.lockKey); err != nil {
				// Closing the session drops the lock with it.
				s.logger.Warn("Failed to release sync lock, closing its connection", zap.Error(err))
				conn.Conn().Close(context.Background())
			}
			conn.Release()
		})
	}, nil
}

// mutate runs fn in a transaction stamped with origin.
func (s *Store) mutate(ctx context.Context, origin types.Origin, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT set_config($1, $2, true)", OriginSetting, string(origin)); err != nil {
			return errors.Wrap(err, "set mutation origin")
		}
		return fn(tx)
	})
}

func recordArgs(id types.RowID, rec types.Record) []any {
	args := make([]any, 0, len(rec)+1)
	args = append(args, int64(id))
	for _, f := range rec {
		args = append(args, f)
	}
	return args
}

func (s *Store) checkWidth(rec types.Record) error {
	if len(rec) != len(s.tables.Columns) {
		return errors.Newf("record has %d fields, table has %d columns", len(rec), len(s.tables.Columns))
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, origin types.Origin, id types.RowID, position int, rec types.Record) error {
	if err := s.checkWidth(rec); err != nil {
		return err
	}
	return s.mutate(ctx, origin, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, s.tables.insertRowSQL(), recordArgs(id, rec)...); err != nil {
			return errors.Wrapf(err, "insert row %d", id)
		}
		if _, err := tx.Exec(ctx, s.tables.advanceSequenceSQL(), int64(id)); err != nil {
			return errors.Wrap(err, "advance id sequence")
		}
		if position <= 0 {
			return nil
		}
		return bind(ctx, tx, s.tables, id, position)
	})
}

func (s *Store) Update(ctx context.Context, origin types.Origin, id types.RowID, rec types.Record) error {
	if err := s.checkWidth(rec); err != nil {
		return err
	}
	return s.mutate(ctx, origin, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, s.tables.updateRowSQL(), recordArgs(id, rec)...)
		if err != nil {
			return errors.Wrapf(err, "update row %d", id)
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(ErrNotFound, "update row %d", id)
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, origin types.Origin, id types.RowID) error {
	return s.mutate(ctx, origin, func(tx pgx.Tx) error {
		q := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", s.tables.Data, s.tables.IDColumn)
		tag, err := tx.Exec(ctx, q, int64(id))
		if err != nil {
			return errors.Wrapf(err, "delete row %d", id)
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(ErrNotFound, "delete row %d", id)
		}
		if origin != types.OriginInbound {
			return nil
		}
		_, err = tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE row_id = $1", s.tables.Identity), int64(id))
		return errors.Wrapf(err, "unbind row %d", id)
	})
}

func bind(ctx context.Context, tx pgx.Tx, t Tables, id types.RowID, position int) error {
	q := fmt.Sprintf(`INSERT INTO %s (row_id, position) VALUES ($1, $2)
ON CONFLICT (row_id) DO UPDATE SET position = EXCLUDED.position`, t.Identity)
	if _, err := tx.Exec(ctx, q, int64(id), position); err != nil {
		return errors.Wrapf(err, "bind row %d to position %d", id, position)
	}
	return nil
}

func (s *Store) Snapshot(ctx context.Context) (types.LocalSnapshot, error) {
	snap := types.LocalSnapshot{
		Rows:    make(map[types.RowID]types.Record),
		Pending: make(map[types.RowID]bool),
	}
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, s.tables.selectRowsSQL())
		if err != nil {
			return errors.Wrap(err, "select rows")
		}
		width := len(s.tables.Columns)
		for rows.Next() {
			var id int64
			rec := make(types.Record, width)
			dest := make([]any, 0, width+1)
			dest = append(dest, &id)
			for i := range rec {
				dest = append(dest, &rec[i])
			}
			if err := rows.Scan(dest...); err != nil {
				rows.Close()
				return errors.Wrap(err, "scan row")
			}
			snap.Rows[types.RowID(id)] = rec
		}
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, "read rows")
		}

		if snap.Bindings, err = queryBindings(ctx, tx, s.tables); err != nil {
			return err
		}

		pending, err := tx.Query(ctx, fmt.Sprintf("SELECT DISTINCT row_id FROM %s", s.tables.Log))
		if err != nil {
			return errors.Wrap(err, "select pending ids")
		}
		ids, err := pgx.CollectRows(pending, pgx.RowTo[int64])
		if err != nil {
			return errors.Wrap(err, "read pending ids")
		}
		for _, id := range ids {
			snap.Pending[types.RowID(id)] = true
		}

		var next int64
		q := fmt.Sprintf(`SELECT GREATEST(
    (SELECT coalesce(max(%s), 0) FROM %s),
    (SELECT coalesce(max(row_id), 0) FROM %s),
    (SELECT coalesce(max(row_id), 0) FROM %s)) + 1`, s.tables.IDColumn, s.tables.Data, s.tables.Identity, s.tables.Log)
		if err := tx.QueryRow(ctx, q).Scan(&next); err != nil {
			return errors.Wrap(err, "compute next id")
		}
		snap.NextID = types.RowID(next)
		return nil
	})
	if err != nil {
		return types.LocalSnapshot{}, err
	}
	return snap, nil
}

func queryBindings(ctx context.Context, q interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
}, t Tables) ([]identity.Binding, error) {
	rows, err := q.Query(ctx, fmt.Sprintf("SELECT row_id, position FROM %s ORDER BY position", t.Identity))
	if err != nil {
		return nil, errors.Wrap(err, "select bindings")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (identity.Binding, error) {
		var b identity.Binding
		var id int64
		err := row.Scan(&id, &b.Position)
		b.RowID = identity.RowID(id)
		return b, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "read bindings")
	}
	return out, nil
}

func (s *Store) Bindings(ctx context.Context) ([]identity.Binding, error) {
	return queryBindings(ctx, s.pool, s.tables)
}

func (s *Store) Pending(ctx context.Context, limit int) ([]types.Entry, error) {
	q := fmt.Sprintf("SELECT seq, row_id, op, origin, payload, created_at FROM %s ORDER BY seq", s.tables.Log)
	var args []any
	if limit > 0 {
		q += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select change log")
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, errors.Wrap(err, "read change log")
	}
	return entries, nil
}

func scanEntry(row pgx.CollectableRow) (types.Entry, error) {
	var (
		e       types.Entry
		id      int64
		op      string
		origin  string
		payload []byte
	)
	if err := row.Scan(&e.Seq, &id, &op, &origin, &payload, &e.Timestamp); err != nil {
		return e, err
	}
	e.RowID = types.RowID(id)
	e.Op = types.Op(op)
	e.Origin = types.Origin(origin)
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return e, errors.Wrapf(err, "decode payload of entry %d", e.Seq)
		}
	}
	return e, nil
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", s.tables.Log)).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count change log")
	}
	return n, nil
}

// Confirm records the identity change caused by an applied entry and removes
// the entry, in one transaction.
func (s *Store) Confirm(ctx context.Context, seq int64, change identity.Change) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		switch change.Kind {
		case identity.ChangeBind:
			q := fmt.Sprintf("INSERT INTO %s (row_id, position) VALUES ($1, $2)", s.tables.Identity)
			if _, err := tx.Exec(ctx, q, int64(change.RowID), change.Position); err != nil {
				return errors.Wrapf(err, "bind row %d to position %d", change.RowID, change.Position)
			}
		case identity.ChangeRemove:
			q := fmt.Sprintf("DELETE FROM %s WHERE row_id = $1 AND position = $2", s.tables.Identity)
			tag, err := tx.Exec(ctx, q, int64(change.RowID), change.Position)
			if err != nil {
				return errors.Wrapf(err, "unbind row %d", change.RowID)
			}
			if tag.RowsAffected() != 1 {
				return errors.Wrapf(identity.ErrUnbound, "row %d at position %d", change.RowID, change.Position)
			}
			q = fmt.Sprintf("UPDATE %s SET position = position - 1 WHERE position > $1", s.tables.Identity)
			if _, err := tx.Exec(ctx, q, change.Position); err != nil {
				return errors.Wrap(err, "shift positions")
			}
		}

		tag, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE seq = $1", s.tables.Log), seq)
		if err != nil {
			return errors.Wrapf(err, "remove entry %d", seq)
		}
		if tag.RowsAffected() != 1 {
			return errors.Newf("change log entry %d not found", seq)
		}
		return nil
	})
}

// Quarantine moves an entry to the review table. A quarantined delete also
// drops the binding of its already deleted row, without shifting.
func (s *Store) Quarantine(ctx context.Context, e types.Entry, reason string) error {
	var payload []byte
	if e.Payload != nil {
		var err error
		if payload, err = json.Marshal(e.Payload); err != nil {
			return errors.Wrap(err, "encode payload")
		}
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		q := fmt.Sprintf(`INSERT INTO %s (seq, row_id, op, origin, payload, logged_at, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (seq) DO NOTHING`, s.tables.Review)
		if _, err := tx.Exec(ctx, q, e.Seq, int64(e.RowID), string(e.Op), string(e.Origin), payload, ts, reason); err != nil {
			return errors.Wrapf(err, "record entry %d for review", e.Seq)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE seq = $1", s.tables.Log), e.Seq); err != nil {
			return errors.Wrapf(err, "remove entry %d", e.Seq)
		}
		if e.Op == types.OpDelete {
			q := fmt.Sprintf("DELETE FROM %s WHERE row_id = $1 AND NOT EXISTS (SELECT 1 FROM %s WHERE %s = $1)",
				s.tables.Identity, s.tables.Data, s.tables.IDColumn)
			if _, err := tx.Exec(ctx, q, int64(e.RowID)); err != nil {
				return errors.Wrapf(err, "unbind row %d", e.RowID)
			}
		}
		s.logger.Warn("Change log entry quarantined",
			zap.Int64("seq", e.Seq),
			zap.Int64("row_id", int64(e.RowID)),
			zap.String("reason", reason))
		return nil
	})
}
