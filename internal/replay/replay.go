// Package replay drains the local change log against the external source.
//
// Entries are applied strictly in sequence order. The external source is
// position-addressed, so every delete shifts the rows after it; the identity
// map is updated together with the entry removal before the next entry is
// looked at. An entry leaves the log only after its external mutation
// succeeded (apply, then confirm), so a drain interrupted at any point can be
// repeated without reapplying confirmed work.
package replay

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mehmetymw/sheetsync/internal/identity"
	"github.com/mehmetymw/sheetsync/internal/types"
)

type Replayer struct {
	source   types.ExternalDataSource
	log      types.ChangeLog
	batch    int
	timeouts types.Timeouts
	logger   *zap.Logger
}

func New(source types.ExternalDataSource, log types.ChangeLog, batch int, timeouts types.Timeouts, logger *zap.Logger) *Replayer {
	if batch <= 0 {
		batch = 100
	}
	logger.Info("Creating outbound replayer",
		zap.Int("batch_size", batch),
		zap.Duration("external_timeout", timeouts.External),
		zap.Duration("local_timeout", timeouts.Local))
	return &Replayer{source: source, log: log, batch: batch, timeouts: timeouts, logger: logger}
}

// Drain replays pending entries until the log is empty or an entry fails. A
// non-nil error means the drain could not start or stopped on a failure; the
// failed entry stays queued for the next drain.
func (r *Replayer) Drain(ctx context.Context) (result types.DrainResult, err error) {
	result = types.DrainResult{CycleID: uuid.NewString(), Started: time.Now().UTC()}
	logger := r.logger.With(zap.String("cycle_id", result.CycleID), zap.String("direction", "outbound"))
	defer func() {
		result.Duration = time.Since(result.Started)
		result.Remaining = r.remaining(ctx, logger)
	}()

	for {
		n, err := r.page(ctx, logger, &result)
		if err != nil {
			return result, err
		}
		if n < r.batch {
			break
		}
	}

	if result.Succeeded+result.Acknowledged+result.Quarantined > 0 {
		logger.Info("Outbound drain completed",
			zap.Int("succeeded", result.Succeeded),
			zap.Int("acknowledged", result.Acknowledged),
			zap.Int("quarantined", result.Quarantined))
	}
	return result, nil
}

// page replays one page of entries while holding the sync guard, so no
// inbound cycle runs between an append and its confirmation. Bindings are
// reloaded per page since an inbound cycle may have run since the last one.
func (r *Replayer) page(ctx context.Context, logger *zap.Logger, result *types.DrainResult) (int, error) {
	release, err := r.log.Exclusive(ctx)
	if err != nil {
		err = types.NewFetchError(types.SideLocal, err, "take sync guard")
		result.AddFailure(err)
		logger.Error("Sync guard unavailable", zap.Error(err))
		return 0, err
	}
	defer release()

	ids, err := r.loadBindings(ctx)
	if err != nil {
		result.AddFailure(err)
		logger.Error("Failed to load identity bindings", zap.Error(err))
		return 0, err
	}
	entries, err := r.pending(ctx)
	if err != nil {
		result.AddFailure(err)
		logger.Error("Failed to read change log", zap.Error(err))
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	logger.Debug("Processing change log page", zap.Int("entries", len(entries)))

	for _, e := range entries {
		if err := r.step(ctx, logger, ids, e, result); err != nil {
			result.AddFailure(err)
			logger.Warn("Drain halted, entry left for next cycle",
				zap.Error(err),
				zap.Int64("seq", e.Seq),
				zap.Int64("row_id", int64(e.RowID)),
				zap.String("op", string(e.Op)))
			return 0, err
		}
	}
	return len(entries), nil
}

// step resolves one entry. It returns an error only when the drain must stop.
func (r *Replayer) step(ctx context.Context, logger *zap.Logger, ids *identity.Map, e types.Entry, result *types.DrainResult) error {
	fields := []zap.Field{
		zap.Int64("seq", e.Seq),
		zap.Int64("row_id", int64(e.RowID)),
		zap.String("op", string(e.Op)),
		zap.String("origin", string(e.Origin)),
	}

	if e.Origin == types.OriginInbound {
		if err := r.confirm(ctx, e.Seq, identity.NoChange()); err != nil {
			return err
		}
		result.Acknowledged++
		logger.Debug("Acknowledged inbound entry", fields...)
		return nil
	}

	change, err := r.apply(ctx, ids, e)
	var cerr *types.ConsistencyError
	if errors.As(err, &cerr) {
		logger.Error("Identity drift, entry quarantined for review", append(fields, zap.Error(err))...)
		if qerr := r.quarantine(ctx, e, cerr.Error()); qerr != nil {
			return qerr
		}
		result.Quarantined++
		result.Errors = append(result.Errors, err)
		result.Failures = append(result.Failures, err.Error())
		return nil
	}
	if err != nil {
		return err
	}

	if err := r.confirm(ctx, e.Seq, change); err != nil {
		logger.Error("External mutation applied but confirmation failed", append(fields, zap.Error(err))...)
		return err
	}
	if err := ids.Apply(change); err != nil {
		// The store accepted the change but our copy disagrees; start over from the store.
		logger.Warn("In-memory identity map diverged, reloading", append(fields, zap.Error(err))...)
		fresh, lerr := r.loadBindings(ctx)
		if lerr != nil {
			return lerr
		}
		*ids = *fresh
	}
	result.Succeeded++
	logger.Debug("Replayed entry", append(fields, zap.Int("position", change.Position))...)
	return nil
}

func (r *Replayer) apply(ctx context.Context, ids *identity.Map, e types.Entry) (identity.Change, error) {
	cctx, cancel := r.timeouts.ExternalCtx(ctx)
	defer cancel()

	switch e.Op {
	case types.OpInsert:
		if pos, ok := ids.Position(e.RowID); ok {
			return identity.NoChange(), &types.ConsistencyError{Op: e.Op, RowID: e.RowID, Position: pos, Reason: "row already bound"}
		}
		if len(e.Payload) == 0 {
			return identity.NoChange(), &types.ConsistencyError{Op: e.Op, RowID: e.RowID, Reason: "insert without payload"}
		}
		pos, err := r.source.AppendRow(cctx, e.Payload)
		if err != nil {
			return identity.NoChange(), &types.ApplyError{Side: types.SideExternal, Op: e.Op, RowID: e.RowID, Err: err}
		}
		if other, taken := ids.Identity(pos); taken {
			return identity.NoChange(), &types.ConsistencyError{
				Op: e.Op, RowID: e.RowID, Position: pos,
				Reason: "appended at a position bound to another row",
				Err:    errors.Newf("position %d bound to row %d", pos, other),
			}
		}
		return identity.BindChange(e.RowID, pos), nil

	case types.OpUpdate:
		pos, ok := ids.Position(e.RowID)
		if !ok {
			return identity.NoChange(), &types.ConsistencyError{Op: e.Op, RowID: e.RowID, Reason: "no bound position"}
		}
		if len(e.Payload) == 0 {
			return identity.NoChange(), &types.ConsistencyError{Op: e.Op, RowID: e.RowID, Position: pos, Reason: "update without payload"}
		}
		if err := r.source.UpdateRow(cctx, pos, e.Payload); err != nil {
			return identity.NoChange(), externalFailure(e, pos, err)
		}
		return identity.NoChange(), nil

	case types.OpDelete:
		pos, ok := ids.Position(e.RowID)
		if !ok {
			return identity.NoChange(), &types.ConsistencyError{Op: e.Op, RowID: e.RowID, Reason: "no bound position"}
		}
		if err := r.source.DeleteRow(cctx, pos); err != nil {
			return identity.NoChange(), externalFailure(e, pos, err)
		}
		return identity.RemoveChange(e.RowID, pos), nil
	}
	return identity.NoChange(), &types.ConsistencyError{Op: e.Op, RowID: e.RowID, Reason: "unknown operation"}
}

// externalFailure classifies a rejected update or delete. A bound position the
// source no longer has cannot succeed on retry, so it is drift, not a failure.
func externalFailure(e types.Entry, pos int, err error) error {
	if errors.Is(err, types.ErrOutOfRange) {
		return &types.ConsistencyError{Op: e.Op, RowID: e.RowID, Position: pos, Reason: "bound position past the last external row", Err: err}
	}
	return &types.ApplyError{Side: types.SideExternal, Op: e.Op, RowID: e.RowID, Position: pos, Err: err}
}

func (r *Replayer) loadBindings(ctx context.Context) (*identity.Map, error) {
	cctx, cancel := r.timeouts.LocalCtx(ctx)
	defer cancel()

	bindings, err := r.log.Bindings(cctx)
	if err != nil {
		return nil, types.NewFetchError(types.SideLocal, err, "load identity bindings")
	}
	ids, err := identity.New(bindings)
	if err != nil {
		return nil, &types.ConsistencyError{Reason: "stored bindings are not a bijection", Err: err}
	}
	return ids, nil
}

func (r *Replayer) pending(ctx context.Context) ([]types.Entry, error) {
	cctx, cancel := r.timeouts.LocalCtx(ctx)
	defer cancel()

	entries, err := r.log.Pending(cctx, r.batch)
	if err != nil {
		return nil, types.NewFetchError(types.SideLocal, err, "read change log")
	}
	return entries, nil
}

func (r *Replayer) confirm(ctx context.Context, seq int64, change identity.Change) error {
	cctx, cancel := r.timeouts.LocalCtx(ctx)
	defer cancel()

	if err := r.log.Confirm(cctx, seq, change); err != nil {
		return errors.Wrapf(err, "confirm entry %d (%s)", seq, change.Kind)
	}
	return nil
}

func (r *Replayer) quarantine(ctx context.Context, e types.Entry, reason string) error {
	cctx, cancel := r.timeouts.LocalCtx(ctx)
	defer cancel()

	if err := r.log.Quarantine(cctx, e, reason); err != nil {
		return errors.Wrapf(err, "quarantine entry %d", e.Seq)
	}
	return nil
}

func (r *Replayer) remaining(ctx context.Context, logger *zap.Logger) int {
	cctx, cancel := r.timeouts.LocalCtx(ctx)
	defer cancel()

	n, err := r.log.PendingCount(cctx)
	if err != nil {
		logger.Warn("Failed to count pending entries", zap.Error(err))
		return -1
	}
	return n
}
