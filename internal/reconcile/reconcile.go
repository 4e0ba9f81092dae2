// Package reconcile pulls the full external dataset and converges the local
// table onto it.
package reconcile

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mehmetymw/sheetsync/internal/types"
)

type Reconciler struct {
	source   types.ExternalDataSource
	store    types.LocalStore
	width    int
	timeouts types.Timeouts
	logger   *zap.Logger
}

func New(source types.ExternalDataSource, store types.LocalStore, width int, timeouts types.Timeouts, logger *zap.Logger) *Reconciler {
	logger.Info("Creating inbound reconciler",
		zap.Int("columns", width),
		zap.Duration("external_timeout", timeouts.External),
		zap.Duration("local_timeout", timeouts.Local))
	return &Reconciler{source: source, store: store, width: width, timeouts: timeouts, logger: logger}
}

// Run performs one fetch-diff-apply cycle. A non-nil error means the cycle was
// aborted before any mutation; per-row failures are only reported. The store's
// sync guard is held for the whole cycle, so an outbound append is never seen
// here before its binding is confirmed.
func (r *Reconciler) Run(ctx context.Context) (report types.SyncReport, err error) {
	report = types.SyncReport{CycleID: uuid.NewString(), Started: time.Now().UTC()}
	logger := r.logger.With(zap.String("cycle_id", report.CycleID), zap.String("direction", "inbound"))
	defer func() { report.Duration = time.Since(report.Started) }()

	logger.Info("Starting inbound reconciliation")

	release, err := r.store.Exclusive(ctx)
	if err != nil {
		err = types.NewFetchError(types.SideLocal, err, "take sync guard")
		report.Aborted = true
		report.AddFailure(err)
		logger.Error("Sync guard unavailable, aborting cycle", zap.Error(err))
		return report, err
	}
	defer release()

	external, err := r.fetchExternal(ctx)
	if err != nil {
		report.Aborted = true
		report.AddFailure(err)
		logger.Error("External fetch failed, aborting cycle", zap.Error(err))
		return report, err
	}

	local, err := r.fetchLocal(ctx)
	if err != nil {
		report.Aborted = true
		report.AddFailure(err)
		logger.Error("Local snapshot failed, aborting cycle", zap.Error(err))
		return report, err
	}

	logger.Debug("Snapshots loaded",
		zap.Int("external_rows", len(external)),
		zap.Int("local_rows", len(local.Rows)),
		zap.Int("bindings", len(local.Bindings)),
		zap.Int("pending_ids", len(local.Pending)))

	plan, err := Plan(external, local)
	if err != nil {
		report.Aborted = true
		report.AddFailure(err)
		logger.Error("Planning failed, aborting cycle", zap.Error(err))
		return report, err
	}
	report.FirstRun = plan.FirstRun
	report.Planned = len(plan.Mutations)
	report.Skipped = plan.Skipped

	ins, upd, del := plan.Counts()
	logger.Info("Mutation plan computed",
		zap.Bool("first_run", plan.FirstRun),
		zap.Int("inserts", ins),
		zap.Int("updates", upd),
		zap.Int("deletes", del),
		zap.Int("skipped", plan.Skipped))

	for _, m := range plan.Mutations {
		if err := r.apply(ctx, m); err != nil {
			aerr := &types.ApplyError{Side: types.SideLocal, Op: m.Op, RowID: m.RowID, Position: m.Position, Err: err}
			report.AddFailure(aerr)
			logger.Error("Failed to apply mutation",
				zap.Error(err),
				zap.String("op", string(m.Op)),
				zap.Int64("row_id", int64(m.RowID)),
				zap.Int("position", m.Position))
			continue
		}
		switch m.Op {
		case types.OpInsert:
			report.Inserted++
		case types.OpUpdate:
			report.Updated++
		case types.OpDelete:
			report.Deleted++
		}
		logger.Debug("Applied mutation",
			zap.String("op", string(m.Op)),
			zap.Int64("row_id", int64(m.RowID)),
			zap.Int("position", m.Position))
	}

	logger.Info("Inbound reconciliation completed",
		zap.Int("inserted", report.Inserted),
		zap.Int("updated", report.Updated),
		zap.Int("deleted", report.Deleted),
		zap.Int("failed", report.Failed),
		zap.Bool("partial", report.Partial()))
	return report, nil
}

func (r *Reconciler) fetchExternal(ctx context.Context) ([]types.Record, error) {
	cctx, cancel := r.timeouts.ExternalCtx(ctx)
	defer cancel()

	rows, err := r.source.FetchAll(cctx)
	if err != nil {
		return nil, types.NewFetchError(types.SideExternal, err, "fetch external rows")
	}
	for i, row := range rows {
		if len(row) != r.width {
			return nil, &types.FetchError{
				Side: types.SideExternal,
				Err:  malformed(i+1, len(row), r.width),
			}
		}
	}
	return rows, nil
}

func (r *Reconciler) fetchLocal(ctx context.Context) (types.LocalSnapshot, error) {
	cctx, cancel := r.timeouts.LocalCtx(ctx)
	defer cancel()

	snap, err := r.store.Snapshot(cctx)
	if err != nil {
		return types.LocalSnapshot{}, types.NewFetchError(types.SideLocal, err, "snapshot local rows")
	}
	return snap, nil
}

func (r *Reconciler) apply(ctx context.Context, m Mutation) error {
	cctx, cancel := r.timeouts.LocalCtx(ctx)
	defer cancel()

	switch m.Op {
	case types.OpInsert:
		return r.store.Insert(cctx, types.OriginInbound, m.RowID, m.Position, m.Record)
	case types.OpUpdate:
		return r.store.Update(cctx, types.OriginInbound, m.RowID, m.Record)
	case types.OpDelete:
		return r.store.Delete(cctx, types.OriginInbound, m.RowID)
	}
	return nil
}

func malformed(pos, got, want int) error {
	return errors.Newf("malformed external row at position %d: %d fields, want %d", pos, got, want)
}
