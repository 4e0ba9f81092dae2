package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/mehmetymw/sheetsync/internal/reconcile"
	source "github.com/mehmetymw/sheetsync/internal/source/memory"
	store "github.com/mehmetymw/sheetsync/internal/store/memory"
	"github.com/mehmetymw/sheetsync/internal/types"
)

func row(name string) types.Record {
	return types.Record{name, "Male", "2. Sophomore", "NY", "Math", "Debate"}
}

// seeded returns a store and source that already agree on rows 1..n.
func seeded(t *testing.T, n int) (*store.Store, *source.Source) {
	t.Helper()
	st := store.New()
	var rows []types.Record
	for i := 1; i <= n; i++ {
		r := row(string(rune('A' + i - 1)))
		rows = append(rows, r)
		if err := st.Insert(context.Background(), types.OriginOutbound, types.RowID(i), i, r); err != nil {
			t.Fatal(err)
		}
	}
	return st, source.New(rows...)
}

func localInsert(t *testing.T, st *store.Store, id types.RowID, rec types.Record) {
	t.Helper()
	if err := st.Insert(context.Background(), types.OriginLocal, id, 0, rec); err != nil {
		t.Fatal(err)
	}
}

func TestDrainAppliesInOrder(t *testing.T) {
	st, src := seeded(t, 0)
	for i, name := range []string{"Xavier", "Yolanda", "Zed"} {
		localInsert(t, st, types.RowID(i+1), row(name))
	}

	res, err := New(src, st, 10, types.Timeouts{}, zap.NewNop()).Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 3 || res.Remaining != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	want := []types.Record{row("Xavier"), row("Yolanda"), row("Zed")}
	if diff := cmp.Diff(want, src.Rows()); diff != "" {
		t.Fatalf("external rows (-want +got):\n%s", diff)
	}
	for i := 1; i <= 3; i++ {
		if pos, ok := st.Position(types.RowID(i)); !ok || pos != i {
			t.Fatalf("row %d bound to %d (%v)", i, pos, ok)
		}
	}
}

func TestDrainStopsAtFirstFailureAndResumes(t *testing.T) {
	st, src := seeded(t, 0)
	for i := 1; i <= 5; i++ {
		localInsert(t, st, types.RowID(i), row(string(rune('0'+i))))
	}
	src.FailWith = func(c source.Call, n int) error {
		if n == 3 {
			return errors.New("quota exceeded")
		}
		return nil
	}
	r := New(src, st, 10, types.Timeouts{}, zap.NewNop())

	res, err := r.Drain(context.Background())
	if !types.IsApplyError(err) {
		t.Fatalf("got %v", err)
	}
	if res.Succeeded != 2 || res.Failed != 1 || res.Remaining != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	var seqs []int64
	for _, e := range st.Log() {
		seqs = append(seqs, e.Seq)
	}
	if diff := cmp.Diff([]int64{3, 4, 5}, seqs); diff != "" {
		t.Fatalf("remaining entries (-want +got):\n%s", diff)
	}
	if len(src.Rows()) != 2 {
		t.Fatalf("external has %d rows", len(src.Rows()))
	}

	src.FailWith = nil
	src.ResetCalls()
	res, err = r.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 3 || res.Remaining != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if calls := src.Calls(); len(calls) != 3 || calls[0].Position != 3 {
		t.Fatalf("resume did not start at entry 3: %+v", calls)
	}
	if got := src.Rows()[2][0]; got != "3" {
		t.Fatalf("position 3 holds %q", got)
	}
}

func TestDrainTracksPositionShiftAfterDelete(t *testing.T) {
	ctx := context.Background()
	st, src := seeded(t, 5)
	if err := st.Delete(ctx, types.OriginLocal, 3); err != nil {
		t.Fatal(err)
	}
	if err := st.Update(ctx, types.OriginLocal, 4, row("D2")); err != nil {
		t.Fatal(err)
	}
	if err := st.Update(ctx, types.OriginLocal, 5, row("E2")); err != nil {
		t.Fatal(err)
	}

	res, err := New(src, st, 10, types.Timeouts{}, zap.NewNop()).Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	want := []source.Call{{Op: "delete", Position: 3}, {Op: "update", Position: 3}, {Op: "update", Position: 4}}
	if diff := cmp.Diff(want, src.Calls()); diff != "" {
		t.Fatalf("external calls (-want +got):\n%s", diff)
	}
	wantRows := []types.Record{row("A"), row("B"), row("D2"), row("E2")}
	if diff := cmp.Diff(wantRows, src.Rows()); diff != "" {
		t.Fatalf("external rows (-want +got):\n%s", diff)
	}
	for id, pos := range map[types.RowID]int{1: 1, 2: 2, 4: 3, 5: 4} {
		if got, _ := st.Position(id); got != pos {
			t.Fatalf("row %d at %d, want %d", id, got, pos)
		}
	}
	if _, ok := st.Position(3); ok {
		t.Fatal("deleted row still bound")
	}
}

func TestDrainQuarantinesUnresolvableEntries(t *testing.T) {
	ctx := context.Background()
	st, src := seeded(t, 1)
	// Row 9 exists locally but was never bound to a position.
	if err := st.Insert(ctx, types.OriginOutbound, 9, 0, row("Orphan")); err != nil {
		t.Fatal(err)
	}
	if err := st.Update(ctx, types.OriginLocal, 9, row("Orphan2")); err != nil {
		t.Fatal(err)
	}
	localInsert(t, st, 10, row("Fresh"))

	res, err := New(src, st, 10, types.Timeouts{}, zap.NewNop()).Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Quarantined != 1 || res.Succeeded != 1 || res.Remaining != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	reviewed := st.Reviewed()
	if len(reviewed) != 1 || reviewed[0].Entry.RowID != 9 {
		t.Fatalf("review queue %+v", reviewed)
	}
	if !types.IsConsistencyError(res.Err()) {
		t.Fatalf("result error %v", res.Err())
	}
	if pos, _ := st.Position(10); pos != 2 {
		t.Fatalf("row 10 bound to %d", pos)
	}
}

func TestDrainAcknowledgesInboundEntries(t *testing.T) {
	ctx := context.Background()
	st := store.New()
	src := source.New(row("A"))
	if err := st.Insert(ctx, types.OriginInbound, 1, 1, row("A")); err != nil {
		t.Fatal(err)
	}

	res, err := New(src, st, 10, types.Timeouts{}, zap.NewNop()).Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Acknowledged != 1 || res.Succeeded != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(src.Calls()) != 0 {
		t.Fatalf("inbound entry reached the external source: %+v", src.Calls())
	}
	if len(st.Log()) != 0 {
		t.Fatal("inbound entry still queued")
	}
}

func TestDrainKeepsEntryWhenConfirmFails(t *testing.T) {
	st, src := seeded(t, 0)
	localInsert(t, st, 1, row("A"))
	st.FailConfirm = func(seq int64) error { return errors.New("connection reset") }

	res, err := New(src, st, 10, types.Timeouts{}, zap.NewNop()).Drain(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Succeeded != 0 || res.Remaining != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, ok := st.Position(1); ok {
		t.Fatal("binding written without confirmation")
	}
}

func TestDrainPagesThroughLog(t *testing.T) {
	st, src := seeded(t, 0)
	for i := 1; i <= 7; i++ {
		localInsert(t, st, types.RowID(i), row(string(rune('a'+i))))
	}

	res, err := New(src, st, 2, types.Timeouts{}, zap.NewNop()).Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 7 || res.Remaining != 0 || len(src.Rows()) != 7 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDrainEmptyLog(t *testing.T) {
	st, src := seeded(t, 2)
	res, err := New(src, st, 10, types.Timeouts{}, zap.NewNop()).Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded+res.Failed+res.Quarantined != 0 || len(src.Calls()) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDrainQuarantinesDeletePastLastRow(t *testing.T) {
	ctx := context.Background()
	st, src := seeded(t, 3)
	// Both sides dropped row 3; the sheet edit has not been pulled in yet.
	src.Set(row("A"), row("B"))
	if err := st.Delete(ctx, types.OriginLocal, 3); err != nil {
		t.Fatal(err)
	}
	localInsert(t, st, 10, row("Local"))

	res, err := New(src, st, 10, types.Timeouts{}, zap.NewNop()).Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Quarantined != 1 || res.Succeeded != 1 || res.Remaining != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	var cerr *types.ConsistencyError
	if !errors.As(res.Err(), &cerr) || !errors.Is(cerr, types.ErrOutOfRange) {
		t.Fatalf("result error %v", res.Err())
	}
	if reviewed := st.Reviewed(); len(reviewed) != 1 || reviewed[0].Entry.Op != types.OpDelete {
		t.Fatalf("review queue %+v", reviewed)
	}
	if _, ok := st.Position(3); ok {
		t.Fatal("stale binding kept for row 3")
	}
	if pos, _ := st.Position(10); pos != 3 {
		t.Fatalf("row 10 bound to %d", pos)
	}
	if diff := cmp.Diff([]types.Record{row("A"), row("B"), row("Local")}, src.Rows()); diff != "" {
		t.Fatalf("external rows (-want +got):\n%s", diff)
	}
}

// inboundOnAppend starts an inbound cycle as soon as the first append has
// landed externally, while the drain has not yet confirmed it.
type inboundOnAppend struct {
	*source.Source
	inbound *reconcile.Reconciler
	done    chan error
}

func (s *inboundOnAppend) AppendRow(ctx context.Context, rec types.Record) (int, error) {
	pos, err := s.Source.AppendRow(ctx, rec)
	if err != nil || s.done != nil {
		return pos, err
	}
	s.done = make(chan error, 1)
	go func() {
		_, err := s.inbound.Run(context.Background())
		s.done <- err
	}()
	// Room for an unguarded cycle to finish before the confirm.
	time.Sleep(20 * time.Millisecond)
	return pos, nil
}

func TestInboundCycleWaitsForAppendConfirm(t *testing.T) {
	ctx := context.Background()
	st, src := seeded(t, 2)
	localInsert(t, st, 10, row("Local"))

	ext := &inboundOnAppend{Source: src}
	ext.inbound = reconcile.New(ext, st, len(row("")), types.Timeouts{}, zap.NewNop())
	r := New(ext, st, 10, types.Timeouts{}, zap.NewNop())

	res, err := r.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if ext.done == nil {
		t.Fatal("append did not start an inbound cycle")
	}
	select {
	case err := <-ext.done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound cycle did not finish")
	}

	for i := 0; i < 2; i++ {
		if res, err := r.Drain(ctx); err != nil || res.Remaining != 0 {
			t.Fatalf("drain %d: %+v, %v", i, res, err)
		}
	}
	if diff := cmp.Diff([]types.Record{row("A"), row("B"), row("Local")}, src.Rows()); diff != "" {
		t.Fatalf("external rows (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]types.RowID{1, 2, 10}, st.IDs()); diff != "" {
		t.Fatalf("local ids (-want +got):\n%s", diff)
	}
	if pos, _ := st.Position(10); pos != 3 {
		t.Fatalf("row 10 bound to %d", pos)
	}
}
