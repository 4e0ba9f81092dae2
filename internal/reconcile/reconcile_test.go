package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/mehmetymw/sheetsync/internal/identity"
	source "github.com/mehmetymw/sheetsync/internal/source/memory"
	store "github.com/mehmetymw/sheetsync/internal/store/memory"
	"github.com/mehmetymw/sheetsync/internal/types"
)

const width = 6

func student(name, major string) types.Record {
	return types.Record{name, "Female", "4. Senior", "CA", major, "Drama Club"}
}

func snapshotOf(rows map[types.RowID]types.Record, bindings ...identity.Binding) types.LocalSnapshot {
	return types.LocalSnapshot{Rows: rows, Bindings: bindings, Pending: map[types.RowID]bool{}}
}

func TestPlanFirstRunInsertsEverything(t *testing.T) {
	external := []types.Record{student("Alexandra", "English"), student("Andrew", "Math"), student("Anna", "Art")}

	plan, err := Plan(external, types.LocalSnapshot{NextID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !plan.FirstRun {
		t.Fatal("expected first run")
	}
	want := []Mutation{
		{Op: types.OpInsert, RowID: 1, Position: 1, Record: external[0]},
		{Op: types.OpInsert, RowID: 2, Position: 2, Record: external[1]},
		{Op: types.OpInsert, RowID: 3, Position: 3, Record: external[2]},
	}
	if diff := cmp.Diff(want, plan.Mutations); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanSingleFieldUpdate(t *testing.T) {
	local := snapshotOf(map[types.RowID]types.Record{
		1: student("Alexandra", "English"),
		2: student("Andrew", "CS"),
		3: student("Anna", "Art"),
	}, identity.Binding{RowID: 1, Position: 1}, identity.Binding{RowID: 2, Position: 2}, identity.Binding{RowID: 3, Position: 3})
	local.NextID = 4

	external := []types.Record{student("Alexandra", "English"), student("Andrew", "EE"), student("Anna", "Art")}
	plan, err := Plan(external, local)
	if err != nil {
		t.Fatal(err)
	}
	want := []Mutation{{Op: types.OpUpdate, RowID: 2, Position: 2, Record: external[1]}}
	if diff := cmp.Diff(want, plan.Mutations); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanComparesEveryField(t *testing.T) {
	base := student("Becky", "Physics")
	for i := 0; i < width; i++ {
		t.Run(fmt.Sprintf("field_%d", i), func(t *testing.T) {
			changed := base.Clone()
			changed[i] += "!"
			local := snapshotOf(map[types.RowID]types.Record{7: base}, identity.Binding{RowID: 7, Position: 1})

			plan, err := Plan([]types.Record{changed}, local)
			if err != nil {
				t.Fatal(err)
			}
			if _, upd, _ := plan.Counts(); upd != 1 || len(plan.Mutations) != 1 {
				t.Fatalf("want exactly one update, got %+v", plan.Mutations)
			}
		})
	}
}

func TestPlanSteadyState(t *testing.T) {
	cases := []struct {
		name     string
		local    types.LocalSnapshot
		external []types.Record
		want     []Mutation
		skipped  int
	}{
		{
			name: "row removed at the end",
			local: snapshotOf(map[types.RowID]types.Record{
				1: student("A", "x"), 2: student("B", "x"),
			}, identity.Binding{RowID: 1, Position: 1}, identity.Binding{RowID: 2, Position: 2}),
			external: []types.Record{student("A", "x")},
			want:     []Mutation{{Op: types.OpDelete, RowID: 2, Position: 2}},
		},
		{
			name: "new rows take the next free id",
			local: types.LocalSnapshot{
				Rows:     map[types.RowID]types.Record{4: student("A", "x")},
				Bindings: []identity.Binding{{RowID: 4, Position: 1}},
				Pending:  map[types.RowID]bool{},
				NextID:   9,
			},
			external: []types.Record{student("A", "x"), student("B", "y"), student("C", "z")},
			want: []Mutation{
				{Op: types.OpInsert, RowID: 9, Position: 2, Record: student("B", "y")},
				{Op: types.OpInsert, RowID: 10, Position: 3, Record: student("C", "z")},
			},
		},
		{
			name: "unbound local rows wait for outbound insert",
			local: snapshotOf(map[types.RowID]types.Record{
				1: student("A", "x"), 2: student("Local only", "x"),
			}, identity.Binding{RowID: 1, Position: 1}),
			external: []types.Record{student("A", "x")},
		},
		{
			name: "pending local delete is not resurrected",
			local: types.LocalSnapshot{
				Rows:     map[types.RowID]types.Record{1: student("A", "x")},
				Bindings: []identity.Binding{{RowID: 1, Position: 1}, {RowID: 2, Position: 2}},
				Pending:  map[types.RowID]bool{2: true},
				NextID:   3,
			},
			external: []types.Record{student("A", "x"), student("B", "x")},
			skipped:  1,
		},
		{
			name: "bound identity without row or pending entry is recreated",
			local: types.LocalSnapshot{
				Rows:     map[types.RowID]types.Record{1: student("A", "x")},
				Bindings: []identity.Binding{{RowID: 1, Position: 1}, {RowID: 2, Position: 2}},
				Pending:  map[types.RowID]bool{},
				NextID:   3,
			},
			external: []types.Record{student("A", "x"), student("B", "x")},
			want:     []Mutation{{Op: types.OpInsert, RowID: 2, Position: 2, Record: student("B", "x")}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := Plan(tc.external, tc.local)
			if err != nil {
				t.Fatal(err)
			}
			if plan.FirstRun {
				t.Fatal("unexpected first run")
			}
			if diff := cmp.Diff(tc.want, plan.Mutations); diff != "" {
				t.Fatalf("plan mismatch (-want +got):\n%s", diff)
			}
			if plan.Skipped != tc.skipped {
				t.Fatalf("skipped %d, want %d", plan.Skipped, tc.skipped)
			}
		})
	}
}

func TestPlanRejectsBrokenBindings(t *testing.T) {
	local := snapshotOf(map[types.RowID]types.Record{1: student("A", "x")},
		identity.Binding{RowID: 1, Position: 1}, identity.Binding{RowID: 2, Position: 1})
	_, err := Plan([]types.Record{student("A", "x")}, local)
	if !types.IsConsistencyError(err) {
		t.Fatalf("got %v", err)
	}
}

func assertConverged(t *testing.T, st *store.Store, external []types.Record) {
	t.Helper()
	rows := st.Rows()
	if len(rows) != len(external) {
		t.Fatalf("local has %d rows, external %d", len(rows), len(external))
	}
	for id, rec := range rows {
		pos, ok := st.Position(id)
		if !ok {
			t.Fatalf("row %d is unbound", id)
		}
		if diff := cmp.Diff(external[pos-1], rec); diff != "" {
			t.Fatalf("row %d at position %d differs (-external +local):\n%s", id, pos, diff)
		}
	}
}

func TestRunConvergesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.New()
	seed := []types.Record{student("Old1", "x"), student("Old2", "y"), student("Old3", "z"), student("Old4", "w")}
	for i, r := range seed {
		if err := st.Insert(ctx, types.OriginOutbound, types.RowID(i+1), i+1, r); err != nil {
			t.Fatal(err)
		}
	}
	external := []types.Record{student("Old1", "x"), student("New2", "y"), student("Old3", "z")}
	src := source.New(external...)
	rec := New(src, st, width, types.Timeouts{}, zap.NewNop())

	report, err := rec.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Updated != 1 || report.Deleted != 1 || report.Inserted != 0 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	assertConverged(t, st, external)

	again, err := rec.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.Planned != 0 {
		t.Fatalf("second run planned %d mutations", again.Planned)
	}
}

func TestRunFirstRunAssignsIdentitiesInOrder(t *testing.T) {
	ctx := context.Background()
	st := store.New()
	external := []types.Record{student("A", "1"), student("B", "2"), student("C", "3")}
	rec := New(source.New(external...), st, width, types.Timeouts{}, zap.NewNop())

	report, err := rec.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.FirstRun || report.Inserted != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	for i := 1; i <= 3; i++ {
		if pos, _ := st.Position(types.RowID(i)); pos != i {
			t.Fatalf("row %d bound to %d", i, pos)
		}
	}
	for _, e := range st.Log() {
		if e.Origin != types.OriginInbound {
			t.Fatalf("entry %d has origin %s", e.Seq, e.Origin)
		}
	}
}

func TestRunAbortsWithoutMutationOnFetchError(t *testing.T) {
	ctx := context.Background()
	st := store.New()
	src := source.New(student("A", "x"))
	src.FailWith = func(c source.Call, n int) error {
		if c.Op == "fetch" {
			return errors.New("sheets unavailable")
		}
		return nil
	}
	rec := New(src, st, width, types.Timeouts{}, zap.NewNop())

	report, err := rec.Run(ctx)
	if !types.IsFetchError(err) {
		t.Fatalf("got %v", err)
	}
	if !report.Aborted || report.Partial() {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(st.Rows()) != 0 || len(st.Log()) != 0 {
		t.Fatal("aborted cycle mutated the local store")
	}
}

func TestRunWaitsForSyncGuard(t *testing.T) {
	st := store.New()
	src := source.New(student("A", "x"))
	release, err := st.Exclusive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	report, err := New(src, st, width, types.Timeouts{}, zap.NewNop()).Run(ctx)
	if !types.IsFetchError(err) || !report.Aborted {
		t.Fatalf("got %+v, %v", report, err)
	}
	if len(src.Calls()) != 0 || len(st.Rows()) != 0 {
		t.Fatal("cycle ran without the sync guard")
	}
}

func TestRunAbortsOnMalformedRow(t *testing.T) {
	st := store.New()
	src := source.New(student("A", "x"), types.Record{"too", "short"})
	rec := New(src, st, width, types.Timeouts{}, zap.NewNop())

	if _, err := rec.Run(context.Background()); !types.IsFetchError(err) {
		t.Fatalf("got %v", err)
	}
	if len(st.Rows()) != 0 {
		t.Fatal("malformed fetch applied rows")
	}
}

func TestRunContinuesAfterApplyError(t *testing.T) {
	st := store.New()
	st.FailWith = func(op types.Op, id types.RowID) error {
		if id == 2 {
			return errors.New("constraint violation")
		}
		return nil
	}
	src := source.New(student("A", "1"), student("B", "2"), student("C", "3"))
	rec := New(src, st, width, types.Timeouts{}, zap.NewNop())

	report, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("partial failure should not abort: %v", err)
	}
	if report.Inserted != 2 || report.Failed != 1 || !report.Partial() {
		t.Fatalf("unexpected report %+v", report)
	}
	if !types.IsApplyError(report.Err()) {
		t.Fatalf("report error %v", report.Err())
	}
	if _, ok := st.Rows()[3]; !ok {
		t.Fatal("mutation after the failure was not applied")
	}
}
