package reconcile

import (
	"sort"

	"github.com/mehmetymw/sheetsync/internal/identity"
	"github.com/mehmetymw/sheetsync/internal/types"
)

type Mutation struct {
	Op       types.Op
	RowID    types.RowID
	Position int
	Record   types.Record
}

type MutationPlan struct {
	FirstRun  bool
	Mutations []Mutation
	// Skipped counts external positions left alone because the bound local
	// row has a delete still waiting to go out.
	Skipped int
}

func (p MutationPlan) Counts() (inserts, updates, deletes int) {
	for _, m := range p.Mutations {
		switch m.Op {
		case types.OpInsert:
			inserts++
		case types.OpUpdate:
			updates++
		case types.OpDelete:
			deletes++
		}
	}
	return
}

// Plan computes the local mutations that make local equal to external.
// Position p of external is external[p-1]. New rows take RowIDs from
// local.NextID upwards in position order, on the first run and afterwards.
func Plan(external []types.Record, local types.LocalSnapshot) (MutationPlan, error) {
	next := local.NextID
	if next <= 0 {
		next = nextFree(local)
	}

	if local.Empty() {
		plan := MutationPlan{FirstRun: true, Mutations: make([]Mutation, 0, len(external))}
		for i, rec := range external {
			plan.Mutations = append(plan.Mutations, Mutation{
				Op:       types.OpInsert,
				RowID:    next + types.RowID(i),
				Position: i + 1,
				Record:   rec.Clone(),
			})
		}
		return plan, nil
	}

	ids, err := identity.New(local.Bindings)
	if err != nil {
		return MutationPlan{}, &types.ConsistencyError{Reason: "local bindings are not a bijection", Err: err}
	}

	var plan MutationPlan
	for i, rec := range external {
		pos := i + 1
		id, bound := ids.Identity(pos)
		if !bound {
			plan.Mutations = append(plan.Mutations, Mutation{Op: types.OpInsert, RowID: next, Position: pos, Record: rec.Clone()})
			next++
			continue
		}
		cur, ok := local.Rows[id]
		switch {
		case ok && cur.Equal(rec):
		case ok:
			plan.Mutations = append(plan.Mutations, Mutation{Op: types.OpUpdate, RowID: id, Position: pos, Record: rec.Clone()})
		case local.Pending[id]:
			plan.Skipped++
		default:
			// bound but the row is gone with nothing queued: recreate under the same identity
			plan.Mutations = append(plan.Mutations, Mutation{Op: types.OpInsert, RowID: id, Position: pos, Record: rec.Clone()})
		}
	}

	bindings := ids.Bindings()
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].Position < bindings[j].Position })
	for _, b := range bindings {
		if b.Position <= len(external) {
			continue
		}
		if _, ok := local.Rows[b.RowID]; !ok {
			plan.Skipped++
			continue
		}
		plan.Mutations = append(plan.Mutations, Mutation{Op: types.OpDelete, RowID: b.RowID, Position: b.Position})
	}
	return plan, nil
}

func nextFree(local types.LocalSnapshot) types.RowID {
	var max types.RowID
	for id := range local.Rows {
		if id > max {
			max = id
		}
	}
	for _, b := range local.Bindings {
		if b.RowID > max {
			max = b.RowID
		}
	}
	for id := range local.Pending {
		if id > max {
			max = id
		}
	}
	return max + 1
}
