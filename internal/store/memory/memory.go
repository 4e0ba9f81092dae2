// Package memory is an in-process LocalStore and ChangeLog. It follows the same
// origin rules as the postgres store and backs tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mehmetymw/sheetsync/internal/identity"
	"github.com/mehmetymw/sheetsync/internal/types"
)

var (
	ErrExists   = errors.New("row already exists")
	ErrNotFound = errors.New("row not found")
	ErrNoEntry  = errors.New("change log entry not found")
)

type Reviewed struct {
	Entry  types.Entry
	Reason string
	At     time.Time
}

type Store struct {
	gate    chan struct{}
	mu      sync.Mutex
	rows    map[types.RowID]types.Record
	ids     *identity.Map
	log     []types.Entry
	nextSeq int64
	review  []Reviewed

	// FailWith, when set, is consulted before every row mutation; a non-nil
	// return rejects the mutation.
	FailWith func(op types.Op, id types.RowID) error
	// FailConfirm, when set, rejects Confirm for the given sequence.
	FailConfirm func(seq int64) error
}

func New() *Store {
	ids, _ := identity.New(nil)
	return &Store{
		gate:    make(chan struct{}, 1),
		rows:    make(map[types.RowID]types.Record),
		ids:     ids,
		nextSeq: 1,
	}
}

// Exclusive waits for the sync gate. It is separate from the data lock, so
// the holder can still read and write rows.
func (s *Store) Exclusive(ctx context.Context) (func(), error) {
	select {
	case s.gate <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s.gate }) }, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "wait for sync gate")
	}
}

func (s *Store) Snapshot(ctx context.Context) (types.LocalSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := types.LocalSnapshot{
		Rows:     make(map[types.RowID]types.Record, len(s.rows)),
		Bindings: s.ids.Bindings(),
		Pending:  make(map[types.RowID]bool),
	}
	max := s.ids.MaxRowID()
	for id, r := range s.rows {
		snap.Rows[id] = r.Clone()
		if id > max {
			max = id
		}
	}
	for _, e := range s.log {
		snap.Pending[e.RowID] = true
		if e.RowID > max {
			max = e.RowID
		}
	}
	snap.NextID = max + 1
	return snap, nil
}

func (s *Store) Insert(ctx context.Context, origin types.Origin, id types.RowID, position int, rec types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(types.OpInsert, id); err != nil {
		return err
	}
	if _, ok := s.rows[id]; ok {
		return errors.Wrapf(ErrExists, "insert row %d", id)
	}
	if cur, ok := s.ids.Position(id); position > 0 && (!ok || cur != position) {
		if err := s.ids.Bind(id, position); err != nil {
			return err
		}
	}
	s.rows[id] = rec.Clone()
	s.append(origin, types.OpInsert, id, rec)
	return nil
}

func (s *Store) Update(ctx context.Context, origin types.Origin, id types.RowID, rec types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(types.OpUpdate, id); err != nil {
		return err
	}
	if _, ok := s.rows[id]; !ok {
		return errors.Wrapf(ErrNotFound, "update row %d", id)
	}
	s.rows[id] = rec.Clone()
	s.append(origin, types.OpUpdate, id, rec)
	return nil
}

func (s *Store) Delete(ctx context.Context, origin types.Origin, id types.RowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(types.OpDelete, id); err != nil {
		return err
	}
	if _, ok := s.rows[id]; !ok {
		return errors.Wrapf(ErrNotFound, "delete row %d", id)
	}
	delete(s.rows, id)
	if origin == types.OriginInbound {
		s.ids.Unbind(id)
	}
	s.append(origin, types.OpDelete, id, nil)
	return nil
}

func (s *Store) check(op types.Op, id types.RowID) error {
	if s.FailWith == nil {
		return nil
	}
	return s.FailWith(op, id)
}

func (s *Store) append(origin types.Origin, op types.Op, id types.RowID, rec types.Record) {
	if !origin.Logged() {
		return
	}
	s.log = append(s.log, types.Entry{
		Seq:       s.nextSeq,
		RowID:     id,
		Op:        op,
		Origin:    origin,
		Payload:   rec.Clone(),
		Timestamp: time.Now().UTC(),
	})
	s.nextSeq++
}

func (s *Store) Pending(ctx context.Context, limit int) ([]types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.log)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.Entry, n)
	copy(out, s.log[:n])
	return out, nil
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log), nil
}

func (s *Store) Bindings(ctx context.Context) ([]identity.Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids.Bindings(), nil
}

func (s *Store) Confirm(ctx context.Context, seq int64, change identity.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailConfirm != nil {
		if err := s.FailConfirm(seq); err != nil {
			return err
		}
	}
	i := s.indexOf(seq)
	if i < 0 {
		return errors.Wrapf(ErrNoEntry, "confirm seq %d", seq)
	}
	if err := s.ids.Apply(change); err != nil {
		return err
	}
	s.log = append(s.log[:i], s.log[i+1:]...)
	return nil
}

func (s *Store) Quarantine(ctx context.Context, e types.Entry, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(e.Seq)
	if i < 0 {
		return errors.Wrapf(ErrNoEntry, "quarantine seq %d", e.Seq)
	}
	s.log = append(s.log[:i], s.log[i+1:]...)
	if _, ok := s.rows[e.RowID]; !ok && e.Op == types.OpDelete {
		s.ids.Unbind(e.RowID)
	}
	s.review = append(s.review, Reviewed{Entry: e, Reason: reason, At: time.Now().UTC()})
	return nil
}

func (s *Store) indexOf(seq int64) int {
	for i := range s.log {
		if s.log[i].Seq == seq {
			return i
		}
	}
	return -1
}

func (s *Store) Close() error { return nil }

// Rows returns a copy of the stored rows.
func (s *Store) Rows() map[types.RowID]types.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.RowID]types.Record, len(s.rows))
	for id, r := range s.rows {
		out[id] = r.Clone()
	}
	return out
}

func (s *Store) Log() []types.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Entry, len(s.log))
	copy(out, s.log)
	return out
}

func (s *Store) Reviewed() []Reviewed {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reviewed, len(s.review))
	copy(out, s.review)
	return out
}

// Position resolves the bound position of a row.
func (s *Store) Position(id types.RowID) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids.Position(id)
}

// IDs returns stored row ids in ascending order.
func (s *Store) IDs() []types.RowID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.RowID, 0, len(s.rows))
	for id := range s.rows {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
