// Package memory is a position-addressed ExternalDataSource held in process.
// Deleting a row shifts the rows below it, like a spreadsheet.
package memory

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/mehmetymw/sheetsync/internal/types"
)

type Call struct {
	Op       string
	Position int
}

type Source struct {
	mu    sync.Mutex
	rows  []types.Record
	calls []Call

	// FailWith, when set, is consulted before every call with the call number
	// (1-based across all calls) and may reject it.
	FailWith func(c Call, n int) error
}

func New(rows ...types.Record) *Source {
	s := &Source{}
	for _, r := range rows {
		s.rows = append(s.rows, r.Clone())
	}
	return s
}

func (s *Source) record(c Call) error {
	s.calls = append(s.calls, c)
	if s.FailWith != nil {
		return s.FailWith(c, len(s.calls))
	}
	return nil
}

func (s *Source) FetchAll(ctx context.Context) ([]types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "fetch"}); err != nil {
		return nil, err
	}
	return s.copyRows(), nil
}

func (s *Source) AppendRow(ctx context.Context, rec types.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "append", Position: len(s.rows) + 1}); err != nil {
		return 0, err
	}
	s.rows = append(s.rows, rec.Clone())
	return len(s.rows), nil
}

func (s *Source) UpdateRow(ctx context.Context, position int, rec types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "update", Position: position}); err != nil {
		return err
	}
	if position < 1 || position > len(s.rows) {
		return errors.Wrapf(types.ErrOutOfRange, "position %d, rows 1..%d", position, len(s.rows))
	}
	s.rows[position-1] = rec.Clone()
	return nil
}

func (s *Source) DeleteRow(ctx context.Context, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: "delete", Position: position}); err != nil {
		return err
	}
	if position < 1 || position > len(s.rows) {
		return errors.Wrapf(types.ErrOutOfRange, "position %d, rows 1..%d", position, len(s.rows))
	}
	s.rows = append(s.rows[:position-1], s.rows[position:]...)
	return nil
}

func (s *Source) Rows() []types.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyRows()
}

// Set replaces the whole dataset, as an external editor would.
func (s *Source) Set(rows ...types.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = nil
	for _, r := range rows {
		s.rows = append(s.rows, r.Clone())
	}
}

func (s *Source) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Source) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Source) copyRows() []types.Record {
	out := make([]types.Record, len(s.rows))
	for i, r := range s.rows {
		out[i] = r.Clone()
	}
	return out
}
