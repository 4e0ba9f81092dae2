package types

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrOutOfRange is returned by an external source addressed at a position
// past its last row. The replayer treats it as identity drift.
var ErrOutOfRange = errors.New("position out of range")

type Side string

const (
	SideExternal Side = "external"
	SideLocal    Side = "local"
)

// FetchError aborts a whole cycle before anything is applied.
type FetchError struct {
	Side Side
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Side, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func NewFetchError(side Side, err error, format string, args ...any) error {
	return &FetchError{Side: side, Err: errors.Wrapf(err, format, args...)}
}

// ApplyError is a single mutation rejected by one of the stores.
type ApplyError struct {
	Side     Side
	Op       Op
	RowID    RowID
	Position int
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s %s row=%d position=%d: %v", e.Side, e.Op, e.RowID, e.Position, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// ConsistencyError means the identity mapping drifted: a binding is missing or
// duplicated. The offending entry is set aside for manual review.
type ConsistencyError struct {
	Op       Op
	RowID    RowID
	Position int
	Reason   string
	Err      error
}

func (e *ConsistencyError) Error() string {
	msg := fmt.Sprintf("identity drift on %s row=%d position=%d: %s", e.Op, e.RowID, e.Position, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

func IsApplyError(err error) bool {
	var ae *ApplyError
	return errors.As(err, &ae)
}

func IsConsistencyError(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}
