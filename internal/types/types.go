package types

import (
	"context"
	"time"

	"github.com/mehmetymw/sheetsync/internal/identity"
)

type RowID = identity.RowID

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Origin records which side caused a local mutation. Change log entries are
// appended for OriginLocal and OriginInbound, never for OriginOutbound.
type Origin string

const (
	OriginLocal    Origin = "local"
	OriginInbound  Origin = "inbound"
	OriginOutbound Origin = "outbound"
)

// Logged reports whether a mutation with this origin appends to the change log.
func (o Origin) Logged() bool {
	return o != OriginOutbound
}

// Record is one row, fields ordered as the configured column list.
type Record []string

func (r Record) Equal(o Record) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if r[i] != o[i] {
			return false
		}
	}
	return true
}

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	copy(out, r)
	return out
}

type Entry struct {
	Seq       int64
	RowID     RowID
	Op        Op
	Origin    Origin
	Payload   Record
	Timestamp time.Time
}

type LocalSnapshot struct {
	Rows     map[RowID]Record
	Bindings []identity.Binding
	// Pending holds row ids that still have change log entries queued.
	Pending map[RowID]bool
	NextID  RowID
}

func (s LocalSnapshot) Empty() bool {
	return len(s.Rows) == 0 && len(s.Bindings) == 0
}

type ExternalDataSource interface {
	FetchAll(ctx context.Context) ([]Record, error)
	AppendRow(ctx context.Context, rec Record) (int, error)
	UpdateRow(ctx context.Context, position int, rec Record) error
	DeleteRow(ctx context.Context, position int) error
}

// Guard serialises the two sync directions over one table. An inbound cycle
// holds it from the external fetch through its last local write; a drain holds
// it for each page of entries, so no cycle sees an appended row before its
// binding is confirmed.
type Guard interface {
	Exclusive(ctx context.Context) (release func(), err error)
}

type LocalStore interface {
	Guard
	Snapshot(ctx context.Context) (LocalSnapshot, error)
	// Insert writes a row and, for a non-zero position, binds it in the same transaction.
	Insert(ctx context.Context, origin Origin, id RowID, position int, rec Record) error
	Update(ctx context.Context, origin Origin, id RowID, rec Record) error
	// Delete removes the row. Inbound deletes drop the binding as well; local
	// deletes keep it until the outbound delete has been confirmed.
	Delete(ctx context.Context, origin Origin, id RowID) error
	Close() error
}

type ChangeLog interface {
	Guard
	// Pending returns up to limit entries in ascending Seq order; limit <= 0 means all.
	Pending(ctx context.Context, limit int) ([]Entry, error)
	PendingCount(ctx context.Context) (int, error)
	Bindings(ctx context.Context) ([]identity.Binding, error)
	// Confirm applies the identity change and removes the entry atomically.
	Confirm(ctx context.Context, seq int64, change identity.Change) error
	// Quarantine moves the entry to review. For a delete whose local row is
	// gone it also unbinds the row, leaving other positions alone.
	Quarantine(ctx context.Context, e Entry, reason string) error
}

type ReportSink interface {
	PublishSync(ctx context.Context, r SyncReport) error
	PublishDrain(ctx context.Context, r DrainResult) error
	Close() error
}
