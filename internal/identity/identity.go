// Package identity tracks which external row position each local row occupies.
//
// The external source addresses rows by 1-based position among its data rows,
// and deleting a row shifts every row below it up by one. Map keeps the
// position <-> RowID bijection and is the single place that shift rule lives;
// stores persist the same Change values it applies.
package identity

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// RowID is the local primary key of a mirrored row.
type RowID int64

type Binding struct {
	RowID    RowID `json:"row_id"`
	Position int   `json:"position"`
}

var (
	ErrDuplicate = errors.New("duplicate identity binding")
	ErrUnbound   = errors.New("identity not bound")
)

type ChangeKind int

const (
	ChangeNone ChangeKind = iota
	// ChangeBind binds RowID to Position.
	ChangeBind
	// ChangeRemove unbinds RowID from Position and shifts every later position down by one.
	ChangeRemove
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeBind:
		return "bind"
	case ChangeRemove:
		return "remove"
	default:
		return "none"
	}
}

type Change struct {
	Kind     ChangeKind
	RowID    RowID
	Position int
}

func NoChange() Change { return Change{Kind: ChangeNone} }

func BindChange(id RowID, pos int) Change {
	return Change{Kind: ChangeBind, RowID: id, Position: pos}
}

func RemoveChange(id RowID, pos int) Change {
	return Change{Kind: ChangeRemove, RowID: id, Position: pos}
}

type Map struct {
	byID  map[RowID]int
	byPos map[int]RowID
}

// New builds a map from persisted bindings, rejecting any that break the bijection.
func New(bindings []Binding) (*Map, error) {
	m := &Map{byID: make(map[RowID]int, len(bindings)), byPos: make(map[int]RowID, len(bindings))}
	for _, b := range bindings {
		if err := m.Bind(b.RowID, b.Position); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Map) Len() int { return len(m.byID) }

func (m *Map) Position(id RowID) (int, bool) {
	p, ok := m.byID[id]
	return p, ok
}

func (m *Map) Identity(pos int) (RowID, bool) {
	id, ok := m.byPos[pos]
	return id, ok
}

func (m *Map) Bind(id RowID, pos int) error {
	if pos <= 0 {
		return errors.Newf("invalid position %d for row %d", pos, id)
	}
	if cur, ok := m.byID[id]; ok {
		return errors.Wrapf(ErrDuplicate, "row %d already bound to position %d", id, cur)
	}
	if cur, ok := m.byPos[pos]; ok {
		return errors.Wrapf(ErrDuplicate, "position %d already bound to row %d", pos, cur)
	}
	m.byID[id] = pos
	m.byPos[pos] = id
	return nil
}

// Unbind drops a binding without shifting anything.
func (m *Map) Unbind(id RowID) (int, bool) {
	pos, ok := m.byID[id]
	if !ok {
		return 0, false
	}
	delete(m.byID, id)
	delete(m.byPos, pos)
	return pos, true
}

// RemoveAt unbinds whatever sits at pos and moves every later binding up one
// position, mirroring a row deletion in the external source.
func (m *Map) RemoveAt(pos int) (RowID, error) {
	id, ok := m.byPos[pos]
	if !ok {
		return 0, errors.Wrapf(ErrUnbound, "position %d", pos)
	}
	delete(m.byID, id)
	delete(m.byPos, pos)

	later := make([]int, 0)
	for p := range m.byPos {
		if p > pos {
			later = append(later, p)
		}
	}
	sort.Ints(later)
	for _, p := range later {
		moved := m.byPos[p]
		delete(m.byPos, p)
		m.byPos[p-1] = moved
		m.byID[moved] = p - 1
	}
	return id, nil
}

func (m *Map) Apply(c Change) error {
	switch c.Kind {
	case ChangeNone:
		return nil
	case ChangeBind:
		return m.Bind(c.RowID, c.Position)
	case ChangeRemove:
		if cur, ok := m.byID[c.RowID]; !ok || cur != c.Position {
			return errors.Wrapf(ErrUnbound, "row %d at position %d", c.RowID, c.Position)
		}
		_, err := m.RemoveAt(c.Position)
		return err
	default:
		return errors.Newf("unknown change kind %d", c.Kind)
	}
}

// Bindings returns a copy ordered by position.
func (m *Map) Bindings() []Binding {
	out := make([]Binding, 0, len(m.byID))
	for id, p := range m.byID {
		out = append(out, Binding{RowID: id, Position: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (m *Map) MaxRowID() RowID {
	var max RowID
	for id := range m.byID {
		if id > max {
			max = id
		}
	}
	return max
}
