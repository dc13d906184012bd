// Package table keeps the local mirror of the venue's realtime tables.
//
// The venue pushes four kinds of messages per table: a full image (partial)
// followed by incremental deltas (insert, update, delete). Store applies them
// in arrival order and keeps each table keyed by the identity fields announced
// on the partial.
package table

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	// MaxTableLen caps unprotected tables. When exceeded, the oldest
	// MaxTableLen/2 rows are dropped.
	MaxTableLen = 200

	// Table names with special handling.
	Instrument  = "instrument"
	OrderBookL2 = "orderBookL2"
	Trade       = "trade"
	Quote       = "quote"
	Order       = "order"
	Position    = "position"
	Margin      = "margin"
	Execution   = "execution"

	// leavesQtyField is the remaining quantity of an order row.
	leavesQtyField = "leavesQty"
)

var (
	// ErrUnknownAction is returned for an action outside partial/insert/update/delete.
	ErrUnknownAction = errors.New("unknown action")

	// ErrUnknownTable is returned for a delta on a table that never received a partial.
	ErrUnknownTable = errors.New("unknown table")

	// ErrMissingKeys is returned when update/delete target a table without key fields.
	ErrMissingKeys = errors.New("missing table keys")
)

// protectedTables keep their full state regardless of MaxTableLen.
var protectedTables = map[string]struct{}{
	Order:       {},
	OrderBookL2: {},
	Trade:       {},
}

// Action is one of the four delta operations.
type Action int

const (
	Partial Action = iota
	Insert
	Update
	Delete
)

func (a Action) String() string {
	switch a {
	case Partial:
		return "partial"
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction maps the wire action name to an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "partial":
		return Partial, nil
	case "insert":
		return Insert, nil
	case "update":
		return Update, nil
	case "delete":
		return Delete, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// Table is a named, ordered row set identified by its key fields.
type Table struct {
	Name string
	Keys []string
	Rows []Row
}

// Store maps table names to tables. All mutation goes through Apply.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{tables: make(map[string]*Table)}
}

// Apply mutates table name according to action.
//
// Errors leave the store untouched; callers are expected to log them and
// carry on with the next message.
func (s *Store) Apply(name string, action Action, rows []Row, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if action == Partial {
		tbl := &Table{
			Name: name,
			Keys: append([]string(nil), keys...),
			Rows: make([]Row, 0, len(rows)),
		}
		for _, row := range rows {
			if idx := tbl.find(row); len(tbl.Keys) > 0 && idx >= 0 {
				merge(tbl.Rows[idx], row)
				continue
			}
			tbl.Rows = append(tbl.Rows, row)
		}
		s.tables[name] = tbl
		log.Debug().Str("table", name).Int("rows", len(rows)).Msg("partial")
		return nil
	}

	tbl, ok := s.tables[name]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrUnknownTable, action, name)
	}

	switch action {
	case Insert:
		s.insert(tbl, rows)
	case Update:
		if len(tbl.Keys) == 0 {
			return fmt.Errorf("%w: update %s", ErrMissingKeys, name)
		}
		s.update(tbl, rows)
	case Delete:
		if len(tbl.Keys) == 0 {
			return fmt.Errorf("%w: delete %s", ErrMissingKeys, name)
		}
		s.delete(tbl, rows)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	return nil
}

func (s *Store) insert(tbl *Table, rows []Row) {
	for _, row := range rows {
		// a re-sent row replaces its twin so key tuples stay unique
		if len(tbl.Keys) > 0 {
			if idx := tbl.find(row); idx >= 0 {
				merge(tbl.Rows[idx], row)
				continue
			}
		}
		tbl.Rows = append(tbl.Rows, row)
	}

	if _, protected := protectedTables[tbl.Name]; !protected && len(tbl.Rows) > MaxTableLen {
		tbl.Rows = append([]Row(nil), tbl.Rows[MaxTableLen/2:]...)
	}
}

func (s *Store) update(tbl *Table, rows []Row) {
	for _, row := range rows {
		idx := tbl.find(row)
		if idx < 0 {
			continue
		}

		item := tbl.Rows[idx]
		merge(item, row)

		// filled or cancelled orders leave the table
		if tbl.Name == Order {
			if qty, ok := item.Decimal(leavesQtyField); ok && !qty.IsPositive() {
				tbl.remove(idx)
			}
		}
	}
}

func (s *Store) delete(tbl *Table, rows []Row) {
	for _, row := range rows {
		if idx := tbl.find(row); idx >= 0 {
			tbl.remove(idx)
		}
	}
}

// find returns the index of the first row matching all key fields of match.
func (t *Table) find(match Row) int {
	for i, row := range t.Rows {
		if row.matches(t.Keys, match) {
			return i
		}
	}
	return -1
}

func (t *Table) remove(idx int) {
	t.Rows = append(t.Rows[:idx], t.Rows[idx+1:]...)
}

func merge(dst, src Row) {
	for k, v := range src {
		dst[k] = v
	}
}

// Clear drops every table and its keys.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = make(map[string]*Table)
}

// Has reports whether every named table has received its partial.
func (s *Store) Has(names ...string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range names {
		if _, ok := s.tables[n]; !ok {
			return false
		}
	}
	return true
}

// Rows returns copies of the rows of table name, oldest first.
func (s *Store) Rows(name string) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tbl, ok := s.tables[name]
	if !ok {
		return nil
	}
	out := make([]Row, len(tbl.Rows))
	for i, r := range tbl.Rows {
		out[i] = r.Clone()
	}
	return out
}

// Keys returns the identity fields of table name.
func (s *Store) Keys(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tbl, ok := s.tables[name]; ok {
		return append([]string(nil), tbl.Keys...)
	}
	return nil
}

// Len returns the row count of table name.
func (s *Store) Len(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tbl, ok := s.tables[name]; ok {
		return len(tbl.Rows)
	}
	return 0
}

// Tables returns the names of all populated tables.
func (s *Store) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for n := range s.tables {
		names = append(names, n)
	}
	return names
}
