package store

import (
	"sort"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// Tx stages writes for one atomic commit. Reads see the staged writes.
// A Tx is only valid inside the Update callback that created it.
type Tx struct {
	s      *Store
	sets   map[models.Table]map[string]models.Row
	dels   map[models.Table]map[string]struct{}
	values *Values
}

func newTx(s *Store) *Tx {
	return &Tx{
		s:    s,
		sets: make(map[models.Table]map[string]models.Row),
		dels: make(map[models.Table]map[string]struct{}),
	}
}

// Get returns the row under id as seen by this transaction.
// The base tables are stable here: commits are serialized by the writer lock.
func (tx *Tx) Get(table models.Table, id string) (models.Row, bool) {
	if _, deleted := tx.dels[table][id]; deleted {
		return nil, false
	}
	if row, ok := tx.sets[table][id]; ok {
		return row, true
	}
	row, ok := tx.s.tables[table][id]
	return row, ok
}

// Table returns the table contents as seen by this transaction.
func (tx *Tx) Table(table models.Table) map[string]models.Row {
	out := make(map[string]models.Row, len(tx.s.tables[table]))
	for id, row := range tx.s.tables[table] {
		out[id] = row
	}
	for id := range tx.dels[table] {
		delete(out, id)
	}
	for id, row := range tx.sets[table] {
		out[id] = row
	}
	return out
}

// Set stages a whole-row insert or replacement.
func (tx *Tx) Set(table models.Table, row models.Row) error {
	if !table.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown table %q", table)
	}
	if row == nil || row.RowID() == "" {
		return apperrors.Newf(apperrors.ErrInvalid, "row for table %q has no id", table)
	}
	if !rowMatches(table, row) {
		return apperrors.Newf(apperrors.ErrInvalid, "row type %T does not belong to table %q", row, table)
	}
	id := row.RowID()
	if tx.dels[table] != nil {
		delete(tx.dels[table], id)
	}
	if tx.sets[table] == nil {
		tx.sets[table] = make(map[string]models.Row)
	}
	tx.sets[table][id] = row
	return nil
}

// Delete stages a row removal. Deleting a missing row is a no-op.
func (tx *Tx) Delete(table models.Table, id string) {
	if tx.sets[table] != nil {
		delete(tx.sets[table], id)
	}
	if _, ok := tx.s.tables[table][id]; !ok {
		return
	}
	if tx.dels[table] == nil {
		tx.dels[table] = make(map[string]struct{})
	}
	tx.dels[table][id] = struct{}{}
}

// Values returns the scalar values as seen by this transaction.
func (tx *Tx) Values() Values {
	if tx.values != nil {
		return tx.values.clone()
	}
	return tx.s.values.clone()
}

// UpdateValues stages a change to the scalar values.
func (tx *Tx) UpdateValues(fn func(v *Values)) {
	if tx.values == nil {
		v := tx.s.values.clone()
		tx.values = &v
	}
	fn(tx.values)
}

// NextSeq reserves the next outbox sequence number.
func (tx *Tx) NextSeq() int64 {
	var seq int64
	tx.UpdateValues(func(v *Values) {
		v.NextSeq++
		seq = v.NextSeq
	})
	return seq
}

func (tx *Tx) empty() bool {
	if tx.values != nil {
		return false
	}
	for _, rows := range tx.sets {
		if len(rows) > 0 {
			return false
		}
	}
	for _, ids := range tx.dels {
		if len(ids) > 0 {
			return false
		}
	}
	return true
}

// apply writes the staged changes into the base state. Callers hold s.mu.
func (tx *Tx) apply(tables map[models.Table]map[string]models.Row, values *Values) []Notification {
	var notes []Notification
	for _, table := range models.Tables {
		var n Notification
		n.Table = table
		for id, row := range tx.sets[table] {
			tables[table][id] = row
			n.Changed = append(n.Changed, id)
		}
		for id := range tx.dels[table] {
			delete(tables[table], id)
			n.Deleted = append(n.Deleted, id)
		}
		if len(n.Changed) == 0 && len(n.Deleted) == 0 {
			continue
		}
		sort.Strings(n.Changed)
		sort.Strings(n.Deleted)
		notes = append(notes, n)
	}
	if tx.values != nil {
		*values = tx.values.clone()
	}
	return notes
}

func rowMatches(table models.Table, row models.Row) bool {
	switch row.(type) {
	case models.Post:
		return table == models.TablePosts
	case models.Comment:
		return table == models.TableComments
	case models.PendingChange:
		return table == models.TablePendingChanges
	}
	return false
}

// TxGet returns the typed row under id as seen by tx.
func TxGet[T models.Row](tx *Tx, table models.Table, id string) (T, bool) {
	var zero T
	row, ok := tx.Get(table, id)
	if !ok {
		return zero, false
	}
	typed, ok := row.(T)
	return typed, ok
}

// TxList returns every row of the table with type T as seen by tx.
func TxList[T models.Row](tx *Tx, table models.Table) []T {
	rows := tx.Table(table)
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		if typed, ok := row.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

