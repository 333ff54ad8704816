// Package models provides data model definitions for the offline sync client.
package models

import "time"

// Table identifies one table of the local store.
type Table string

const (
	TablePosts          Table = "posts"
	TableComments       Table = "comments"
	TablePendingChanges Table = "pendingChanges"
)

// Tables lists every table of the local store in a stable order.
var Tables = []Table{TablePosts, TableComments, TablePendingChanges}

// Valid reports whether t is a known table.
func (t Table) Valid() bool {
	switch t {
	case TablePosts, TableComments, TablePendingChanges:
		return true
	}
	return false
}

// Row is a whole record stored in a table, keyed by its id.
type Row interface {
	RowID() string
}

// Versioned is a Row carrying a server-assigned version.
type Versioned interface {
	Row
	RowVersion() int
}

// Post is a blog post record.
type Post struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	AuthorID  string    `json:"authorId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int       `json:"version"`
}

// RowID implements Row.
func (p Post) RowID() string { return p.ID }

// RowVersion implements Versioned.
func (p Post) RowVersion() int { return p.Version }

// Comment is a comment attached to a post.
type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"postId"`
	Content   string    `json:"content"`
	AuthorID  string    `json:"authorId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int       `json:"version"`
}

// RowID implements Row.
func (c Comment) RowID() string { return c.ID }

// RowVersion implements Versioned.
func (c Comment) RowVersion() int { return c.Version }

// NewRow returns a pointer to an empty row of the table's type, for decoding.
func NewRow(t Table) (interface{}, bool) {
	switch t {
	case TablePosts:
		return &Post{}, true
	case TableComments:
		return &Comment{}, true
	case TablePendingChanges:
		return &PendingChange{}, true
	}
	return nil, false
}

// Deref turns a decoded row pointer back into the value stored in a table.
func Deref(v interface{}) (Row, bool) {
	switch r := v.(type) {
	case *Post:
		return *r, true
	case *Comment:
		return *r, true
	case *PendingChange:
		return *r, true
	}
	return nil, false
}
