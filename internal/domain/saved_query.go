package domain

import "time"

// SavedQuery is a user-stored SQL body bound to a database.
type SavedQuery struct {
	ID         string
	UserID     int64
	DatabaseID int64
	Schema     string
	Label      string
	SQL        string
	LastRun    *time.Time
	Rows       *int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
