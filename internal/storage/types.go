package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot files (admins + per-user channels)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Channel is one registered broadcast destination.
// ChatID is the resolved Telegram chat id (stable); Name is the @username
// captured at registration time (display only, may go stale).
type Channel struct {
	ChatID  int64     `json:"chat_id"`
	Name    string    `json:"name"`
	AddedAt time.Time `json:"added_at"`
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time
	ActorID int64
	Action  string
	Target  string
	OK      int
	Fail    int
	Error   string
	TookMS  int64
}
