package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty, "none" or "memory", nothing is persisted.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ChatRecord is the persisted form of a registry chat.
type ChatRecord struct {
	ChatID       int64     `json:"chat_id"`
	Kind         string    `json:"kind"`
	Title        string    `json:"title,omitempty"`
	Username     string    `json:"username,omitempty"`
	FirstAdded   time.Time `json:"first_added"`
	LastActivity time.Time `json:"last_activity"`
	Active       bool      `json:"active"`
	RemovedAt    time.Time `json:"removed_at,omitzero"`
}

// UserRecord is the persisted form of a registry user.
type UserRecord struct {
	UserID       int64     `json:"user_id"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	Username     string    `json:"username,omitempty"`
	LanguageCode string    `json:"language_code,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	MessageCount int       `json:"message_count"`
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            int       `json:"ok"`
	Fail          int       `json:"fail"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
	MetaJSON      string    `json:"meta,omitempty"`
}
