package storage

import (
	"context"
	"errors"
	"strings"

	logx "chatrelay/pkg/logx"
)

// Store is the persistence API used by the registry and the broadcast service.
type Store interface {
	LoadChats(ctx context.Context) ([]ChatRecord, error)
	LoadUsers(ctx context.Context) ([]UserRecord, error)
	PutChat(ctx context.Context, c ChatRecord) error
	PutUser(ctx context.Context, u UserRecord) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
