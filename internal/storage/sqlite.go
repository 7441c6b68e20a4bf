package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "chatrelay/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadChats(ctx context.Context) ([]ChatRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, kind, title, username, first_added, last_activity, active, removed_at
		 FROM chats ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatRecord
	for rows.Next() {
		var (
			c                      ChatRecord
			title, user, removedAt sql.NullString
			added, last            string
			active                 int
		)
		if err := rows.Scan(&c.ChatID, &c.Kind, &title, &user, &added, &last, &active, &removedAt); err != nil {
			return nil, err
		}
		c.Title, c.Username = title.String, user.String
		c.FirstAdded, c.LastActivity = parseTime(added), parseTime(last)
		c.Active = active != 0
		c.RemovedAt = parseTime(removedAt.String)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LoadUsers(ctx context.Context) ([]UserRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, first_name, last_name, username, language_code, first_seen, last_seen, message_count
		 FROM users ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserRecord
	for rows.Next() {
		var (
			u                       UserRecord
			first, last, user, lang sql.NullString
			seen, lastSeen          string
		)
		if err := rows.Scan(&u.UserID, &first, &last, &user, &lang, &seen, &lastSeen, &u.MessageCount); err != nil {
			return nil, err
		}
		u.FirstName, u.LastName, u.Username, u.LanguageCode = first.String, last.String, user.String, lang.String
		u.FirstSeen, u.LastSeen = parseTime(seen), parseTime(lastSeen)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutChat(ctx context.Context, c ChatRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats(chat_id, kind, title, username, first_added, last_activity, active, removed_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   kind=excluded.kind, title=excluded.title, username=excluded.username,
		   last_activity=excluded.last_activity, active=excluded.active, removed_at=excluded.removed_at`,
		c.ChatID, c.Kind, nullStr(c.Title), nullStr(c.Username),
		formatTime(c.FirstAdded), formatTime(c.LastActivity), boolInt(c.Active), nullTime(c.RemovedAt),
	)
	return err
}

func (s *sqliteStore) PutUser(ctx context.Context, u UserRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, first_name, last_name, username, language_code, first_seen, last_seen, message_count)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   first_name=excluded.first_name, last_name=excluded.last_name, username=excluded.username,
		   language_code=excluded.language_code, last_seen=excluded.last_seen, message_count=excluded.message_count`,
		u.UserID, nullStr(u.FirstName), nullStr(u.LastName), nullStr(u.Username), nullStr(u.LanguageCode),
		formatTime(u.FirstSeen), formatTime(u.LastSeen), u.MessageCount,
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		formatTime(e.At), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Action, nullStr(e.Target), e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
