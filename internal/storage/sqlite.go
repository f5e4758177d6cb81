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

	"nudgebot/internal/state"
	logx "nudgebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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

func (s *sqliteStore) LoadState(ctx context.Context) (state.Snapshot, error) {
	if s == nil || s.db == nil {
		return state.Snapshot{}, ErrDisabled
	}
	var doc stateDoc

	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'saved_at'`).Scan(&doc.SavedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return state.Snapshot{}, err
	}

	if err := s.each(ctx, `SELECT user_id, conversation_id, COALESCE(origin, ''), last_activity_at, consecutive_sends, awaiting FROM user_records ORDER BY user_id`,
		func(rows *sql.Rows) error {
			var u userDoc
			if err := rows.Scan(&u.UserID, &u.ConversationID, &u.Origin, &u.LastActivityAt, &u.ConsecutiveSends, &u.Awaiting); err != nil {
				return err
			}
			doc.Users = append(doc.Users, u)
			return nil
		}); err != nil {
		return state.Snapshot{}, err
	}

	if err := s.each(ctx, `SELECT user_id, conversation_id, COALESCE(origin, ''), sent_at FROM escalation_history ORDER BY user_id`,
		func(rows *sql.Rows) error {
			var h historyDoc
			if err := rows.Scan(&h.UserID, &h.ConversationID, &h.Origin, &h.SentAt); err != nil {
				return err
			}
			doc.History = append(doc.History, h)
			return nil
		}); err != nil {
		return state.Snapshot{}, err
	}

	if err := s.each(ctx, `SELECT user_id FROM awaiting_reply ORDER BY user_id`, func(rows *sql.Rows) error {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		doc.Awaiting = append(doc.Awaiting, id)
		return nil
	}); err != nil {
		return state.Snapshot{}, err
	}

	markers := map[string]*markerDoc{}
	if err := s.each(ctx, `SELECT family, day FROM daily_markers ORDER BY family`, func(rows *sql.Rows) error {
		var m markerDoc
		if err := rows.Scan(&m.Family, &m.Day); err != nil {
			return err
		}
		doc.Markers = append(doc.Markers, m)
		return nil
	}); err != nil {
		return state.Snapshot{}, err
	}
	for i := range doc.Markers {
		markers[doc.Markers[i].Family] = &doc.Markers[i]
	}
	if err := s.each(ctx, `SELECT family, user_id FROM daily_marker_users ORDER BY family, user_id`, func(rows *sql.Rows) error {
		var family, id string
		if err := rows.Scan(&family, &id); err != nil {
			return err
		}
		if m := markers[family]; m != nil {
			m.Users = append(m.Users, id)
		}
		return nil
	}); err != nil {
		return state.Snapshot{}, err
	}

	if err := s.each(ctx, `SELECT user_id, shared_at FROM sharing_cooldowns ORDER BY user_id`, func(rows *sql.Rows) error {
		var sh shareDoc
		if err := rows.Scan(&sh.UserID, &sh.At); err != nil {
			return err
		}
		doc.Sharing = append(doc.Sharing, sh)
		return nil
	}); err != nil {
		return state.Snapshot{}, err
	}

	p := &timeParser{now: s.now()}
	snap := decodeState(doc, p)
	if p.bad > 0 {
		s.log.Warn("invalid timestamps replaced with load time", logx.Int("count", p.bad))
	}
	return snap, nil
}

func (s *sqliteStore) each(ctx context.Context, query string, fn func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SaveState replaces every state table in one transaction.
func (s *sqliteStore) SaveState(ctx context.Context, snap state.Snapshot) (err error) {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	doc := encodeState(snap)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"user_records", "escalation_history", "awaiting_reply", "daily_markers", "daily_marker_users", "sharing_cooldowns"} {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}

	for _, u := range doc.Users {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO user_records(user_id, conversation_id, origin, last_activity_at, consecutive_sends, awaiting) VALUES(?,?,?,?,?,?)`,
			u.UserID, u.ConversationID, nullStr(u.Origin), u.LastActivityAt, u.ConsecutiveSends, u.Awaiting,
		); err != nil {
			return err
		}
	}
	for _, h := range doc.History {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO escalation_history(user_id, conversation_id, origin, sent_at) VALUES(?,?,?,?)`,
			h.UserID, h.ConversationID, nullStr(h.Origin), h.SentAt,
		); err != nil {
			return err
		}
	}
	for _, id := range doc.Awaiting {
		if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO awaiting_reply(user_id) VALUES(?)`, id); err != nil {
			return err
		}
	}
	for _, m := range doc.Markers {
		if _, err = tx.ExecContext(ctx, `INSERT INTO daily_markers(family, day) VALUES(?,?)`, m.Family, m.Day); err != nil {
			return err
		}
		for _, id := range m.Users {
			if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO daily_marker_users(family, user_id) VALUES(?,?)`, m.Family, id); err != nil {
				return err
			}
		}
	}
	for _, sh := range doc.Sharing {
		if _, err = tx.ExecContext(ctx, `INSERT INTO sharing_cooldowns(user_id, shared_at) VALUES(?,?)`, sh.UserID, sh.At); err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES('saved_at', ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		doc.SavedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, run_id, task_id, family, user_id, outcome, reason, err, took_ms, delay_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		formatTime(e.At), nullStr(e.RunID), nullStr(e.TaskID), e.Family, e.UserID, e.Outcome,
		nullStr(e.Reason), nullStr(e.Error), e.TookMS, e.DelayMS,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
