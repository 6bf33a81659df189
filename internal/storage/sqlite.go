package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "callbot/pkg/logx"
)

//go:embed schema.sql
var schema string

// expired dedup rows are swept every pruneEvery writes
const pruneEvery = 256

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	writes atomic.Int64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; the pipeline worker is the only caller anyway
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) AppendPost(ctx context.Context, p PostRecord) error {
	if p.At.IsZero() {
		p.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO post_history (posted_ms, post_id, reply_to, chunk, chunks, driver, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.At.UnixMilli(), p.PostID, p.ReplyTo, p.Index, p.Total, p.Driver, p.Text)
	return err
}

func (s *sqliteStore) RecentPosts(ctx context.Context, limit int) ([]PostRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT posted_ms, post_id, reply_to, chunk, chunks, driver, body
		 FROM post_history ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PostRecord
	for rows.Next() {
		var (
			p  PostRecord
			ms int64
		)
		if err := rows.Scan(&ms, &p.PostID, &p.ReplyTo, &p.Index, &p.Total, &p.Driver, &p.Text); err != nil {
			return nil, err
		}
		p.At = time.UnixMilli(ms).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_calls (call_id, expires_ms) VALUES (?, ?)
		 ON CONFLICT (call_id) DO UPDATE SET expires_ms = excluded.expires_ms`,
		key, until.UnixMilli()); err != nil {
		return err
	}
	if s.writes.Add(1)%pruneEvery == 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM seen_calls WHERE expires_ms < ?`, time.Now().UnixMilli())
		if err != nil {
			s.log.Debug("dedup sweep failed", logx.Err(err))
		} else if n, _ := res.RowsAffected(); n > 0 {
			s.log.Debug("dedup sweep", logx.Int64("removed", n))
		}
	}
	return nil
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT expires_ms FROM seen_calls WHERE call_id = ?`, key).Scan(&ms)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
