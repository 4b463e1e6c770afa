package mediacache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"

	_ "modernc.org/sqlite"
)

// DefaultDSN keeps the fragment table in a private in-memory database so
// nothing outlives the process.
const DefaultDSN = "file:difybot-fragments?mode=memory&cache=shared"

// SQLiteStore implements Store on SQLite. A file DSN lets several bot
// processes behind one webhook share fragments.
type SQLiteStore struct {
	db         *sql.DB
	maxEntries int
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewSQLiteStore(dsn string, maxEntries int, ttl time.Duration, logger *slog.Logger) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if !strings.HasPrefix(dsn, "file:") {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create cache directory %s: %w", dir, err)
		}
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open fragment cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, maxEntries: maxEntries, ttl: ttl, logger: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("fragment cache migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fragments (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		group_key   TEXT NOT NULL,
		chat_id     INTEGER NOT NULL,
		message_id  INTEGER NOT NULL,
		payload     TEXT NOT NULL,
		created_at  INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_fragments_msg ON fragments(group_key, message_id);
	CREATE INDEX IF NOT EXISTS idx_fragments_time ON fragments(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Record(ctx context.Context, f domain.Fragment) (int, error) {
	key := KeyOf(f)
	payload, err := json.Marshal(f)
	if err != nil {
		return 0, fmt.Errorf("encode fragment: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO fragments (group_key, chat_id, message_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		key.String(), f.ChatID, f.MessageID, string(payload), s.now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("record fragment: %w", err)
	}
	return s.Count(ctx, key)
}

func (s *SQLiteStore) Count(ctx context.Context, key Key) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fragments WHERE group_key = ? AND created_at >= ?`,
		key.String(), s.cutoff(),
	).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Fragments(ctx context.Context, key Key) ([]domain.Fragment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM fragments
		 WHERE group_key = ? AND created_at >= ?
		 ORDER BY seq ASC`,
		key.String(), s.cutoff(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Fragment
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var f domain.Fragment
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			s.logger.Warn("skipping undecodable cached fragment", "group", key.String(), "err", err)
			continue
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Prune deletes expired rows and keeps only the maxEntries most recently
// written groups. It returns the number of deleted rows.
func (s *SQLiteStore) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fragments WHERE created_at < ?`, s.cutoff())
	if err != nil {
		return 0, fmt.Errorf("prune expired fragments: %w", err)
	}
	expired, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM fragments WHERE group_key NOT IN (
			SELECT group_key FROM fragments
			GROUP BY group_key
			ORDER BY MAX(seq) DESC
			LIMIT ?
		)`, s.maxEntries,
	)
	if err != nil {
		return expired, fmt.Errorf("trim fragment groups: %w", err)
	}
	trimmed, _ := res.RowsAffected()
	return expired + trimmed, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) cutoff() int64 {
	return s.now().Add(-s.ttl).UnixNano()
}
