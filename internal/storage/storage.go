// Package storage provides SQLite-backed persistence for guild watchlists.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rewired-gh/kalshibot/internal/models"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database holding every guild's watchlist.
type Storage struct {
	db *sql.DB

	mu     sync.Mutex
	guilds map[int64]*sync.Mutex
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/kalshibot/watches.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "kalshibot", "watches.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an already opened database and ensures the schema exists.
func NewWithDB(db *sql.DB) (*Storage, error) {
	s := &Storage{db: db, guilds: make(map[int64]*sync.Mutex)}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS watches (
		guild_id        INTEGER NOT NULL,
		ticker          TEXT NOT NULL,
		threshold_cents INTEGER,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		PRIMARY KEY (guild_id, ticker)
	)`,
	`CREATE TABLE IF NOT EXISTS alert_chats (
		guild_id   INTEGER PRIMARY KEY,
		chat_id    INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_watches_threshold ON watches(threshold_cents) WHERE threshold_cents IS NOT NULL`,
}

func (s *Storage) createTables() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// lockGuild serializes writes for one guild. Guilds never block each other.
func (s *Storage) lockGuild(guildID int64) func() {
	s.mu.Lock()
	l, ok := s.guilds[guildID]
	if !ok {
		l = &sync.Mutex{}
		s.guilds[guildID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func validateWatch(ticker string, threshold *int) error {
	if strings.TrimSpace(ticker) == "" {
		return fmt.Errorf("%w: ticker must not be empty", models.ErrValidation)
	}
	if threshold != nil && (*threshold < 0 || *threshold > 100) {
		return fmt.Errorf("%w: threshold must be between 0 and 100 cents, got %d", models.ErrValidation, *threshold)
	}
	return nil
}

// AddWatch upserts a watch entry. Re-watching a ticker overwrites its threshold.
func (s *Storage) AddWatch(guildID int64, ticker string, threshold *int) error {
	ticker = models.NormalizeTicker(ticker)
	if err := validateWatch(ticker, threshold); err != nil {
		return err
	}

	unlock := s.lockGuild(guildID)
	defer unlock()

	var thr sql.NullInt64
	if threshold != nil {
		thr = sql.NullInt64{Int64: int64(*threshold), Valid: true}
	}
	now := time.Now().UnixNano()
	_, err := s.db.Exec(`
		INSERT INTO watches (guild_id, ticker, threshold_cents, created_at, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (guild_id, ticker) DO UPDATE SET
			threshold_cents = excluded.threshold_cents,
			updated_at      = excluded.updated_at`,
		guildID, ticker, thr, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save watch: %w", err)
	}
	return nil
}

// RemoveWatch deletes a watch entry and reports whether one existed.
func (s *Storage) RemoveWatch(guildID int64, ticker string) (bool, error) {
	ticker = models.NormalizeTicker(ticker)
	if ticker == "" {
		return false, fmt.Errorf("%w: ticker must not be empty", models.ErrValidation)
	}

	unlock := s.lockGuild(guildID)
	defer unlock()

	res, err := s.db.Exec(`DELETE FROM watches WHERE guild_id = ? AND ticker = ?`, guildID, ticker)
	if err != nil {
		return false, fmt.Errorf("failed to delete watch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete watch: %w", err)
	}
	return n > 0, nil
}

// ListWatches returns one guild's watch entries ordered by ticker.
func (s *Storage) ListWatches(guildID int64) ([]models.WatchEntry, error) {
	rows, err := s.db.Query(`
		SELECT ticker, threshold_cents FROM watches
		WHERE guild_id = ? ORDER BY ticker`, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query watches: %w", err)
	}
	defer rows.Close()

	entries := []models.WatchEntry{}
	for rows.Next() {
		var e models.WatchEntry
		var thr sql.NullInt64
		if err := rows.Scan(&e.Ticker, &thr); err != nil {
			return nil, fmt.Errorf("failed to scan watch: %w", err)
		}
		if thr.Valid {
			e.ThresholdCents = models.Cents(int(thr.Int64))
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AllWatches returns every guild's watch entries keyed by guild id.
func (s *Storage) AllWatches() (map[int64][]models.WatchEntry, error) {
	rows, err := s.db.Query(`SELECT guild_id, ticker, threshold_cents FROM watches ORDER BY guild_id, ticker`)
	if err != nil {
		return nil, fmt.Errorf("failed to query watches: %w", err)
	}
	defer rows.Close()

	all := make(map[int64][]models.WatchEntry)
	for rows.Next() {
		var guildID int64
		var e models.WatchEntry
		var thr sql.NullInt64
		if err := rows.Scan(&guildID, &e.Ticker, &thr); err != nil {
			return nil, fmt.Errorf("failed to scan watch: %w", err)
		}
		if thr.Valid {
			e.ThresholdCents = models.Cents(int(thr.Int64))
		}
		all[guildID] = append(all[guildID], e)
	}
	return all, rows.Err()
}

// SetAlertChat routes a guild's alerts to chatID.
func (s *Storage) SetAlertChat(guildID, chatID int64) error {
	unlock := s.lockGuild(guildID)
	defer unlock()

	_, err := s.db.Exec(`
		INSERT INTO alert_chats (guild_id, chat_id, updated_at) VALUES (?,?,?)
		ON CONFLICT (guild_id) DO UPDATE SET
			chat_id    = excluded.chat_id,
			updated_at = excluded.updated_at`,
		guildID, chatID, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save alert chat: %w", err)
	}
	return nil
}

// AlertChat returns the chat a guild's alerts go to. Without an explicit
// setting the guild's own chat is used.
func (s *Storage) AlertChat(guildID int64) (int64, error) {
	var chatID int64
	err := s.db.QueryRow(`SELECT chat_id FROM alert_chats WHERE guild_id = ?`, guildID).Scan(&chatID)
	if err == sql.ErrNoRows {
		return guildID, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load alert chat: %w", err)
	}
	return chatID, nil
}
