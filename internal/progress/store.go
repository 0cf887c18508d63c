// Package progress persists per-book listening positions and a timeline of
// playback transitions.
package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/errs"
	_ "modernc.org/sqlite"
)

// Entry is a position reported by a caller.
type Entry struct {
	BookID          string
	ChapterID       *string
	PositionSeconds float64
}

// Record is a stored position.
type Record struct {
	BookID          string    `json:"bookId"`
	ChapterID       *string   `json:"chapterId"`
	PositionSeconds float64   `json:"positionSeconds"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Event is one playback transition on the timeline.
type Event struct {
	ID              int64     `json:"id"`
	BookID          string    `json:"bookId,omitempty"`
	ChapterID       string    `json:"chapterId,omitempty"`
	Type            string    `json:"type"`
	ProgressSeconds float64   `json:"progressSeconds"`
	Payload         []byte    `json:"-"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Store is backed by SQLite, or by in-memory maps in ephemeral mode.
type Store struct {
	db    *sql.DB
	cfg   config.ProgressConfig
	log   *slog.Logger
	clock func() time.Time

	mu      sync.Mutex
	records map[string]Record
	events  []Event
	nextID  int64
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.ProgressConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With(slog.String("component", "progress-store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now, records: make(map[string]Record)}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("progress store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("progress store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS progress (
    book_id TEXT PRIMARY KEY,
    chapter_id TEXT,
    position_seconds REAL NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS playback_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    book_id TEXT NOT NULL DEFAULT '',
    chapter_id TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    progress_seconds REAL NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_playback_events_book_created ON playback_events(book_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts the position for entry.BookID.
func (s *Store) Save(ctx context.Context, entry Entry) (Record, error) {
	if strings.TrimSpace(entry.BookID) == "" {
		return Record{}, fmt.Errorf("saveProgress: bookId is required: %w", errs.ErrInvalidArgument)
	}
	if entry.PositionSeconds < 0 {
		return Record{}, fmt.Errorf("saveProgress: positionSeconds must be >= 0: %w", errs.ErrInvalidArgument)
	}
	rec := Record{
		BookID:          entry.BookID,
		ChapterID:       entry.ChapterID,
		PositionSeconds: entry.PositionSeconds,
		UpdatedAt:       s.clock().UTC(),
	}

	if s.db == nil {
		s.mu.Lock()
		s.records[rec.BookID] = rec
		s.mu.Unlock()
		return rec, nil
	}

	var chapter sql.NullString
	if rec.ChapterID != nil {
		chapter = sql.NullString{String: *rec.ChapterID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO progress(book_id, chapter_id, position_seconds, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(book_id) DO UPDATE SET chapter_id=excluded.chapter_id,
		   position_seconds=excluded.position_seconds, updated_at=excluded.updated_at`,
		rec.BookID, chapter, rec.PositionSeconds, rec.UpdatedAt.UnixNano())
	if err != nil {
		return Record{}, fmt.Errorf("%w: save progress: %w", errs.ErrIO, err)
	}
	return rec, nil
}

// Get returns the stored position for bookID, or nil when none exists.
func (s *Store) Get(ctx context.Context, bookID string) (*Record, error) {
	if strings.TrimSpace(bookID) == "" {
		return nil, fmt.Errorf("getProgress: bookId is required: %w", errs.ErrInvalidArgument)
	}

	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.records[bookID]
		if !ok {
			return nil, nil
		}
		return &rec, nil
	}

	var (
		chapter sql.NullString
		updated int64
		rec     = Record{BookID: bookID}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT chapter_id, position_seconds, updated_at FROM progress WHERE book_id = ?`, bookID).
		Scan(&chapter, &rec.PositionSeconds, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get progress: %w", errs.ErrIO, err)
	}
	if chapter.Valid {
		c := chapter.String
		rec.ChapterID = &c
	}
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return &rec, nil
}

// AppendEvent writes a playback transition to the timeline.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}

	if s.db == nil {
		s.mu.Lock()
		s.nextID++
		evt.ID = s.nextID
		s.events = append(s.events, evt)
		s.mu.Unlock()
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO playback_events(book_id, chapter_id, event_type, progress_seconds, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.BookID, evt.ChapterID, evt.Type, evt.ProgressSeconds, evt.Payload, evt.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: append event: %w", errs.ErrIO, err)
	}
	return nil
}

// ListEvents returns up to limit events ordered oldest first. An empty bookID
// lists events across all books.
func (s *Store) ListEvents(ctx context.Context, bookID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		var out []Event
		for _, e := range s.events {
			if bookID == "" || e.BookID == bookID {
				out = append(out, e)
			}
		}
		if len(out) > limit {
			out = out[len(out)-limit:]
		}
		return out, nil
	}

	query := `SELECT id, book_id, chapter_id, event_type, progress_seconds, payload, created_at FROM (
		SELECT * FROM playback_events WHERE (? = '' OR book_id = ?) ORDER BY created_at DESC, id DESC LIMIT ?
	) ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, bookID, bookID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %w", errs.ErrIO, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			created int64
		)
		if err := rows.Scan(&e.ID, &e.BookID, &e.ChapterID, &e.Type, &e.ProgressSeconds, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies the configured retention to the event timeline.
func (s *Store) Prune(ctx context.Context) error {
	var cutoff time.Time
	if s.cfg.RetentionDays > 0 {
		cutoff = s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	}

	if s.db == nil {
		s.pruneMemory(cutoff)
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if !cutoff.IsZero() {
		if _, err = tx.ExecContext(ctx, `DELETE FROM playback_events WHERE created_at < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEvents > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM playback_events WHERE id NOT IN (
			SELECT id FROM playback_events ORDER BY created_at DESC, id DESC LIMIT ?
		)`, s.cfg.MaxEvents)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func (s *Store) pruneMemory(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	for _, e := range s.events {
		if cutoff.IsZero() || !e.CreatedAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].CreatedAt.Before(kept[j].CreatedAt) })
	if s.cfg.MaxEvents > 0 && len(kept) > s.cfg.MaxEvents {
		kept = append([]Event(nil), kept[len(kept)-s.cfg.MaxEvents:]...)
	}
	s.events = kept
}
