// Package sqlite backs the response store with SQLite so beacon results
// survive a proxy restart.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vizbridge/vizbridge/internal/domain"
	"github.com/vizbridge/vizbridge/internal/store"
)

// purgeInterval is how often expired rows are swept.
const purgeInterval = time.Minute

// Store is a SQLite implementation of store.ResponseStore.
type Store struct {
	db        *sql.DB
	ttl       time.Duration
	now       func() time.Time
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ store.ResponseStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the default entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens (or creates) the database at dbPath and starts the purge loop.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:   db,
		ttl:  store.TTL,
		now:  time.Now,
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.wg.Add(1)
	go s.purgeLoop()

	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS responses (
			session_id TEXT PRIMARY KEY,
			envelope TEXT NOT NULL,
			stored_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_responses_expires ON responses(expires_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) purgeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.db.Exec(`DELETE FROM responses WHERE expires_at <= ?`, s.now()); err != nil {
				continue
			}
		}
	}
}

func (s *Store) Put(ctx context.Context, sessionID string, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	now := s.now()
	query := `INSERT INTO responses (session_id, envelope, stored_at, expires_at)
	          VALUES (?, ?, ?, ?)
	          ON CONFLICT(session_id) DO UPDATE SET
	              envelope=excluded.envelope,
	              stored_at=excluded.stored_at,
	              expires_at=excluded.expires_at`

	if _, err := s.db.ExecContext(ctx, query, sessionID, string(data), now, now.Add(s.ttl)); err != nil {
		return fmt.Errorf("failed to store response: %w", err)
	}
	return nil
}

func (s *Store) Take(ctx context.Context, sessionID string) (domain.Envelope, bool, error) {
	// DELETE ... RETURNING makes present-and-delete a single statement, so
	// two racing takers can never both see the row.
	query := `DELETE FROM responses WHERE session_id = ? RETURNING envelope, expires_at`

	var data string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&data, &expiresAt)
	if err == sql.ErrNoRows {
		return domain.Envelope{}, false, nil
	}
	if err != nil {
		return domain.Envelope{}, false, fmt.Errorf("failed to take response: %w", err)
	}

	if !s.now().Before(expiresAt) {
		return domain.Envelope{}, false, nil
	}

	var env domain.Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return domain.Envelope{}, false, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return env, true, nil
}

func (s *Store) Len(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM responses WHERE expires_at > ?`, s.now()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count responses: %w", err)
	}
	return count, nil
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}
