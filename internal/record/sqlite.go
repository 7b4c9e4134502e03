package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the data dir.
const DefaultDBFileName = "warplink.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS records (
  id               TEXT PRIMARY KEY,
  name             TEXT NOT NULL,
  size             INTEGER NOT NULL,
  type             TEXT NOT NULL DEFAULT '',
  download_url     TEXT NOT NULL DEFAULT '',
  storage_path     TEXT NOT NULL DEFAULT '',
  created_at       INTEGER NOT NULL,
  expires_at       INTEGER NOT NULL DEFAULT 0,
  download_count   INTEGER NOT NULL DEFAULT 0,
  offer            TEXT NOT NULL DEFAULT '',
  answer           TEXT NOT NULL DEFAULT ''
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_records_expires_at
ON records (expires_at);
`,
	`
ALTER TABLE records ADD COLUMN owner_token_hash TEXT NOT NULL DEFAULT '';
`,
}

const recordColumns = `id, name, size, type, download_url, storage_path, created_at,
  expires_at, download_count, offer, answer, owner_token_hash`

// SQLiteStore persists records in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	broker *Broker

	// mu serializes writes so change notifications leave in commit order.
	mu        sync.Mutex
	closeOnce sync.Once
	now       func() time.Time
}

// OpenSQLite opens (or creates) the database under dataDir and runs migrations.
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return OpenSQLitePath(filepath.Join(dataDir, DefaultDBFileName))
}

// OpenSQLitePath opens SQLite at an explicit path.
func OpenSQLitePath(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &SQLiteStore{db: db, broker: NewBroker(), now: time.Now}
	if err := s.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.Name, &r.Size, &r.Type, &r.DownloadURL, &r.StoragePath,
		&r.CreatedAt, &r.ExpiresAt, &r.DownloadCount, &r.Offer, &r.Answer, &r.OwnerTokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) Create(ctx context.Context, r Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r = prepare(r, s.now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO records (`+recordColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.ID, r.Name, r.Size, r.Type, r.DownloadURL, r.StoragePath, r.CreatedAt,
		r.ExpiresAt, r.DownloadCount, r.Offer, r.Answer, r.OwnerTokenHash)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return Record{}, ErrExists
		}
		return Record{}, fmt.Errorf("insert record: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	return s.get(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q queryer, id string) (Record, error) {
	r, err := scanRecord(q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?;`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	if r.Expired(s.now()) {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *SQLiteStore) UpdateFields(ctx context.Context, id string, p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	r, err := s.get(ctx, tx, id)
	if err != nil {
		return err
	}
	changed, err := applyPatch(&r, p)
	if err != nil || !changed {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET offer = ?, answer = ? WHERE id = ?;`, r.Offer, r.Answer, id); err != nil {
		return fmt.Errorf("update signaling fields: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}

	s.broker.Publish(r)
	return nil
}

func (s *SQLiteStore) IncrementDownloadCount(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(ctx, s.db, id); err != nil {
		return 0, err
	}
	var count int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE records SET download_count = download_count + 1 WHERE id = ? RETURNING download_count;`,
		id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment download count: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeExpired removes records whose expiry is before now and returns them.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+` FROM records
WHERE expires_at > 0 AND expires_at <= ?;`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list expired records: %w", err)
	}
	var expired []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan expired record: %w", err)
		}
		expired = append(expired, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE expires_at > 0 AND expires_at <= ?;`, now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("purge expired records: %w", err)
	}
	return expired, nil
}

func (s *SQLiteStore) Subscribe(ctx context.Context, id string, fn func(Record)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return s.broker.Subscribe(id, &r, fn), nil
}

func (s *SQLiteStore) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.broker.Close()
		closeErr = s.db.Close()
	})
	return closeErr
}
