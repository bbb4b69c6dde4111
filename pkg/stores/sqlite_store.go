package stores

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"golang.org/x/crypto/chacha20poly1305"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a key or program id has no record.
var ErrNotFound = errors.New("not found")

// KeySize is the required encryption key length in bytes.
const KeySize = chacha20poly1305.KeySize

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// EncryptionKey is the 32-byte key sealing secure_data values. Either
	// EncryptionKey or Passphrase must be set.
	EncryptionKey []byte

	// Passphrase derives the key when EncryptionKey is empty.
	Passphrase string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteStore persists secure values and archived programs. Secure values
// are sealed with XChaCha20-Poly1305 before they reach the database file, so
// a copied flash image does not expose them.
type SQLiteStore struct {
	db   *sql.DB
	path string
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// KeyFromPassphrase derives a 32-byte encryption key.
func KeyFromPassphrase(passphrase string) []byte {
	sum := sha256.Sum256([]byte("luminode-secure-store:" + passphrase))
	return sum[:]
}

// NewSQLiteStore creates a store instance. Init must be called before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	key := cfg.EncryptionKey
	if len(key) == 0 && cfg.Passphrase != "" {
		key = KeyFromPassphrase(cfg.Passphrase)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &SQLiteStore{
		path: cfg.Path,
		aead: aead,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Store seals and upserts a secure value.
func (s *SQLiteStore) Store(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	// The key is bound as additional data so records swapped between rows
	// fail to open.
	ciphertext := s.aead.Seal(nil, nonce, []byte(value), []byte(key))

	query := `
		INSERT INTO secure_data (key, nonce, ciphertext, created_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			nonce = excluded.nonce,
			ciphertext = excluded.ciphertext,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, key, nonce, ciphertext); err != nil {
		return fmt.Errorf("failed to store secure value: %w", err)
	}
	return nil
}

// Load opens and returns a secure value.
func (s *SQLiteStore) Load(ctx context.Context, key string) (string, error) {
	query := `SELECT nonce, ciphertext FROM secure_data WHERE key = ?`

	var nonce, ciphertext []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&nonce, &ciphertext)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("secure value %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load secure value: %w", err)
	}

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secure value %q: %w", key, err)
	}
	return string(plaintext), nil
}

// Delete removes a secure value.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM secure_data WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete secure value: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("secure value %q: %w", key, ErrNotFound)
	}
	return nil
}

// Keys lists the stored keys in sorted order.
func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secure_data ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list secure keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return keys, nil
}

// Entries lists secure store metadata.
func (s *SQLiteStore) Entries(ctx context.Context) ([]*SecureEntry, error) {
	query := `SELECT key, created_at, updated_at FROM secure_data ORDER BY key ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	entries := []*SecureEntry{}
	for rows.Next() {
		entry := &SecureEntry{}
		if err := rows.Scan(&entry.Key, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// ArchiveProgram upserts a program for reload after restart.
func (s *SQLiteStore) ArchiveProgram(ctx context.Context, p *ArchivedProgram) error {
	query := `
		INSERT INTO programs (id, name, version, source, checksum, auto_start, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			source = excluded.source,
			checksum = excluded.checksum,
			auto_start = excluded.auto_start,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.Version, p.Source, p.Checksum, p.AutoStart)
	if err != nil {
		return fmt.Errorf("failed to archive program: %w", err)
	}
	return nil
}

// GetProgram retrieves an archived program by id.
func (s *SQLiteStore) GetProgram(ctx context.Context, id string) (*ArchivedProgram, error) {
	query := `
		SELECT id, name, version, source, checksum, auto_start, created_at, updated_at
		FROM programs
		WHERE id = ?
	`

	p := &ArchivedProgram{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.Version,
		&p.Source,
		&p.Checksum,
		&p.AutoStart,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("program %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get program: %w", err)
	}
	return p, nil
}

// ListPrograms lists archived programs ordered by id.
func (s *SQLiteStore) ListPrograms(ctx context.Context) ([]*ArchivedProgram, error) {
	query := `
		SELECT id, name, version, source, checksum, auto_start, created_at, updated_at
		FROM programs
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list programs: %w", err)
	}
	defer rows.Close()

	programs := []*ArchivedProgram{}
	for rows.Next() {
		p := &ArchivedProgram{}
		err := rows.Scan(
			&p.ID,
			&p.Name,
			&p.Version,
			&p.Source,
			&p.Checksum,
			&p.AutoStart,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan program: %w", err)
		}
		programs = append(programs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating programs: %w", err)
	}
	return programs, nil
}

// DeleteProgram removes an archived program.
func (s *SQLiteStore) DeleteProgram(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM programs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete program: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("program %q: %w", id, ErrNotFound)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
