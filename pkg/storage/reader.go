// Package storage reads the PostgreSQL read-model tables that back the
// search indices. The pool is validated before every read and rebuilt when
// the probe fails, so a database restart does not wedge the sync worker.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/jmoiron/sqlx"
)

// ErrNotFound reports that the primary key has no row.
var ErrNotFound = errors.New("row not found")

// Reader serves point reads against the read-model tables.
type Reader struct {
	cfg Config
	log *slog.Logger

	mu sync.Mutex
	db *sqlx.DB
}

// New opens the pool, verifies connectivity and applies the read-model
// migrations when cfg.AutoMigrate is set.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Reader, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Reader{cfg: cfg, log: log}

	db, err := r.open(ctx)
	if err != nil {
		return nil, err
	}
	r.db = db

	if cfg.AutoMigrate {
		if err := runMigrations(db.DB, cfg.Database); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying read-model migrations: %w", err)
		}
		log.Info("Read-model migrations applied", "database", cfg.Database)
	}
	return r, nil
}

// ReadRow fetches one row by primary key and returns it as a column map with
// JSON columns decoded. Returns ErrNotFound when the id has no row; any
// other failure gets one reconnect-and-retry before giving up.
func (r *Reader) ReadRow(ctx context.Context, table, id string) (map[string]any, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, fmt.Errorf("database unavailable: %w", err)
	}
	row, err := r.readOnce(ctx, table, id)
	if err == nil || errors.Is(err, ErrNotFound) {
		return row, err
	}

	r.log.Warn("Read failed, reconnecting and retrying",
		"table", table,
		"document_id", id,
		"error", err)
	if err := r.ensure(ctx); err != nil {
		return nil, fmt.Errorf("database unavailable: %w", err)
	}
	return r.readOnce(ctx, table, id)
}

// DB exposes the underlying pool for health checks and direct queries.
func (r *Reader) DB() *sqlx.DB {
	return r.pool()
}

// Close releases the pool.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func (r *Reader) readOnce(ctx context.Context, table, id string) (map[string]any, error) {
	// Table names come from the static index mapping, never from the wire.
	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s = $1`, table, primaryKey(table))

	row := map[string]any{}
	if err := r.pool().QueryRowxContext(ctx, query, id).MapScan(row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s[%s]: %w", table, id, err)
	}
	return normalizeRow(row), nil
}

func (r *Reader) pool() *sqlx.DB {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db
}

// ensure probes the pool and rebuilds it when the probe fails.
func (r *Reader) ensure(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db != nil {
		var one int
		err := r.db.GetContext(ctx, &one, "SELECT 1")
		if err == nil {
			return nil
		}
		r.log.Warn("Database health check failed, rebuilding pool", "error", err)
		_ = r.db.Close()
		r.db = nil
	}

	db, err := r.open(ctx)
	if err != nil {
		return err
	}
	r.db = db
	return nil
}

func (r *Reader) open(ctx context.Context) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=10",
		r.cfg.Host, r.cfg.Port, r.cfg.User, r.cfg.Password, r.cfg.Database, r.cfg.SSLMode,
	)
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(r.cfg.MaxOpenConns)
	db.SetMaxIdleConns(r.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(r.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(r.cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	r.log.Info("Database pool ready",
		"host", r.cfg.Host,
		"port", r.cfg.Port,
		"database", r.cfg.Database)
	return db, nil
}

// primaryKey returns the key column for a read-model table.
func primaryKey(table string) string {
	switch table {
	case "read_model_media_search":
		return "media_id"
	case "read_model_post_search":
		return "post_id"
	case "read_model_user_search", "read_model_recommendations_knn", "read_model_feed_personalized":
		return "user_id"
	case "read_model_face_search", "read_model_known_faces":
		return "face_id"
	default:
		return "id"
	}
}

// normalizeRow turns driver-level values into plain Go values: byte slices
// carrying JSON (jsonb columns) are decoded, any other byte slice becomes a
// string. Text columns holding encoded vectors stay strings; the caller
// decides what to parse.
func normalizeRow(row map[string]any) map[string]any {
	for key, value := range row {
		b, ok := value.([]byte)
		if !ok {
			continue
		}
		var decoded any
		if err := json.Unmarshal(b, &decoded); err == nil {
			row[key] = decoded
		} else {
			row[key] = string(b)
		}
	}
	return row
}
