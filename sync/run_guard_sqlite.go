package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const leaseSchema = `
CREATE TABLE IF NOT EXISTS run_lease (
	name        TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	pid         INTEGER NOT NULL,
	host        TEXT NOT NULL,
	acquired_at INTEGER NOT NULL
)`

// SQLiteRunGuard keeps the lock as a lease row. Transactions start with BEGIN IMMEDIATE,
// so two processes deciding over the same row are serialised by SQLite's write lock.
type SQLiteRunGuard struct {
	db             *sql.DB
	Name           string
	MaxRunDuration time.Duration
	Holder         string
	Logger         *slog.Logger
	Clock          func() time.Time
	// OnReclaim, when set, observes every stale lock taken over.
	OnReclaim func(previous RunLock)
}

// OpenSQLiteRunGuard opens (creating if needed) the lease database at path.
func OpenSQLiteRunGuard(path, name string, maxRunDuration time.Duration, logger *slog.Logger) (*SQLiteRunGuard, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lease directory %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open lease database %w", err)
	}
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to lease database %w", err)
	}
	if _, err = db.Exec(leaseSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create lease table %w", err)
	}
	if name == "" {
		name = "hbnsync"
	}
	return &SQLiteRunGuard{
		db:             db,
		Name:           name,
		MaxRunDuration: maxRunDuration,
		Holder:         uuid.NewString(),
		Logger:         logger,
	}, nil
}

func (g *SQLiteRunGuard) now() time.Time {
	if g.Clock != nil {
		return g.Clock()
	}
	return time.Now()
}

func (g *SQLiteRunGuard) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func (g *SQLiteRunGuard) TryAcquire(ctx context.Context) (granted bool, err error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin lease transaction %w", err)
	}
	defer func() {
		if !granted {
			_ = tx.Rollback()
		}
	}()

	var (
		held       RunLock
		acquiredAt int64
		stale      *RunLock
		staleAge   time.Duration
	)
	err = tx.QueryRowContext(ctx,
		`SELECT holder, pid, host, acquired_at FROM run_lease WHERE name = ?`, g.Name).
		Scan(&held.Holder, &held.PID, &held.Host, &acquiredAt)
	now := g.now()
	mine := newRunLock(g.Holder, now)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_lease (name, holder, pid, host, acquired_at) VALUES (?, ?, ?, ?, ?)`,
			g.Name, mine.Holder, mine.PID, mine.Host, mine.AcquiredAt.UnixNano())
	case err != nil:
		return false, fmt.Errorf("failed to read lease %w", err)
	default:
		held.AcquiredAt = time.Unix(0, acquiredAt)
		age := now.Sub(held.AcquiredAt)
		if age <= g.MaxRunDuration {
			g.logger().Debug("run lease held", "holder", held.Holder, "age", age)
			return false, nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE run_lease SET holder = ?, pid = ?, host = ?, acquired_at = ? WHERE name = ? AND holder = ?`,
			mine.Holder, mine.PID, mine.Host, mine.AcquiredAt.UnixNano(), g.Name, held.Holder)
		stale = &held
		staleAge = age
	}
	if err != nil {
		return false, fmt.Errorf("failed to write lease %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lease %w", err)
	}
	granted = true

	// reported only once the takeover is durable
	if stale != nil {
		if g.OnReclaim != nil {
			g.OnReclaim(*stale)
		}
		g.logger().Warn("recovered stale run lock",
			"lease", g.Name, "previous_holder", stale.Holder, "previous_pid", stale.PID,
			"previous_host", stale.Host, "age", staleAge.String())
	}
	return true, nil
}

func (g *SQLiteRunGuard) Release(ctx context.Context) error {
	res, err := g.db.ExecContext(ctx, `DELETE FROM run_lease WHERE name = ? AND holder = ?`, g.Name, g.Holder)
	if err != nil {
		return fmt.Errorf("failed to release lease %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (g *SQLiteRunGuard) Close() error {
	return g.db.Close()
}
