package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	LockBackendFile   = "file"
	LockBackendSQLite = "sqlite"
)

// reclaimTimeout bounds how long a reclaim lock may exist before it is considered abandoned.
const reclaimTimeout = time.Minute

// ErrLockNotHeld is returned by Release when the lock was reclaimed by another holder.
var ErrLockNotHeld = errors.New("run lock is not held by this process")

// RunGuard admits at most one run at a time across processes.
type RunGuard interface {
	// TryAcquire never blocks waiting for another holder: it grants or denies immediately.
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RunLock is what a holder records about itself.
type RunLock struct {
	Holder     string    `json:"holder"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func newRunLock(holder string, now time.Time) RunLock {
	host, _ := os.Hostname()
	return RunLock{Holder: holder, PID: os.Getpid(), Host: host, AcquiredAt: now.UTC()}
}

// FileRunGuard is a lock file created with O_EXCL. A lock older than MaxRunDuration
// is treated as abandoned: it is removed and creation is retried.
type FileRunGuard struct {
	Path           string
	MaxRunDuration time.Duration
	Holder         string
	Logger         *slog.Logger
	Clock          func() time.Time
	// OnReclaim, when set, observes every stale lock taken over.
	OnReclaim func(previous RunLock)
}

// NewFileRunGuard returns a guard with a fresh holder id.
func NewFileRunGuard(path string, maxRunDuration time.Duration, logger *slog.Logger) *FileRunGuard {
	return &FileRunGuard{
		Path:           path,
		MaxRunDuration: maxRunDuration,
		Holder:         uuid.NewString(),
		Logger:         logger,
	}
}

func (g *FileRunGuard) now() time.Time {
	if g.Clock != nil {
		return g.Clock()
	}
	return time.Now()
}

func (g *FileRunGuard) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func (g *FileRunGuard) TryAcquire(ctx context.Context) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(g.Path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create lock directory %w", err)
	}
	// two rounds: the second follows a reclaim or a lock released while we looked at it
	for round := 0; round < 2; round++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		err := g.create()
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return false, fmt.Errorf("failed to create lock file %w", err)
		}

		held, age, err := g.read(g.Path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return false, err
		}
		if age <= g.MaxRunDuration {
			g.logger().Debug("run lock held", "holder", held.Holder, "age", age)
			return false, nil
		}
		reclaimed, err := g.reclaim(held)
		if err != nil {
			return false, err
		}
		if !reclaimed {
			return false, nil
		}
		if g.OnReclaim != nil {
			g.OnReclaim(held)
		}
		g.logger().Warn("recovered stale run lock",
			"path", g.Path, "previous_holder", held.Holder, "previous_pid", held.PID,
			"previous_host", held.Host, "age", age.String())
	}
	return false, nil
}

func (g *FileRunGuard) create() error {
	f, err := os.OpenFile(g.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	encodeErr := json.NewEncoder(f).Encode(newRunLock(g.Holder, g.now()))
	closeErr := f.Close()
	if err = errors.Join(encodeErr, closeErr); err != nil {
		_ = os.Remove(g.Path)
		return fmt.Errorf("failed to write lock file %w", err)
	}
	return nil
}

// read returns the lock at path and its age. A lock whose content cannot be decoded,
// for example one left half written by a crash, is aged by its modification time.
func (g *FileRunGuard) read(path string) (RunLock, time.Duration, error) {
	var lock RunLock
	info, err := os.Stat(path)
	if err != nil {
		return lock, 0, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return lock, 0, err
	}
	acquiredAt := info.ModTime()
	if json.Unmarshal(b, &lock) == nil && !lock.AcquiredAt.IsZero() {
		acquiredAt = lock.AcquiredAt
	}
	return lock, g.now().Sub(acquiredAt), nil
}

// reclaim removes the stale lock while holding a reclaim lock, after checking that the
// file still belongs to the stale holder. Only one process reclaims at a time; the
// others are denied and retry on their next invocation.
func (g *FileRunGuard) reclaim(stale RunLock) (bool, error) {
	mutex := g.Path + ".reclaim"
	f, err := os.OpenFile(mutex, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		g.clearAbandonedReclaim(mutex)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create reclaim lock %w", err)
	}
	_ = f.Close()
	defer os.Remove(mutex)

	held, age, err := g.read(g.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if held.Holder != stale.Holder || age <= g.MaxRunDuration {
		return false, nil
	}
	if err = os.Remove(g.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to remove stale lock file %w", err)
	}
	return true, nil
}

// clearAbandonedReclaim removes a reclaim lock left by a process that died while reclaiming.
func (g *FileRunGuard) clearAbandonedReclaim(mutex string) {
	info, err := os.Stat(mutex)
	if err == nil && g.now().Sub(info.ModTime()) > reclaimTimeout {
		g.logger().Warn("removing abandoned reclaim lock", "path", mutex)
		_ = os.Remove(mutex)
	}
}

func (g *FileRunGuard) Release(ctx context.Context) error {
	held, _, err := g.read(g.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrLockNotHeld
	}
	if err != nil {
		return err
	}
	if held.Holder != g.Holder {
		return ErrLockNotHeld
	}
	if err = os.Remove(g.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file %w", err)
	}
	return nil
}
