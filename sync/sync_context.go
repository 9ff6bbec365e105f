package sync

import (
	"log/slog"
	"net/http"
	"time"
)

// SyncContext holds the configuration and collaborators shared by one engine.
// It is immutable after construction.
type SyncContext struct {
	Config         Config
	RecordRequests bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Transport replaces the HTTP transport of both adapters, mainly for tests.
	Transport http.RoundTripper
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (s *SyncContext) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *SyncContext) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// WithLogger returns a copy of the context logging through l.
func (s *SyncContext) WithLogger(l *slog.Logger) *SyncContext {
	c := *s
	c.Logger = l
	return &c
}
