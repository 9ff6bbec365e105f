package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

const journalSocket = "/run/systemd/journal/socket"

type LoggerOptions struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	Writer io.Writer
	// Journal forces the journal handler on or off; nil detects it.
	Journal *bool
}

// NewLogger builds the process logger: a terminal handler unless running as a
// systemd service, fanned out with a journal handler when the journal is reachable.
func NewLogger(opts LoggerOptions) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	writer := opts.Writer
	if writer == nil {
		writer = os.Stderr
	}

	var handlers []slog.Handler

	// local
	var terminalHandler slog.Handler
	if !isSystemdService() || opts.Journal != nil && !*opts.Journal {
		handlerOptions := &slog.HandlerOptions{Level: level}
		switch strings.ToLower(opts.Format) {
		case "", "text":
			terminalHandler = slog.NewTextHandler(writer, handlerOptions)
		case "json":
			terminalHandler = slog.NewJSONHandler(writer, handlerOptions)
		default:
			return nil, fmt.Errorf("unsupported log format %q (text|json)", opts.Format)
		}
		handlers = append(handlers, terminalHandler)
	}

	// systemd journal
	useJournal := journalAvailable()
	if opts.Journal != nil {
		useJournal = *opts.Journal
	}
	if useJournal {
		journalHandler, err := slogjournal.NewHandler(&slogjournal.Options{
			ReplaceGroup: func(key string) string {
				return toJournalKey(key)
			},
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				a.Key = toJournalKey(a.Key)
				return a
			},
		})
		if err != nil {
			if terminalHandler != nil {
				record := slog.NewRecord(time.Now(), slog.LevelWarn, "new systemd journal handler", 0)
				record.Add("error", err)
				_ = terminalHandler.Handle(context.Background(), record)
			}
		} else {
			handlers = append(handlers, journalHandler)
		}
	}

	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level}))
	}

	return slog.New(&levelHandler{
		Handler: slogmulti.Fanout(handlers...),
		level:   level,
	}), nil
}

// levelHandler applies the level to every fanned out handler, the journal one included.
type levelHandler struct {
	slog.Handler
	level slog.Leveler
}

func (h *levelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level.Level() && h.Handler.Enabled(ctx, l)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithAttrs(attrs), level: h.level}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithGroup(name), level: h.level}
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unsupported log level %q", s)
}

func toJournalKey(str string) string {
	str = strings.ToUpper(str)
	str = strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' ||
			r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, str)
	return str
}

func journalAvailable() bool {
	_, err := os.Stat(journalSocket)
	return err == nil
}

func isSystemdService() bool {
	content, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return false
	}
	parts := strings.Split(strings.TrimSpace(string(content)), ":")
	if len(parts) >= 3 {
		return strings.HasSuffix(path.Dir(parts[2]), ".service") || strings.HasSuffix(parts[2], ".service")
	}
	return false
}
