package sync

import (
	"fmt"
	"log/slog"
	"strings"
)

const (
	ExitOK           = 0
	ExitFailed       = 1
	ExitSoftFailures = 2
)

// ExitPolicy decides whether soft record failures change the exit code.
type ExitPolicy string

const (
	// ExitPolicyStrict exits ExitSoftFailures when a Done run has record failures.
	ExitPolicyStrict ExitPolicy = "strict"
	// ExitPolicyLenient exits ExitOK for any Done run.
	ExitPolicyLenient ExitPolicy = "lenient"
)

func ParseExitPolicy(s string) (ExitPolicy, error) {
	switch ExitPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ExitPolicyStrict:
		return ExitPolicyStrict, nil
	case ExitPolicyLenient:
		return ExitPolicyLenient, nil
	}
	return "", fmt.Errorf("unsupported exit policy %q (strict|lenient)", s)
}

// Reporter turns a RunSummary into log lines, metrics and an exit code.
type Reporter struct {
	Logger  *slog.Logger
	Policy  ExitPolicy
	Metrics *Metrics
}

// ExitCode is the process exit code for a finished run.
func (r Reporter) ExitCode(s RunSummary) int {
	if s.State != StateDone {
		return ExitFailed
	}
	if s.Failed() > 0 && r.Policy != ExitPolicyLenient {
		return ExitSoftFailures
	}
	return ExitOK
}

// Report logs the summary, updates metrics and returns the exit code.
func (r Reporter) Report(s RunSummary) int {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run_id", s.RunID)

	attrs := []any{
		"state", s.State.String(),
		"fetched", s.Fetched,
		"inserted", s.Inserted,
		"updated", s.Updated,
		"skipped", s.Skipped,
		"acknowledged", s.Acknowledged,
		"failed", s.Failed(),
		"duration", s.Duration().String(),
	}
	if s.State == StateFailed {
		attrs = append(attrs, "failed_phase", s.FailedPhase.String(), "cause", s.Cause)
		if kind := KindOf(s.Cause); kind != KindUnknown {
			attrs = append(attrs, "kind", kind.String())
		}
		logger.Error("run summary", attrs...)
	} else if s.Failed() > 0 {
		logger.Warn("run summary", attrs...)
	} else {
		logger.Info("run summary", attrs...)
	}

	if r.Metrics != nil {
		r.Metrics.Observe(s)
	}
	return r.ExitCode(s)
}
