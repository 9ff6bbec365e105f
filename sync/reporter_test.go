package sync

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSummary(state RunState, failures int) RunSummary {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := RunSummary{
		RunID:        "r1",
		StartedAt:    started,
		FinishedAt:   started.Add(3 * time.Second),
		State:        state,
		Fetched:      5,
		Inserted:     2,
		Updated:      1,
		Skipped:      1,
		Acknowledged: 3,
	}
	for i := 0; i < failures; i++ {
		s.Failures = append(s.Failures, RecordFailure{
			SourceID: "P9",
			StudyID:  "HBN - Main",
			Phase:    StateWriting,
			Kind:     KindMalformedResponse,
			Err:      errors.New("400 bad request"),
		})
	}
	return s
}

func TestReporter_ExitCode(t *testing.T) {
	failed := testSummary(StateFailed, 0)
	failed.FailedPhase = StateFetching
	failed.Cause = &RemoteError{System: Ripple, Op: "export", Kind: KindRemoteUnavailable, Err: errors.New("502 bad gateway")}

	tests := []struct {
		name    string
		policy  ExitPolicy
		summary RunSummary
		code    int
	}{
		{"done", ExitPolicyStrict, testSummary(StateDone, 0), ExitOK},
		{"done with failures strict", ExitPolicyStrict, testSummary(StateDone, 1), ExitSoftFailures},
		{"done with failures lenient", ExitPolicyLenient, testSummary(StateDone, 1), ExitOK},
		{"failed", ExitPolicyStrict, failed, ExitFailed},
		{"failed lenient", ExitPolicyLenient, failed, ExitFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, Reporter{Policy: tt.policy}.ExitCode(tt.summary))
		})
	}
}

func TestReporter_Report(t *testing.T) {
	var logs bytes.Buffer
	metrics := NewMetrics("")
	r := Reporter{Logger: testLogger(&logs), Policy: ExitPolicyStrict, Metrics: metrics}

	code := r.Report(testSummary(StateDone, 1))

	assert.Equal(t, ExitSoftFailures, code)
	line := logs.String()
	assert.Contains(t, line, `"level":"WARN"`)
	assert.Contains(t, line, `"msg":"run summary"`)
	assert.Contains(t, line, `"run_id":"r1"`)
	assert.Contains(t, line, `"inserted":2`)
	assert.Contains(t, line, `"failed":1`)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.RunRecords.WithLabelValues("inserted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RunRecords.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RunFailures.WithLabelValues("Writing", "MalformedResponse")))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.RunDuration))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.RunFailed))
	assert.NotZero(t, testutil.ToFloat64(metrics.LastSuccess))
}

func TestReporter_ReportFailed(t *testing.T) {
	var logs bytes.Buffer
	metrics := NewMetrics("hbnsync")
	r := Reporter{Logger: testLogger(&logs), Metrics: metrics}
	s := testSummary(StateFailed, 0)
	s.FailedPhase = StateClassifying
	s.Cause = &RemoteError{System: REDCap, Op: "export", Kind: KindAuth, Err: errors.New("403 forbidden")}

	assert.Equal(t, ExitFailed, r.Report(s))
	line := logs.String()
	assert.Contains(t, line, `"level":"ERROR"`)
	assert.Contains(t, line, `"failed_phase":"Classifying"`)
	assert.Contains(t, line, `"kind":"AuthError"`)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RunFailed))
	assert.Zero(t, testutil.ToFloat64(metrics.LastSuccess))
}

func TestParseExitPolicy(t *testing.T) {
	p, err := ParseExitPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ExitPolicyStrict, p)

	p, err = ParseExitPolicy(" Lenient ")
	require.NoError(t, err)
	assert.Equal(t, ExitPolicyLenient, p)

	_, err = ParseExitPolicy("never")
	assert.Error(t, err)
}

func TestMetrics_PublishTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "textfile", "hbnsync.prom")
	metrics := NewMetrics("hbnsync")
	metrics.Observe(testSummary(StateDone, 0))
	metrics.ObserveDenied()

	require.NoError(t, metrics.Publish(MetricsSettings{Namespace: "hbnsync", Textfile: path}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(b)
	assert.Contains(t, content, `hbnsync_run_records{outcome="fetched"} 5`)
	assert.NotContains(t, content, "hbnsync_lock_denied")

	b, err = os.ReadFile(filepath.Join(filepath.Dir(path), "hbnsync_lock.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "hbnsync_lock_denied 1")
	assert.NotContains(t, string(b), "hbnsync_run_records")

	expected := `
# HELP hbnsync_run_failed 1 if the last run ended in the Failed state.
# TYPE hbnsync_run_failed gauge
hbnsync_run_failed 0
`
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry, strings.NewReader(expected), "hbnsync_run_failed"))
}

func TestMetrics_PublishLockLeavesRunMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hbnsync.prom")
	settings := MetricsSettings{Namespace: "hbnsync", Textfile: path}

	metrics := NewMetrics("hbnsync")
	metrics.ObserveDenied()
	require.NoError(t, metrics.PublishLock(settings))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "the run metrics textfile is not written")
	b, err := os.ReadFile(LockTextfile(path))
	require.NoError(t, err)
	assert.Contains(t, string(b), "hbnsync_lock_denied 1")
}

func TestLockTextfile(t *testing.T) {
	assert.Equal(t, "/var/lib/node_exporter/hbnsync_lock.prom", LockTextfile("/var/lib/node_exporter/hbnsync.prom"))
	assert.Equal(t, "metrics_lock", LockTextfile("metrics"))
	assert.Empty(t, LockTextfile(""))
}
