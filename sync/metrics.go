package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics describe the last run. The process exits after each run, so everything is a gauge
// published through a node-exporter textfile and/or a Pushgateway rather than scraped.
//
// Lock gauges live in their own registry and are published to their own textfile and
// Pushgateway job, so an invocation denied the lock never overwrites the last run's metrics.
type Metrics struct {
	Registry     *prometheus.Registry
	LockRegistry *prometheus.Registry

	RunRecords    *prometheus.GaugeVec
	RunFailures   *prometheus.GaugeVec
	RunDuration   prometheus.Gauge
	RunFailed     prometheus.Gauge
	LastRun       prometheus.Gauge
	LastSuccess   prometheus.Gauge
	LockDenied    prometheus.Gauge
	LockReclaimed prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "hbnsync"
	}
	m := &Metrics{
		Registry:     prometheus.NewRegistry(),
		LockRegistry: prometheus.NewRegistry(),
		RunRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_records",
			Help:      "Records handled by the last run, by outcome.",
		}, []string{"outcome"}),
		RunFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_record_failures",
			Help:      "Soft record failures of the last run, by phase and kind.",
		}, []string{"phase", "kind"}),
		RunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of the last run.",
		}),
		RunFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_failed",
			Help:      "1 if the last run ended in the Failed state.",
		}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time the last run finished in the Done state.",
		}),
		LockDenied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lock_denied",
			Help:      "1 if the last invocation was skipped because a run was active.",
		}),
		LockReclaimed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lock_reclaimed",
			Help:      "1 if the last invocation reclaimed a stale run lock.",
		}),
	}
	m.Registry.MustRegister(
		m.RunRecords, m.RunFailures, m.RunDuration, m.RunFailed,
		m.LastRun, m.LastSuccess,
	)
	m.LockRegistry.MustRegister(m.LockDenied, m.LockReclaimed)
	return m
}

// Observe records a finished run.
func (m *Metrics) Observe(s RunSummary) {
	m.LockDenied.Set(0)
	m.RunRecords.WithLabelValues("fetched").Set(float64(s.Fetched))
	m.RunRecords.WithLabelValues("inserted").Set(float64(s.Inserted))
	m.RunRecords.WithLabelValues("updated").Set(float64(s.Updated))
	m.RunRecords.WithLabelValues("skipped").Set(float64(s.Skipped))
	m.RunRecords.WithLabelValues("acknowledged").Set(float64(s.Acknowledged))
	m.RunRecords.WithLabelValues("failed").Set(float64(s.Failed()))
	m.RunFailures.Reset()
	for _, f := range s.Failures {
		m.RunFailures.WithLabelValues(f.Phase.String(), f.Kind.String()).Inc()
	}
	m.RunDuration.Set(s.Duration().Seconds())
	m.LastRun.Set(float64(s.FinishedAt.Unix()))
	if s.State == StateFailed {
		m.RunFailed.Set(1)
	} else {
		m.RunFailed.Set(0)
		m.LastSuccess.Set(float64(s.FinishedAt.Unix()))
	}
}

// ObserveDenied records an invocation that found another run active.
func (m *Metrics) ObserveDenied() {
	m.LockDenied.Set(1)
}

// Publish writes both registries to the configured textfiles and pushes them to the configured gateway.
func (m *Metrics) Publish(settings MetricsSettings) error {
	return errors.Join(
		publish(m.Registry, settings.Textfile, settings.Pushgateway, metricsJob(settings)),
		m.PublishLock(settings),
	)
}

// PublishLock publishes the lock gauges only. The run metrics already published are left alone.
func (m *Metrics) PublishLock(settings MetricsSettings) error {
	return publish(m.LockRegistry, LockTextfile(settings.Textfile), settings.Pushgateway, metricsJob(settings)+"_lock")
}

// LockTextfile is the textfile holding the lock gauges, next to the run metrics textfile:
// /var/lib/node_exporter/hbnsync.prom -> /var/lib/node_exporter/hbnsync_lock.prom
func LockTextfile(textfile string) string {
	if textfile == "" {
		return ""
	}
	ext := filepath.Ext(textfile)
	return strings.TrimSuffix(textfile, ext) + "_lock" + ext
}

func metricsJob(settings MetricsSettings) string {
	if settings.Namespace == "" {
		return "hbnsync"
	}
	return settings.Namespace
}

func publish(registry *prometheus.Registry, textfile, pushgateway, job string) error {
	var errs []error
	if textfile != "" {
		if err := os.MkdirAll(filepath.Dir(textfile), 0o755); err != nil {
			errs = append(errs, err)
		} else if err = prometheus.WriteToTextfile(textfile, registry); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics textfile %w", err))
		}
	}
	if pushgateway != "" {
		if err := push.New(pushgateway, job).Gatherer(registry).Push(); err != nil {
			errs = append(errs, fmt.Errorf("failed to push metrics %w", err))
		}
	}
	return errors.Join(errs...)
}
