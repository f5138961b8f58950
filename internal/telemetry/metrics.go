package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/ldapdev"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Issuance metrics
	IssuanceTotal       metric.Int64Counter
	IssuanceErrorsTotal metric.Int64Counter
	IssuanceDuration    metric.Float64Histogram
	FilesWrittenTotal   metric.Int64Counter

	// Probe metrics
	ProbeTotal        metric.Int64Counter
	ProbeErrorsTotal  metric.Int64Counter
	ProbeDialAttempts metric.Int64Counter
	ProbeDuration     metric.Float64Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary.
// Instruments come from the global meter provider, which is a no-op until
// InitTelemetry installs an exporting one.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.IssuanceTotal, _ = meter.Int64Counter(
		"ldapdev.pki.issuance.total",
		metric.WithDescription("Total number of certificate issuance runs"),
		metric.WithUnit("{run}"),
	)

	m.IssuanceErrorsTotal, _ = meter.Int64Counter(
		"ldapdev.pki.issuance.errors.total",
		metric.WithDescription("Total number of failed issuance runs by error kind"),
		metric.WithUnit("{error}"),
	)

	m.IssuanceDuration, _ = meter.Float64Histogram(
		"ldapdev.pki.issuance.duration",
		metric.WithDescription("Duration of issuance runs"),
		metric.WithUnit("ms"),
	)

	m.FilesWrittenTotal, _ = meter.Int64Counter(
		"ldapdev.pki.files_written.total",
		metric.WithDescription("Total number of PEM files written"),
		metric.WithUnit("{file}"),
	)

	m.ProbeTotal, _ = meter.Int64Counter(
		"ldapdev.probe.total",
		metric.WithDescription("Total number of LDAP probe operations"),
		metric.WithUnit("{probe}"),
	)

	m.ProbeErrorsTotal, _ = meter.Int64Counter(
		"ldapdev.probe.errors.total",
		metric.WithDescription("Total number of failed LDAP probe operations"),
		metric.WithUnit("{error}"),
	)

	m.ProbeDialAttempts, _ = meter.Int64Counter(
		"ldapdev.probe.dial_attempts.total",
		metric.WithDescription("Total number of LDAP dial attempts, including retries"),
		metric.WithUnit("{attempt}"),
	)

	m.ProbeDuration, _ = meter.Float64Histogram(
		"ldapdev.probe.duration",
		metric.WithDescription("Duration of LDAP probe operations"),
		metric.WithUnit("ms"),
	)

	return m
}
