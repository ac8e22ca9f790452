package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics

	journalMetricsOnce sync.Once
	journalRegistry    *JournalMetrics
)

// API returns the lazily-initialised registry used to record HTTP API
// activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendpool",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "quota_exceeded" so dashboards and alerts
// remain consistent.
func (m *apiMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// OracleMetrics bundles collectors for price fetches and freshness tracking.
type OracleMetrics struct {
	fetches   *prometheus.CounterVec
	price     *prometheus.GaugeVec
	freshness *prometheus.GaugeVec
}

// Oracle returns the metrics registry for the price oracle.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "oracle",
				Name:      "fetches_total",
				Help:      "Price fetches segmented by source and outcome.",
			}, []string{"source", "outcome"}),
			price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendpool",
				Subsystem: "oracle",
				Name:      "price",
				Help:      "Last accepted price in lent units per collateral unit.",
			}, []string{"pair"}),
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendpool",
				Subsystem: "oracle",
				Name:      "freshness_seconds",
				Help:      "Age in seconds of the last accepted price quote.",
			}, []string{"pair"}),
		}
		prometheus.MustRegister(oracleRegistry.fetches, oracleRegistry.price, oracleRegistry.freshness)
	})
	return oracleRegistry
}

// RecordFetch counts a price fetch attempt.
func (m *OracleMetrics) RecordFetch(source string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.fetches.WithLabelValues(labelValue(source), outcome).Inc()
}

// RecordPrice publishes an accepted quote and its age.
func (m *OracleMetrics) RecordPrice(pair string, price *big.Int, decimals uint8, age time.Duration) {
	if m == nil {
		return
	}
	label := labelValue(pair)
	scaled := bigToFloat(price) / math.Pow10(int(decimals))
	m.price.WithLabelValues(label).Set(scaled)
	m.freshness.WithLabelValues(label).Set(age.Seconds())
}

// JournalMetrics tracks the audit journal sink.
type JournalMetrics struct {
	appended prometheus.Counter
	failures prometheus.Counter
}

// Journal returns the metrics registry for the audit journal.
func Journal() *JournalMetrics {
	journalMetricsOnce.Do(func() {
		journalRegistry = &JournalMetrics{
			appended: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "journal",
				Name:      "appended_total",
				Help:      "Events appended to the audit journal.",
			}),
			failures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "journal",
				Name:      "failures_total",
				Help:      "Events the audit journal failed to persist.",
			}),
		}
		prometheus.MustRegister(journalRegistry.appended, journalRegistry.failures)
	})
	return journalRegistry
}

// RecordAppend counts one journal write.
func (m *JournalMetrics) RecordAppend(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.failures.Inc()
		return
	}
	m.appended.Inc()
}

func labelValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
