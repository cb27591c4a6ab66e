// Package observability turns ledger operations, generation runs and HTTP
// traffic into zap log entries and Prometheus metrics.
package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/studio/pkg/generation"
	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

const (
	namespace       = "studio"
	unmatchedRoute  = "unmatched"
	operationFailed = "error"
)

var creditOperations = map[string]bool{"debit": true, "credit": true}

// Recorder owns a private registry so that several recorders can coexist in
// one process.
type Recorder struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	ledgerOperations *prometheus.CounterVec
	ledgerCredits    *prometheus.CounterVec
	generationRuns   *prometheus.CounterVec
	sweepSettled     prometheus.Counter
	httpInFlight     prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewRecorder registers the studio collectors plus the Go and process
// collectors.
func NewRecorder(logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := &Recorder{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		ledgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by name and outcome.",
		}, []string{"operation", "status"}),
		ledgerCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "credits_total",
			Help:      "Credits moved by successful debits and credits.",
		}, []string{"operation"}),
		generationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "runs_total",
			Help:      "Finished generation runs by category and final status.",
		}, []string{"category", "status"}),
		sweepSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "stale_settled_total",
			Help:      "Stale generation requests failed and refunded by the sweeper.",
		}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
	}
	recorder.registry.MustRegister(
		recorder.ledgerOperations,
		recorder.ledgerCredits,
		recorder.generationRuns,
		recorder.sweepSettled,
		recorder.httpInFlight,
		recorder.httpRequests,
		recorder.httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return recorder
}

// Registry exposes the underlying registry.
func (recorder *Recorder) Registry() *prometheus.Registry {
	return recorder.registry
}

// LogOperation implements ledger.OperationLogger.
func (recorder *Recorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	recorder.ledgerOperations.WithLabelValues(entry.Operation, entry.Status).Inc()
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.String("status", entry.Status),
		zap.Int64("balance", entry.Balance),
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.Category != "" {
		fields = append(fields, zap.String("category", entry.Category.String()))
	}
	if entry.Tier != "" {
		fields = append(fields, zap.String("tier", entry.Tier.String()))
	}
	if entry.Error != nil || entry.Status == operationFailed {
		recorder.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	if entry.Amount > 0 && creditOperations[entry.Operation] {
		recorder.ledgerCredits.WithLabelValues(entry.Operation).Add(float64(entry.Amount))
	}
	recorder.logger.Info("ledger operation", fields...)
}

// ObserveGeneration counts a finished generation run.
func (recorder *Recorder) ObserveGeneration(category generation.Category, status generation.Status) {
	recorder.generationRuns.WithLabelValues(string(category), string(status)).Inc()
}

// ObserveSweep counts requests settled by one stale sweep.
func (recorder *Recorder) ObserveSweep(settled int) {
	if settled > 0 {
		recorder.sweepSettled.Add(float64(settled))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (recorder *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(recorder.registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request counts and latency per matched route.
func (recorder *Recorder) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		recorder.httpInFlight.Inc()
		defer recorder.httpInFlight.Dec()

		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := ctx.Request.Method
		recorder.httpRequests.WithLabelValues(method, route, strconv.Itoa(ctx.Writer.Status())).Inc()
		recorder.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
