package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/kazi/internal/config"
)

const (
	defaultAnomalyWindow = 5 * time.Minute
	minAnomalySamples    = 5
)

// AnomalyDetector warns when an operation's error rate over a sliding
// window crosses the configured threshold. Operations are tool names and
// "llm_request".
type AnomalyDetector struct {
	mu        sync.Mutex
	errors    map[string]*slidingWindow
	successes map[string]*slidingWindow
	alerting  map[string]bool
	window    time.Duration
	threshold float64
	logger    *slog.Logger
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		errors:    make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		alerting:  make(map[string]bool),
		window:    window,
		threshold: cfg.ErrorRateThreshold,
		logger:    logger,
	}
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.errors, operation).add(time.Now())
	a.check(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.successes, operation).add(time.Now())
	a.check(operation)
}

// ErrorRate returns the error rate of operation within the window and the
// number of samples it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (rate float64, samples int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate(operation)
}

// rate must be called with a.mu held.
func (a *AnomalyDetector) rate(operation string) (float64, int) {
	now := time.Now()
	errs := a.windowFor(a.errors, operation).count(now)
	total := errs + a.windowFor(a.successes, operation).count(now)
	if total == 0 {
		return 0, 0
	}
	return float64(errs) / float64(total), total
}

// check logs once when an operation becomes anomalous and once when it
// recovers. Must be called with a.mu held.
func (a *AnomalyDetector) check(operation string) {
	if a.threshold <= 0 || a.logger == nil {
		return
	}
	rate, total := a.rate(operation)
	if total < minAnomalySamples {
		return
	}
	anomalous := rate > a.threshold
	if anomalous == a.alerting[operation] {
		return
	}
	a.alerting[operation] = anomalous
	if anomalous {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("samples", total),
		)
		return
	}
	a.logger.Info("error rate recovered",
		slog.String("operation", operation),
		slog.Float64("error_rate", rate),
	)
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(t time.Time) {
	w.entries = append(w.entries, t)
	w.prune(t)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune drops entries older than the window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
