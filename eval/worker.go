package eval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/climatedocs/core/llm"
)

// AlertThresholds maps metric name to the minimum acceptable score;
// a tick logs an alert for every metric that falls below its
// threshold (§4.14 step 4).
type AlertThresholds map[string]float64

// DefaultAlertThresholds is a conservative floor per metric, adjusted
// by operators via WorkerConfig.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		"groundedness":            0.6,
		"answer_relevance":        0.6,
		"context_relevance":       0.5,
		"coherence":               0.6,
		"climate_accuracy":        0.7,
		"tipping_point_relevance": 0.5,
	}
}

// Sink optionally pushes per-metric scores to an external tracing
// system keyed by the record's trace ID (§4.14 step 5). A nil Sink is
// valid: the push step is simply skipped.
type Sink interface {
	PushScores(ctx context.Context, traceID string, scores map[string]float64) error
}

// WorkerConfig configures the Evaluation Worker's tick loop.
type WorkerConfig struct {
	TickInterval time.Duration
	BatchSize    int
	JudgeModel   string
	Thresholds   AlertThresholds
}

// DefaultWorkerConfig mirrors §4.14's "fixed interval" / "batch_size"
// language with practical defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		TickInterval: 30 * time.Second,
		BatchSize:    20,
		Thresholds:   DefaultAlertThresholds(),
	}
}

// Stats is the running statistics summary of §4.14 step 6.
type Stats struct {
	mu             sync.Mutex
	CountByStatus  map[RecordStatus]int
	MetricSum      map[string]float64
	MetricCount    map[string]int
}

func newStats() *Stats {
	return &Stats{
		CountByStatus: make(map[RecordStatus]int),
		MetricSum:     make(map[string]float64),
		MetricCount:   make(map[string]int),
	}
}

func (s *Stats) record(rec EvaluationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CountByStatus[rec.Status]++
	for metric, score := range rec.Scores {
		s.MetricSum[metric] += score
		s.MetricCount[metric]++
	}
}

// Averages returns the current per-metric running average.
func (s *Stats) Averages() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.MetricSum))
	for metric, sum := range s.MetricSum {
		if n := s.MetricCount[metric]; n > 0 {
			out[metric] = sum / float64(n)
		}
	}
	return out
}

// Worker runs the single background evaluation loop of §4.14.
type Worker struct {
	queue   *Queue
	judge   llm.Provider
	metrics map[string]MetricFunc
	cfg     WorkerConfig
	sink    Sink
	stats   *Stats

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker constructs a Worker draining q, scoring with judge, and
// optionally pushing to sink (pass nil to disable the external trace
// push). metrics defaults to DefaultMetrics() when nil.
func NewWorker(q *Queue, judge llm.Provider, sink Sink, cfg WorkerConfig, metrics map[string]MetricFunc) *Worker {
	if metrics == nil {
		metrics = DefaultMetrics()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultWorkerConfig().TickInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWorkerConfig().BatchSize
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = DefaultAlertThresholds()
	}
	return &Worker{
		queue:   q,
		judge:   judge,
		metrics: metrics,
		cfg:     cfg,
		sink:    sink,
		stats:   newStats(),
		done:    make(chan struct{}),
	}
}

// Stats exposes the running statistics summary (§4.14 step 6).
func (w *Worker) Stats() *Stats { return w.stats }

// Start runs the tick loop until ctx is cancelled or Stop is called.
// It blocks; callers run it in its own goroutine.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("eval worker: shutting down", "remaining_queue_depth", w.queue.Depth())
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// Stop cancels the loop and waits for the in-progress tick to finish
// draining (§4.14 Shutdown: "cancel the loop; drain any in-progress
// evaluation; log remaining queue depth").
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Worker) tick(ctx context.Context) {
	batch := w.queue.Drain(w.cfg.BatchSize)
	for _, rec := range batch {
		w.evaluate(ctx, rec)
	}
}

// evaluate runs every configured metric sequentially against one
// record — metric calls for a single record are sequential because
// they share a provider (§5 Ordering guarantees); different records
// within a tick's batch may be evaluated concurrently by the caller if
// desired, but the default tick loop processes them in order.
func (w *Worker) evaluate(ctx context.Context, rec EvaluationRecord) {
	rec.Status = StatusInProgress
	rec.Scores = make(map[string]float64, len(w.metrics))
	rec.Explanations = make(map[string]string, len(w.metrics))

	var anyErr bool
	for name, fn := range w.metrics {
		score, explanation, err := fn(ctx, w.judge, w.cfg.JudgeModel, rec)
		if err != nil {
			slog.Warn("eval worker: metric failed", "metric", name, "record_id", rec.ID, "error", err)
			anyErr = true
			continue
		}
		rec.Scores[name] = score
		rec.Explanations[name] = explanation
		if threshold, ok := w.cfg.Thresholds[name]; ok && score < threshold {
			slog.Warn("eval worker: metric below alert threshold",
				"metric", name, "score", score, "threshold", threshold, "record_id", rec.ID)
		}
	}

	rec.EvaluatedAt = now()
	if len(rec.Scores) == 0 {
		rec.Status = StatusFailed
	} else if anyErr {
		rec.Status = StatusCompleted // partial metric coverage still completes the record
	} else {
		rec.Status = StatusCompleted
	}

	if w.sink != nil && rec.TraceID != "" {
		if err := w.sink.PushScores(ctx, rec.TraceID, rec.Scores); err != nil {
			slog.Warn("eval worker: trace sink push failed", "trace_id", rec.TraceID, "error", err)
		}
	}

	w.stats.record(rec)
}

// now is a seam so evaluate's timestamping can be stubbed in tests
// without depending on wall-clock time.
var now = time.Now
