package crawlerkit

import (
	"fmt"
	"sync"
	"time"
)

// Observer receives progress events from bulk writes. It is a side
// channel: the BulkReport returned by the call is authoritative.
//
// With more than one worker, RecordDone is called from several goroutines.
type Observer interface {
	BulkStarted(op, target string, total int)
	RecordDone(op, target string, outcome WriteOutcome)
	BulkFinished(report BulkReport)
}

// NoOpObserver ignores every event.
type NoOpObserver struct{}

func (NoOpObserver) BulkStarted(op, target string, total int)           {}
func (NoOpObserver) RecordDone(op, target string, outcome WriteOutcome) {}
func (NoOpObserver) BulkFinished(report BulkReport)                     {}

// LoggingObserver writes one debug line per record.
type LoggingObserver struct {
	Logger Logger
}

func (o LoggingObserver) BulkStarted(op, target string, total int) {
	o.Logger.Debug("bulk write started", "operation", op, "target", target, "total", total)
}

func (o LoggingObserver) RecordDone(op, target string, outcome WriteOutcome) {
	o.Logger.Debug("record "+outcome.Tag.String(),
		"operation", op,
		"target", target,
		"identity", outcome.Identity,
	)
}

func (o LoggingObserver) BulkFinished(report BulkReport) {
	o.Logger.Debug("bulk write finished", "summary", report.Summary())
}

// MultiObserver fans events out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) BulkStarted(op, target string, total int) {
	for _, o := range m {
		o.BulkStarted(op, target, total)
	}
}

func (m MultiObserver) RecordDone(op, target string, outcome WriteOutcome) {
	for _, o := range m {
		o.RecordDone(op, target, outcome)
	}
}

func (m MultiObserver) BulkFinished(report BulkReport) {
	for _, o := range m {
		o.BulkFinished(report)
	}
}

// RecordingObserver keeps every outcome, keyed by the record identity.
// Useful in tests and for callers that want per-record results.
type RecordingObserver struct {
	mu       sync.Mutex
	Outcomes []WriteOutcome
	Reports  []BulkReport
}

func (o *RecordingObserver) BulkStarted(op, target string, total int) {}

func (o *RecordingObserver) RecordDone(op, target string, outcome WriteOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Outcomes = append(o.Outcomes, outcome)
}

func (o *RecordingObserver) BulkFinished(report BulkReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Reports = append(o.Reports, report)
}

// ByIdentity returns the outcomes indexed by the printed record identity.
func (o *RecordingObserver) ByIdentity() map[string]WriteOutcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]WriteOutcome, len(o.Outcomes))
	for _, oc := range o.Outcomes {
		out[fmt.Sprint(oc.Identity)] = oc
	}
	return out
}

// instrumentation is the logging, metrics and progress plumbing shared by
// the adapters.
type instrumentation struct {
	backend  string
	logger   Logger
	metrics  Metrics
	observer Observer
}

func newInstrumentation(backend string, logger Logger) instrumentation {
	return instrumentation{
		backend:  backend,
		logger:   loggerOrNoOp(logger),
		metrics:  &NoOpMetrics{},
		observer: NoOpObserver{},
	}
}

// SetLogger replaces the adapter logger
func (in *instrumentation) SetLogger(logger Logger) {
	in.logger = loggerOrNoOp(logger)
}

// SetMetrics replaces the adapter metrics collector
func (in *instrumentation) SetMetrics(metrics Metrics) {
	in.metrics = metricsOrNoOp(metrics)
}

// SetObserver replaces the bulk progress observer
func (in *instrumentation) SetObserver(observer Observer) {
	if observer == nil {
		observer = NoOpObserver{}
	}
	in.observer = observer
}

func (in *instrumentation) tags(op string) []string {
	return []string{"backend", in.backend, "operation", op}
}

// done records duration and, for failures, the error kind of a single call.
func (in *instrumentation) done(op string, start time.Time, err error) {
	in.metrics.Timing(MetricOperationDuration, time.Since(start), in.tags(op)...)
	if err != nil {
		in.metrics.Increment(MetricOperationError, append(in.tags(op), "kind", KindOf(err).String())...)
	}
}

// fail logs a failed single call with its kind and native detail.
func (in *instrumentation) fail(op string, err error, fields ...interface{}) {
	base := []interface{}{"backend", in.backend, "operation", op, "kind", KindOf(err).String(), "error", err}
	in.logger.Error("operation failed", append(base, fields...)...)
}
