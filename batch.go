package crawlerkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// OutcomeTag is the per-record result of a bulk write.
type OutcomeTag int

const (
	OutcomeSuccess OutcomeTag = iota
	OutcomeDuplicate
	OutcomeError
)

func (t OutcomeTag) String() string {
	switch t {
	case OutcomeSuccess:
		return "success"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "error"
	}
}

// WriteOutcome is the result of writing one record, attributed by identity.
type WriteOutcome struct {
	Tag      OutcomeTag
	Identity interface{}

	// Set for OutcomeError and for duplicates reported by the backend.
	Kind    ErrorKind
	Message string
	Err     error

	// Upsert counters, zero for plain inserts.
	Matched  int64
	Modified int64
	Upserted int64
}

func successOutcome(identity interface{}) WriteOutcome {
	return WriteOutcome{Tag: OutcomeSuccess, Identity: identity}
}

// failedOutcome tags err as a duplicate or an error depending on its kind.
func failedOutcome(identity interface{}, err error) WriteOutcome {
	kind := KindOf(err)
	tag := OutcomeError
	if kind == KindDuplicateKey {
		tag = OutcomeDuplicate
	}
	return WriteOutcome{Tag: tag, Identity: identity, Kind: kind, Message: err.Error(), Err: err}
}

// BulkReport aggregates the outcomes of one bulk call.
type BulkReport struct {
	Operation string
	Target    string
	Total     int
	Success   int
	Duplicate int
	Error     int
}

func (r *BulkReport) add(o WriteOutcome) {
	switch o.Tag {
	case OutcomeSuccess:
		r.Success++
	case OutcomeDuplicate:
		r.Duplicate++
	default:
		r.Error++
	}
}

// OK reports whether no record failed.
func (r BulkReport) OK() bool {
	return r.Error == 0
}

// Summary is the human-readable line logged after every bulk call.
func (r BulkReport) Summary() string {
	return fmt.Sprintf("%s %s: total=%d success=%d duplicate=%d error=%d",
		r.Operation, r.Target, r.Total, r.Success, r.Duplicate, r.Error)
}

// Merge adds the counts of other into r.
func (r *BulkReport) Merge(other BulkReport) {
	r.Total += other.Total
	r.Success += other.Success
	r.Duplicate += other.Duplicate
	r.Error += other.Error
}

// bulkAttempt writes one record and reports its outcome.
type bulkAttempt func(ctx context.Context, rec Record) WriteOutcome

// runTolerant attempts every record independently with at most workers in
// flight. Per-record failures are counted; a connection failure stops the
// loop, marks the records never attempted as errors and is returned.
func (in *instrumentation) runTolerant(ctx context.Context, op, target, keyField string, records []Record, workers int, attempt bulkAttempt) (BulkReport, error) {
	start := time.Now()
	report := BulkReport{Operation: op, Target: target, Total: len(records)}
	in.observer.BulkStarted(op, target, len(records))
	in.metrics.Histogram(MetricBulkSize, float64(len(records)), in.tags(op)...)

	if workers < 1 {
		workers = 1
	}
	outcomes := make([]*WriteOutcome, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, rec := range records {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			out := attempt(gctx, rec)
			outcomes[i] = &out
			in.recordOutcome(op, target, out)
			if out.Tag == OutcomeError && out.Kind == KindConnection {
				return out.Err
			}
			return nil
		})
	}

	abortErr := g.Wait()
	if abortErr == nil && ctx.Err() != nil {
		abortErr = classified(KindConnection, in.backend, op, ctx.Err())
	}

	for i, out := range outcomes {
		if out == nil {
			skipped := WriteOutcome{
				Tag:      OutcomeError,
				Identity: records[i].Identity(keyField),
				Kind:     KindConnection,
				Message:  "not attempted: bulk write aborted",
				Err:      abortErr,
			}
			in.recordOutcome(op, target, skipped)
			out = &skipped
		}
		report.add(*out)
	}

	in.finishBulk(report, start)
	return report, abortErr
}

// finishBulk emits the summary of a finished bulk call.
func (in *instrumentation) finishBulk(report BulkReport, start time.Time) {
	in.metrics.Timing(MetricOperationDuration, time.Since(start), in.tags(report.Operation)...)
	in.logger.Info("bulk write finished",
		"backend", in.backend,
		"operation", report.Operation,
		"target", report.Target,
		"total", report.Total,
		"success", report.Success,
		"duplicate", report.Duplicate,
		"error", report.Error,
		"duration", time.Since(start),
	)
	in.observer.BulkFinished(report)
}

func (in *instrumentation) recordOutcome(op, target string, out WriteOutcome) {
	tags := in.tags(op)
	switch out.Tag {
	case OutcomeSuccess:
		in.metrics.Increment(MetricWriteSuccess, tags...)
	case OutcomeDuplicate:
		in.metrics.Increment(MetricWriteDuplicate, tags...)
		in.logger.Debug("duplicate record skipped",
			"backend", in.backend,
			"operation", op,
			"target", target,
			"identity", out.Identity,
		)
	default:
		in.metrics.Increment(MetricWriteError, tags...)
		in.logger.Error("record write failed",
			"backend", in.backend,
			"operation", op,
			"target", target,
			"identity", out.Identity,
			"kind", out.Kind.String(),
			"error", out.Message,
		)
	}
	in.observer.RecordDone(op, target, out)
}

// BulkCreator is implemented by adapters whose Create takes a target name.
type BulkCreator interface {
	Create(ctx context.Context, target string, records []Record) (BulkReport, error)
}

// BatchWriter buffers records produced one at a time and writes them in
// bulk calls of at most batchSize records.
type BatchWriter struct {
	creator   BulkCreator
	target    string
	batchSize int

	mu      sync.Mutex
	pending []Record
	report  BulkReport
}

// NewBatchWriter creates a writer that flushes to creator every batchSize records.
func NewBatchWriter(creator BulkCreator, target string, batchSize int) *BatchWriter {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &BatchWriter{
		creator:   creator,
		target:    target,
		batchSize: batchSize,
		report:    BulkReport{Operation: "create", Target: target},
	}
}

// Add queues a record and flushes when the batch is full.
func (bw *BatchWriter) Add(ctx context.Context, rec Record) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	bw.pending = append(bw.pending, rec)
	if len(bw.pending) >= bw.batchSize {
		return bw.flushLocked(ctx)
	}
	return nil
}

// Flush writes all pending records.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked(ctx)
}

// Report returns the counts accumulated over every flush so far.
func (bw *BatchWriter) Report() BulkReport {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.report
}

func (bw *BatchWriter) flushLocked(ctx context.Context) error {
	if len(bw.pending) == 0 {
		return nil
	}

	batch := bw.pending
	bw.pending = nil

	report, err := bw.creator.Create(ctx, bw.target, batch)
	bw.report.Merge(report)
	return err
}
