package crawlerkit

import (
	"strings"
	"sync"
	"time"
)

// Metrics provides observability for adapter operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (batch size, result count)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing.
// Counters are kept both per name and per name plus tags, so a test can
// assert on "crawlerkit.write.success" or on
// "crawlerkit.write.success|backend=mongo|operation=create".
type InMemoryMetrics struct {
	mu         sync.Mutex
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name]++
	if len(tags) > 0 {
		m.Counters[taggedName(name, tags)]++
	}
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], duration)
}

// Counter returns a counter value under the lock.
func (m *InMemoryMetrics) Counter(name string, tags ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(tags) > 0 {
		return m.Counters[taggedName(name, tags)]
	}
	return m.Counters[name]
}

func taggedName(name string, tags []string) string {
	var sb strings.Builder
	sb.WriteString(name)
	for i := 0; i+1 < len(tags); i += 2 {
		sb.WriteString("|" + tags[i] + "=" + tags[i+1])
	}
	return sb.String()
}

// Metric names. Tags are always "backend", "operation" and, for errors, "kind".
const (
	MetricWriteSuccess      = "crawlerkit.write.success"
	MetricWriteDuplicate    = "crawlerkit.write.duplicate"
	MetricWriteError        = "crawlerkit.write.error"
	MetricOperationDuration = "crawlerkit.operation.duration"
	MetricOperationError    = "crawlerkit.operation.error"
	MetricBulkSize          = "crawlerkit.bulk.size"
	MetricRetrieveResults   = "crawlerkit.retrieve.results"
	MetricSeenHits          = "crawlerkit.dedupe.hits"
	MetricSeenMisses        = "crawlerkit.dedupe.misses"
)

func metricsOrNoOp(m Metrics) Metrics {
	if m == nil {
		return &NoOpMetrics{}
	}
	return m
}
