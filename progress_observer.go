package crawlerkit

import (
	"io"
	"strconv"
	"sync"

	"github.com/cheggaaa/pb/v3"
)

const progressTemplate pb.ProgressBarTemplate = `{{string . "prefix"}} {{counters . }} {{bar . }} {{percent . }} {{string . "suffix"}}`

// ProgressObserver draws a terminal progress bar per bulk call, with the
// running duplicate and error counts as the bar suffix.
type ProgressObserver struct {
	out io.Writer

	mu        sync.Mutex
	bar       *pb.ProgressBar
	duplicate int
	failed    int
}

// NewProgressObserver renders to out (usually os.Stderr).
func NewProgressObserver(out io.Writer) *ProgressObserver {
	return &ProgressObserver{out: out}
}

func (p *ProgressObserver) BulkStarted(op, target string, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.duplicate, p.failed = 0, 0
	p.bar = progressTemplate.New(total).
		SetWriter(p.out).
		Set("prefix", op+" "+target).
		Set("suffix", "").
		Start()
}

func (p *ProgressObserver) RecordDone(op, target string, outcome WriteOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil {
		return
	}
	switch outcome.Tag {
	case OutcomeDuplicate:
		p.duplicate++
	case OutcomeError:
		p.failed++
	}
	if p.duplicate > 0 || p.failed > 0 {
		p.bar.Set("suffix", formatCounts(p.duplicate, p.failed))
	}
	p.bar.Increment()
}

func (p *ProgressObserver) BulkFinished(report BulkReport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil {
		return
	}
	p.bar.SetCurrent(int64(report.Total))
	p.bar.Finish()
	p.bar = nil
}

// Current returns the position of the active bar, or -1 when idle.
func (p *ProgressObserver) Current() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		return -1
	}
	return p.bar.Current()
}

func formatCounts(duplicate, failed int) string {
	return "dup=" + strconv.Itoa(duplicate) + " err=" + strconv.Itoa(failed)
}
