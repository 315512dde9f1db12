package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ProgressReporter reports progress for long-running operations.
type ProgressReporter interface {
	Start(total int64)
	Update(current int64)
	Finish()
}

// SimpleProgress renders a single-line progress bar.
type SimpleProgress struct {
	mu      sync.Mutex
	total   int64
	current int64
	started time.Time
	writer  io.Writer
	now     func() time.Time
}

// NewProgressReporter creates a progress reporter that writes to w. A nil w
// discards the output.
func NewProgressReporter(w io.Writer) ProgressReporter {
	if w == nil {
		w = io.Discard
	}
	return &SimpleProgress{writer: w, now: time.Now}
}

// Start initializes the progress reporter with the total number of items.
func (p *SimpleProgress) Start(total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total = total
	p.current = 0
	p.started = p.now()
	p.render()
}

// Update updates the current progress.
func (p *SimpleProgress) Update(current int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if current > p.total {
		current = p.total
	}
	p.current = current
	p.render()
}

// Finish marks the progress as complete.
func (p *SimpleProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = p.total
	p.render()
	fmt.Fprintln(p.writer)
}

const barWidth = 40

func (p *SimpleProgress) render() {
	if p.total <= 0 {
		return
	}

	filled := int(int64(barWidth) * p.current / p.total)
	bar := strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled)
	percent := float64(p.current) / float64(p.total) * 100

	rate := 0.0
	if elapsed := p.now().Sub(p.started).Seconds(); elapsed > 0 {
		rate = float64(p.current) / elapsed
	}

	fmt.Fprintf(p.writer, "\r[%s] %5.1f%% (%d/%d) %.0f req/s",
		bar, percent, p.current, p.total, rate)
}
