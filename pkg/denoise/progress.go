package denoise

import (
	"fmt"
	"io"
	"sync"
)

// Progress reports completion of a parallel loop to a single output sink.
// All writes go through one mutex so worker updates never interleave.
type Progress struct {
	mu      sync.Mutex
	w       io.Writer
	label   string
	total   int
	done    int
	lastPct int
}

// NewProgress returns a reporter for total units of work; a nil writer discards output
func NewProgress(w io.Writer, label string, total int) *Progress {
	if w == nil {
		w = io.Discard
	}
	return &Progress{w: w, label: label, total: total, lastPct: -1}
}

// Add records n completed units and redraws the percentage when it changes
func (p *Progress) Add(n int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done += n
	pct := 100
	if p.total > 0 {
		pct = p.done * 100 / p.total
	}
	if pct != p.lastPct {
		p.lastPct = pct
		fmt.Fprintf(p.w, "\r%s... [%3d%%]", p.label, pct)
	}
}

// Done terminates the progress line
func (p *Progress) Done() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w)
}

// Completed returns the number of units recorded so far
func (p *Progress) Completed() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}
