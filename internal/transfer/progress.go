package transfer

import (
	"sync"
	"time"
)

// Progress tracks bytes moved for one file. Timing starts with the first
// byte rather than at construction, so negotiation time is not counted.
type Progress struct {
	Name  string
	Total int64

	mu          sync.Mutex
	transferred int64
	started     time.Time
	finished    time.Time
}

func NewProgress(name string, total int64) *Progress {
	return &Progress{Name: name, Total: total}
}

// Set records the running byte count.
func (p *Progress) Set(transferred int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.IsZero() && transferred > 0 {
		p.started = time.Now()
	}
	p.transferred = transferred
	if p.Total > 0 && transferred >= p.Total && p.finished.IsZero() {
		p.finished = time.Now()
	}
}

// Finish stops the clock.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished.IsZero() {
		p.finished = time.Now()
	}
}

func (p *Progress) Transferred() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transferred
}

// Fraction returns completion in [0, 1].
func (p *Progress) Fraction() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Total <= 0 {
		if p.finished.IsZero() {
			return 0
		}
		return 1
	}
	f := float64(p.transferred) / float64(p.Total)
	if f > 1 {
		f = 1
	}
	return f
}

// Elapsed returns the time since the first byte.
func (p *Progress) Elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elapsedLocked()
}

func (p *Progress) elapsedLocked() time.Duration {
	if p.started.IsZero() {
		return 0
	}
	end := p.finished
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(p.started)
}

// Speed returns the average rate in bytes per second.
func (p *Progress) Speed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	secs := p.elapsedLocked().Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(p.transferred) / secs
}
