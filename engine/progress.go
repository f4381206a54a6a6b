package engine

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bibin-skaria/envbuild/internal/types"
)

// ProgressTracker renders per-step build progress. A tracker with a nil
// output only counts.
type ProgressTracker struct {
	mutex     sync.Mutex
	output    io.Writer
	total     int
	completed int
	cacheHits int
	startTime time.Time
}

func NewProgressTracker(output io.Writer) *ProgressTracker {
	return &ProgressTracker{output: output, startTime: time.Now()}
}

func (p *ProgressTracker) printf(format string, args ...interface{}) {
	if p.output != nil {
		fmt.Fprintf(p.output, format, args...)
	}
}

// Start resets the tracker for a plan of total steps.
func (p *ProgressTracker) Start(total int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.total = total
	p.completed = 0
	p.cacheHits = 0
	p.startTime = time.Now()
}

func (p *ProgressTracker) StepStarted(index int, summary string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.printf("[%d/%d] %s\n", index+1, p.total, summary)
}

// StepFinished reports an applied step.
func (p *ProgressTracker) StepFinished(step *types.StepResult) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.completed++
	id := shortIdentity(step.Identity)
	if step.CacheHit {
		p.cacheHits++
		p.printf(" ---> Using cache %s\n", id)
		return
	}
	p.printf(" ---> %s (+%d ~%d -%d) in %s\n", id,
		step.Changes.Added, step.Changes.Modified, step.Changes.Deleted, step.Duration.Round(time.Millisecond))
}

func (p *ProgressTracker) Message(format string, args ...interface{}) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.printf(format+"\n", args...)
}

// Progress returns the share of steps applied so far, in percent.
func (p *ProgressTracker) Progress() float64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.total == 0 {
		return 0
	}
	return float64(p.completed) / float64(p.total) * 100.0
}

func (p *ProgressTracker) Finish(success bool, err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	duration := time.Since(p.startTime).Round(time.Millisecond)
	if success {
		p.printf("Build completed successfully in %s\n", duration)
		p.printf("Cache hits: %d/%d operations\n", p.cacheHits, p.total)
		return
	}
	p.printf("Build failed after %s (%d/%d steps applied): %v\n", duration, p.completed, p.total, err)
}

func shortIdentity(id string) string {
	const prefix = "sha256:"
	if len(id) > len(prefix) && id[:len(prefix)] == prefix {
		id = id[len(prefix):]
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}
