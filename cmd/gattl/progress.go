package main

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter displays a single-line progress message with elapsed (or,
// in countdown mode, remaining) seconds on stderr. Single-use: Start at most
// once, Stop is idempotent.
type ProgressPrinter struct {
	prefix    string
	countdown time.Duration // 0 = count up

	startTime time.Time
	stopOnce  sync.Once
	stopChan  chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a progress printer that shows elapsed time.
func NewProgressPrinter(prefix string) *ProgressPrinter {
	return &ProgressPrinter{
		prefix:   prefix,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// NewCountdownProgressPrinter creates a progress printer that counts down
// from the given duration.
func NewCountdownProgressPrinter(prefix string, duration time.Duration) *ProgressPrinter {
	p := NewProgressPrinter(prefix)
	p.countdown = duration
	return p
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressPrinter) Start() {
	p.startTime = time.Now()
	fmt.Fprintf(os.Stderr, "\r%s...   ", p.prefix)

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.print()
			}
		}
	}()
}

func (p *ProgressPrinter) print() {
	elapsed := time.Since(p.startTime)
	seconds := int(elapsed.Seconds())
	if p.countdown > 0 {
		remaining := p.countdown - elapsed
		if remaining < 0 {
			remaining = 0
		}
		// Round to the nearest second.
		seconds = int(remaining.Seconds() + 0.5)
	}
	fmt.Fprintf(os.Stderr, "\r%s (%ds)   ", p.prefix, seconds)
}

// Stop stops the progress display and clears the line. Safe to call multiple
// times and from multiple goroutines.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		<-p.done
		fmt.Fprint(os.Stderr, clearLineSequence)
	})
}
