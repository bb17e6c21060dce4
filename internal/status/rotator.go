// Package status produces the in-flight status lines shown to a user
// while the coding agent is working on their project.
package status

import (
	"sync"
	"time"
)

// Messages is the fixed rotation of status lines, in display order.
var Messages = []string{
	"Thinking...",
	"Loading...",
	"Generating response...",
	"Analyzing you request...",
	"Building you webiste",
	"Crafting components...",
	"Optimizing layout...",
	"Adding final touches...",
	"Almost ready...",
}

// DefaultInterval is how long each status line is shown.
const DefaultInterval = 2 * time.Second

// Rotator cycles through Messages on a fixed interval, wrapping around
// at the end. Each subscriber gets its own rotator; there is no shared
// clock or polling.
type Rotator struct {
	interval time.Duration

	mu    sync.Mutex
	index int

	updates chan string
	stop    chan struct{}
	once    sync.Once
}

// NewRotator creates a rotator with the given interval. A zero or
// negative interval falls back to DefaultInterval.
func NewRotator(interval time.Duration) *Rotator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Rotator{
		interval: interval,
		updates:  make(chan string, 1),
		stop:     make(chan struct{}),
	}
}

// Start begins rotating. The first message is emitted immediately on
// Updates, then one per interval.
func (r *Rotator) Start() {
	r.emit()
	go r.loop()
}

// Updates delivers the current status line each time it changes.
func (r *Rotator) Updates() <-chan string {
	return r.updates
}

// Current returns the status line being shown now.
func (r *Rotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Messages[r.index]
}

// Stop halts rotation. Safe to call more than once.
func (r *Rotator) Stop() {
	r.once.Do(func() {
		close(r.stop)
	})
}

func (r *Rotator) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.advance()
			r.emit()
		}
	}
}

func (r *Rotator) advance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = (r.index + 1) % len(Messages)
}

// emit pushes the current message, replacing a pending unread one so a
// slow consumer always sees the latest line.
func (r *Rotator) emit() {
	msg := r.Current()
	for {
		select {
		case r.updates <- msg:
			return
		case <-r.stop:
			return
		default:
			select {
			case <-r.updates:
			default:
			}
		}
	}
}
