package hub

import (
	"strings"
	"sync"
	"time"
)

// RateLimiter coalesces terminal output per (viewer, message type) and hands
// each batch to onFlush once the interval has elapsed.
type RateLimiter struct {
	mu sync.Mutex
	// flushMu makes taking a batch and handing it to onFlush one step, so
	// batches for a key reach onFlush in the order they were taken.
	flushMu  sync.Mutex
	pending  map[batchKey]*pendingOutput
	interval time.Duration
	onFlush  func(viewerID string, msg PtyOutputMessage)
}

type batchKey struct {
	viewerID string
	typ      string
}

type pendingOutput struct {
	pid   int
	texts []string
	timer *time.Timer
}

func NewRateLimiter(interval time.Duration, onFlush func(string, PtyOutputMessage)) *RateLimiter {
	return &RateLimiter{
		pending:  make(map[batchKey]*pendingOutput),
		interval: interval,
		onFlush:  onFlush,
	}
}

func (r *RateLimiter) Add(viewerID string, msg PtyOutputMessage) {
	key := batchKey{viewerID: viewerID, typ: msg.Type}

	r.mu.Lock()
	if p, ok := r.pending[key]; ok && p.pid != msg.PID {
		// Output from a different session is never merged into one batch.
		r.mu.Unlock()
		r.flush(key)
		r.mu.Lock()
	}
	p, exists := r.pending[key]
	if !exists {
		p = &pendingOutput{pid: msg.PID}
		r.pending[key] = p
	}
	p.texts = append(p.texts, msg.Text)
	if p.timer == nil {
		p.timer = time.AfterFunc(r.interval, func() {
			r.flush(key)
		})
	}
	r.mu.Unlock()
}

func (r *RateLimiter) flush(key batchKey) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	p, exists := r.pending[key]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.pending, key)
	r.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	if r.onFlush != nil && len(p.texts) > 0 {
		r.onFlush(key.viewerID, PtyOutputMessage{
			Type: key.typ,
			PID:  p.pid,
			Text: strings.Join(p.texts, ""),
		})
	}
}

// FlushViewer sends everything pending for one viewer immediately.
func (r *RateLimiter) FlushViewer(viewerID string) {
	r.flushMatching(func(k batchKey) bool { return k.viewerID == viewerID })
}

// Drop discards pending output for a viewer that went away.
func (r *RateLimiter) Drop(viewerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, p := range r.pending {
		if k.viewerID != viewerID {
			continue
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(r.pending, k)
	}
}

func (r *RateLimiter) FlushAll() {
	r.flushMatching(func(batchKey) bool { return true })
}

func (r *RateLimiter) flushMatching(match func(batchKey) bool) {
	r.mu.Lock()
	keys := make([]batchKey, 0, len(r.pending))
	for k := range r.pending {
		if match(k) {
			keys = append(keys, k)
		}
	}
	r.mu.Unlock()

	for _, k := range keys {
		r.flush(k)
	}
}
