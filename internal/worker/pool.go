package worker

import (
	"context"
	"sync"

	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

// StopReport describes how workers were stopped.
type StopReport struct {
	Drained int // exited after emptying their queue
	Aborted int // stopped at the deadline
	Stuck   int // abandoned inside a handler that had not returned
}

// Pool owns the workers, keyed by subscriber id.
type Pool struct {
	mu      sync.RWMutex
	workers map[event.SubscriberID]*Worker
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{workers: make(map[event.SubscriberID]*Worker)}
}

// Add registers and starts w.
func (p *Pool) Add(id event.SubscriberID, w *Worker) {
	p.mu.Lock()
	p.workers[id] = w
	p.mu.Unlock()
	w.Start()
}

// Get returns the worker for id.
func (p *Pool) Get(id event.SubscriberID) (*Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[id]
	return w, ok
}

// Remove stops the worker for id: drained until ctx ends when drain is
// set, aborted at once otherwise, leaving queued events abandoned. It reports false if id is unknown.
func (p *Pool) Remove(ctx context.Context, id event.SubscriberID, drain bool) (StopReport, bool) {
	p.mu.Lock()
	w, ok := p.workers[id]
	delete(p.workers, id)
	p.mu.Unlock()
	if !ok {
		return StopReport{}, false
	}
	if drain {
		return Stop(ctx, w), true
	}
	var r StopReport
	if w.Abort() {
		r.Stuck++
	} else {
		<-w.Done()
		r.Aborted++
	}
	return r, true
}

// Len returns the number of workers.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Shutdown stops every worker, draining until ctx ends.
func (p *Pool) Shutdown(ctx context.Context) StopReport {
	p.mu.Lock()
	ws := make([]*Worker, 0, len(p.workers))
	for id, w := range p.workers {
		ws = append(ws, w)
		delete(p.workers, id)
	}
	p.mu.Unlock()
	return Stop(ctx, ws...)
}

// Stop closes ws, waits for them to drain until ctx ends, then aborts the
// stragglers. Workers stuck in a handler are not waited for.
func Stop(ctx context.Context, ws ...*Worker) StopReport {
	for _, w := range ws {
		w.Close()
	}

	var r StopReport
	pending := make([]*Worker, 0, len(ws))
	for _, w := range ws {
		if ctx.Err() == nil {
			select {
			case <-w.Done():
				r.Drained++
				continue
			case <-ctx.Done():
			}
		} else {
			select {
			case <-w.Done():
				r.Drained++
				continue
			default:
			}
		}
		pending = append(pending, w)
	}

	for _, w := range pending {
		if w.Abort() {
			r.Stuck++
			continue
		}
		<-w.Done()
		r.Aborted++
	}
	return r
}
