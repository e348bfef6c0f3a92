package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

type job struct {
	name string
	fn   func(ctx context.Context)
}

// Deferred runs background jobs one at a time in submission order. Submitting never
// blocks, so callers can flip visible state first and leave cleanup to the queue.
// A job that panics is logged and the queue keeps going.
type Deferred struct {
	mu      sync.Mutex
	queue   []job
	pending int
	waiters []chan struct{}
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	closed  bool
}

func NewDeferred() *Deferred {
	d := &Deferred{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// Go enqueues fn. After Close it is dropped with a warning.
func (d *Deferred) Go(name string, fn func(ctx context.Context)) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		log.Warn().Str("job", name).Msg("Deferred queue closed, dropping job")
		return
	}
	d.queue = append(d.queue, job{name: name, fn: fn})
	d.pending++
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Flush waits until every job submitted so far, and every job those jobs submit, has run.
func (d *Deferred) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.pending == 0 {
		d.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	d.waiters = append(d.waiters, ch)
	d.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close runs what is already queued, then stops the worker.
func (d *Deferred) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.quit)
	<-d.done
}

func (d *Deferred) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-d.wake:
			case <-d.quit:
			}
			continue
		}
		j := d.queue[0]
		d.queue[0] = job{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.exec(j)

		d.mu.Lock()
		d.pending--
		if d.pending == 0 {
			for _, w := range d.waiters {
				close(w)
			}
			d.waiters = nil
		}
		d.mu.Unlock()
	}
}

func (d *Deferred) exec(j job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job", j.name).Interface("panic", r).Msg("Deferred job panicked")
		}
	}()
	j.fn(context.Background())
}
