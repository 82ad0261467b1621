// Package worker provides an elastic goroutine pool for update processing.
// Updates for the same dialog may run concurrently; no per-key serialization
// is applied.
package worker

import (
	"sync"
	"time"
)

// Job is one unit of update processing. It is an alias so values and
// methods taking Job interchange freely with plain func().
type Job = func()

type workerMeta struct {
	ch        chan Job
	lastUsed  time.Time
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

// Pool grows up to max workers under load and shrinks back to min after
// idle expiry. A nil job stops the receiving worker.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*workerMeta
	metadata map[chan Job]*workerMeta
	min      int
	max      int
	running  int
	expiry   time.Duration
}

const defaultWorkerIdle = 30 * time.Second

func NewPool(minWorkers, maxWorkers int, idle time.Duration) *Pool {
	if minWorkers < 0 {
		minWorkers = 0
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	p := &Pool{
		metadata: make(map[chan Job]*workerMeta),
		min:      minWorkers,
		max:      maxWorkers,
		expiry:   idle,
	}
	p.cond = sync.NewCond(&p.mu)
	go p.purgeStaleWorkers()
	return p
}

// Submit blocks until a worker is available, then hands it the job.
func (p *Pool) Submit(job Job) {
	if job == nil {
		return
	}
	ch := p.acquire()
	ch <- job
}

// acquire get an idle worker, or spawn a new one
func (p *Pool) acquire() chan Job {
	for {
		p.mu.Lock()
		if meta := p.popIdleLocked(); meta != nil {
			p.mu.Unlock()
			return meta.ch
		}
		if p.running < p.max {
			ch := make(chan Job)
			p.metadata[ch] = &workerMeta{ch: ch}
			p.running++
			p.mu.Unlock()
			go p.runWorker(ch)
			return ch
		}
		p.cond.Wait()
		p.mu.Unlock()
	}
}

func (p *Pool) runWorker(ch chan Job) {
	for job := range ch {
		if job == nil {
			p.retire(ch)
			return
		}
		job()
		p.release(ch)
	}
}

// release add an idle worker back into the pool
func (p *Pool) release(ch chan Job) {
	p.mu.Lock()
	meta, ok := p.metadata[ch]
	if !ok || meta.discarded || meta.enqueued {
		p.mu.Unlock()
		return
	}
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	p.cond.Signal()
}

// retire delete a worker
func (p *Pool) retire(ch chan Job) {
	p.mu.Lock()
	if meta, ok := p.metadata[ch]; ok {
		delete(p.metadata, ch)
		meta.discarded = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// popIdleLocked check if pool has an idle worker, then return
func (p *Pool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[0]
		p.idle = p.idle[1:]
		if meta.discarded {
			continue
		}
		meta.enqueued = false
		return meta
	}
	return nil
}

// purgeStaleWorkers call shutdownExpired when expiry time comes
func (p *Pool) purgeStaleWorkers() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		<-ticker.C
		p.shutdownExpired()
	}
}

// shutdownExpired retire all the expired workers
func (p *Pool) shutdownExpired() {
	var stale []*workerMeta
	now := time.Now()

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0] // keep the original array
	for _, meta := range p.idle {
		if meta.discarded {
			continue
		}
		if now.Sub(meta.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			meta.discarded = true
			meta.enqueued = false
			stale = append(stale, meta)
			continue
		}
		remaining = append(remaining, meta)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, meta := range stale {
		meta.ch <- nil
	}
}
