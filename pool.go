package main

import (
	"fmt"
	"sync"
	"time"
)

// Pool keeps a reserve of warm worker processes for one backend command so
// acquisition is usually instant. It never makes a caller wait on another:
// when the reserve is empty, Acquire spawns a fresh worker synchronously for
// that caller instead of queueing.
type Pool struct {
	backend string
	command string
	args    []string
	env     map[string]string
	min     int

	// idle and spawning are consulted together when deciding whether a
	// replacement is still needed, so both live under the same mutex.
	mu       sync.Mutex
	idle     []*Worker
	spawning int
	closed   bool

	logger  *Logger
	metrics *Metrics
}

// NewPool creates a pool for one named backend. No workers are spawned
// until Initialize.
func NewPool(name string, cfg BackendConfig, logger *Logger, metrics *Metrics) *Pool {
	return &Pool{
		backend: name,
		command: cfg.Command,
		args:    cfg.Args,
		env:     cfg.Env,
		min:     cfg.MinPoolSize,
		logger:  logger.WithPrefix("pool " + name),
		metrics: metrics,
	}
}

// Min returns the configured minimum idle size.
func (p *Pool) Min() int {
	return p.min
}

// Initialize pre-warms the pool: it spawns exactly min workers concurrently
// and waits for all of them. Any spawn failure is fatal — the gateway must
// not advertise a route it cannot staff — and already-started workers are
// torn down again.
func (p *Pool) Initialize() error {
	workers := make([]*Worker, p.min)
	errs := make([]error, p.min)

	var wg sync.WaitGroup
	for i := 0; i < p.min; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			workers[i], errs[i] = p.spawn()
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			for _, w := range workers {
				if w != nil {
					w.Kill()
				}
			}
			return fmt.Errorf("pool %q: %w", p.backend, err)
		}
	}

	p.mu.Lock()
	p.idle = append(p.idle, workers...)
	p.syncIdleGauge()
	p.mu.Unlock()

	p.logger.Info("warmed with %d workers", p.min)
	return nil
}

// Acquire hands out one live worker, transferring ownership to the caller.
// A warm worker is popped from the reserve and a replacement is spawned in
// the background; a worker that died while idle is discarded and the next
// one tried. An empty reserve spawns synchronously for this caller only. A
// spawn error on the synchronous path propagates — the session is refused,
// nothing else is affected.
func (p *Pool) Acquire() (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool %q is shut down", p.backend)
	}
	for n := len(p.idle); n > 0; n = len(p.idle) {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		if w.Dead() {
			// The process died while sitting in the reserve. It must never
			// reach a session; discard it and try the next one.
			p.syncIdleGauge()
			p.logger.Warn("discarding dead idle worker %d", w.Pid)
			w.Kill()
			continue
		}
		p.syncIdleGauge()
		p.mu.Unlock()

		go p.replenish()
		return w, nil
	}
	p.mu.Unlock()

	p.logger.Debug("reserve empty, spawning on demand")
	w, err := p.spawn()
	if err != nil {
		return nil, err
	}
	// An earlier replenish failure leaves the reserve short; every
	// acquisition is a fresh chance to heal it.
	go p.replenish()
	return w, nil
}

// replenish tops the reserve back up after an acquisition. One detached
// attempt per call; a failure is logged and not retried — the pool stays
// under-provisioned until the next acquisition triggers another attempt.
func (p *Pool) replenish() {
	p.mu.Lock()
	if p.closed || len(p.idle)+p.spawning >= p.min {
		p.mu.Unlock()
		return
	}
	p.spawning++
	p.mu.Unlock()

	w, err := p.spawn()

	p.mu.Lock()
	p.spawning--
	if err != nil {
		p.mu.Unlock()
		p.logger.Error("replenish failed: %v", err)
		return
	}
	// Re-check at completion: concurrent replenishers must not push the
	// reserve past the minimum, and a closed pool takes no new workers.
	if p.closed || len(p.idle) >= p.min {
		p.mu.Unlock()
		w.Kill()
		return
	}
	p.idle = append(p.idle, w)
	p.syncIdleGauge()
	p.mu.Unlock()

	p.logger.Debug("replenished with worker %d", w.Pid)
}

// spawn launches one worker process and records spawn latency.
func (p *Pool) spawn() (*Worker, error) {
	start := time.Now()

	w, err := startWorker(p.backend, p.command, p.args, p.env, p.logger)
	if err != nil {
		p.metrics.spawnErrors.WithLabelValues(p.backend).Inc()
		return nil, err
	}

	elapsed := time.Since(start)
	p.metrics.spawnDuration.WithLabelValues(p.backend).Observe(elapsed.Seconds())
	p.metrics.workersSpawned.WithLabelValues(p.backend).Inc()

	p.logger.Debug("spawned worker %d in %v", w.Pid, elapsed)
	return w, nil
}

// IdleCount returns the current size of the warm reserve.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Shutdown terminates every idle worker and clears the reserve. Workers
// already bound to sessions die with their sessions.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.syncIdleGauge()
	p.mu.Unlock()

	for _, w := range idle {
		w.Kill()
	}
	p.logger.Info("shut down, %d idle workers terminated", len(idle))
}

// syncIdleGauge publishes the reserve size. Callers hold p.mu.
func (p *Pool) syncIdleGauge() {
	p.metrics.workersIdle.WithLabelValues(p.backend).Set(float64(len(p.idle)))
}
