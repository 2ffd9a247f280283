package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

// Kind names the work a job performs.
type Kind string

const (
	KindResponse          Kind = "response"
	KindTraitExtraction   Kind = "trait-extraction"
	KindPersonaGeneration Kind = "persona-generation"
	KindDrift             Kind = "drift"
)

// DefaultMaxConcurrent bounds how many personas run work at once.
const DefaultMaxConcurrent = 4

// ErrRequeue returned by a handler puts the job back at the head of its
// persona's queue instead of dropping it.
var ErrRequeue = errors.New("scheduler: requeue job")

// ErrStopped is returned by Enqueue once Stop has been called.
var ErrStopped = errors.New("scheduler: stopped")

// Job is one unit of persona work.
type Job struct {
	ID         string            `json:"id"`
	PersonaID  string            `json:"persona_id"`
	Kind       Kind              `json:"kind"`
	Trigger    time.Time         `json:"trigger,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	Payload    map[string]string `json:"payload,omitempty"`
}

// Handler executes one job. A handler may move Trigger forward; the
// extraction that follows a successful response inherits it.
type Handler func(ctx context.Context, job *Job) error

// Options configure a Scheduler.
type Options struct {
	MaxConcurrent int
	// Eligible reports whether queued work for a persona may start.
	Eligible func(personaID string) bool
	// Known reports whether a persona still exists. Follow-up and restored
	// jobs for unknown personas are discarded.
	Known func(personaID string) bool
	Now   func() time.Time
}

// Scheduler runs jobs in FIFO order per persona with at most one job in
// flight per persona. Distinct personas run concurrently.
type Scheduler struct {
	mu       sync.Mutex
	queues   map[string][]Job
	running  map[string]Job
	handlers map[Kind]Handler
	eligible func(string) bool
	known    func(string) bool
	now      func() time.Time
	sem      *semaphore.Weighted
	stopped  bool
	changed  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Eligible == nil {
		opts.Eligible = func(string) bool { return true }
	}
	if opts.Known == nil {
		opts.Known = func(string) bool { return true }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		queues:   map[string][]Job{},
		running:  map[string]Job{},
		handlers: map[Kind]Handler{},
		eligible: opts.Eligible,
		known:    opts.Known,
		now:      opts.Now,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		changed:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle registers the handler for a job kind.
func (s *Scheduler) Handle(kind Kind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Enqueue appends a job to its persona's queue. It does not start work;
// call Drain for that.
func (s *Scheduler) Enqueue(job Job) (Job, error) {
	if job.PersonaID == "" {
		return Job{}, fmt.Errorf("scheduler: job has no persona")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return Job{}, ErrStopped
	}
	return s.enqueueLocked(job), nil
}

func (s *Scheduler) enqueueLocked(job Job) Job {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = s.now()
	}
	// A queued extraction already covers earlier messages; widen its window.
	if job.Kind == KindTraitExtraction {
		q := s.queues[job.PersonaID]
		for i := range q {
			if q[i].Kind == KindTraitExtraction {
				if job.Trigger.After(q[i].Trigger) {
					q[i].Trigger = job.Trigger
				}
				return q[i]
			}
		}
	}
	s.queues[job.PersonaID] = append(s.queues[job.PersonaID], job)
	s.notifyLocked()
	return job
}

// Drain starts the head job of every idle, eligible persona queue.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainLocked()
}

func (s *Scheduler) drainLocked() {
	if s.stopped {
		return
	}
	ids := make([]string, 0, len(s.queues))
	for id, q := range s.queues {
		if len(q) > 0 {
			ids = append(ids, id)
		}
	}
	// Oldest head first so no persona starves behind a busy one.
	sort.Slice(ids, func(i, j int) bool {
		return s.queues[ids[i]][0].EnqueuedAt.Before(s.queues[ids[j]][0].EnqueuedAt)
	})
	for _, id := range ids {
		if _, busy := s.running[id]; busy {
			continue
		}
		if !s.eligible(id) {
			continue
		}
		q := s.queues[id]
		job := q[0]
		if len(q) == 1 {
			delete(s.queues, id)
		} else {
			s.queues[id] = q[1:]
		}
		s.running[id] = job
		s.wg.Add(1)
		go s.run(job)
	}
}

func (s *Scheduler) run(job Job) {
	defer s.wg.Done()

	err := s.sem.Acquire(s.ctx, 1)
	if err == nil {
		err = s.execute(&job)
		s.sem.Release(1)
	} else {
		err = ErrRequeue
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, job.PersonaID)

	switch {
	case errors.Is(err, ErrRequeue):
		s.queues[job.PersonaID] = append([]Job{job}, s.queues[job.PersonaID]...)
	case err != nil:
		logger.WarnCF("scheduler", "Job failed", map[string]interface{}{
			"job_id":     job.ID,
			"persona_id": job.PersonaID,
			"kind":       string(job.Kind),
			"error":      err.Error(),
		})
	case job.Kind != KindResponse:
	case s.known(job.PersonaID):
		s.enqueueLocked(Job{PersonaID: job.PersonaID, Kind: KindTraitExtraction, Trigger: job.Trigger})
	default:
		logger.DebugCF("scheduler", "Skipping follow-up for unknown persona", map[string]interface{}{
			"job_id":     job.ID,
			"persona_id": job.PersonaID,
		})
	}
	s.notifyLocked()
	if !errors.Is(err, ErrRequeue) {
		s.drainLocked()
	}
}

func (s *Scheduler) execute(job *Job) (err error) {
	s.mu.Lock()
	h, ok := s.handlers[job.Kind]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler for job kind %q", job.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	started := s.now()
	logger.DebugCF("scheduler", "Job started", map[string]interface{}{
		"job_id":     job.ID,
		"persona_id": job.PersonaID,
		"kind":       string(job.Kind),
	})
	err = h(s.ctx, job)
	logger.DebugCF("scheduler", "Job finished", map[string]interface{}{
		"job_id":      job.ID,
		"kind":        string(job.Kind),
		"duration_ms": s.now().Sub(started).Milliseconds(),
		"ok":          err == nil,
	})
	return err
}

func (s *Scheduler) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// idleLocked reports whether nothing runs and nothing eligible is queued.
func (s *Scheduler) idleLocked() bool {
	if len(s.running) > 0 {
		return false
	}
	if s.stopped {
		return true
	}
	for id, q := range s.queues {
		if len(q) > 0 && s.eligible(id) {
			return false
		}
	}
	return true
}

// Wait blocks until the scheduler is idle. Jobs held back by the
// eligibility predicate do not count.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.idleLocked() {
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.drainLocked()
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Settle blocks until no job is in flight. Unlike Wait it starts nothing.
func (s *Scheduler) Settle(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.running) == 0 {
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pending returns every queued job, oldest first. In-flight jobs are not
// included.
func (s *Scheduler) Pending() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, q := range s.queues {
		out = append(out, q...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// Snapshot returns the jobs in flight together with every queued job. Each
// in-flight job precedes its persona's queue, so restoring a snapshot reruns
// work that had not finished when it was taken.
func (s *Scheduler) Snapshot() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	lists := map[string][]Job{}
	for id, job := range s.running {
		lists[id] = append(lists[id], job)
	}
	for id, q := range s.queues {
		lists[id] = append(lists[id], q...)
	}
	ids := make([]string, 0, len(lists))
	for id, l := range lists {
		if len(l) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := lists[ids[i]][0], lists[ids[j]][0]
		if a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return ids[i] < ids[j]
		}
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	})
	var out []Job
	for _, id := range ids {
		out = append(out, lists[id]...)
	}
	return out
}

// PendingFor returns the queued jobs of one persona in order.
func (s *Scheduler) PendingFor(personaID string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.queues[personaID]...)
}

// Running reports whether a persona has a job in flight.
func (s *Scheduler) Running(personaID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[personaID]
	return ok
}

// Restore re-queues jobs captured by Pending.
func (s *Scheduler) Restore(jobs []Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if j.PersonaID == "" || !s.known(j.PersonaID) {
			continue
		}
		s.enqueueLocked(j)
	}
}

// Drop discards queued jobs for a persona and returns how many were removed.
func (s *Scheduler) Drop(personaID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queues[personaID])
	delete(s.queues, personaID)
	if n > 0 {
		s.notifyLocked()
	}
	return n
}

// Stop refuses new work and waits for in-flight jobs. If ctx ends first the
// in-flight jobs are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.notifyLocked()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// Abort cancels in-flight jobs immediately and waits for them to return.
func (s *Scheduler) Abort() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
