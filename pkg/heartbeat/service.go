package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

// MinInterval is the shortest heartbeat period accepted.
const MinInterval = 5 * time.Second

// Handler runs once per beat.
type Handler func(ctx context.Context)

// Service fires its handler on a schedule until stopped.
type Service struct {
	name     string
	schedule Schedule
	enabled  bool

	mu      sync.Mutex
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
	beats   int
	now     func() time.Time
}

// NewHeartbeatService builds a periodic service. Intervals below
// MinInterval are raised to it.
func NewHeartbeatService(interval time.Duration, enabled bool) *Service {
	if interval < MinInterval {
		interval = MinInterval
	}
	return NewScheduled("heartbeat", Every(interval), enabled)
}

// NewScheduled builds a service that ticks on an arbitrary schedule.
func NewScheduled(name string, schedule Schedule, enabled bool) *Service {
	return &Service{name: name, schedule: schedule, enabled: enabled, now: time.Now}
}

func (s *Service) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Start launches the ticking goroutine. It is a no-op when disabled or
// already running.
func (s *Service) Start() error {
	if !s.enabled {
		logger.InfoCF("heartbeat", "Service disabled", map[string]interface{}{"name": s.name})
		return nil
	}
	if err := s.schedule.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	logger.InfoCF("heartbeat", "Service started", map[string]interface{}{
		"name":     s.name,
		"schedule": s.schedule.String(),
	})
	return nil
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next, err := s.schedule.Next(s.now())
		if err != nil {
			logger.ErrorCF("heartbeat", "Cannot compute next tick", map[string]interface{}{
				"name":  s.name,
				"error": err.Error(),
			})
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Beat(ctx)
		}
	}
}

// Beat runs the handler once, synchronously.
func (s *Service) Beat(ctx context.Context) {
	s.mu.Lock()
	h := s.handler
	s.beats++
	s.mu.Unlock()
	if h == nil {
		return
	}
	h(ctx)
}

// Beats reports how many beats have fired.
func (s *Service) Beats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beats
}

// Stop halts the service and waits for an in-progress beat to return.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	logger.InfoCF("heartbeat", "Service stopped", map[string]interface{}{"name": s.name})
}
