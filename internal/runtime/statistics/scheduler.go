package statistics

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/drblury/pipeflow/internal/runtime/logging"
)

// Scheduler periodically walks a Source through a set of handlers.
type Scheduler struct {
	spec     string
	src      Source
	action   Action
	handler  Handler
	handlers []Handler
	log      logging.ServiceLogger

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

// NewScheduler validates spec (standard five field cron syntax or a
// descriptor such as "@every 1h") and prepares a scheduler. The action is
// applied once per run no matter how many handlers there are.
func NewScheduler(spec string, src Source, action Action, log logging.ServiceLogger, handlers ...Handler) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("pipeflow: invalid statistics schedule %q: %w", spec, err)
	}
	if src == nil {
		return nil, fmt.Errorf("pipeflow: statistics schedule %q has no source", spec)
	}
	return &Scheduler{
		spec:     spec,
		src:      src,
		action:   action,
		handler:  Multi(handlers...),
		handlers: handlers,
		log:      logging.OrNop(log).With(logging.LogFields{"component": "statistics-scheduler"}),
	}, nil
}

// Start schedules the job. Calling Start twice is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	id, err := c.AddFunc(s.spec, s.RunNow)
	if err != nil {
		return err
	}
	s.cron, s.entryID = c, id
	c.Start()
	s.log.Info("statistics schedule started", logging.LogFields{"schedule": s.spec, "action": s.action.String()})
	return nil
}

// Stop removes the job and waits for a running dump to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	c.Remove(s.entryID)
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunNow performs one dump immediately.
func (s *Scheduler) RunNow() {
	for _, h := range s.handlers {
		if r, ok := h.(interface{ Reset() }); ok {
			r.Reset()
		}
	}
	if err := s.src.IterateStatistics(s.handler, s.action); err != nil {
		s.log.Error("statistics dump failed", err, nil)
	}
}
