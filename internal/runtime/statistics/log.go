package statistics

import (
	"strings"
	"sync"

	"github.com/drblury/pipeflow/internal/runtime/logging"
)

// LogHandler writes every scalar and distribution as one info entry.
type LogHandler struct {
	log logging.ServiceLogger

	mu    sync.Mutex
	stack []string
}

// NewLogHandler returns a handler that logs through log.
func NewLogHandler(log logging.ServiceLogger) *LogHandler {
	return &LogHandler{log: logging.OrNop(log).With(logging.LogFields{"component": "statistics"})}
}

// OpenGroup implements Handler.
func (l *LogHandler) OpenGroup(name, _ string) error {
	l.mu.Lock()
	l.stack = append(l.stack, name)
	l.mu.Unlock()
	return nil
}

// CloseGroup implements Handler.
func (l *LogHandler) CloseGroup() error {
	l.mu.Lock()
	if len(l.stack) > 0 {
		l.stack = l.stack[:len(l.stack)-1]
	}
	l.mu.Unlock()
	return nil
}

// HandleScalar implements Handler.
func (l *LogHandler) HandleScalar(name string, value any) error {
	l.log.Info("statistics scalar", logging.LogFields{"group": l.path(), "name": name, "value": value})
	return nil
}

// HandleDistribution implements Handler.
func (l *LogHandler) HandleDistribution(s Snapshot) error {
	l.log.Info("statistics distribution", logging.LogFields{
		"group":          l.path(),
		"name":           s.Name,
		"unit":           s.Unit,
		"count":          s.Lifetime.Count,
		"avg":            s.Lifetime.Avg,
		"max":            s.Lifetime.Max,
		"p95":            s.Lifetime.Percentiles.P95,
		"interval_count": s.Interval.Count,
		"interval_avg":   s.Interval.Avg,
	})
	return nil
}

// Reset forgets any unbalanced groups left by a failed iteration.
func (l *LogHandler) Reset() {
	l.mu.Lock()
	l.stack = nil
	l.mu.Unlock()
}

func (l *LogHandler) path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.stack, "/")
}
