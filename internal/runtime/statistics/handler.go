package statistics

import (
	"errors"
	"fmt"
	"time"
)

// Group kinds used by the runtime.
const (
	KindAdapter   = "adapter"
	KindHourly    = "hourly"
	KindReceivers = "receivers"
	KindReceiver  = "receiver"
	KindCache     = "cache"
	KindPipeline  = "pipeline"
	KindStep      = "step"
	KindSize      = "size"
	KindGroup     = "group"
)

// Handler receives statistics in iteration order. Groups nest.
type Handler interface {
	OpenGroup(name, kind string) error
	CloseGroup() error
	// HandleScalar receives an int64 or a time.Time.
	HandleScalar(name string, value any) error
	HandleDistribution(s Snapshot) error
}

// Source is anything that can walk its statistics through a Handler.
type Source interface {
	IterateStatistics(h Handler, action Action) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(h Handler, action Action) error

// IterateStatistics implements Source.
func (f SourceFunc) IterateStatistics(h Handler, action Action) error { return f(h, action) }

// Visit applies action to k and reports the state it had right before.
func Visit(h Handler, k *Keeper, action Action) error {
	if k == nil {
		return nil
	}
	return h.HandleDistribution(k.SnapshotAndApply(action))
}

// Group opens a group, runs fn and closes the group even when fn fails.
func Group(h Handler, name, kind string, fn func() error) error {
	if err := h.OpenGroup(name, kind); err != nil {
		return err
	}
	err := fn()
	return errors.Join(err, h.CloseGroup())
}

// ScalarTime reports t as a scalar; zero times are skipped.
func ScalarTime(h Handler, name string, t time.Time) error {
	if t.IsZero() {
		return nil
	}
	return h.HandleScalar(name, t)
}

// ScalarValue normalises a scalar into an int64 and reports whether it is
// numeric. Times become unix milliseconds.
func ScalarValue(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case time.Time:
		return v.UnixMilli(), true
	default:
		return 0, false
	}
}

// Multi fans every event out to all handlers in order.
func Multi(handlers ...Handler) Handler {
	return multiHandler(handlers)
}

type multiHandler []Handler

func (m multiHandler) OpenGroup(name, kind string) error {
	return m.each(func(h Handler) error { return h.OpenGroup(name, kind) })
}

func (m multiHandler) CloseGroup() error {
	return m.each(func(h Handler) error { return h.CloseGroup() })
}

func (m multiHandler) HandleScalar(name string, value any) error {
	return m.each(func(h Handler) error { return h.HandleScalar(name, value) })
}

func (m multiHandler) HandleDistribution(s Snapshot) error {
	return m.each(func(h Handler) error { return h.HandleDistribution(s) })
}

func (m multiHandler) each(fn func(Handler) error) error {
	var errs []error
	for i, h := range m {
		if err := fn(h); err != nil {
			errs = append(errs, fmt.Errorf("handler %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
