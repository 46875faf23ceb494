package adapter

import (
	"time"

	"github.com/drblury/pipeflow/internal/runtime/runstate"
	"github.com/drblury/pipeflow/internal/runtime/statistics"
)

// Group names used when iterating adapter statistics.
const (
	GroupHourly    = "processing by hour"
	GroupReceivers = "receivers"
	GroupPipeline  = "pipeline"
)

// IterateStatistics reports, inside a group named after the adapter: the
// adapter scalars and duration, the hourly histogram and, for every action
// but none, the receivers, the result cache and the pipeline. Lifetime
// values are never cleared by an action.
func (a *Adapter) IterateStatistics(h statistics.Handler, action statistics.Action) error {
	return statistics.Group(h, a.name, statistics.KindAdapter, func() error {
		if err := a.iterateSummary(h, action); err != nil {
			return err
		}
		if !action.Deep() {
			return nil
		}

		if err := statistics.Group(h, GroupReceivers, statistics.KindReceivers, func() error {
			for _, r := range a.Receivers() {
				src, ok := r.(statistics.Source)
				if !ok {
					continue
				}
				if err := statistics.Group(h, r.Name(), statistics.KindReceiver, func() error {
					return src.IterateStatistics(h, action)
				}); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}

		if c := a.pipeline.Cache(); c != nil {
			if err := c.IterateStatistics(h, action); err != nil {
				return err
			}
		}
		return statistics.Group(h, GroupPipeline, statistics.KindPipeline, func() error {
			return a.pipeline.IterateStatistics(h, action)
		})
	})
}

// iterateSummary holds mu so the counters and the in-process count are
// reported as one consistent view.
func (a *Adapter) iterateSummary(h statistics.Handler, action statistics.Action) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := statistics.ScalarTime(h, "upSince", a.upSince); err != nil {
		return err
	}
	if err := statistics.ScalarTime(h, "lastMessageDate", a.lastMessage); err != nil {
		return err
	}
	if err := h.HandleScalar("messagesInProcess", a.inProcess); err != nil {
		return err
	}
	if err := a.processed.Report(h, action); err != nil {
		return err
	}
	if err := a.inError.Report(h, action); err != nil {
		return err
	}
	if err := statistics.Visit(h, a.duration, action); err != nil {
		return err
	}

	counts := a.hourly.Counts()
	return statistics.Group(h, GroupHourly, statistics.KindHourly, func() error {
		for i, n := range counts {
			if err := h.HandleScalar(statistics.HourKey(i), n); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReceiverStatus is the run state of one receiver.
type ReceiverStatus struct {
	Name  string         `json:"name"`
	State runstate.State `json:"state"`
}

// Status is a point-in-time view of an adapter.
type Status struct {
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	State             runstate.State   `json:"state"`
	Configured        bool             `json:"configured"`
	MessagesInProcess int64            `json:"messages_in_process"`
	MessagesProcessed int64            `json:"messages_processed"`
	MessagesInError   int64            `json:"messages_in_error"`
	UpSince           time.Time        `json:"up_since"`
	LastMessage       time.Time        `json:"last_message,omitempty"`
	LastOutcome       string           `json:"last_outcome,omitempty"`
	Receivers         []ReceiverStatus `json:"receivers"`
}

// Status returns the current status.
func (a *Adapter) Status() Status {
	receivers := a.Receivers()
	st := Status{
		Name:        a.name,
		Description: a.description,
		State:       a.state.Get(),
		Configured:  a.configured.Load(),
		Receivers:   make([]ReceiverStatus, 0, len(receivers)),
	}
	for _, r := range receivers {
		st.Receivers = append(st.Receivers, ReceiverStatus{Name: r.Name(), State: r.RunState()})
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	st.MessagesInProcess = a.inProcess
	st.MessagesProcessed = a.processed.Value()
	st.MessagesInError = a.inError.Value()
	st.UpSince = a.upSince
	st.LastMessage = a.lastMessage
	st.LastOutcome = a.lastOutcome
	return st
}
