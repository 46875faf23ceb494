package pipeline

import (
	"github.com/drblury/pipeflow/internal/runtime/statistics"
)

// Statistics group names.
const (
	GroupPipeStats = "pipeStats"
	GroupWaitStats = "waitStats"
	GroupSizeStats = "sizeStats"
)

// IterateStatistics reports, in order: durations of the validators and
// wrappers, durations of each step in declared order followed by the
// step's own statistics, admission wait times, and message sizes.
func (p *Pipeline) IterateStatistics(h statistics.Handler, action statistics.Action) error {
	if !p.configured.Load() {
		return nil
	}
	t := p.table
	if err := statistics.Group(h, GroupPipeStats, statistics.KindPipeline, func() error {
		for _, r := range t.special {
			if r == nil {
				continue
			}
			if err := statistics.Visit(h, r.stats.duration, action); err != nil {
				return err
			}
		}
		if err := statistics.Visit(h, p.stats.duration, action); err != nil {
			return err
		}
		for _, r := range t.chain {
			if err := statistics.Visit(h, r.stats.duration, action); err != nil {
				return err
			}
			if src, ok := r.step.(statistics.Source); ok {
				if err := statistics.Group(h, r.name, statistics.KindStep, func() error {
					return src.IterateStatistics(h, action)
				}); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := statistics.Group(h, GroupWaitStats, statistics.KindPipeline, func() error {
		if err := statistics.Visit(h, p.stats.wait, action); err != nil {
			return err
		}
		for _, r := range t.routes() {
			if err := statistics.Visit(h, r.stats.wait, action); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	return statistics.Group(h, GroupSizeStats, statistics.KindSize, func() error {
		if err := statistics.Visit(h, p.stats.request, action); err != nil {
			return err
		}
		for _, r := range t.routes() {
			if err := statistics.Visit(h, r.stats.sizeIn, action); err != nil {
				return err
			}
			if err := statistics.Visit(h, r.stats.sizeOut, action); err != nil {
				return err
			}
		}
		return nil
	})
}

// routes returns the special routes followed by the chain.
func (t *routingTable) routes() []*route {
	out := make([]*route, 0, len(t.chain)+int(slotCount))
	for _, r := range t.special {
		if r != nil {
			out = append(out, r)
		}
	}
	return append(out, t.chain...)
}

// StepKeeper returns the duration keeper of a step or of a validator or
// wrapper by its reporting name.
func (p *Pipeline) StepKeeper(name string) (*statistics.Keeper, bool) {
	if !p.configured.Load() {
		return nil, false
	}
	for _, r := range p.table.routes() {
		if r.name == name {
			return r.stats.duration, true
		}
	}
	return nil, false
}

// WaitKeeper returns the admission wait keeper of a gated step.
func (p *Pipeline) WaitKeeper(name string) (*statistics.Keeper, bool) {
	if !p.configured.Load() {
		return nil, false
	}
	for _, r := range p.table.routes() {
		if r.name == name && r.stats.wait != nil {
			return r.stats.wait, true
		}
	}
	return nil, false
}
