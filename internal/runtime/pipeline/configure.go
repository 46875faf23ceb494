package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/semaphore"

	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/logging"
	"github.com/drblury/pipeflow/internal/runtime/statistics"
	"github.com/drblury/pipeflow/internal/runtime/txn"
)

// target is where a forward leads: a step or an exit.
type target struct {
	step flow.Step
	exit *flow.Exit
}

func (t target) String() string {
	if t.exit != nil {
		return "exit " + t.exit.Path
	}
	return "step " + t.step.Name()
}

type route struct {
	name     string
	step     flow.Step
	forwards map[string]target
	gate     *semaphore.Weighted
	boundary *txn.Boundary
	stats    *stepStats
}

type routingTable struct {
	first   *route
	chain   []*route
	byName  map[string]*route
	special [slotCount]*route
}

// Configure configures every step, resolves all forwards and freezes the
// pipeline. Problems found in different steps are reported together.
// Calling Configure again after success is a no-op.
func (p *Pipeline) Configure(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.configured.Load() {
		return nil
	}
	if len(p.steps) == 0 {
		return flow.NewConfigError(p.name, errpkg.ErrNoSteps)
	}
	if len(p.exits) == 0 {
		def := flow.Exit{Path: DefaultExitPath, State: DefaultExitState}
		p.exits = append(p.exits, def)
		p.exitIndex[def.Path] = def
		p.log.Debug("created default exit", logging.LogFields{"exit": def.Path, "state": def.State})
	}
	if p.firstStep == "" {
		p.firstStep = p.steps[0].Name()
	}
	if _, ok := p.stepIndex[p.firstStep]; !ok {
		return flow.NewConfigError(p.name, fmt.Errorf("%w [%s]", errpkg.ErrUnknownFirstStep, p.firstStep))
	}

	var errs []error
	for i, s := range p.special {
		if s == nil {
			continue
		}
		if err := s.Configure(ctx); err != nil {
			errs = append(errs, flow.NewConfigError(slotNames[i], err))
		}
	}
	for _, s := range p.steps {
		if err := s.Configure(ctx); err != nil {
			errs = append(errs, flow.NewConfigError(s.Name(), err))
		}
	}

	table, err := p.buildTable()
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return err
	}

	p.table = table
	p.boundary = txn.NewBoundary(p.name, p.manager, p.attrs, p.log)
	if p.maxConcurrency > 0 {
		p.gate = semaphore.NewWeighted(int64(p.maxConcurrency))
	}
	p.stats = newPipelineStats(table, p.gate != nil)
	p.reportTopology(table)
	p.configured.Store(true)
	p.log.Info("pipeline configured", logging.LogFields{
		"steps":            len(p.steps),
		"exits":            len(p.exits),
		"first_step":       p.firstStep,
		"fixed_forwarding": p.fixedForwarding,
		"transaction":      p.attrs.Propagation.String(),
	})
	return nil
}

// buildTable must be called with p.mu held.
func (p *Pipeline) buildTable() (*routingTable, error) {
	table := &routingTable{byName: make(map[string]*route, len(p.steps))}
	lastExit := p.exits[0]
	for _, e := range p.exits {
		if e.IsSuccess() {
			lastExit = e
			break
		}
	}

	var errs []error
	for i, s := range p.steps {
		paths := p.declaredForwards(s, &errs)
		if !p.fixedForwarding {
			if i+1 < len(p.steps) {
				next := p.steps[i+1].Name()
				if _, ok := paths[next]; !ok {
					paths[next] = next
				}
				if _, ok := paths[flow.SuccessForward]; !ok {
					paths[flow.SuccessForward] = next
				}
			} else if _, ok := paths[flow.SuccessForward]; !ok {
				paths[flow.SuccessForward] = lastExit.Path
			}
		}
		r := p.newRoute(s.Name(), s)
		r.forwards = p.resolve(s.Name(), paths, &errs)
		table.chain = append(table.chain, r)
		table.byName[r.name] = r
	}

	for i, s := range p.special {
		if s == nil {
			continue
		}
		paths := p.declaredForwards(s, &errs)
		// success continues the run
		delete(paths, flow.SuccessForward)
		r := p.newRoute(slotNames[i], s)
		r.forwards = p.resolve(slotNames[i], paths, &errs)
		table.special[i] = r
	}

	table.first = table.byName[p.firstStep]
	return table, errors.Join(errs...)
}

func (p *Pipeline) declaredForwards(s flow.Step, errs *[]error) map[string]string {
	paths := make(map[string]string)
	for _, f := range s.Forwards() {
		if f.Name == "" {
			*errs = append(*errs, flow.NewConfigError(s.Name(), errpkg.ErrEmptyForwardName))
			continue
		}
		if f.Path == "" {
			*errs = append(*errs, flow.NewConfigError(s.Name(), fmt.Errorf("%w: forward %s", errpkg.ErrEmptyForwardPath, f.Name)))
			continue
		}
		paths[f.Name] = f.Path
	}
	for _, g := range p.globalForwards {
		if _, shadowed := paths[g.Name]; !shadowed {
			paths[g.Name] = g.Path
		}
	}
	return paths
}

// resolve maps forward paths to targets. Exits take precedence over steps
// with the same name.
func (p *Pipeline) resolve(owner string, paths map[string]string, errs *[]error) map[string]target {
	out := make(map[string]target, len(paths))
	for name, path := range paths {
		if e, ok := p.exitIndex[path]; ok {
			out[name] = target{exit: &e}
			continue
		}
		if s, ok := p.stepIndex[path]; ok {
			out[name] = target{step: s}
			continue
		}
		*errs = append(*errs, flow.NewConfigError(owner, fmt.Errorf("%w: forward [%s] to [%s]", errpkg.ErrUnresolvedForward, name, path)))
	}
	return out
}

func (p *Pipeline) newRoute(name string, s flow.Step) *route {
	r := &route{name: name, step: s}
	if n := s.MaxConcurrency(); n > 0 {
		r.gate = semaphore.NewWeighted(int64(n))
	}
	if ts, ok := s.(txn.Transactional); ok {
		r.boundary = txn.NewBoundary(name, p.manager, ts.TransactionAttributes(), p.log)
	}
	return r
}

// reportTopology logs cycles and steps whose success forward was wired
// implicitly although they declare other forwards.
func (p *Pipeline) reportTopology(table *routingTable) {
	g, err := buildGraph(table, p.exits)
	if err != nil {
		p.log.Error("failed to build routing graph", err, nil)
		return
	}
	for _, cycle := range findCycles(g, table) {
		logging.Warn(p.log, "routing cycle detected, make sure every loop has an exit", logging.LogFields{"cycle": strings.Join(cycle, " -> ")})
	}
	if p.fixedForwarding {
		return
	}
	for _, s := range p.steps {
		declared := s.Forwards()
		if len(declared) == 0 {
			continue
		}
		hasSuccess := false
		for _, f := range declared {
			if f.Name == flow.SuccessForward {
				hasSuccess = true
				break
			}
		}
		if !hasSuccess {
			p.log.Debug("success forward wired to the next declared step", logging.LogFields{
				"step":   s.Name(),
				"target": table.byName[s.Name()].forwards[flow.SuccessForward].String(),
			})
		}
	}
}

type stepStats struct {
	duration *statistics.Keeper
	wait     *statistics.Keeper
	sizeIn   *statistics.Keeper
	sizeOut  *statistics.Keeper
}

func newStepStats(name string, gated bool) *stepStats {
	st := &stepStats{
		duration: statistics.NewKeeper(name),
		sizeIn:   statistics.NewSizeKeeper(name + " (in)"),
		sizeOut:  statistics.NewSizeKeeper(name + " (out)"),
	}
	if gated {
		st.wait = statistics.NewKeeper(name)
	}
	return st
}

type pipelineStats struct {
	request  *statistics.Keeper
	wait     *statistics.Keeper
	duration *statistics.Keeper
}

func newPipelineStats(table *routingTable, gated bool) *pipelineStats {
	for _, r := range table.special {
		if r != nil {
			r.stats = newStepStats(r.name, r.gate != nil)
		}
	}
	for _, r := range table.chain {
		r.stats = newStepStats(r.name, r.gate != nil)
	}
	ps := &pipelineStats{
		request:  statistics.NewSizeKeeper("- pipeline in"),
		duration: statistics.NewKeeper("- pipeline"),
	}
	if gated {
		ps.wait = statistics.NewKeeper("- pipeline")
	}
	return ps
}
