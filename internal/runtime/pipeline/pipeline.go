// Package pipeline drives a message through a chain of named steps. Each
// step picks the next hop by returning a forward name; the run ends when a
// forward resolves to an exit.
//
// Routing is resolved once by Configure and is read-only afterwards. Cycles
// are allowed and are not guarded at run time: a configuration in which
// steps keep forwarding to each other never terminates, so operators must
// make sure every loop has a way out. Configure logs the cycles it finds.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/drblury/pipeflow/internal/runtime/cache"
	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/logging"
	"github.com/drblury/pipeflow/internal/runtime/txn"
)

// Names under which the optional wrapper and validator steps report.
const (
	InputWrapperName    = "- pipeline inputWrapper"
	InputValidatorName  = "- pipeline inputValidator"
	OutputValidatorName = "- pipeline outputValidator"
	OutputWrapperName   = "- pipeline outputWrapper"
)

// Default exit created when none is registered.
const (
	DefaultExitPath  = "READY"
	DefaultExitState = flow.StateSuccess
)

type specialSlot int

const (
	slotInputValidator specialSlot = iota
	slotOutputValidator
	slotInputWrapper
	slotOutputWrapper
	slotCount
)

var slotNames = [slotCount]string{InputValidatorName, OutputValidatorName, InputWrapperName, OutputWrapperName}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(log logging.ServiceLogger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithFirstStep names the step a run starts at. Defaults to the first
// added step.
func WithFirstStep(name string) Option {
	return func(p *Pipeline) { p.firstStep = name }
}

// WithFixedForwarding disables every implicit forward: steps only follow
// the forwards they and the pipeline declare.
func WithFixedForwarding(fixed bool) Option {
	return func(p *Pipeline) { p.fixedForwarding = fixed }
}

// WithTransaction sets the transaction attributes of whole runs.
func WithTransaction(attrs txn.Attributes) Option {
	return func(p *Pipeline) { p.attrs = attrs }
}

// WithTransactionManager sets the manager used by every boundary of the
// pipeline. Defaults to txn.NopManager.
func WithTransactionManager(m txn.Manager) Option {
	return func(p *Pipeline) { p.manager = m }
}

// WithMaxConcurrency limits simultaneous runs; 0 means unlimited.
func WithMaxConcurrency(n int) Option {
	return func(p *Pipeline) { p.maxConcurrency = n }
}

// WithMessageSizeWarning logs a warning for inputs larger than bytes.
func WithMessageSizeWarning(bytes int64) Option {
	return func(p *Pipeline) { p.sizeWarning = bytes }
}

// WithCache caches successful results by input content.
func WithCache(c cache.Cache) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.cache = cache.Observe("resultCache", c)
		}
	}
}

// WithInputValidator sets a step that validates input before the first step.
func WithInputValidator(s flow.Step) Option {
	return func(p *Pipeline) { p.setSpecial(slotInputValidator, s) }
}

// WithOutputValidator sets a step that validates the result of success exits.
func WithOutputValidator(s flow.Step) Option {
	return func(p *Pipeline) { p.setSpecial(slotOutputValidator, s) }
}

// WithInputWrapper sets a step that transforms input before validation.
func WithInputWrapper(s flow.Step) Option {
	return func(p *Pipeline) { p.setSpecial(slotInputWrapper, s) }
}

// WithOutputWrapper sets a step that transforms the result of success exits.
func WithOutputWrapper(s flow.Step) Option {
	return func(p *Pipeline) { p.setSpecial(slotOutputWrapper, s) }
}

// Pipeline is an ordered set of steps plus global forwards and exits.
// Registration methods may only be called before Configure; Process may
// be called concurrently once Configure has succeeded.
type Pipeline struct {
	name string
	log  logging.ServiceLogger

	mu              sync.Mutex
	steps           []flow.Step
	stepIndex       map[string]flow.Step
	globalForwards  []flow.Forward
	exits           []flow.Exit
	exitIndex       map[string]flow.Exit
	special         [slotCount]flow.Step
	firstStep       string
	fixedForwarding bool
	attrs           txn.Attributes
	manager         txn.Manager
	maxConcurrency  int
	sizeWarning     int64
	cache           *cache.Observed

	configured atomic.Bool
	table      *routingTable
	boundary   *txn.Boundary
	gate       *semaphore.Weighted
	stats      *pipelineStats
}

// New returns an empty pipeline.
func New(name string, opts ...Option) *Pipeline {
	p := &Pipeline{
		name:      name,
		stepIndex: make(map[string]flow.Step),
		exitIndex: make(map[string]flow.Exit),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logging.ForComponent(p.log, "pipeline", name)
	if p.manager == nil {
		p.manager = txn.NopManager{}
	}
	return p
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// AddStep appends a step. Names must be unique and non-empty.
func (p *Pipeline) AddStep(step flow.Step) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.configured.Load() {
		return flow.NewConfigError(p.name, errpkg.ErrConfigurationFrozen)
	}
	if isNilStep(step) {
		return flow.NewConfigError(p.name, errpkg.ErrNilStep)
	}
	name := step.Name()
	if name == "" {
		return flow.NewConfigError(p.name, errpkg.ErrEmptyStepName)
	}
	if _, dup := p.stepIndex[name]; dup {
		return flow.NewConfigError(p.name, fmt.Errorf("%w: %s", errpkg.ErrDuplicateStep, name))
	}
	p.steps = append(p.steps, step)
	p.stepIndex[name] = step
	p.log.Debug("step added", logging.LogFields{"step": name, "position": len(p.steps)})
	return nil
}

// RegisterForward adds a global forward offered to every step that does
// not declare one with the same name.
func (p *Pipeline) RegisterForward(f flow.Forward) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.configured.Load() {
		return flow.NewConfigError(p.name, errpkg.ErrConfigurationFrozen)
	}
	if f.Name == "" {
		return flow.NewConfigError(p.name, errpkg.ErrEmptyForwardName)
	}
	if f.Path == "" {
		return flow.NewConfigError(p.name, fmt.Errorf("%w: forward %s", errpkg.ErrEmptyForwardPath, f.Name))
	}
	for i, existing := range p.globalForwards {
		if existing.Name == f.Name {
			p.globalForwards[i] = f
			return nil
		}
	}
	p.globalForwards = append(p.globalForwards, f)
	return nil
}

// RegisterExit adds an exit. When two exits share a path the first one
// wins and the second is ignored with a warning.
func (p *Pipeline) RegisterExit(e flow.Exit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.configured.Load() {
		return flow.NewConfigError(p.name, errpkg.ErrConfigurationFrozen)
	}
	if e.Path == "" {
		return flow.NewConfigError(p.name, errpkg.ErrEmptyExitPath)
	}
	if _, dup := p.exitIndex[e.Path]; dup {
		logging.Warn(p.log, "exit path registered more than once, keeping the first", logging.LogFields{"exit": e.Path, "state": e.State})
		return nil
	}
	p.exits = append(p.exits, e)
	p.exitIndex[e.Path] = e
	return nil
}

// SetFirstStep names the step runs start at.
func (p *Pipeline) SetFirstStep(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.configured.Load() {
		return flow.NewConfigError(p.name, errpkg.ErrConfigurationFrozen)
	}
	p.firstStep = name
	return nil
}

// Steps returns the steps in declared order.
func (p *Pipeline) Steps() []flow.Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]flow.Step(nil), p.steps...)
}

// Step returns the named step.
func (p *Pipeline) Step(name string) (flow.Step, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stepIndex[name]
	return s, ok
}

// Exits returns the exits in registration order.
func (p *Pipeline) Exits() []flow.Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]flow.Exit(nil), p.exits...)
}

// FirstStep returns the start step, resolved by Configure.
func (p *Pipeline) FirstStep() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstStep
}

// Configured reports whether Configure succeeded.
func (p *Pipeline) Configured() bool { return p.configured.Load() }

// Cache returns the result cache, or nil.
func (p *Pipeline) Cache() *cache.Observed { return p.cache }

// allSteps returns the special steps followed by the chain, skipping unset
// slots.
func (p *Pipeline) allSteps() []flow.Step {
	out := make([]flow.Step, 0, len(p.steps)+int(slotCount))
	for _, s := range p.special {
		if s != nil {
			out = append(out, s)
		}
	}
	return append(out, p.steps...)
}

// Start starts every step in order. When one fails, the steps already
// started are stopped again.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.configured.Load() {
		return flow.NewConfigError(p.name, errpkg.ErrNotConfigured)
	}
	steps := p.allSteps()
	for i, s := range steps {
		if err := s.Start(ctx); err != nil {
			var stopErrs []error
			for j := i - 1; j >= 0; j-- {
				if stopErr := steps[j].Stop(ctx); stopErr != nil {
					stopErrs = append(stopErrs, stopErr)
				}
			}
			return errors.Join(append([]error{fmt.Errorf("pipeflow: start step %s: %w", s.Name(), err)}, stopErrs...)...)
		}
	}
	p.log.Debug("pipeline started", logging.LogFields{"steps": len(steps)})
	return nil
}

// Stop stops every step, continuing past failures.
func (p *Pipeline) Stop(ctx context.Context) error {
	var errs []error
	for _, s := range p.allSteps() {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pipeflow: stop step %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) setSpecial(slot specialSlot, s flow.Step) {
	if isNilStep(s) {
		p.special[slot] = nil
		return
	}
	p.special[slot] = s
}

// isNilStep also catches a nil pointer stored in the interface.
func isNilStep(s flow.Step) bool {
	if s == nil {
		return true
	}
	v := reflect.ValueOf(s)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}
