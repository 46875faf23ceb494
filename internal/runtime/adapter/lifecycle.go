package adapter

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/pipeflow/internal/runtime/logging"
	"github.com/drblury/pipeflow/internal/runtime/runstate"
)

// StartRunning starts the adapter in the background. The adapter moves to
// STARTING right away and to STARTED once every pipeline step started;
// receivers are started afterwards and a failing receiver does not fail
// the adapter. Start requests outside STOPPED are ignored. Use
// WaitForRunState to observe the outcome.
func (a *Adapter) StartRunning(ctx context.Context) {
	if !a.configured.Load() {
		a.warn("configuration did not succeed, starting the adapter is not possible", nil)
		a.state.Set(runstate.Error)
		return
	}
	if prev, ok := a.state.CompareAndSet(runstate.Starting, runstate.Stopped); !ok {
		a.warn(fmt.Sprintf("currently in state [%s], ignoring start command", prev), logging.LogFields{"state": prev.String()})
		return
	}
	go a.start(context.WithoutCancel(ctx))
}

func (a *Adapter) start(ctx context.Context) {
	a.mu.Lock()
	a.closed = false
	a.mu.Unlock()

	a.log.Debug("starting pipeline", nil)
	if err := a.pipeline.Start(ctx); err != nil {
		a.fail("got error starting pipeline", err)
		a.state.Set(runstate.Error)
		return
	}

	a.mu.Lock()
	a.upSince = a.now()
	a.mu.Unlock()
	a.messages.Add(LevelInfo, "adapter up and running")
	a.starting.Add(1)
	defer a.starting.Done()
	a.state.Set(runstate.Started)
	a.log.Info("adapter up and running", nil)

	var g errgroup.Group
	for _, r := range a.Receivers() {
		if r.RunState() == runstate.Error {
			a.warn(fmt.Sprintf("receiver [%s] is in state ERROR and will not be started", r.Name()), nil)
			continue
		}
		g.Go(func() error {
			a.log.Info("starting receiver", logging.LogFields{"receiver": r.Name()})
			if err := r.StartRunning(ctx); err != nil {
				a.fail(fmt.Sprintf("got error starting receiver [%s]", r.Name()), err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// StopRunning stops the adapter in the background. From STARTED the
// adapter moves to STOPPING, lets receivers that are still starting come
// up, stops every receiver, waits until no message is in process, stops
// the pipeline steps and finally reaches STOPPED.
// From ERROR it moves to STOPPED directly. Other states ignore the
// request.
func (a *Adapter) StopRunning(ctx context.Context) {
	prev, ok := a.state.CompareAndSet(runstate.Stopping, runstate.Started)
	if ok {
		go a.stop(context.WithoutCancel(ctx))
		return
	}
	if prev == runstate.Error {
		if _, ok := a.state.CompareAndSet(runstate.Stopped, runstate.Error); ok {
			a.messages.Add(LevelInfo, "adapter stopped from state ERROR")
			return
		}
	}
	a.warn(fmt.Sprintf("in state [%s] while stop command is issued, ignoring command", prev), logging.LogFields{"state": prev.String()})
}

func (a *Adapter) stop(ctx context.Context) {
	// Receivers still starting must be up before they can be stopped.
	a.starting.Wait()

	receivers := a.Receivers()
	stopped := make([]bool, len(receivers))
	var g errgroup.Group
	for i, r := range receivers {
		g.Go(func() error {
			if err := r.StopRunning(ctx); err != nil {
				a.fail(fmt.Sprintf("received error while stopping receiver [%s], ignoring", r.Name()), err)
				return nil
			}
			stopped[i] = true
			a.log.Info("stopped receiver", logging.LogFields{"receiver": r.Name()})
			return nil
		})
	}
	_ = g.Wait()
	for i, r := range receivers {
		if stopped[i] && r.RunState() != runstate.Error {
			r.WaitForRunState(ctx, runstate.Stopped, 0)
		}
	}

	if n := a.InProcess(); n > 0 {
		a.warn(fmt.Sprintf("adapter is being stopped while still processing %d messages, waiting for them to finish", n), logging.LogFields{"in_process": n})
	}
	a.drain()

	a.log.Debug("stopping pipeline", nil)
	if err := a.pipeline.Stop(ctx); err != nil {
		a.fail("got error stopping pipeline", err)
		a.state.Set(runstate.Error)
		return
	}
	a.state.Set(runstate.Stopped)
	a.messages.Add(LevelInfo, "adapter stopped")
	a.log.Info("adapter stopped", nil)
}

// drain blocks until no message is in process and closes admission.
func (a *Adapter) drain() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.inProcess > 0 {
		a.drained.Wait()
	}
	a.closed = true
}
