package adapter

import (
	"context"
	"time"
)

// MessageContext describes one message passing through an adapter.
type MessageContext struct {
	Adapter       string
	MessageID     string
	CorrelationID string
	Context       context.Context
	StartedAt     time.Time
	// Duration is only set for OnMessageDone and OnMessageError.
	Duration time.Duration
	// State is the exit state of the result, only set once processing ended.
	State string
}

// Hooks are optional callbacks around message processing. Nil hooks are
// skipped. Hooks run on the processing goroutine and must not block.
type Hooks struct {
	OnMessageStart func(MessageContext)
	OnMessageDone  func(MessageContext)
	OnMessageError func(MessageContext, error)
}

// Merge returns hooks that call h first and other second.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnMessageStart: chain(h.OnMessageStart, other.OnMessageStart),
		OnMessageDone:  chain(h.OnMessageDone, other.OnMessageDone),
		OnMessageError: chainErr(h.OnMessageError, other.OnMessageError),
	}
}

func chain(a, b func(MessageContext)) func(MessageContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(mc MessageContext) {
		a(mc)
		b(mc)
	}
}

func chainErr(a, b func(MessageContext, error)) func(MessageContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(mc MessageContext, err error) {
		a(mc, err)
		b(mc, err)
	}
}

func (h Hooks) start(mc MessageContext) {
	if h.OnMessageStart != nil {
		h.OnMessageStart(mc)
	}
}

func (h Hooks) finish(mc MessageContext, err error) {
	if err != nil {
		if h.OnMessageError != nil {
			h.OnMessageError(mc, err)
		}
		return
	}
	if h.OnMessageDone != nil {
		h.OnMessageDone(mc)
	}
}
