package steps

import (
	"context"
	"fmt"
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/ids"
	"github.com/drblury/pipeflow/internal/runtime/logging"
	"github.com/drblury/pipeflow/internal/runtime/message"
	"github.com/drblury/pipeflow/internal/runtime/receiver"
	"github.com/drblury/pipeflow/internal/runtime/session"
	"github.com/drblury/pipeflow/internal/runtime/statistics"
)

// KeyPublishedID is the session key under which PublishStep stores the
// uuid of the last message it sent.
const KeyPublishedID = "publishedId"

// PublishStep sends its input to a topic and passes it through. Failed
// sends are retried; when every attempt fails the step follows
// ExceptionForward if declared and fails otherwise.
type PublishStep struct {
	Base
	topic     string
	publisher wmmessage.Publisher
	retries   int
	interval  time.Duration

	baseOpts []Option

	send       *statistics.Keeper
	sendErrors *statistics.Counter
}

// PublishOption customises a PublishStep.
type PublishOption func(*PublishStep)

// WithRetries retries a failed send n times, waiting interval in between.
func WithRetries(n int, interval time.Duration) PublishOption {
	return func(s *PublishStep) {
		s.retries = n
		s.interval = interval
	}
}

// WithStepOptions applies the shared step options.
func WithStepOptions(opts ...Option) PublishOption {
	return func(s *PublishStep) { s.baseOpts = append(s.baseOpts, opts...) }
}

// Publish builds a PublishStep.
func Publish(name, topic string, publisher wmmessage.Publisher, opts ...PublishOption) *PublishStep {
	s := &PublishStep{
		topic:      topic,
		publisher:  publisher,
		send:       statistics.NewKeeper("send"),
		sendErrors: statistics.NewCounter("sendErrors"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Base = newBase(name, s.baseOpts)
	return s
}

func (s *PublishStep) Configure(ctx context.Context) error {
	if err := s.Base.Configure(ctx); err != nil {
		return err
	}
	if s.topic == "" {
		return errpkg.ErrTopicRequired
	}
	if s.publisher == nil {
		return errpkg.ErrPublisherRequired
	}
	return nil
}

func (s *PublishStep) Invoke(ctx context.Context, msg *message.Message, sess *session.Session) (flow.StepResult, error) {
	out, err := msg.ToWatermill(ids.CreateULID())
	if err != nil {
		return s.fail(fmt.Errorf("encode %s message: %w", s.Name(), err))
	}
	if sess != nil {
		if cid := sess.CorrelationID(); cid != "" {
			out.Metadata.Set(receiver.MetadataCorrelationID, cid)
		}
	}
	out.SetContext(ctx)

	start := time.Now()
	err = s.sendWithRetry(ctx, out)
	s.send.RecordDuration(time.Since(start))
	if err != nil {
		s.sendErrors.Inc()
		return s.fail(fmt.Errorf("publish to %s: %w", s.topic, err))
	}
	if sess != nil {
		sess.Put(KeyPublishedID, out.UUID)
	}
	return flow.Success(msg), nil
}

func (s *PublishStep) sendWithRetry(ctx context.Context, out *wmmessage.Message) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			s.log.Debug("retrying publish", logging.LogFields{"topic": s.topic, "attempt": attempt, "error": err.Error()})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.interval):
			}
		}
		if err = s.publisher.Publish(s.topic, out); err == nil {
			return nil
		}
	}
	return err
}

// IterateStatistics reports the send distribution and the error count.
func (s *PublishStep) IterateStatistics(h statistics.Handler, action statistics.Action) error {
	if err := statistics.Group(h, "send", statistics.KindGroup, func() error {
		return statistics.Visit(h, s.send, action)
	}); err != nil {
		return err
	}
	return s.sendErrors.Report(h, action)
}
