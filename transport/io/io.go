// Package io provides a file transport: every published message is
// appended to one JSON line per message, and subscribers tail the file for
// lines of their topic. Useful to record or replay adapter traffic.
package io

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"

	"github.com/drblury/pipeflow/transport"
)

// TransportName is the registered name.
const TransportName = "io"

// DefaultFilePath is used when the config leaves the file empty.
const DefaultFilePath = "messages.jsonl"

// PollInterval is how long a subscriber waits at the end of the file.
var PollInterval = 50 * time.Millisecond

func init() {
	transport.Register(TransportName, Build, transport.IOCapabilities)
}

// Build creates a file transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	path := cfg.GetIOFile()
	if path == "" {
		path = DefaultFilePath
	}
	return transport.Transport{
		Publisher:  NewPublisher(path),
		Subscriber: NewSubscriber(path, logger),
	}, nil
}

type record struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends messages to a file.
type Publisher struct {
	path string
	mu   sync.Mutex
}

// NewPublisher returns a publisher appending to path.
func NewPublisher(path string) *Publisher {
	return &Publisher{path: path}
}

// Publish appends one line per message.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, msg := range messages {
		line, err := sonic.Marshal(record{UUID: msg.UUID, Topic: topic, Metadata: msg.Metadata, Payload: msg.Payload})
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("pipeflow: encode message %s: %w", msg.UUID, err)
		}
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Close is a no-op; the file is opened per Publish.
func (p *Publisher) Close() error { return nil }

// Subscriber tails a file.
type Subscriber struct {
	path   string
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	closed chan struct{}
	wg     sync.WaitGroup
}

// NewSubscriber returns a subscriber reading path from the start.
func NewSubscriber(path string, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{path: path, logger: logger, closed: make(chan struct{})}
}

// Subscribe delivers the messages of topic one at a time: the next line is
// read once the previous message was acked. A nacked message is delivered
// again.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer func() { _ = f.Close() }()
		s.tail(ctx, f, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var pending []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		pending = append(pending, chunk...)
		if errors.Is(err, io.EOF) {
			if !s.sleep(ctx) {
				return
			}
			continue
		}
		if err != nil {
			s.logger.Error("Failed to read message file", err, watermill.LogFields{"path": s.path})
			return
		}
		line := pending
		pending = nil

		var rec record
		if err := sonic.Unmarshal(line, &rec); err != nil {
			s.logger.Error("Skipping malformed line", err, watermill.LogFields{"path": s.path})
			continue
		}
		if rec.Topic != topic {
			continue
		}
		if !s.deliver(ctx, rec, out) {
			return
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, rec record, out chan<- *message.Message) bool {
	for {
		msg := message.NewMessage(rec.UUID, rec.Payload)
		for k, v := range rec.Metadata {
			msg.Metadata.Set(k, v)
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return false
		case <-s.closed:
			return false
		}
		select {
		case <-msg.Acked():
			return true
		case <-msg.Nacked():
			s.logger.Debug("Message nacked, redelivering", watermill.LogFields{"uuid": rec.UUID})
			if !s.sleep(ctx) {
				return false
			}
		case <-ctx.Done():
			return false
		case <-s.closed:
			return false
		}
	}
}

func (s *Subscriber) sleep(ctx context.Context) bool {
	t := time.NewTimer(PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}
}

// Close stops every subscription and waits for them to finish.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
