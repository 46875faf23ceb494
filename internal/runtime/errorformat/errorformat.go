// Package errorformat turns a failed run into the content returned to the
// caller in place of a regular result.
package errorformat

import (
	"context"
	"encoding/xml"
	"errors"
	"time"

	"github.com/bytedance/sonic"

	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/message"
)

// TimestampLayout is used for every timestamp rendered by the formatters.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Details describes one failure.
type Details struct {
	// Originator names the adapter that failed.
	Originator string
	// Message is the short description chosen by the adapter.
	Message string
	Err     error
	// Step is the failing step, empty when unknown.
	Step       string
	Original   *message.Message
	MessageID  string
	ReceivedAt time.Time
	Timestamp  time.Time
}

// NewDetails fills Step from err when it carries a RunError.
func NewDetails(originator, msg string, err error, original *message.Message, messageID string, receivedAt time.Time) Details {
	return Details{
		Originator: originator,
		Message:    msg,
		Err:        err,
		Step:       flow.FailingStep(err),
		Original:   original,
		MessageID:  messageID,
		ReceivedAt: receivedAt,
		Timestamp:  time.Now(),
	}
}

// ErrorText returns the error text, or "" without an error.
func (d Details) ErrorText() string {
	if d.Err == nil {
		return ""
	}
	return d.Err.Error()
}

// Formatter renders Details.
type Formatter interface {
	Format(ctx context.Context, d Details) (*message.Message, error)
}

// Func adapts a function to Formatter.
type Func func(ctx context.Context, d Details) (*message.Message, error)

// Format implements Formatter.
func (f Func) Format(ctx context.Context, d Details) (*message.Message, error) { return f(ctx, d) }

// Default returns the formatter used when an adapter has none configured.
func Default() Formatter { return XML{} }

// XML renders an <errorMessage> document.
type XML struct{}

type xmlErrorMessage struct {
	XMLName         xml.Name        `xml:"errorMessage"`
	Timestamp       string          `xml:"timestamp,attr"`
	Originator      string          `xml:"originator,attr"`
	Message         string          `xml:"message,attr"`
	Location        *xmlLocation    `xml:"location,omitempty"`
	Details         string          `xml:"details,omitempty"`
	OriginalMessage xmlOriginalPart `xml:"originalMessage"`
}

type xmlLocation struct {
	Class string `xml:"class,attr"`
	Name  string `xml:"name,attr"`
}

type xmlOriginalPart struct {
	MessageID    string `xml:"messageId,attr,omitempty"`
	ReceivedTime string `xml:"receivedTime,attr,omitempty"`
	Content      string `xml:",chardata"`
}

// Format implements Formatter.
func (XML) Format(_ context.Context, d Details) (*message.Message, error) {
	doc := xmlErrorMessage{
		Timestamp:  formatTime(d.Timestamp),
		Originator: d.Originator,
		Message:    d.Message,
		Details:    d.ErrorText(),
		OriginalMessage: xmlOriginalPart{
			MessageID:    d.MessageID,
			ReceivedTime: formatTime(d.ReceivedAt),
		},
	}
	if d.Step != "" {
		doc.Location = &xmlLocation{Class: "step", Name: d.Step}
	}
	if d.Original != nil {
		content, err := d.Original.AsString()
		if err != nil {
			return nil, err
		}
		doc.OriginalMessage.Content = content
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return message.FromBytes(out), nil
}

// JSON renders the same information as a JSON object.
type JSON struct{}

type jsonErrorMessage struct {
	Timestamp       string           `json:"timestamp"`
	Originator      string           `json:"originator"`
	Message         string           `json:"message"`
	Step            string           `json:"step,omitempty"`
	Details         string           `json:"details,omitempty"`
	OriginalMessage *jsonOriginalRef `json:"original_message,omitempty"`
}

type jsonOriginalRef struct {
	MessageID    string `json:"message_id,omitempty"`
	ReceivedTime string `json:"received_time,omitempty"`
	Content      string `json:"content,omitempty"`
}

// Format implements Formatter.
func (JSON) Format(_ context.Context, d Details) (*message.Message, error) {
	doc := jsonErrorMessage{
		Timestamp:  formatTime(d.Timestamp),
		Originator: d.Originator,
		Message:    d.Message,
		Step:       d.Step,
		Details:    d.ErrorText(),
	}
	if d.MessageID != "" || d.Original != nil || !d.ReceivedAt.IsZero() {
		ref := &jsonOriginalRef{MessageID: d.MessageID, ReceivedTime: formatTime(d.ReceivedAt)}
		if d.Original != nil {
			content, err := d.Original.AsString()
			if err != nil {
				return nil, err
			}
			ref.Content = content
		}
		doc.OriginalMessage = ref
	}
	out, err := sonic.ConfigStd.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return message.New(out, message.Metadata{"content_type": "application/json"}), nil
}

// Fallback is what an adapter returns when its formatter fails: the plain
// error text prefixed by the description.
func Fallback(d Details) *message.Message {
	text := d.Message
	if errText := d.ErrorText(); errText != "" {
		if text != "" {
			text += ": "
		}
		text += errText
	}
	return message.FromString(text)
}

// Safe runs f and swallows its failure, returning Fallback instead. The
// formatter error is returned separately for logging. A panicking
// formatter is treated as failing.
func Safe(ctx context.Context, f Formatter, d Details) (out *message.Message, formatErr error) {
	if f == nil {
		f = Default()
	}
	defer func() {
		if r := recover(); r != nil {
			out, formatErr = Fallback(d), errors.New("pipeflow: error formatter panicked")
		}
	}()
	out, err := f.Format(ctx, d)
	if err != nil {
		return Fallback(d), err
	}
	if out == nil {
		return Fallback(d), nil
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimestampLayout)
}
