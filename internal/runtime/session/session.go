// Package session provides the per-message execution context.
package session

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/message"
)

// Well-known keys.
const (
	SystemManagedPrefix = "__"

	KeyOriginalMessage = "originalMessage"
	KeyMessageID       = "mid"
	KeyCorrelationID   = "cid"
	KeyStorageID       = "key"
	KeyReceivedAt      = "tsReceived"
	KeySentAt          = "tsSent"
	KeySecurityHandler = "securityHandler"
	KeyExitState       = "exitState"
	KeyExitCode        = "exitCode"
)

// SecurityHandler answers authorisation questions for the principal that
// submitted the message.
type SecurityHandler interface {
	IsUserInRole(role string) bool
	Principal() string
}

// Session is a concurrency-safe key/value store created for one message and
// closed when its run ends. io.Closer values stored under a non-system key
// are closed with the session.
type Session struct {
	mu       sync.RWMutex
	values   map[string]any
	closers  map[io.Closer]string
	security SecurityHandler
	closed   bool
}

// New returns an empty session.
func New() *Session {
	return &Session{values: make(map[string]any), closers: make(map[io.Closer]string)}
}

// NewFrom returns a session seeded with the given values.
func NewFrom(values map[string]any) *Session {
	s := New()
	for k, v := range values {
		s.Put(k, v)
	}
	return s
}

// Put stores value under key.
func (s *Session) Put(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(key, value)
}

func (s *Session) putLocked(key string, value any) {
	s.values[key] = value
	if c, ok := value.(io.Closer); ok && !strings.HasPrefix(key, SystemManagedPrefix) {
		s.closers[c] = "session key [" + key + "]"
	}
}

// Get returns the value under key.
func (s *Session) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Remove deletes key. A closer stored under key stays scheduled.
func (s *Session) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Keys returns the stored keys in no particular order.
func (s *Session) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of stored keys.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Snapshot returns a copy of the stored values.
func (s *Session) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// String returns the value under key rendered as text, or "" when absent.
func (s *Session) String(key string) string {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case *message.Message:
		return t.String()
	case interface{ String() string }:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// StringOr returns the value under key or def when it is absent or empty.
func (s *Session) StringOr(key, def string) string {
	if v := s.String(key); v != "" {
		return v
	}
	return def
}

// Int returns the value under key as an int, or def when it cannot be read.
func (s *Session) Int(key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

// Bool returns the value under key as a bool, or def when it cannot be read.
func (s *Session) Bool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b
		}
	}
	return def
}

// Time returns the value under key as a time. RFC 3339 strings and unix
// milliseconds are accepted.
func (s *Session) Time(key string) (time.Time, bool) {
	v, ok := s.Get(key)
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case int64:
		return time.UnixMilli(t), true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// MessageID returns the message identifier.
func (s *Session) MessageID() string { return s.String(KeyMessageID) }

// CorrelationID returns the conversation identifier.
func (s *Session) CorrelationID() string { return s.String(KeyCorrelationID) }

// ReceivedAt returns when the message was received.
func (s *Session) ReceivedAt() (time.Time, bool) { return s.Time(KeyReceivedAt) }

// SetListenerParameters records the identifiers and timestamps assigned by
// the receiving side. Empty ids and zero times are skipped.
func (s *Session) SetListenerParameters(messageID, correlationID string, receivedAt, sentAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if messageID != "" {
		s.values[KeyMessageID] = messageID
	}
	if correlationID != "" {
		s.values[KeyCorrelationID] = correlationID
	}
	if !receivedAt.IsZero() {
		s.values[KeyReceivedAt] = receivedAt
	}
	if !sentAt.IsZero() {
		s.values[KeySentAt] = sentAt
	}
}

// SetSecurityHandler stores the handler for the principal of this message.
func (s *Session) SetSecurityHandler(h SecurityHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.security = h
	s.values[KeySecurityHandler] = h
}

// SecurityHandler returns the stored handler or ErrNoSecurityHandler.
func (s *Session) SecurityHandler() (SecurityHandler, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.security == nil {
		return nil, errpkg.ErrNoSecurityHandler
	}
	return s.security, nil
}

// SetExitState records the terminal state of the run. A zero code is not
// stored.
func (s *Session) SetExitState(state string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[KeyExitState] = state
	if code != 0 {
		s.values[KeyExitCode] = strconv.Itoa(code)
	}
}

// ScheduleClose registers c to be closed with the session.
func (s *Session) ScheduleClose(c io.Closer, requester string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers[c] = requester
}

// UnscheduleClose removes c from the close list.
func (s *Session) UnscheduleClose(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.closers, c)
}

// IsScheduledForClose reports whether c will be closed with the session.
func (s *Session) IsScheduledForClose(c io.Closer) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.closers[c]
	return ok
}

// MergeInto copies keys to parent. keys is a list separated by ',' or ';';
// "*" copies everything and "" copies only the exit state and code. Closers
// that end up in parent are no longer closed by s.
func (s *Session) MergeInto(parent *Session, keys string) {
	if parent == nil || parent == s {
		return
	}
	s.mu.Lock()
	copied := make(map[string]any)
	for _, k := range []string{KeyExitState, KeyExitCode} {
		if v, ok := s.values[k]; ok {
			copied[k] = v
		}
	}
	switch strings.TrimSpace(keys) {
	case "":
	case "*":
		maps.Copy(copied, s.values)
	default:
		for _, k := range strings.FieldsFunc(keys, func(r rune) bool { return r == ',' || r == ';' }) {
			k = strings.TrimSpace(k)
			if k != "" {
				copied[k] = s.values[k]
			}
		}
	}
	for _, v := range copied {
		if c, ok := v.(io.Closer); ok {
			delete(s.closers, c)
		}
	}
	s.mu.Unlock()

	parent.mu.Lock()
	defer parent.mu.Unlock()
	for k, v := range copied {
		parent.putLocked(k, v)
	}
}

// Close closes every scheduled closer once. Later calls are no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = make(map[io.Closer]string)
	s.mu.Unlock()

	var errs []error
	for c, requester := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", requester, err))
		}
	}
	return errors.Join(errs...)
}
