// Package txn decides, per pipeline run or step, whether work joins the
// caller's unit of work, starts its own, or runs without one, and completes
// the units it started according to the resulting exit state.
package txn

import (
	"fmt"
	"strings"
	"time"

	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/flow"
)

// Propagation selects how a boundary relates to the caller's unit of work.
type Propagation int

// The zero value is Supports.
const (
	// Supports joins the caller's unit if there is one.
	Supports Propagation = iota
	// Required joins the caller's unit or starts a new one.
	Required
	// RequiresNew always starts a new unit, suspending the caller's.
	RequiresNew
	// Mandatory joins the caller's unit and fails without one.
	Mandatory
	// NotSupported runs without a unit, suspending the caller's.
	NotSupported
	// Never runs without a unit and fails when the caller has one.
	Never
)

var propagationNames = [...]string{"SUPPORTS", "REQUIRED", "REQUIRES_NEW", "MANDATORY", "NOT_SUPPORTED", "NEVER"}

func (p Propagation) String() string {
	if p < 0 || int(p) >= len(propagationNames) {
		return fmt.Sprintf("PROPAGATION(%d)", int(p))
	}
	return propagationNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p Propagation) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Propagation) UnmarshalText(text []byte) error {
	v, err := ParsePropagation(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePropagation accepts the mode names in any case, with "-" or " " as
// separators and an optional "PROPAGATION_" prefix. Empty means Supports.
func ParsePropagation(s string) (Propagation, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	norm = strings.TrimPrefix(norm, "PROPAGATION_")
	if norm == "" {
		return Supports, nil
	}
	for i, name := range propagationNames {
		if norm == name || norm == strings.ReplaceAll(name, "_", "") {
			return Propagation(i), nil
		}
	}
	return Supports, fmt.Errorf("%w: %q", errpkg.ErrInvalidPropagation, s)
}

// Attributes are the transaction settings of a pipeline or step.
type Attributes struct {
	Propagation Propagation
	// Timeout bounds units started by the boundary; zero means the
	// manager's default.
	Timeout time.Duration
	// CommitOnState is the exit state that commits a started unit. Empty
	// means the success state.
	CommitOnState string
}

// CommitsOn reports whether a run ending in state may commit.
func (a Attributes) CommitsOn(state string) bool {
	want := a.CommitOnState
	if want == "" {
		want = flow.StateSuccess
	}
	return strings.EqualFold(want, state)
}

// Transactional is implemented by steps that carry their own transaction
// attributes.
type Transactional interface {
	TransactionAttributes() Attributes
}
