package statistics

import (
	"fmt"
	"strings"
)

// Action tells an iteration what to do with the interval counters once they
// have been reported.
type Action int

const (
	// ActionNone reports the summary only and leaves every counter alone.
	ActionNone Action = iota
	// ActionFull reports everything and leaves every counter alone.
	ActionFull
	// ActionMark reports everything, then closes the interval and keeps it
	// as the previous one.
	ActionMark
	// ActionReset reports everything, then clears the interval.
	ActionReset
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionFull:
		return "full"
	case ActionMark:
		return "mark"
	case ActionReset:
		return "reset"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Deep reports whether receivers, cache and pipeline statistics take part
// in the iteration.
func (a Action) Deep() bool { return a != ActionNone }

// ParseAction converts a query or config value into an Action. The empty
// string and "summary" map to ActionNone.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "summary":
		return ActionNone, nil
	case "full":
		return ActionFull, nil
	case "mark":
		return ActionMark, nil
	case "reset":
		return ActionReset, nil
	default:
		return ActionNone, fmt.Errorf("pipeflow: unknown statistics action %q", s)
	}
}
