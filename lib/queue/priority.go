package queue

import (
	"fmt"
	"strings"
)

// Priority orders queued work. Higher values are dispatched first
type Priority int

// Named priority levels, ordered ActiveEntity > InactiveEntity > Background.
// PriorityUnset means "use the default for the operation"
const (
	PriorityUnset          Priority = 0
	PriorityBackground     Priority = 10
	PriorityInactiveEntity Priority = 20
	PriorityActiveEntity   Priority = 30
)

// Levels lists the named priorities from lowest to highest
var Levels = []Priority{PriorityBackground, PriorityInactiveEntity, PriorityActiveEntity}

// String returns the string representation of a Priority
func (p Priority) String() string {
	switch p {
	case PriorityUnset:
		return "unset"
	case PriorityBackground:
		return "background"
	case PriorityInactiveEntity:
		return "inactive"
	case PriorityActiveEntity:
		return "active"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Or returns p, or def if p is unset
func (p Priority) Or(def Priority) Priority {
	if p == PriorityUnset {
		return def
	}
	return p
}

// ParsePriority converts a level name to a Priority
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unset", "default":
		return PriorityUnset, nil
	case "background", "bg":
		return PriorityBackground, nil
	case "inactive", "inactive-entity":
		return PriorityInactiveEntity, nil
	case "active", "active-entity":
		return PriorityActiveEntity, nil
	default:
		return PriorityUnset, fmt.Errorf("invalid priority %q. must be one of background, inactive, active", s)
	}
}
