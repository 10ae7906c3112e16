// Package strategies defines the pluggable serialization strategy
// contracts for distributed checkpoints and the registry that resolves a
// strategy from its (action, backend, version) identity.
package strategies

import "fmt"

// Action names one of the four checkpoint capability families.
type Action string

// The capability families a backend can register strategies for.
const (
	ActionLoadCommon  Action = "load-common"
	ActionLoadSharded Action = "load-sharded"
	ActionSaveCommon  Action = "save-common"
	ActionSaveSharded Action = "save-sharded"
)

// Valid reports whether the action is one of the known families.
func (a Action) Valid() bool {
	switch a {
	case ActionLoadCommon, ActionLoadSharded, ActionSaveCommon, ActionSaveSharded:
		return true
	default:
		return false
	}
}

// ID identifies which serialization implementation to use: the capability
// family, the backend name, and the backend's format revision. An ID is
// immutable and is the sole key used for registry lookup.
type ID struct {
	Action  Action
	Backend string
	Version int
}

// NewID builds a strategy identity.
func NewID(action Action, backend string, version int) ID {
	return ID{Action: action, Backend: backend, Version: version}
}

// String returns the identity in "action/backend@vN" form.
func (id ID) String() string {
	return fmt.Sprintf("%s/%s@v%d", id.Action, id.Backend, id.Version)
}
