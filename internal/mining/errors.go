package mining

import "fmt"

// NotFoundError reports a missing node, target or job ID. It signals caller
// misuse and is returned synchronously from the public API.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// InvalidStateError reports an operation attempted against an entity that is
// not in the required status.
type InvalidStateError struct {
	Kind   string
	ID     string
	Status string
	Want   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %q is %s, want %s", e.Kind, e.ID, e.Status, e.Want)
}

// NoAvailableNodesError reports that no active node had spare mining
// concurrency when a job needed placement.
type NoAvailableNodesError struct{}

func (e *NoAvailableNodesError) Error() string {
	return "no storage nodes available for mining"
}
