package store

import (
	"context"
)

// Store is the configuration store as seen by the orchestrator: a read-only
// document with change notifications. Writes happen through collaborators.
type Store interface {
	Name() string
	// Read returns a copy of the whole document as map[string]any
	Read(ctx context.Context) (any, error)
	// Subscribe calls notify after every change until cancel is called or ctx is done.
	// Notifications carry no payload and may be spurious.
	Subscribe(ctx context.Context, notify func()) (cancel func(), err error)
}

// Copy returns a deep copy of a document built from maps, slices and scalars
func Copy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Copy(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Copy(item)
		}
		return out
	default:
		return v
	}
}
