package mining

import (
	"context"
	"time"
)

// NodeStore persists the full storage node set. Implementations must make
// back-to-back save/load round trips idempotent: saving twice with no
// intervening mutation yields identical persisted state.
type NodeStore interface {
	LoadNodes(ctx context.Context) ([]*StorageNode, error)
	SaveNode(ctx context.Context, node *StorageNode) error
	SaveNodes(ctx context.Context, nodes []*StorageNode) error
}

// BlobStore writes raw artifacts and returns a URI/CID.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes digests for identifiers and integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
