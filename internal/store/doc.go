// Package store groups the persistence backends. Node state implementations
// (memory, postgres) satisfy mining.NodeStore; artifact blob stores (memory,
// local, gcs) satisfy mining.BlobStore. The interfaces themselves live in
// internal/mining so domain packages stay free of driver imports.
package store
