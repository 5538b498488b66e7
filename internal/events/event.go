// Package events defines the typed notifications emitted by the mining
// pipeline and the hub that fans them out to registered sinks.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Type denotes the kind of milestone represented by an Event.
type Type string

// Supported event types.
const (
	TypeNodeCreated      Type = "NODE_CREATED"
	TypeTargetAdded      Type = "TARGET_ADDED"
	TypeMiningStarted    Type = "MINING_STARTED"
	TypeMiningCompleted  Type = "MINING_COMPLETED"
	TypeMiningFailed     Type = "MINING_FAILED"
	TypeNodeError        Type = "NODE_ERROR"
	TypeNodeRecovered    Type = "NODE_RECOVERED"
	TypeStorageCleanup   Type = "STORAGE_CLEANUP"
	TypeOptStarted       Type = "OPT_STARTED"
	TypeOptCompleted     Type = "OPT_COMPLETED"
	TypeOptFailed        Type = "OPT_FAILED"
	TypeJobQueued        Type = "JOB_QUEUED"
	TypeJobStarted       Type = "JOB_STARTED"
	TypeJobCompleted     Type = "JOB_COMPLETED"
	TypeJobFailed        Type = "JOB_FAILED"
	TypeCrawlPage        Type = "CRAWL_PAGE"
	TypeCrawlError       Type = "CRAWL_ERROR"
	TypeProofSubmitted   Type = "PROOF_SUBMITTED"
	TypeProofSubmitError Type = "PROOF_SUBMIT_ERROR"
)

// Event captures a single pipeline milestone. Consumers must be idempotent:
// the hub may redeliver a batch to a sink that failed mid-flush.
type Event struct {
	// Type denotes which milestone occurred.
	Type Type
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// NodeID scopes node/target/optimization events.
	NodeID string
	// TargetID identifies the mining target, when applicable.
	TargetID string
	// JobID identifies the mining job, when applicable.
	JobID string
	// OptimizationID identifies the optimizer run record.
	OptimizationID string
	// URL is the page or target URL; it should not contain credentials.
	URL string
	// Site optionally scopes crawl events to a host label.
	Site string
	// Bytes carries the space delta for the milestone, in bytes.
	Bytes int64
	// Dur captures execution latency where measured.
	Dur time.Duration
	// Note carries low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeNodeCreated, TypeNodeError, TypeNodeRecovered, TypeStorageCleanup:
		if e.NodeID == "" {
			return fmt.Errorf("%s requires node id", e.Type)
		}
	case TypeTargetAdded, TypeMiningStarted, TypeMiningCompleted, TypeMiningFailed:
		if e.NodeID == "" || e.TargetID == "" {
			return fmt.Errorf("%s requires node and target ids", e.Type)
		}
	case TypeOptStarted, TypeOptCompleted, TypeOptFailed:
		if e.NodeID == "" || e.OptimizationID == "" {
			return fmt.Errorf("%s requires node and optimization ids", e.Type)
		}
	case TypeJobQueued, TypeJobStarted, TypeJobCompleted, TypeJobFailed:
		if e.JobID == "" {
			return fmt.Errorf("%s requires job id", e.Type)
		}
	case TypeCrawlPage, TypeCrawlError:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Type)
		}
	case TypeProofSubmitted, TypeProofSubmitError:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
