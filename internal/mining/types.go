// Package mining defines core types shared across the mining subsystems.
package mining

import (
	"time"
)

// NodeStatus represents the lifecycle state of a storage node.
type NodeStatus string

// Node status values persisted in the node store.
const (
	NodeStatusActive   NodeStatus = "active"
	NodeStatusInactive NodeStatus = "inactive"
	NodeStatusError    NodeStatus = "error"
)

// Priority orders mining targets and jobs for dispatch.
type Priority string

// Supported priorities, highest first.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank converts a Priority into a sortable weight. Unknown values rank lowest.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// TargetStatus represents the lifecycle state of a mining target.
type TargetStatus string

// Target status values.
const (
	TargetStatusPending   TargetStatus = "pending"
	TargetStatusMining    TargetStatus = "mining"
	TargetStatusCompleted TargetStatus = "completed"
	TargetStatusFailed    TargetStatus = "failed"
)

// TargetMetadata carries per-site analysis hints attached to a target.
type TargetMetadata struct {
	SiteType              string   `json:"site_type"`
	Technologies          []string `json:"technologies"`
	OptimizationPotential float64  `json:"optimization_potential"`
	Complexity            float64  `json:"complexity"`
}

// MiningTarget is a URL owned by exactly one storage node. It is mirrored into
// the manager's global queue for dispatch ordering.
type MiningTarget struct {
	ID            string         `json:"id"`
	NodeID        string         `json:"node_id"`
	URL           string         `json:"url"`
	Domain        string         `json:"domain"`
	Priority      Priority       `json:"priority"`
	Status        TargetStatus   `json:"status"`
	EstimatedSize float64        `json:"estimated_size_kb"`
	ActualSize    float64        `json:"actual_size_kb"`
	SpaceSaved    float64        `json:"space_saved_kb"`
	TokensEarned  float64        `json:"tokens_earned"`
	Metadata      TargetMetadata `json:"metadata"`
	BiomeType     string         `json:"biome_type,omitempty"`
	ErrorText     string         `json:"error_text,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// NodePerformance aggregates derived mining statistics for a node.
type NodePerformance struct {
	MiningRate          float64   `json:"mining_rate"`
	SuccessRate         float64   `json:"success_rate"`
	TotalSpaceHarvested float64   `json:"total_space_harvested_kb"`
	TotalTokensEarned   float64   `json:"total_tokens_earned"`
	Uptime              float64   `json:"uptime_seconds"`
	LastHealthCheck     time.Time `json:"last_health_check"`
}

// NodeConfiguration holds the per-node knobs merged over manager defaults.
type NodeConfiguration struct {
	MaxConcurrentMining int           `json:"max_concurrent_mining"`
	MaxStorageUsage     float64       `json:"max_storage_usage_mb"`
	CleanupThreshold    float64       `json:"cleanup_threshold_pct"`
	RetryAttempts       int           `json:"retry_attempts"`
	Timeout             time.Duration `json:"timeout"`
}

// StorageNode is a capacity-bounded mining resource. Capacity, Used and
// Available are megabytes; Used + Available must equal Capacity after every
// mutation.
type StorageNode struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Type          string            `json:"type"`
	Status        NodeStatus        `json:"status"`
	Capacity      float64           `json:"capacity_mb"`
	Used          float64           `json:"used_mb"`
	Available     float64           `json:"available_mb"`
	Priority      Priority          `json:"priority"`
	Targets       []*MiningTarget   `json:"targets"`
	Performance   NodePerformance   `json:"performance"`
	Configuration NodeConfiguration `json:"configuration"`
	CreatedAt     time.Time         `json:"created_at"`
	LastActivity  time.Time         `json:"last_activity"`
}

// Utilization returns used capacity as a percentage. Zero-capacity nodes
// report 100 so they are never selected for more work.
func (n *StorageNode) Utilization() float64 {
	if n.Capacity <= 0 {
		return 100
	}
	return n.Used / n.Capacity * 100
}

// ActiveMiningCount counts targets currently in the mining state.
func (n *StorageNode) ActiveMiningCount() int {
	count := 0
	for _, t := range n.Targets {
		if t.Status == TargetStatusMining {
			count++
		}
	}
	return count
}

// JobStatus represents the lifecycle state of a mining job.
type JobStatus string

// Job status values. Failed is reachable from any non-terminal state.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusMining     JobStatus = "mining"
	JobStatusAnalyzing  JobStatus = "analyzing"
	JobStatusOptimizing JobStatus = "optimizing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status ends the job lifecycle.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobResults captures the outcome of a completed mining job.
type JobResults struct {
	SpaceSaved       float64  `json:"space_saved_kb"`
	OptimizationRate float64  `json:"optimization_rate"`
	TokensEarned     float64  `json:"tokens_earned"`
	Optimizations    []string `json:"optimizations"`
}

// Job tracks one URL through the mining pipeline.
type Job struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	Priority  Priority   `json:"priority"`
	Status    JobStatus  `json:"status"`
	NodeID    string     `json:"node_id,omitempty"`
	TargetID  string     `json:"target_id,omitempty"`
	Results   JobResults `json:"results"`
	ErrorText string     `json:"error_text,omitempty"`
	Submitted time.Time  `json:"submitted_at"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
}

// OptimizationType selects the reclamation strategy for an optimizer pass.
type OptimizationType string

// Supported optimization pass types.
const (
	OptimizationCleanup       OptimizationType = "cleanup"
	OptimizationCompression   OptimizationType = "compression"
	OptimizationDeduplication OptimizationType = "deduplication"
	OptimizationArchival      OptimizationType = "archival"
	OptimizationMigration     OptimizationType = "migration"
)

// OptimizationStatus is the lifecycle of an optimizer run record.
type OptimizationStatus string

// Optimization status values. Records are immutable once completed or failed.
const (
	OptimizationStatusPending   OptimizationStatus = "pending"
	OptimizationStatusRunning   OptimizationStatus = "running"
	OptimizationStatusCompleted OptimizationStatus = "completed"
	OptimizationStatusFailed    OptimizationStatus = "failed"
)

// OptimizationDetails breaks down what a pass touched.
type OptimizationDetails struct {
	TargetsProcessed  int `json:"targets_processed"`
	FilesCompressed   int `json:"files_compressed"`
	DuplicatesRemoved int `json:"duplicates_removed"`
	ArchivesCreated   int `json:"archives_created"`
}

// Optimization records a single reclamation pass against one node.
type Optimization struct {
	ID          string              `json:"id"`
	NodeID      string              `json:"node_id"`
	Type        OptimizationType    `json:"type"`
	Status      OptimizationStatus  `json:"status"`
	SpaceBefore float64             `json:"space_before_mb"`
	SpaceAfter  float64             `json:"space_after_mb"`
	SpaceSaved  float64             `json:"space_saved_mb"`
	Details     OptimizationDetails `json:"details"`
	ErrorText   string              `json:"error_text,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
}
