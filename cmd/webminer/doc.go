// Package main hosts the webminer service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, node, job and
//     crawl management endpoints. Requests are validated and handed to the
//     node manager, miner, optimizer or crawl registry.
//   - Node manager: internal/node.Manager owns the storage node set and the
//     global mining queue. A dispatch loop drains queued targets up to each
//     node's concurrency limit; a health loop flags nodes that go quiet.
//   - Miner: internal/miner runs the queued->mining->analyzing->optimizing
//     job pipeline, placing each job on an available node and folding the
//     analyzer's findings back into node usage and token accounting.
//   - Optimizer: internal/optimizer watches node utilization and reclaims
//     space with cleanup, compression and archival passes; deduplication and
//     migration run on demand through the API.
//   - Crawler: internal/crawler drives a priority frontier through a fixed
//     worker pool. Pages fetch via the Colly probe, promote to a headless
//     Chromedp fetch when the detector flags a JS-dependent page, and each
//     page yields a Merkle proof plus an artifact in the blob store.
//   - Persistence & fanout: node state lives in memory or Postgres (pgx);
//     crawl artifacts go to the memory/local/GCS blob store; pipeline events
//     batch through the hub into zap logs, Prometheus collectors and
//     optionally Pub/Sub.
//   - Configuration & plumbing: Viper populates config from env/files with
//     the WEBMINER prefix; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - Concurrency model: the manager serializes all mutation of a node
//     behind its handle mutex; the miner and optimizer funnel through it, so
//     concurrent passes never lose usage updates. Headless fetches have
//     their own semaphore inside the Chromedp fetcher.
//   - Shutdown: SIGINT/SIGTERM cancels the root context; loops wind down,
//     in-flight crawls stop, the HTTP server drains and the event hub
//     flushes before exit.
//
// Run locally: go run ./cmd/webminer -config config.yaml (or rely solely on
// WEBMINER_* env overrides).
package main
