package crawler

import "context"

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a probe response warrants a headless
// re-fetch.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// ProofSubmitter posts a page's optimization proof to an external collector.
// Submission is best-effort: errors are reported but never fail the crawl.
type ProofSubmitter interface {
	Submit(ctx context.Context, submission ProofSubmission) error
}
