package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ProofSubmission is the payload posted to the proof-of-optimization
// collector for each crawled page.
type ProofSubmission struct {
	CrawlID        string `json:"crawlId"`
	MerkleRoot     string `json:"merkleRoot"`
	BytesSaved     int64  `json:"bytesSaved"`
	BacklinksCount int    `json:"backlinksCount"`
	ArtifactCID    string `json:"artifactCID"`
}

const submitPoOPath = "/api/blockchain/submit-poo"

// HTTPSubmitter posts proof submissions to the configured API base URL.
type HTTPSubmitter struct {
	apiURL string
	client *http.Client
}

// NewHTTPSubmitter builds a submitter against apiURL. A nil client gets a
// default with a 10s timeout.
func NewHTTPSubmitter(apiURL string, client *http.Client) *HTTPSubmitter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSubmitter{
		apiURL: strings.TrimSuffix(apiURL, "/"),
		client: client,
	}
}

// Submit posts the submission as JSON. Non-2xx responses are errors so the
// caller can count and log them; the caller decides that they never fail the
// crawl.
func (s *HTTPSubmitter) Submit(ctx context.Context, submission ProofSubmission) error {
	payload, err := json.Marshal(submission)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+submitPoOPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post submission: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("submission rejected: status %d", resp.StatusCode)
	}
	return nil
}
