package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seoharvest/webminer/internal/mining"
	"github.com/seoharvest/webminer/internal/node"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type createNodeRequest struct {
	Name          string                    `json:"name"`
	CapacityMB    float64                   `json:"capacity_mb"`
	Priority      string                    `json:"priority"`
	Configuration *mining.NodeConfiguration `json:"configuration,omitempty"`
}

type addTargetRequest struct {
	URL             string                `json:"url"`
	Priority        string                `json:"priority"`
	EstimatedSizeKB float64               `json:"estimated_size_kb"`
	Metadata        mining.TargetMetadata `json:"metadata"`
}

type optimizeRequest struct {
	Type string `json:"type"`
}

type createJobRequest struct {
	URL      string `json:"url"`
	Priority string `json:"priority"`
}

type createCrawlRequest struct {
	Seeds    []string `json:"seeds"`
	MaxDepth *int     `json:"max_depth,omitempty"`
	MaxPages *int     `json:"max_pages,omitempty"`
}

func (s *Server) createNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.manager.CreateMiningNode(r.Context(), node.CreateNodeRequest{
		Name:          req.Name,
		CapacityMB:    req.CapacityMB,
		Priority:      priority,
		Configuration: req.Configuration,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusCreated, map[string]any{"node": created})
}

func (s *Server) listNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"nodes": s.manager.Nodes()})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.manager.Node(chi.URLParam(r, "node_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"node": n})
}

func (s *Server) addTarget(w http.ResponseWriter, r *http.Request) {
	var req addTargetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(s.logger, w, http.StatusBadRequest, "url is required")
		return
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := s.manager.AddMiningTarget(r.Context(), chi.URLParam(r, "node_id"), node.TargetRequest{
		URL:           req.URL,
		Priority:      priority,
		EstimatedSize: req.EstimatedSizeKB,
		Metadata:      req.Metadata,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]any{"target": target})
}

func (s *Server) optimizeNode(w http.ResponseWriter, r *http.Request) {
	if s.optimizer == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "optimizer unavailable")
		return
	}
	var req optimizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	typ, err := parseOptimizationType(req.Type)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := s.optimizer.RunPass(r.Context(), chi.URLParam(r, "node_id"), typ)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"optimization": record})
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	if s.miner == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "miner unavailable")
		return
	}
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(s.logger, w, http.StatusBadRequest, "url is required")
		return
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.miner.AddMiningJob(req.URL, priority)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	if s.miner == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "miner unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	jobs := s.miner.Jobs()
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"jobs": paginate(jobs, limit, offset)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	if s.miner == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "miner unavailable")
		return
	}
	job, err := s.miner.Job(chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) createCrawl(w http.ResponseWriter, r *http.Request) {
	if s.crawls == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "crawler unavailable")
		return
	}
	var req createCrawlRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Seeds) == 0 {
		writeError(s.logger, w, http.StatusBadRequest, "at least one seed url is required")
		return
	}
	maxDepth := valueOrDefault(req.MaxDepth, s.cfg.Crawler.MaxDepthDefault)
	maxPages := valueOrDefault(req.MaxPages, s.cfg.Crawler.MaxPagesDefault)
	status, err := s.crawls.Start(req.Seeds, maxDepth, maxPages)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]any{"crawl": status})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	if s.crawls == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "crawler unavailable")
		return
	}
	status, ok := s.crawls.Get(chi.URLParam(r, "crawl_id"))
	if !ok {
		writeError(s.logger, w, http.StatusNotFound, "crawl not found")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"crawl": status})
}

func (s *Server) listCrawlPages(w http.ResponseWriter, r *http.Request) {
	if s.crawls == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "crawler unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	pages, ok := s.crawls.Pages(chi.URLParam(r, "crawl_id"))
	if !ok {
		writeError(s.logger, w, http.StatusNotFound, "crawl not found")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"pages": paginate(pages, limit, offset)})
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func parsePriority(input string) (mining.Priority, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "":
		return mining.PriorityMedium, nil
	case "high":
		return mining.PriorityHigh, nil
	case "medium":
		return mining.PriorityMedium, nil
	case "low":
		return mining.PriorityLow, nil
	default:
		return "", errors.New("invalid priority")
	}
}

func parseOptimizationType(input string) (mining.OptimizationType, error) {
	switch mining.OptimizationType(strings.ToLower(strings.TrimSpace(input))) {
	case mining.OptimizationCleanup:
		return mining.OptimizationCleanup, nil
	case mining.OptimizationCompression:
		return mining.OptimizationCompression, nil
	case mining.OptimizationDeduplication:
		return mining.OptimizationDeduplication, nil
	case mining.OptimizationArchival:
		return mining.OptimizationArchival, nil
	case mining.OptimizationMigration:
		return mining.OptimizationMigration, nil
	default:
		return "", errors.New("invalid optimization type")
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func paginate[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return []T{}
	}
	end := offset + limit
	if end > len(in) {
		end = len(in)
	}
	return in[offset:end]
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}
