package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orchestrator-substrate/jobforge/internal/cache"
	"github.com/orchestrator-substrate/jobforge/internal/config"
	"github.com/orchestrator-substrate/jobforge/internal/persistence"
	"github.com/orchestrator-substrate/jobforge/internal/persistence/postgres"
	"github.com/orchestrator-substrate/jobforge/internal/registry"
)

const pipelineStatsCacheKey = "pipeline_stats"

// ScansHandler implements the §6 HTTP surface around the core: it binds
// requests, calls the registry, and contains no scheduling/retry logic
// of its own. statsCache is a short-TTL read-through cache in front of
// the durable store's aggregate stats query, grounded on the teacher's
// internal/cache.Cache.
type ScansHandler struct {
	reg        *registry.Registry
	store      *persistence.Store
	statsCache *cache.Cache
}

func NewScansHandler(reg *registry.Registry, store *persistence.Store) *ScansHandler {
	return &ScansHandler{reg: reg, store: store, statsCache: cache.New(5 * time.Second)}
}

type startScanRequest struct {
	RepositoryPath string          `json:"repositoryPath" binding:"required"`
	Options        json.RawMessage `json:"options,omitempty"`
}

// POST /api/scans/start
func (h *ScansHandler) Start(ctx *gin.Context) {
	var req startScanRequest
	if !BindJSON(ctx, &req) {
		return
	}
	if req.RepositoryPath == "" {
		RespondBadRequest(ctx, "repositoryPath is required", nil)
		return
	}

	input, err := json.Marshal(map[string]any{"repositoryPath": req.RepositoryPath, "options": req.Options})
	if err != nil {
		RespondInternal(ctx, "could not encode job input")
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	jobID, err := h.reg.Submit(cctx, "duplicate-detection", input, registry.SubmitOptions{})
	if err != nil {
		h.respondSubmitError(ctx, err)
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{
		"success":     true,
		"job_id":      jobID,
		"status_url":  fmt.Sprintf("/api/scans/%s/status", jobID),
		"results_url": fmt.Sprintf("/api/scans/%s/results", jobID),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

type startMultiScanRequest struct {
	RepositoryPaths []string `json:"repositoryPaths" binding:"required,min=2"`
	GroupName       string   `json:"groupName,omitempty"`
}

// POST /api/scans/start-multi
func (h *ScansHandler) StartMulti(ctx *gin.Context) {
	var req startMultiScanRequest
	if !BindJSON(ctx, &req) {
		return
	}
	if len(req.RepositoryPaths) < 2 {
		RespondBadRequest(ctx, "repositoryPaths must contain at least 2 entries", nil)
		return
	}

	input, err := json.Marshal(map[string]any{"repositoryPaths": req.RepositoryPaths, "groupName": req.GroupName})
	if err != nil {
		RespondInternal(ctx, "could not encode job input")
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	jobID, err := h.reg.Submit(cctx, "multi-repo-duplicate-detection", input, registry.SubmitOptions{})
	if err != nil {
		h.respondSubmitError(ctx, err)
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{
		"success":          true,
		"job_id":           jobID,
		"repository_count": len(req.RepositoryPaths),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *ScansHandler) respondSubmitError(ctx *gin.Context, err error) {
	switch err {
	case registry.ErrQueueFull:
		RespondError(ctx, http.StatusTooManyRequests, "QueueFull", "pipeline queue is full", nil)
	case registry.ErrUnsupportedPipeline:
		RespondBadRequest(ctx, "unsupported pipeline", nil)
	case registry.ErrRegistryStopped:
		RespondError(ctx, http.StatusServiceUnavailable, "registry_stopped", "orchestrator is shutting down", nil)
	default:
		RespondInternal(ctx, "could not enqueue scan")
	}
}

// GET /api/scans/:job_id/status
func (h *ScansHandler) Status(ctx *gin.Context) {
	jobID := ctx.Param("job_id")
	job, ok := h.reg.Get(jobID)
	if !ok {
		RespondNotFound(ctx, "job not found")
		return
	}

	stats := h.reg.Stats()[job.PipelineID]
	ctx.JSON(http.StatusOK, gin.H{
		"job_id":    job.ID,
		"status":    job.Status,
		"queued":    stats.Queued,
		"active":    stats.Active,
		"completed": stats.Completed,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// GET /api/scans/:job_id/results?format=summary|full
func (h *ScansHandler) Results(ctx *gin.Context) {
	jobID := ctx.Param("job_id")
	job, ok := h.reg.Get(jobID)
	if !ok {
		RespondNotFound(ctx, "job not found")
		return
	}

	format := ctx.DefaultQuery("format", "summary")
	body := gin.H{"job_id": job.ID, "status": job.Status, "metrics": job.Result}
	if format == "full" {
		body["detailed_metrics"] = job.Result
	}
	ctx.JSON(http.StatusOK, body)
}

// GET /api/scans/recent?limit — the durable, cursor-paginated equivalent
// lives on the admin handler's ListCursor; this is the plain newest-N
// convenience view scan dashboards poll.
func (h *ScansHandler) Recent(ctx *gin.Context) {
	limit := parseInt(ctx.Query("limit"), 20)

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	jobs, err := h.store.ListCursor(cctx, nil, "", limit)
	if err != nil {
		RespondInternal(ctx, "could not list recent scans")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"scans":     jobs,
		"total":     len(jobs),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// GET /api/scans/stats
func (h *ScansHandler) StatsSummary(ctx *gin.Context) {
	scanMetrics, cacheHit := h.cachedPipelineStats(ctx)
	ctx.JSON(http.StatusOK, gin.H{
		"scan_metrics": scanMetrics,
		"queue_stats":  h.reg.Stats(),
		"cache_stats":  gin.H{"hit": cacheHit, "ttl_seconds": 5},
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *ScansHandler) cachedPipelineStats(ctx *gin.Context) (map[string]postgres.JobCounts, bool) {
	if v, ok := h.statsCache.Get(pipelineStatsCacheKey); ok {
		return v.(map[string]postgres.JobCounts), true
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	stats, err := h.store.GetAllPipelineStats(cctx)
	if err != nil {
		return map[string]postgres.JobCounts{}, false
	}
	h.statsCache.Set(pipelineStatsCacheKey, stats)
	return stats, false
}

// DELETE /api/scans/:job_id
func (h *ScansHandler) Cancel(ctx *gin.Context) {
	jobID := ctx.Param("job_id")
	job, ok := h.reg.Get(jobID)
	if !ok {
		RespondNotFound(ctx, "job not found")
		return
	}
	pendingRetry := job.Status == registry.StatusFailed && job.Retrying
	if job.Status.Terminal() && !pendingRetry {
		RespondBadRequest(ctx, "job is already terminal", nil)
		return
	}
	h.reg.Cancel(jobID)
	ctx.JSON(http.StatusOK, gin.H{"success": true, "job_id": jobID})
}
