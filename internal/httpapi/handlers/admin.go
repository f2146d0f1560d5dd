package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orchestrator-substrate/jobforge/internal/config"
	"github.com/orchestrator-substrate/jobforge/internal/persistence"
	"github.com/orchestrator-substrate/jobforge/internal/registry"
	"github.com/orchestrator-substrate/jobforge/internal/utils"
)

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// AdminHandler exposes the durable store's admin surface: cursor-paged
// job listing and bulk retry of failed jobs, grounded on the teacher's
// AdminJobsHandler.
type AdminHandler struct {
	store *persistence.Store
}

func NewAdminHandler(store *persistence.Store) *AdminHandler {
	return &AdminHandler{store: store}
}

// GET /admin/jobs?limit=50&cursor=<opaque>
//
// cursor is an opaque, base64-encoded created_at/id pair (utils.JobCursor)
// rather than raw after/after_id params, so clients round-trip a token
// instead of reconstructing store-internal pagination state themselves.
func (h *AdminHandler) ListCursor(ctx *gin.Context) {
	limit := parseInt(ctx.Query("limit"), 50)

	var after *time.Time
	var afterID string
	if raw := ctx.Query("cursor"); raw != "" {
		c, err := utils.DecodeJobCursor(raw)
		if err != nil {
			RespondBadRequest(ctx, "invalid cursor", nil)
			return
		}
		after = &c.CreatedAt
		afterID = c.ID
	}

	cctx, cancel := config.WithTimeout(3 * time.Second)
	defer cancel()

	jobs, err := h.store.ListCursor(cctx, after, afterID, limit)
	if err != nil {
		RespondInternal(ctx, "could not list jobs")
		return
	}

	var nextCursor string
	if len(jobs) > 0 {
		last := jobs[len(jobs)-1]
		nextCursor, err = utils.EncodeJobCursor(last.CreatedAt, last.ID)
		if err != nil {
			RespondInternal(ctx, "could not encode next cursor")
			return
		}
	}

	ctx.JSON(http.StatusOK, gin.H{
		"items": jobs,
		"next":  nextCursor,
	})
}

// GET /admin/jobs/:id
func (h *AdminHandler) GetByID(ctx *gin.Context) {
	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	job, err := h.store.GetByID(cctx, ctx.Param("id"))
	if err != nil {
		if err == registry.ErrJobNotFound {
			RespondNotFound(ctx, "job not found")
			return
		}
		RespondInternal(ctx, "could not fetch job")
		return
	}
	ctx.JSON(http.StatusOK, job)
}

// POST /admin/jobs/retry-many-failed?pipeline_id=duplicate-detection
func (h *AdminHandler) RetryManyFailed(ctx *gin.Context) {
	pipelineID := ctx.Query("pipeline_id")
	if pipelineID == "" {
		RespondBadRequest(ctx, "pipeline_id is required", nil)
		return
	}

	cctx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()

	n, err := h.store.RetryManyFailed(cctx, pipelineID)
	if err != nil {
		RespondInternal(ctx, "could not retry failed jobs")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"requeued": n})
}

// ReportsHandler serves the artifact directory: GET lists or downloads,
// DELETE removes one artifact. All paths are sanitised against
// traversal before touching the filesystem.
type ReportsHandler struct {
	dir string
}

func NewReportsHandler(dir string) *ReportsHandler {
	return &ReportsHandler{dir: dir}
}

func (h *ReportsHandler) resolve(ctx *gin.Context) (string, bool) {
	filename := ctx.Param("filename")
	if filename == "" {
		return h.dir, true
	}
	if strings.Contains(filename, "..") || strings.ContainsAny(filename, "/\\") {
		RespondBadRequest(ctx, "invalid filename", nil)
		return "", false
	}
	return filepath.Join(h.dir, filename), true
}

// GET /api/reports[/:filename]
func (h *ReportsHandler) Get(ctx *gin.Context) {
	path, ok := h.resolve(ctx)
	if !ok {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		RespondNotFound(ctx, "report not found")
		return
	}

	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			RespondInternal(ctx, "could not list reports")
			return
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
		ctx.JSON(http.StatusOK, gin.H{"files": names})
		return
	}

	ctx.File(path)
}

// DELETE /api/reports/:filename
func (h *ReportsHandler) Delete(ctx *gin.Context) {
	path, ok := h.resolve(ctx)
	if !ok {
		return
	}
	if path == h.dir {
		RespondBadRequest(ctx, "filename is required", nil)
		return
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			RespondNotFound(ctx, "report not found")
			return
		}
		RespondInternal(ctx, "could not delete report")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true})
}
