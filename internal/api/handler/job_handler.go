package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Berry-MI/quickgrab/internal/api/dto"
	"github.com/Berry-MI/quickgrab/internal/grab/domain"
)

// SubmitJob handles POST /api/v1/jobs
// Validates the link against the vendor and enqueues the job as pending.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	strategy := domain.Strategy(req.Strategy)
	switch strategy {
	case domain.StrategyTimed, domain.StrategyManual, domain.StrategyPick:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "strategy must be 1 (timed), 2 (manual) or 3 (pick)",
		})
		return
	}

	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	job := domain.Job{
		DeviceID:    req.DeviceID,
		BuyerID:     req.BuyerID,
		Link:        req.Link,
		Cookies:     req.Cookies,
		Keyword:     req.Keyword,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Quantity:    req.Quantity,
		DelayMs:     req.DelayMs,
		FrequencyMs: req.FrequencyMs,
		Strategy:    strategy,
		Status:      domain.StatusPending,
		Extension:   req.Extension,
	}

	// Manual jobs watch a shop link; there is nothing to buy yet. The other
	// strategies must prove the link resolves to order data before the job
	// is accepted, and the built parameters are captured for quick mode.
	if strategy != domain.StrategyManual {
		catalog, err := h.linkChecker.FetchCatalogData(c.Request.Context(), &job)
		if err != nil {
			h.logger.Warn("Submitted link failed validation",
				slog.Int64("buyer_id", req.BuyerID),
				slog.String("link", req.Link),
				slog.Any("error", err),
			)
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error": "link does not resolve to purchasable order data",
			})
			return
		}
		blob, err := h.builder.BuildOrderParameters(&job, catalog, true)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error": "order parameters could not be built from link",
			})
			return
		}
		job.OrderParameters = string(blob)
	}

	if err := h.store.InsertJob(c.Request.Context(), &job); err != nil {
		h.logger.Error("Failed to insert job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	c.JSON(http.StatusCreated, jobToDTO(&job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := pathID(c, "job_id")
	if !ok {
		return
	}

	job, err := h.store.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}

	c.JSON(http.StatusOK, jobToDTO(job))
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "buyer_id is required"})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), req.BuyerID)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	out := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		out[i] = jobToDTO(&jobs[i])
	}
	c.JSON(http.StatusOK, dto.ListJobsResponse{Jobs: out})
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Only pending jobs can be withdrawn; a dispatched race is already running
// and will settle on its own.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := pathID(c, "job_id")
	if !ok {
		return
	}

	job, err := h.store.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}

	if job.Status != domain.StatusPending {
		c.JSON(http.StatusConflict, gin.H{
			"error": "job is already in flight",
		})
		return
	}

	if err := h.store.DeleteJob(c.Request.Context(), jobID); err != nil {
		h.logger.Error("Failed to delete job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete job"})
		return
	}

	h.logger.Info("Job withdrawn",
		slog.Int64("job_id", jobID),
		slog.Int64("buyer_id", job.BuyerID),
	)
	c.Status(http.StatusNoContent)
}

// ListResults handles GET /api/v1/results
func (h *JobHandler) ListResults(c *gin.Context) {
	var req dto.ListResultsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "buyer_id is required"})
		return
	}

	results, err := h.store.ListResults(c.Request.Context(), req.BuyerID, req.Limit)
	if err != nil {
		h.logger.Error("Failed to list results", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list results"})
		return
	}

	out := make([]dto.ResultDTO, len(results))
	for i := range results {
		out[i] = resultToDTO(&results[i])
	}
	c.JSON(http.StatusOK, dto.ListResultsResponse{Results: out})
}

// GetResult handles GET /api/v1/results/:result_id
func (h *JobHandler) GetResult(c *gin.Context) {
	resultID, ok := pathID(c, "result_id")
	if !ok {
		return
	}

	result, err := h.store.GetResultByID(c.Request.Context(), resultID)
	if err != nil {
		if errors.Is(err, domain.ErrResultNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		h.logger.Error("Failed to get result", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get result"})
		return
	}

	c.JSON(http.StatusOK, resultToDTO(result))
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": name + " must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func jobToDTO(job *domain.Job) dto.JobDTO {
	out := dto.JobDTO{
		ID:          job.ID,
		DeviceID:    job.DeviceID,
		BuyerID:     job.BuyerID,
		WorkerTag:   job.WorkerTag,
		Link:        job.Link,
		Keyword:     job.Keyword,
		StartTime:   job.StartTime.Format(time.RFC3339),
		Quantity:    job.Quantity,
		DelayMs:     job.DelayMs,
		FrequencyMs: job.FrequencyMs,
		Strategy:    job.Strategy.String(),
		Status:      int(job.Status),
		Extension:   job.Extension,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
	}
	if !job.EndTime.IsZero() {
		out.EndTime = job.EndTime.Format(time.RFC3339)
	}
	return out
}

func resultToDTO(result *domain.Result) dto.ResultDTO {
	return dto.ResultDTO{
		ID:              result.ID,
		JobID:           result.JobID,
		DeviceID:        result.DeviceID,
		BuyerID:         result.BuyerID,
		Link:            result.Link,
		Keyword:         result.Keyword,
		StartTime:       result.StartTime.Format(time.RFC3339),
		EndTime:         result.EndTime.Format(time.RFC3339),
		Quantity:        result.Quantity,
		Strategy:        result.Strategy.String(),
		ResponseMessage: result.ResponseMessage,
		Status:          int(result.Status),
		CreatedAt:       result.CreatedAt.Format(time.RFC3339),
	}
}
