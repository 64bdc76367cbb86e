package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/commitdiary/stepper/internal/orchestrator"
	"github.com/commitdiary/stepper/internal/queue"
	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
	"github.com/commitdiary/stepper/pkg/types"
)

// ReportHandler serves the /v1/reports endpoints
type ReportHandler struct {
	service orchestrator.ReportService
	logger  *logging.Logger
}

// NewReportHandler creates a report handler
func NewReportHandler(service orchestrator.ReportService, logger *logging.Logger) *ReportHandler {
	return &ReportHandler{service: service, logger: logger}
}

// ReportRequest is the body of POST /v1/reports. Priority and callbackUrl
// only apply to queued generation.
type ReportRequest struct {
	types.PromptInput
	Priority    int    `json:"priority,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// ImmediateMetadata describes how a synchronous report was produced
type ImmediateMetadata struct {
	Provider           string                  `json:"provider"`
	Fallback           bool                    `json:"fallback"`
	Timings            types.Timings           `json:"timings"`
	ProvidersAttempted []types.ProviderAttempt `json:"providersAttempted"`
}

// bind decodes the body. The user rate limiter may already have read it, so
// the cached copy is used.
func (h *ReportHandler) bind(c *gin.Context) (*ReportRequest, bool) {
	var req ReportRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		badRequest(c, "Invalid request body")
		return nil, false
	}
	if len(req.MissingFields()) > 0 {
		badRequest(c, orchestrator.MissingFieldsMessage)
		return nil, false
	}
	return &req, true
}

// CreateReport handles POST /v1/reports
func (h *ReportHandler) CreateReport(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	resp, err := h.service.RequestReport(c.Request.Context(), &req.PromptInput, orchestrator.RequestOptions{
		Priority:    queue.NormalizePriority(queue.Priority(req.Priority)),
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		errorResponseFromError(c, h.logger, err)
		return
	}

	if resp.Status == orchestrator.RequestStatusCompleted {
		c.JSON(http.StatusOK, gin.H{
			"status": resp.Status,
			"cached": true,
			"stale":  resp.Stale,
			"data":   resp.Data,
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":    resp.Status,
		"jobId":     resp.JobID,
		"statusUrl": "/v1/reports/" + resp.JobID,
	})
}

// CreateImmediateReport handles POST /v1/reports/immediate. It blocks until
// the orchestrator finishes.
func (h *ReportHandler) CreateImmediateReport(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	result, err := h.service.GenerateNow(c.Request.Context(), &req.PromptInput)
	if err != nil {
		errorResponseFromError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": orchestrator.RequestStatusCompleted,
		"data":   result.Result,
		"metadata": ImmediateMetadata{
			Provider:           result.UsedProvider,
			Fallback:           result.Fallback,
			Timings:            result.Timings,
			ProvidersAttempted: result.ProvidersAttempted,
		},
	})
}

// GetReport handles GET /v1/reports/:jobId
func (h *ReportHandler) GetReport(c *gin.Context) {
	view, err := h.service.GetJob(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		if errors.IsNotFound(err) {
			notFound(c, "Job not found")
			return
		}
		errorResponseFromError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// DeleteReport handles DELETE /v1/reports?userId=&commitSha=&template=
func (h *ReportHandler) DeleteReport(c *gin.Context) {
	err := h.service.DeleteReport(c.Request.Context(), c.Query("userId"), c.Query("commitSha"), c.Query("template"))
	if err != nil {
		errorResponseFromError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Cache entry deleted"})
}
