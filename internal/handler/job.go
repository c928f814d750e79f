package handler

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/service"
	"github.com/makeasinger/melodygen/internal/store"
	"github.com/makeasinger/melodygen/pkg/response"
)

const (
	maxUploadSize = 100 * 1024 * 1024 // 100MB
	maxWait       = 300
)

type JobHandler struct {
	service      *service.JobService
	validator    *validator.Validate
	pollInterval time.Duration
}

func NewJobHandler(svc *service.JobService, v *validator.Validate) *JobHandler {
	return &JobHandler{
		service:      svc,
		validator:    v,
		pollInterval: time.Second,
	}
}

// Submit handles POST /api/jobs
// @Summary      Submit generation job
// @Description  Upload a backing track and queue melody generation plus vocal synthesis
// @Tags         Jobs
// @Accept       multipart/form-data
// @Produce      json
// @Param        file          formData file    true  "Backing track"
// @Param        startTime     formData number  false "Beat start time in seconds"
// @Param        bpm           formData number  false "Tempo, required with startTime"
// @Param        seed          formData integer false "Generation seed"
// @Param        randomizeSeed formData boolean false "Pick a random seed"
// @Param        modelSet      formData string  false "set1 or set2"
// @Param        voiceType     formData string  false "female or male"
// @Param        batchSize     formData integer false "Number of variants (1-8)"
// @Success      202 {object} model.SubmitJobResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs [post]
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}
	if file.Size == 0 {
		return response.ValidationError(c, "File is empty", nil)
	}
	if file.Size > maxUploadSize {
		return response.ValidationError(c, "File size exceeds 100MB limit", map[string]interface{}{
			"maxSize":  maxUploadSize,
			"fileSize": file.Size,
		})
	}

	src, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to read uploaded file")
	}
	defer src.Close()

	result, err := h.service.Submit(c.UserContext(), service.SubmitRequest{
		Params:   req,
		FileName: file.Filename,
		File:     src,
	})
	if err != nil {
		if errors.Is(err, model.ErrInvalidParameters) {
			return response.ValidationError(c, err.Error(), nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/jobs/:jobId
// @Summary      Get job status
// @Description  Get the status of a job. With wait=n the request blocks up to n seconds for the job to finish and reports "timeout" if it does not.
// @Tags         Jobs
// @Produce      json
// @Param        jobId path  string  true  "Job ID"
// @Param        wait  query integer false "Seconds to wait for a terminal status"
// @Success      200 {object} model.JobStatusResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId} [get]
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	timedOut := false
	if wait := c.QueryInt("wait"); wait > 0 {
		attempts := int(time.Duration(min(wait, maxWait))*time.Second/h.pollInterval) + 1
		_, status, err := h.service.WaitForTerminal(c.UserContext(), jobID, h.pollInterval, attempts)
		if err != nil {
			return h.jobError(c, err)
		}
		timedOut = status == service.StatusTimeout
	}

	result, err := h.service.GetStatus(c.UserContext(), jobID)
	if err != nil {
		return h.jobError(c, err)
	}
	if timedOut && !result.Status.IsTerminal() {
		result.Status = model.JobStatus(service.StatusTimeout)
	}
	return response.OK(c, result)
}

// Result handles GET /api/jobs/:jobId/result
// @Summary      Get job result
// @Description  Get the output files and remote URLs of a completed job
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobResultResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/result [get]
func (h *JobHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetResult(c.UserContext(), jobID)
	if err != nil {
		return h.jobError(c, err)
	}
	return response.OK(c, result)
}

// List handles GET /api/jobs
// @Summary      List recent jobs
// @Tags         Jobs
// @Produce      json
// @Param        limit query integer false "Maximum number of jobs (default 10)"
// @Success      200 {array} model.JobSummary
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs [get]
func (h *JobHandler) List(c *fiber.Ctx) error {
	jobs, err := h.service.ListRecent(c.UserContext(), c.QueryInt("limit"))
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, fiber.Map{"jobs": jobs})
}

func (h *JobHandler) jobError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrJobNotCompleted):
		return response.NotReady(c, "Job not completed yet", nil)
	default:
		return response.ServiceError(c, err.Error())
	}
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		errs := make(map[string]string)
		for _, e := range validationErrors {
			errs[e.Field()] = e.Tag()
		}
		return errs
	}
	return nil
}
