package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"cyoa-server/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (h *Handler) createJob(c *gin.Context) {
	var req createJobRequest
	if err := h.decodeStrict(c, &req); err != nil {
		badRequest(c, "Invalid request data: "+validationMessage(err))
		return
	}
	if req.Prompt != "" && req.Theme != "" && req.Prompt != req.Theme {
		badRequest(c, "Only one of prompt and theme may be set")
		return
	}

	job, err := h.jobs.CreateJob(c.Request.Context(), service.CreateJobInput{
		Prompt:    req.prompt(),
		Options:   req.options(),
		SessionID: GetSessionID(c),
	})
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Header("Location", fmt.Sprintf("%s/%s", jobLocationBase(c), job.ID))
	c.JSON(http.StatusAccepted, toJobResponse(job))
}

func (h *Handler) listJobs(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, err := h.jobs.ListJobs(c.Request.Context(), GetSessionID(c), limit)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	resp := jobListResponse{Jobs: make([]jobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getJob(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	job, err := h.jobs.GetJob(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (h *Handler) cancelJob(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	job, err := h.jobs.CancelJob(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	h.logger.Info("Job cancel requested", zap.String("job_id", id.String()), zap.String("state", string(job.State)))
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (h *Handler) getStory(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	story, err := h.stories.GetStory(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toStoryResponse(story))
}

func (h *Handler) getCompleteStory(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	story, err := h.stories.GetStory(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCompleteStoryResponse(story))
}

// decodeStrict JSON без неизвестных полей, затем binding теги.
func (h *Handler) decodeStrict(c *gin.Context, dst any) error {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	if binding.Validator == nil {
		return nil
	}
	return binding.Validator.ValidateStruct(dst)
}

// validationMessage ошибки binding тегов в виде "поле: правило".
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	// не-UUID id просто неизвестен клиенту, отвечаем как на отсутствующий
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		notFound(c)
		return uuid.Nil, false
	}
	return id, true
}

// jobLocationBase путь /jobs внутри той же группы, что и текущий маршрут.
func jobLocationBase(c *gin.Context) string {
	path := c.FullPath()
	for _, suffix := range []string{"/stories/create", "/jobs"} {
		if strings.HasSuffix(path, suffix) {
			return strings.TrimSuffix(path, suffix) + "/jobs"
		}
	}
	return "/jobs"
}
