package http

import (
	"context"
	"net/http"

	"cyoa-server/internal/domain"
	"cyoa-server/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobService то, что нужно хендлерам от оркестратора.
type JobService interface {
	CreateJob(ctx context.Context, in service.CreateJobInput) (*domain.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	ListJobs(ctx context.Context, sessionID string, limit int) ([]*domain.Job, error)
	CancelJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
}

// StoryService чтение готовых историй.
type StoryService interface {
	GetStory(ctx context.Context, id uuid.UUID) (*domain.Story, error)
}

// Config настройки HTTP слоя.
type Config struct {
	SecureCookies bool
	// MaxBodyBytes ограничение тела запроса, 0 = 64KiB.
	MaxBodyBytes int64
}

// Handler HTTP обработчики заданий и историй.
type Handler struct {
	jobs    JobService
	stories StoryService
	cfg     Config
	logger  *zap.Logger
}

func New(jobs JobService, stories StoryService, cfg Config, logger *zap.Logger) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	return &Handler{
		jobs:    jobs,
		stories: stories,
		cfg:     cfg,
		logger:  logger.Named("HTTPHandler"),
	}
}

// RegisterRoutes регистрирует маршруты относительно группы API_PREFIX.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	jobs := api.Group("/jobs")
	jobs.Use(SessionMiddleware(h.cfg.SecureCookies))
	{
		jobs.POST("", h.createJob)
		jobs.GET("", h.listJobs)
		jobs.GET("/:id", h.getJob)
		jobs.POST("/:id/cancel", h.cancelJob)
	}

	stories := api.Group("/stories")
	{
		// маршрут старого клиента, делает то же, что POST /jobs
		stories.POST("/create", SessionMiddleware(h.cfg.SecureCookies), h.createJob)
		stories.GET("/:id", h.getStory)
		stories.GET("/:id/complete", h.getCompleteStory)
	}
}

// RegisterSystemRoutes корень и health, вне префикса.
func RegisterSystemRoutes(router gin.IRouter) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Hello, World!"})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
