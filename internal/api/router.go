package api

import (
	"github.com/gin-gonic/gin"

	"github.com/timmy/sermontube/internal/api/handler"
	"github.com/timmy/sermontube/internal/api/middleware"
	"github.com/timmy/sermontube/internal/config"
	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/events"
	"github.com/timmy/sermontube/internal/repository"
	"github.com/timmy/sermontube/internal/service"
)

// Deps holds everything the HTTP layer calls into.
type Deps struct {
	Jobs       *repository.JobRepository
	Queue      *repository.QueueRepository
	Batches    *service.BatchManager
	Approval   *service.ApprovalGate
	Review     *service.Review
	Automation *service.Automation
	Tasks      handler.TaskTrigger
	Hub        *events.Hub
	// Notifier wakes the workers after a request created work.
	Notifier service.Notifier
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Deps, cfg config.ServerConfig) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	cors := middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(cors))

	healthHandler := handler.NewHealthHandler(deps.Jobs, deps.Queue)
	automationHandler := handler.NewAutomationHandler(deps.Automation, deps.Notifier)
	batchHandler := handler.NewBatchHandler(deps.Batches, "")
	youtubeHandler := handler.NewBatchHandler(deps.Batches, domain.VariantYouTube)
	jobHandler := handler.NewJobHandler(deps.Jobs, deps.Approval, deps.Review, deps.Notifier)
	taskHandler := handler.NewTaskHandler(deps.Tasks)
	wsHandler := handler.NewWSHandler(deps.Hub, func(origin string) bool {
		return middleware.IsOriginAllowed(origin, cors)
	})

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/automation", automationHandler.Start)

		v1.GET("/batches", batchHandler.List)
		v1.GET("/batches/:id/progress", batchHandler.Progress)
		v1.GET("/batches/:id/status", batchHandler.Status)

		yt := v1.Group("/youtube")
		yt.GET("/batches", youtubeHandler.List)
		yt.GET("/batches/:id/progress", youtubeHandler.Progress)
		yt.GET("/batches/:id/status", youtubeHandler.Status)

		v1.GET("/jobs", jobHandler.List)
		v1.POST("/jobs/bulk", jobHandler.Bulk)
		v1.GET("/jobs/:id", jobHandler.Get)
		v1.POST("/jobs/:id/approve", jobHandler.Approve)
		v1.POST("/jobs/:id/reject", jobHandler.Reject)
		v1.POST("/jobs/:id/retry", jobHandler.Retry)

		v1.POST("/admin/tasks/:kind", taskHandler.Trigger)

		v1.GET("/ws", wsHandler.Stream)
	}

	return r
}
