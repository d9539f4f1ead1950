package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/foldrun/internal/common/logger"
	middleware "github.com/kandev/foldrun/internal/orchestrator/api"
)

// NewRouter builds the control API engine with its middleware stack.
// submitRate caps POST /runs per second, 0 disables the cap.
func NewRouter(deps Deps, submitRate int, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Recovery(log), middleware.RequestLogger(log), middleware.CORS(), middleware.ErrorHandler(log))

	handler := NewHandler(deps, log)
	router.GET("/health", handler.Health)
	SetupRoutes(router.Group("/api/v1"), handler, submitRate)
	return router
}

// SetupRoutes configures the control API routes
// router should be the /api/v1 group
func SetupRoutes(router *gin.RouterGroup, handler *Handler, submitRate int) {
	runs := router.Group("/runs")
	{
		runs.GET("", handler.ListRuns)
		runs.POST("", middleware.RateLimit(submitRate), handler.SubmitRun)
		runs.GET("/:runId", handler.GetRun)
		runs.DELETE("/:runId", handler.StopRun)
		runs.GET("/:runId/frames", handler.ListFrames)
	}

	workspaces := router.Group("/workspaces")
	{
		workspaces.GET("", handler.ListWorkspaces)
		workspaces.GET("/:folder", handler.GetWorkspace)
		workspaces.GET("/:folder/mounts", handler.PreviewMounts)
	}

	router.GET("/stream", handler.Stream)
}
