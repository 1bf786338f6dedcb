package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tiulinh/otaku-agent-sub003/internal/api/handler"
)

// Config holds router-level settings
type Config struct {
	ServiceName string
	CORSOrigins []string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, cfg Config) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(cfg.CORSOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": cfg.ServiceName,
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	jobs := r.Group("/jobs")
	{
		// POST /jobs - Pay for and submit a new job
		jobs.POST("", jobHandler.CreateJob)

		// GET /jobs - Always refused with 402
		jobs.GET("", jobHandler.ListJobs)

		// GET /jobs/health - Job store health, unauthenticated
		jobs.GET("/health", jobHandler.Health)

		// GET /jobs/:job_id - Poll a job
		jobs.GET("/:job_id", jobHandler.GetJob)
	}

	return r
}
