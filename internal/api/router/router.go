package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Berry-MI/quickgrab/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "quickgrab-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a new grab job
			jobs.POST("", jobHandler.SubmitJob)

			// GET /api/v1/jobs - List a buyer's pending jobs
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// DELETE /api/v1/jobs/:job_id - Withdraw a pending job
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}

		results := v1.Group("/results")
		{
			// GET /api/v1/results - List a buyer's settled races
			results.GET("", jobHandler.ListResults)

			// GET /api/v1/results/:result_id - Get one settled race
			results.GET("/:result_id", jobHandler.GetResult)
		}
	}

	return r
}
