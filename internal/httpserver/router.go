package httpserver

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tripforge/internal/handler"
)

// ReadyCheck 就绪探针依赖项，返回 error 表示未就绪
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps 路由装配所需的 handler 和配置
type Deps struct {
	Emails    *handler.EmailHandler
	Detection *handler.DetectionHandler
	Trips     *handler.TripHandler
	Admin     *handler.AdminHandler
	JWTSecret string
	Ready     []ReadyCheck
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(deps Deps) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), MetricsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(200)
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()
		for _, rc := range deps.Ready {
			if err := rc.Check(ctx); err != nil {
				c.JSON(500, gin.H{"status": rc.Name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(200, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.POST("/emails", deps.Emails.Ingest)

		api.POST("/detection/batches", deps.Detection.SubmitBatch)
		api.GET("/detection/batches/latest", deps.Detection.LatestRun)
		api.GET("/detection/batches/:id", deps.Detection.RunByID)
		api.GET("/detection/progress", deps.Detection.Progress)
		api.POST("/detection/stop", deps.Detection.Stop)

		api.GET("/trips", deps.Trips.List)
		api.GET("/trips/:id", deps.Trips.Get)
		api.GET("/trips/:id/ical", deps.Trips.ExportICal)
	}

	admin := r.Group("/api/admin")
	admin.Use(AuthMiddleware(deps.JWTSecret))
	{
		admin.POST("/reset", deps.Admin.Reset)
		admin.POST("/outbox/replay", deps.Admin.ReplayOutbox)
	}

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}
