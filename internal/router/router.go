package router

import (
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/nadsoft/students-api/internal/handler"
	"github.com/nadsoft/students-api/internal/middleware"
	"github.com/nadsoft/students-api/internal/service"
	"github.com/nadsoft/students-api/pkg/logger"
	corsmiddleware "github.com/nadsoft/students-api/pkg/middleware/cors"
	reqidmiddleware "github.com/nadsoft/students-api/pkg/middleware/requestid"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Logger         *zap.Logger
	Metrics        *service.MetricsService
	Students       *handler.StudentHandler
	Observability  *handler.MetricsHandler
	AllowedOrigins []string
	RequestTimeout time.Duration
	EnableDocs     bool
}

// New builds the gin engine with middlewares and routes.
func New(deps Deps) *gin.Engine {
	logr := deps.Logger
	if logr == nil {
		logr = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(deps.AllowedOrigins))
	r.Use(middleware.Metrics(deps.Metrics))
	r.Use(middleware.Timeout(deps.RequestTimeout))

	if deps.Observability != nil {
		r.GET("/health", deps.Observability.Health)
		r.GET("/ready", deps.Observability.Ready)
		r.GET("/metrics", deps.Observability.Prometheus)
	}

	if deps.EnableDocs {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	if deps.Students != nil {
		students := r.Group("/students")
		students.POST("", deps.Students.Create)
		students.GET("", deps.Students.List)
		students.GET("/:id", deps.Students.Get)
		students.PUT("/:id", deps.Students.Update)
		students.DELETE("/:id", deps.Students.Delete)
		students.GET("/:id/report", deps.Students.Report)
	}

	return r
}
