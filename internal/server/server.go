package server

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/custodialabs/armorytrace/internal/anomaly"
	"github.com/custodialabs/armorytrace/internal/custody"
)

// Server represents the HTTP server
type Server struct {
	logger     *zap.Logger
	custodySvc custody.Service
	anomalySvc anomaly.Service
	validate   *validator.Validate
}

// NewServer creates a new HTTP server
func NewServer(logger *zap.Logger, custodySvc custody.Service, anomalySvc anomaly.Service) *Server {
	return &Server{
		logger:     logger,
		custodySvc: custodySvc,
		anomalySvc: anomalySvc,
		validate:   validator.New(),
	}
}

// Router creates a new HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware("armorytrace"))
	router.Use(cors.Default())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			custodyGroup := v1.Group("/custody")
			{
				custodyGroup.POST("/issue", s.handleIssueFirearm)
				custodyGroup.POST("/:id/return", s.handleReturnFirearm)
				custodyGroup.GET("/:id", s.handleGetCustodyEvent)
			}

			anomalyGroup := v1.Group("/anomaly")
			{
				anomalyGroup.POST("/score/:eventID", s.handleScoreEvent)
				anomalyGroup.GET("/verdicts", s.handleListVerdicts)
				anomalyGroup.POST("/train", s.handleTrain)
				anomalyGroup.GET("/retrain-check", s.handleRetrainCheck)
				anomalyGroup.GET("/performance", s.handlePerformance)
			}
		}
	}

	return router
}

// errorMapper maps error messages to HTTP status codes
type errorMapper struct{}

func (m *errorMapper) mapError(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found"):
		return http.StatusNotFound
	case strings.Contains(msg, "not available"),
		strings.Contains(msg, "already closed"):
		return http.StatusConflict
	case strings.Contains(msg, "insufficient training data"):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response with mapped status
func (s *Server) writeError(c *gin.Context, err error) {
	status := (&errorMapper{}).mapError(err)
	c.JSON(status, gin.H{"error": err.Error()})
}
