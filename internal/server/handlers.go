package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/custodialabs/armorytrace/internal/custody"
	"github.com/custodialabs/armorytrace/pkg/models"
)

// handleIssueFirearm records a new custody event for a firearm
func (s *Server) handleIssueFirearm(c *gin.Context) {
	var req custody.IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": err.Error()})
		return
	}

	event, err := s.custodySvc.IssueFirearm(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

// handleReturnFirearm closes an open custody event
func (s *Server) handleReturnFirearm(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	event, err := s.custodySvc.ReturnFirearm(c.Request.Context(), eventID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// handleGetCustodyEvent returns one custody event
func (s *Server) handleGetCustodyEvent(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	event, err := s.custodySvc.EventByID(c.Request.Context(), eventID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// handleScoreEvent runs the detection pipeline synchronously for one event
func (s *Server) handleScoreEvent(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("eventID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	verdict, err := s.anomalySvc.ScoreEvent(c.Request.Context(), eventID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, verdict)
}

// handleListVerdicts pages persisted verdicts, optionally by severity
func (s *Server) handleListVerdicts(c *gin.Context) {
	severity := models.Severity(c.Query("severity"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	verdicts, total, err := s.anomalySvc.ListVerdicts(c.Request.Context(), severity, limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"verdicts": verdicts,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// handleTrain trains and activates a new clustering model
func (s *Server) handleTrain(c *gin.Context) {
	model, err := s.anomalySvc.RunTraining(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, model)
}

// handleRetrainCheck reports whether the active model needs retraining
func (s *Server) handleRetrainCheck(c *gin.Context) {
	decision, err := s.anomalySvc.CheckRetrain(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// handlePerformance reports review-based quality of the active model
func (s *Server) handlePerformance(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	if days <= 0 {
		days = 30
	}

	perf, err := s.anomalySvc.Performance(c.Request.Context(), time.Now().AddDate(0, 0, -days))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, perf)
}
