package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"zerodha-trading-engine/internal/auth"
	"zerodha-trading-engine/internal/positions"
)

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// reasonOrDefault reads an optional {"reason": ...} body.
func reasonOrDefault(c *gin.Context, fallback string) string {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err == nil && strings.TrimSpace(req.Reason) != "" {
		return strings.TrimSpace(req.Reason)
	}
	return fallback
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expiresAt, err := s.auth.Login(req.Password)
	if err != nil {
		var authErr auth.AuthError
		if errors.As(err, &authErr) {
			status := http.StatusUnauthorized
			if errors.Is(err, auth.ErrNotConfigured) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": authErr.Code, "message": authErr.Message})
			return
		}
		errorResponse(c, http.StatusInternalServerError, "login failed")
		return
	}

	successResponse(c, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int64(s.auth.TokenTTL().Seconds()),
		"expires_at":   expiresAt,
	})
}

func (s *Server) handleEngineStart(c *gin.Context) {
	if err := s.ctrl.Start(); err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	successResponse(c, gin.H{"state": "RUNNING"})
}

func (s *Server) handleEngineStop(c *gin.Context) {
	reason := reasonOrDefault(c, "operator stop")
	if err := s.ctrl.Stop(reason); err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	successResponse(c, gin.H{"state": "STOPPED", "reason": reason})
}

func (s *Server) handleEnginePause(c *gin.Context) {
	reason := reasonOrDefault(c, "operator pause")
	if err := s.ctrl.Pause(reason); err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	successResponse(c, gin.H{"state": "PAUSED", "reason": reason})
}

func (s *Server) handleEngineResume(c *gin.Context) {
	if err := s.ctrl.Resume(); err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	successResponse(c, gin.H{"state": "RUNNING"})
}

func (s *Server) handleClosePosition(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	reason := reasonOrDefault(c, "manual close")

	if err := s.ctrl.ClosePosition(c.Request.Context(), symbol, reason); err != nil {
		if errors.Is(err, positions.ErrAlreadyClosed) {
			errorResponse(c, http.StatusNotFound, "no open position for "+symbol)
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"symbol": symbol, "status": "closed", "reason": reason})
}

func (s *Server) handleCloseAll(c *gin.Context) {
	reason := reasonOrDefault(c, "operator close_all")
	s.logger.Warn().Str("reason", reason).Msg("close_all requested via control API")

	if err := s.ctrl.CloseAll(c.Request.Context(), reason); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"status": "closing", "reason": reason})
}

func (s *Server) handleOverrideLossLimit(c *gin.Context) {
	reason := reasonOrDefault(c, "operator override")
	s.logger.Warn().Str("reason", reason).Msg("loss limit override requested via control API")

	s.ctrl.OverrideLossLimit(reason)
	successResponse(c, gin.H{"overridden": true, "reason": reason})
}

func (s *Server) handleStatus(c *gin.Context) {
	successResponse(c, s.ctrl.Status())
}

func (s *Server) handleGetPositions(c *gin.Context) {
	snap := s.book.Snapshot()
	successResponse(c, gin.H{"count": len(snap), "positions": snap})
}

func (s *Server) handleGetBias(c *gin.Context) {
	successResponse(c, s.bias.Current())
}

func (s *Server) handleGetInternals(c *gin.Context) {
	successResponse(c, s.ctrl.Internals())
}

func (s *Server) handleGetRisk(c *gin.Context) {
	successResponse(c, s.risk.Snapshot())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"state":  s.ctrl.Status().State,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
