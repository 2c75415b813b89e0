package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// handleLogin exchanges the operator credentials for a bearer token.
func (s *Server) handleLogin(c *gin.Context) {
	if s.tokens == nil || s.config.OperatorPasswordHash == "" {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "operator login disabled",
		})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": err.Error()})
		return
	}

	// Always run the hash comparison so a wrong username costs the same.
	passwordOK := VerifyPassword(req.Password, s.config.OperatorPasswordHash)
	if req.Username != s.config.OperatorUser || !passwordOK {
		s.logger.Warn("Operator login rejected", "username", req.Username, "ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "invalid credentials"})
		return
	}

	token, err := s.tokens.Issue(req.Username, RoleOperator, s.config.TokenTTL)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_failed"})
		return
	}
	s.logger.Info("Operator logged in", "username", req.Username)
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"role":       RoleOperator,
		"expires_in": int(s.config.TokenTTL.Seconds()),
	})
}
