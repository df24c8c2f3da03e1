// internal/handlers/respond.go
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"liverscan-back/internal/logger"
	"liverscan-back/internal/segmentation"
)

// respond wraps data in the uniform {success, data} envelope.
func respond(c *gin.Context, code int, data any) {
	c.JSON(code, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"success": false, "error": message})
}

// respondDomainError maps domain failures to status codes. Internal
// details are logged, never exposed.
func respondDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		respondError(c, http.StatusNotFound, "Not found")
	case errors.Is(err, segmentation.ErrAlreadyProcessed):
		respondError(c, http.StatusConflict, "Scan already processed")
	case errors.Is(err, segmentation.ErrRunInProgress):
		respondError(c, http.StatusConflict, "A segmentation run is already in progress for this scan")
	default:
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "Internal server error")
	}
}

// paramID parses the :id path segment.
func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		respondError(c, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return uint(id), true
}
