package api

import (
	"errors"
	"net/http"
	"strconv"

	"multirubro/internal/automation"
	"multirubro/internal/ingest"
	"multirubro/internal/models"

	"github.com/gin-gonic/gin"
)

var validationErrors = []error{
	ingest.ErrInvalidReading,
	automation.ErrUnknownOperator,
	automation.ErrEmptyComposite,
	automation.ErrInvalidThreshold,
	automation.ErrMissingDevice,
	automation.ErrMalformedTree,
	automation.ErrUnknownActionKind,
	automation.ErrInvalidAction,
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrDeviceNotFound),
		errors.Is(err, models.ErrRuleNotFound),
		errors.Is(err, models.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDeviceExists):
		return http.StatusConflict
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)
	if status == http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return id, true
}
