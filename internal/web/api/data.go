package api

import (
	"context"
	"net/http"

	"multirubro/internal/ingest"
	"multirubro/internal/models"
	webModels "multirubro/internal/web/models"

	"github.com/gin-gonic/gin"
)

// Ingester accepts readings
type Ingester interface {
	Ingest(ctx context.Context, r models.Reading) (ingest.Result, error)
}

func RegisterDataRoutes(r *gin.Engine, ingester Ingester) {
	r.POST("/api/data", func(c *gin.Context) {
		var req webModels.SensorDataRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}

		reading := models.Reading{DeviceID: req.DeviceID, Value: *req.Value, Unit: req.Unit, Quality: 1}
		if req.Quality != nil {
			reading.Quality = *req.Quality
		}
		if req.Timestamp != nil {
			reading.Timestamp = *req.Timestamp
		}

		res, err := ingester.Ingest(c.Request.Context(), reading)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	})
}
