package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"multirubro/internal/models"
	webModels "multirubro/internal/web/models"

	"github.com/gin-gonic/gin"
)

// DeviceStore registers devices and serves their reading history
type DeviceStore interface {
	ListDevices(ctx context.Context, f models.DeviceFilter) ([]models.Device, error)
	GetDevice(ctx context.Context, deviceID string) (models.Device, error)
	CreateDevice(ctx context.Context, dev models.Device) (models.Device, error)
	DeleteDevice(ctx context.Context, deviceID string) error
	ReadingHistory(ctx context.Context, deviceID string, since time.Time, limit int) ([]models.Reading, error)
}

const maxHistoryLimit = 1000

func RegisterDeviceRoutes(r *gin.Engine, store DeviceStore) {
	devices := r.Group("/api/devices")
	{
		devices.GET("", func(c *gin.Context) {
			filter := models.DeviceFilter{Rubro: c.Query("rubro"), Status: models.DeviceStatus(c.Query("status"))}
			list, err := store.ListDevices(c.Request.Context(), filter)
			if err != nil {
				respondError(c, err)
				return
			}
			if list == nil {
				list = []models.Device{}
			}
			c.JSON(http.StatusOK, list)
		})

		devices.POST("", func(c *gin.Context) {
			var req webModels.AddDeviceRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
				return
			}

			dev, err := store.CreateDevice(c.Request.Context(), models.Device{
				DeviceID:   req.DeviceID,
				Name:       req.Name,
				DeviceType: req.DeviceType,
				Rubro:      req.Rubro,
				Location:   req.Location,
			})
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusCreated, dev)
		})

		devices.GET("/:device_id", func(c *gin.Context) {
			dev, err := store.GetDevice(c.Request.Context(), c.Param("device_id"))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, dev)
		})

		devices.DELETE("/:device_id", func(c *gin.Context) {
			if err := store.DeleteDevice(c.Request.Context(), c.Param("device_id")); err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"message": "Device deleted successfully"})
		})
	}

	r.GET("/api/data/:device_id", func(c *gin.Context) {
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > maxHistoryLimit {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
				return
			}
			limit = n
		}
		var since time.Time
		if raw := c.Query("hours"); raw != "" {
			hours, err := strconv.Atoi(raw)
			if err != nil || hours <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid hours"})
				return
			}
			since = time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
		}

		ctx := c.Request.Context()
		dev, err := store.GetDevice(ctx, c.Param("device_id"))
		if err != nil {
			respondError(c, err)
			return
		}
		readings, err := store.ReadingHistory(ctx, dev.DeviceID, since, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		if readings == nil {
			readings = []models.Reading{}
		}
		c.JSON(http.StatusOK, gin.H{
			"device_id":   dev.DeviceID,
			"device_name": dev.Name,
			"device_type": dev.DeviceType,
			"count":       len(readings),
			"data":        readings,
		})
	})
}
