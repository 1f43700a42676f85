package api

import (
	"context"
	"net/http"
	"strconv"

	"multirubro/internal/models"

	"github.com/gin-gonic/gin"
)

// AlertStore lists and updates alerts
type AlertStore interface {
	ListAlerts(ctx context.Context, f models.AlertFilter) ([]models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id int64) error
	ResolveAlert(ctx context.Context, id int64) error
}

func RegisterAlertRoutes(r *gin.Engine, store AlertStore) {
	alerts := r.Group("/api/alerts")
	{
		alerts.GET("", func(c *gin.Context) {
			filter := models.AlertFilter{Severity: c.Query("severity")}
			filter.UnresolvedOnly, _ = strconv.ParseBool(c.DefaultQuery("unresolved_only", "false"))
			if raw := c.Query("limit"); raw != "" {
				limit, err := strconv.Atoi(raw)
				if err != nil || limit <= 0 {
					c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
					return
				}
				filter.Limit = limit
			}

			list, err := store.ListAlerts(c.Request.Context(), filter)
			if err != nil {
				respondError(c, err)
				return
			}
			if list == nil {
				list = []models.Alert{}
			}
			c.JSON(http.StatusOK, list)
		})

		alerts.POST("/:id/acknowledge", func(c *gin.Context) {
			id, ok := idParam(c)
			if !ok {
				return
			}
			if err := store.AcknowledgeAlert(c.Request.Context(), id); err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"message": "Alert acknowledged"})
		})

		alerts.POST("/:id/resolve", func(c *gin.Context) {
			id, ok := idParam(c)
			if !ok {
				return
			}
			if err := store.ResolveAlert(c.Request.Context(), id); err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"message": "Alert resolved"})
		})
	}
}
