package api

import (
	"context"
	"net/http"
	"strconv"

	"multirubro/internal/automation"
	"multirubro/internal/engine"
	"multirubro/internal/models"
	webModels "multirubro/internal/web/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RuleStore is the rule catalog as seen by the management API
type RuleStore interface {
	ListRules(ctx context.Context, activeOnly bool) ([]models.Rule, error)
	GetRule(ctx context.Context, id int64) (models.Rule, error)
	CreateRule(ctx context.Context, r models.Rule) (models.Rule, error)
	UpdateRule(ctx context.Context, r models.Rule) (models.Rule, error)
	SetRuleActive(ctx context.Context, id int64, active bool) error
	DeleteRule(ctx context.Context, id int64) error
}

// RuleEngine is what rule edits need from the engine
type RuleEngine interface {
	Invalidate(ruleID int64)
	DryRun(ctx context.Context, deviceID string, value float64) ([]engine.DryRunResult, error)
}

const defaultCooldownSeconds = 300

// ruleFromRequest validates req and converts it into a storable rule
func ruleFromRequest(req webModels.AddRuleRequest) (models.Rule, error) {
	rule := models.Rule{
		Name:            req.Name,
		Description:     req.Description,
		Condition:       req.Condition,
		Action:          req.Action,
		IsActive:        true,
		Priority:        req.Priority,
		CooldownSeconds: defaultCooldownSeconds,
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	if req.CooldownSeconds != nil {
		rule.CooldownSeconds = *req.CooldownSeconds
	}
	if _, err := automation.CompileRule(rule); err != nil {
		return models.Rule{}, err
	}
	return rule, nil
}

func RegisterRuleRoutes(r *gin.Engine, store RuleStore, eng RuleEngine, logger *zap.SugaredLogger) {
	logger = logger.With("component", "rules_api")
	rules := r.Group("/api/rules")
	{
		rules.GET("", func(c *gin.Context) {
			activeOnly, _ := strconv.ParseBool(c.DefaultQuery("active_only", "false"))
			list, err := store.ListRules(c.Request.Context(), activeOnly)
			if err != nil {
				respondError(c, err)
				return
			}
			if list == nil {
				list = []models.Rule{}
			}
			c.JSON(http.StatusOK, list)
		})

		rules.GET("/:id", func(c *gin.Context) {
			id, ok := idParam(c)
			if !ok {
				return
			}
			rule, err := store.GetRule(c.Request.Context(), id)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, rule)
		})

		rules.POST("", func(c *gin.Context) {
			var req webModels.AddRuleRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
				return
			}
			rule, err := ruleFromRequest(req)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			created, err := store.CreateRule(c.Request.Context(), rule)
			if err != nil {
				respondError(c, err)
				return
			}
			logger.Infow("Rule created", "rule_id", created.ID, "rule_name", created.Name)
			c.JSON(http.StatusCreated, created)
		})

		rules.PUT("/:id", func(c *gin.Context) {
			id, ok := idParam(c)
			if !ok {
				return
			}
			var req webModels.AddRuleRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
				return
			}
			rule, err := ruleFromRequest(req)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			rule.ID = id
			updated, err := store.UpdateRule(c.Request.Context(), rule)
			if err != nil {
				respondError(c, err)
				return
			}
			eng.Invalidate(id)
			logger.Infow("Rule updated", "rule_id", id, "rule_name", updated.Name)
			c.JSON(http.StatusOK, updated)
		})

		rules.DELETE("/:id", func(c *gin.Context) {
			id, ok := idParam(c)
			if !ok {
				return
			}
			if err := store.DeleteRule(c.Request.Context(), id); err != nil {
				respondError(c, err)
				return
			}
			eng.Invalidate(id)
			logger.Infow("Rule deleted", "rule_id", id)
			c.JSON(http.StatusOK, gin.H{"message": "Rule deleted successfully"})
		})

		setActive := func(active bool) gin.HandlerFunc {
			return func(c *gin.Context) {
				id, ok := idParam(c)
				if !ok {
					return
				}
				if err := store.SetRuleActive(c.Request.Context(), id, active); err != nil {
					respondError(c, err)
					return
				}
				eng.Invalidate(id)
				c.JSON(http.StatusOK, gin.H{"id": id, "is_active": active})
			}
		}
		rules.POST("/:id/activate", setActive(true))
		rules.POST("/:id/deactivate", setActive(false))

		rules.POST("/test", func(c *gin.Context) {
			var req webModels.TestRuleRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
				return
			}
			results, err := eng.DryRun(c.Request.Context(), req.DeviceID, *req.Value)
			if err != nil {
				respondError(c, err)
				return
			}
			fired := 0
			for _, res := range results {
				if res.WouldFire {
					fired++
				}
			}
			c.JSON(http.StatusOK, gin.H{
				"device_id":   req.DeviceID,
				"value":       *req.Value,
				"would_fire":  fired,
				"evaluations": results,
			})
		})
	}
}
