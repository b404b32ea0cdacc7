// Package api serves loaded rule sets over HTTP.
package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/agentscan-rulegate/internal/rules"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/logging"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/resilience"
)

// RuleSetDTO is the API view of a loaded rule set.
type RuleSetDTO struct {
	Name     string                  `json:"name"`
	Version  string                  `json:"version"`
	Checksum string                  `json:"checksum"`
	Origin   string                  `json:"origin"`
	Degraded bool                    `json:"degraded"`
	Level    resilience.ServiceLevel `json:"level"`
	Reason   string                  `json:"reason,omitempty"`
	Count    int                     `json:"count"`
	Rules    []rules.Rule            `json:"rules"`
}

// ToRuleSetDTO converts a loader result, keeping only the rules in
// selected. A nil selection keeps every rule.
func ToRuleSetDTO(result *rules.Result, selected []*rules.CompiledRule) *RuleSetDTO {
	if selected == nil {
		selected = result.Index.Rules()
	}

	out := make([]rules.Rule, 0, len(selected))
	for _, rule := range selected {
		out = append(out, rule.Rule)
	}

	return &RuleSetDTO{
		Name:     result.RuleSet.Name,
		Version:  result.RuleSet.Version,
		Checksum: result.RuleSet.Checksum,
		Origin:   result.Origin,
		Degraded: result.Degraded,
		Level:    result.Level,
		Reason:   result.Reason,
		Count:    len(out),
		Rules:    out,
	}
}

// RulesHandler serves rule sets through a loader.
type RulesHandler struct {
	loader *rules.Loader
	logger *logging.Logger
}

// NewRulesHandler creates a rules handler
func NewRulesHandler(loader *rules.Loader) *RulesHandler {
	return &RulesHandler{
		loader: loader,
		logger: logging.GetLogger(),
	}
}

// RegisterRoutes mounts the rule endpoints on router.
func (h *RulesHandler) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/rules")
	group.GET("/:name", h.GetRuleSet)
	group.POST("/:name/refresh", h.RefreshRuleSet)
	group.POST("/:name/invalidate", h.InvalidateRuleSet)
}

// GetRuleSet returns a rule set, optionally filtered with ?language=.
func (h *RulesHandler) GetRuleSet(c *gin.Context) {
	result, err := h.loader.Load(c.Request.Context(), c.Param("name"))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	var selected []*rules.CompiledRule
	if language := strings.ToLower(c.Query("language")); language != "" {
		selected = result.Index.ForLanguage(language)
	}

	SuccessResponse(c, ToRuleSetDTO(result, selected))
}

// RefreshRuleSet fetches a rule set from the source, replacing the cached copy.
func (h *RulesHandler) RefreshRuleSet(c *gin.Context) {
	name := c.Param("name")
	result, err := h.loader.Refresh(c.Request.Context(), name)
	if err != nil {
		h.logger.Warn("Rule set refresh failed", "rule_set", name, "error", err)
		ErrorResponseFromError(c, err)
		return
	}

	h.logger.Info("Rule set refreshed", "rule_set", name, "checksum", result.RuleSet.Checksum)
	SuccessResponse(c, ToRuleSetDTO(result, nil))
}

// InvalidateRuleSet drops the fresh copy of a rule set.
func (h *RulesHandler) InvalidateRuleSet(c *gin.Context) {
	name := c.Param("name")
	SuccessResponse(c, gin.H{
		"name":        name,
		"invalidated": h.loader.Invalidate(name),
	})
}
