package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MAXAPIPULL00/aratta/internal/aerrors"
	"github.com/MAXAPIPULL00/aratta/pkg/scri"
)

// errorBody is the error envelope every non-SSE failure carries.
type errorBody struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
	Details  any    `json:"details,omitempty"`
}

// NewHandler builds the gin engine with all routes mounted.
func NewHandler(g *Gateway) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(g.Log))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/chat", g.handleChat)
		v1.POST("/chat/stream", g.handleChatStream)
		v1.POST("/embed", g.handleEmbed)
		v1.GET("/models", g.handleModels)
		v1.GET("/health", g.handleProviderHealth)

		v1.GET("/healing/status", g.handleHealingStatus)
		v1.POST("/healing/pause/:provider", g.handleHealingPause)
		v1.POST("/healing/resume/:provider", g.handleHealingResume)

		v1.GET("/fixes/pending", g.handlePendingFixes)
		v1.POST("/fixes/:provider/approve", g.handleApproveFix)
		v1.POST("/fixes/:provider/reject", g.handleRejectFix)
		v1.GET("/fixes/:provider/history", g.handleFixHistory)
		v1.POST("/fixes/:provider/rollback/:version", g.handleRollback)

		v1.POST("/circuit/:provider/:action", g.handleCircuitAdmin)

		v1.GET("/metrics", g.handleMetrics)
		v1.GET("/dashboard", g.handleDashboard)
	}
	return engine
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("server")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// writeError maps gateway errors onto the wire envelope.
func writeError(c *gin.Context, err error) {
	var re *aerrors.RouterError
	if errors.As(err, &re) {
		status := http.StatusServiceUnavailable
		if re.Kind == aerrors.RouterNoCandidate {
			status = http.StatusNotFound
		}
		c.JSON(status, errorBody{
			Kind:    string(re.Kind),
			Message: re.Error(),
			Details: re.Attempts,
		})
		return
	}
	var ae *aerrors.AdapterError
	if errors.As(err, &ae) {
		status := ae.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		c.JSON(status, errorBody{Kind: string(ae.Kind), Message: ae.Message, Provider: ae.Provider})
		return
	}
	var ce *aerrors.ConfigError
	if errors.As(err, &ce) {
		c.JSON(http.StatusInternalServerError, errorBody{Kind: "config", Message: ce.Error()})
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.JSON(http.StatusGatewayTimeout, errorBody{Kind: "timeout", Message: err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, errorBody{Kind: "unknown", Message: err.Error()})
}

func (g *Gateway) handleChat(c *gin.Context) {
	var req scri.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Kind: "validation", Message: err.Error()})
		return
	}
	if req.Model == "" {
		req.Model = "local"
	}
	resp, err := g.Router.Chat(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (g *Gateway) handleChatStream(c *gin.Context) {
	var req scri.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Kind: "validation", Message: err.Error()})
		return
	}
	if req.Model == "" {
		req.Model = "local"
	}
	req.Stream = true

	events, err := g.Router.ChatStream(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		c.Writer.Write([]byte("data: "))
		c.Writer.Write(payload)
		c.Writer.Write([]byte("\n\n"))
		c.Writer.Flush()
	}
}

func (g *Gateway) handleEmbed(c *gin.Context) {
	var req scri.EmbeddingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Kind: "validation", Message: err.Error()})
		return
	}
	if req.Model == "" {
		req.Model = "embed"
	}
	resp, err := g.Router.Embed(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (g *Gateway) handleModels(c *gin.Context) {
	var models []scri.ModelCapabilities
	for _, name := range g.Cfg.AvailableProviders() {
		adapter, err := g.Registry.Get(name)
		if err != nil {
			g.Log.Warn("models unavailable", zap.String("provider", name), zap.Error(err))
			continue
		}
		models = append(models, adapter.ListModels()...)
	}
	c.JSON(http.StatusOK, gin.H{"models": models, "aliases": g.Cfg.Aliases})
}

func (g *Gateway) handleProviderHealth(c *gin.Context) {
	type probe struct {
		Status    string  `json:"status"`
		LatencyMS float64 `json:"latency_ms,omitempty"`
		Error     string  `json:"error,omitempty"`
	}
	results := make(map[string]probe)
	for _, name := range g.Cfg.AvailableProviders() {
		adapter, err := g.Registry.Get(name)
		if err != nil {
			results[name] = probe{Status: "error", Error: err.Error()}
			continue
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		start := time.Now()
		err = adapter.HealthCheck(ctx)
		cancel()
		if err != nil {
			results[name] = probe{Status: "unhealthy", Error: err.Error()}
		} else {
			results[name] = probe{Status: "healthy", LatencyMS: float64(time.Since(start).Microseconds()) / 1000.0}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"providers": results,
		"health":    g.Health.Summary(),
		"circuits":  g.Breaker.All(),
	})
}

func (g *Gateway) handleHealingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"enabled":        g.Cfg.Healing.Enabled,
		"auto_apply":     g.Cfg.Healing.AutoApply,
		"heal_model":     g.Cfg.Healing.HealModel,
		"research_order": g.Cfg.Healing.ResearchOrder,
		"health":         g.Health.Summary(),
		"circuits":       g.Breaker.All(),
		"reload":         g.Reload.Status(),
	})
}

func (g *Gateway) handleHealingPause(c *gin.Context) {
	name := c.Param("provider")
	g.Health.PauseHealing(name)
	c.JSON(http.StatusOK, gin.H{"status": "paused", "provider": name})
}

func (g *Gateway) handleHealingResume(c *gin.Context) {
	name := c.Param("provider")
	g.Health.ResumeHealing(name)
	c.JSON(http.StatusOK, gin.H{"status": "resumed", "provider": name})
}

func (g *Gateway) handlePendingFixes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending_fixes": g.Reload.Pending()})
}

func (g *Gateway) handleApproveFix(c *gin.Context) {
	name := c.Param("provider")
	result, err := g.Reload.Approve(c.Request.Context(), name, c.Query("approver"))
	if err != nil {
		var he *aerrors.HealError
		if errors.As(err, &he) {
			c.JSON(http.StatusBadGateway, errorBody{Kind: string(he.Phase), Message: he.Error(), Provider: name, Details: result})
			return
		}
		c.JSON(http.StatusNotFound, errorBody{Kind: "not_found", Message: err.Error(), Provider: name})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (g *Gateway) handleRejectFix(c *gin.Context) {
	name := c.Param("provider")
	var body struct {
		Reason string `json:"reason"`
	}
	c.ShouldBindJSON(&body)
	if err := g.Reload.Reject(name, body.Reason); err != nil {
		c.JSON(http.StatusNotFound, errorBody{Kind: "not_found", Message: err.Error(), Provider: name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected", "provider": name, "reason": body.Reason})
}

func (g *Gateway) handleFixHistory(c *gin.Context) {
	name := c.Param("provider")
	c.JSON(http.StatusOK, gin.H{"provider": name, "versions": g.Reload.History(name)})
}

func (g *Gateway) handleRollback(c *gin.Context) {
	name := c.Param("provider")
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Kind: "validation", Message: "version must be an integer"})
		return
	}
	result, err := g.Reload.RollbackTo(c.Request.Context(), name, version)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Kind: "rollback_failed", Message: err.Error(), Provider: name})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (g *Gateway) handleCircuitAdmin(c *gin.Context) {
	name := c.Param("provider")
	action := c.Param("action")
	switch action {
	case "open":
		g.Breaker.ForceOpen(name)
	case "close":
		g.Breaker.ForceClose(name)
	case "reset":
		g.Breaker.Reset(name)
	default:
		c.JSON(http.StatusBadRequest, errorBody{Kind: "validation", Message: "action must be open, close, or reset"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": action, "provider": name, "circuit": g.Breaker.Status(name)})
}

func (g *Gateway) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, g.Metrics.Snapshot())
}

func (g *Gateway) handleDashboard(c *gin.Context) {
	type providerStatus struct {
		Name         string `json:"name"`
		CircuitState string `json:"circuit_state"`
		Healing      bool   `json:"healing"`
		Paused       bool   `json:"paused"`
		Version      int    `json:"adapter_version"`
	}
	healthSummary := g.Health.Summary()
	circuits := g.Breaker.All()
	var providers []providerStatus
	for _, name := range g.Cfg.AvailableProviders() {
		ps := providerStatus{Name: name, CircuitState: string(g.Breaker.Status(name).State)}
		if h, ok := healthSummary[name]; ok {
			ps.Healing = h.Healing
			ps.Paused = h.Paused
		}
		ps.Version = g.Registry.CurrentVersion(name)
		providers = append(providers, ps)
	}
	c.JSON(http.StatusOK, gin.H{
		"system": gin.H{
			"service":         "aratta",
			"version":         "0.1.0",
			"healing_enabled": g.Cfg.Healing.Enabled,
			"heal_model":      g.Cfg.Healing.HealModel,
			"circuit_enabled": g.Cfg.Circuit.Enabled,
		},
		"providers": providers,
		"health":    healthSummary,
		"circuits":  circuits,
		"metrics":   g.Metrics.Snapshot(),
		"reload":    g.Reload.Status(),
	})
}
