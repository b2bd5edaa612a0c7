package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshmind/meshmind/internal/memsync"
	"github.com/meshmind/meshmind/internal/mesh"
)

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   time.Since(s.appeared).String(),
			"instance": s.cfg.InstanceID,
			"version":  "0.1.0",
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":    true,
			"uptime":   time.Since(s.appeared).String(),
			"instance": s.cfg.InstanceID,
			"version":  "0.1.0",
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	distributed := s.router.Group("/api/v1/distributed", s.requireToken())

	distributed.GET("/instances", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"instances": s.deps.Registry.All(true),
		})
	})

	distributed.GET("/sync/index", func(c *gin.Context) {
		types, err := parseTypes(c.Query("types"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"index": s.deps.Sync.Index(types),
		})
	})

	distributed.POST("/sync/memories", func(c *gin.Context) {
		var req struct {
			Type memsync.MemoryType `json:"type"`
			IDs  []string           `json:"ids"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
			return
		}
		records, err := s.deps.Sync.FetchLocal(c.Request.Context(), req.Type, req.IDs)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, memsync.ErrNoStoreForType) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"memories": records})
	})

	distributed.POST("/sync/receive", func(c *gin.Context) {
		var req struct {
			SourceInstance string                  `json:"source_instance"`
			Memories       []*memsync.MemoryRecord `json:"memories"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
			return
		}
		result := s.deps.Sync.ReceiveMemories(c.Request.Context(), req.SourceInstance, req.Memories)
		c.JSON(http.StatusOK, gin.H{
			"accepted":  result.Accepted,
			"rejected":  result.Rejected,
			"conflicts": result.Conflicts,
		})
	})

	distributed.POST("/mesh/ping", func(c *gin.Context) {
		var req struct {
			SourceID string `json:"source_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"instance_id": s.cfg.InstanceID,
		})
	})

	distributed.POST("/mesh/receive", func(c *gin.Context) {
		var msg mesh.Message
		if err := c.ShouldBindJSON(&msg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed message"})
			return
		}
		receipt := s.deps.Mesh.ReceiveMessage(c.Request.Context(), &msg)
		status := http.StatusOK
		if receipt.Status == mesh.StatusRejected {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"status":     receipt.Status,
			"message_id": receipt.MessageID,
		})
	})
}

// parseTypes splits a comma-separated types query into validated memory
// types. Empty input means all registered types.
func parseTypes(raw string) ([]memsync.MemoryType, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	types := make([]memsync.MemoryType, 0, len(parts))
	for _, part := range parts {
		typ := memsync.MemoryType(strings.TrimSpace(part))
		if !typ.Valid() {
			return nil, memsync.ErrUnknownType
		}
		types = append(types, typ)
	}
	return types, nil
}
