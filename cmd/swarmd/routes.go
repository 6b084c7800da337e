package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/swarmdev/swarmd/internal/secrets"
	"github.com/swarmdev/swarmd/internal/swarm"
)

// registerHTTPRoutes adds the plain-HTTP surface. The WebSocket carries
// the realtime protocol; HTTP covers health checks, roster access,
// message injection, schedule listing and secret management.
func registerHTTPRoutes(router *gin.Engine, manager *swarm.Manager, scheduler swarm.Scheduler, secretStore *secrets.Store) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "swarmd",
		})
	})

	api := router.Group("/api/v1")

	api.GET("/agents", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"agents": manager.ListAgents()})
	})

	api.GET("/agents/:id", func(c *gin.Context) {
		desc, err := manager.GetAgent(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"agent": desc})
	})

	api.GET("/agents/:id/history", func(c *gin.Context) {
		entries, err := manager.GetConversationHistory(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	})

	api.POST("/agents/:id/message", func(c *gin.Context) {
		var body struct {
			Text string `json:"text"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
			return
		}
		receipt, err := manager.HandleUserMessage(c.Request.Context(), body.Text, swarm.HandleOptions{
			TargetAgentID: c.Param("id"),
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"delivery_id":   receipt.DeliveryID,
			"accepted_mode": string(receipt.AcceptedMode),
		})
	})

	api.GET("/managers/:id/schedules", func(c *gin.Context) {
		if scheduler == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler is disabled"})
			return
		}
		schedules, err := scheduler.List(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"schedules": schedules})
	})

	api.GET("/secrets", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"keys": secretStore.Keys()})
	})

	api.PUT("/secrets/:key", func(c *gin.Context) {
		var body struct {
			Value string `json:"value"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
			return
		}
		if err := secretStore.Set(c.Param("key"), body.Value); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	api.DELETE("/secrets/:key", func(c *gin.Context) {
		if err := secretStore.Delete(c.Param("key")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
}
