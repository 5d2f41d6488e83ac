package registry

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sqlinsight/engine/pkg/metrics"
)

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Name string `json:"name" binding:"required"`
	URL  string `json:"url" binding:"required"`
}

// NewRouter builds the registry HTTP surface:
//
//	POST /register  self-registration (upsert by URL)
//	GET  /servers   current membership
//	GET  /health    liveness
//	GET  /metrics   Prometheus exposition
func NewRouter(store *Store) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/register", func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p := store.Register(req.Name, req.URL)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "url": p.URL})
	})

	router.GET("/servers", func(c *gin.Context) {
		c.JSON(http.StatusOK, store.List())
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router
}
