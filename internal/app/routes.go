package app

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"Listd/internal/broadcast"
	"Listd/internal/cache"
	"Listd/internal/config"
	"Listd/internal/handlers"
	"Listd/internal/presence"
	"Listd/internal/ratelimit"
	"Listd/internal/repo"
	"Listd/internal/service"
)

// Setup строит все зависимости и вешает маршруты.
func Setup(r *gin.Engine, cfg config.Config, a *App) {
	store := repo.NewPGListStore(a.db)
	snapshots := cache.NewSnapshotCache(a.redis, cfg.Sync.SnapshotTTL.Duration())

	hub := broadcast.NewHub(cfg.Sync.SubscriberBuffer)
	a.bridge = broadcast.NewBridge(hub, a.redis)

	pres := presence.NewRedisStore(a.redis, cfg.Sync.PresenceTTL.Duration())

	limiter := ratelimit.New(
		ratelimit.NewRedisWindowStore(a.redis),
		cfg.Sync.RateLimitQuota,
		cfg.Sync.RateLimitWindow.Duration(),
	)

	a.svc = service.NewSyncService(store, snapshots, a.bridge, pres)

	h := handlers.NewSyncHandler(a.svc, hub, cfg.Sync.HeartbeatInterval.Duration())

	r.GET("/", rootHandler)
	r.GET("/health", healthHandler)
	r.GET("/version", versionHandler(cfg))

	api := r.Group("/api/v1")
	{
		api.POST("/lists", h.CreateList)
		api.GET("/lists/:id", h.GetList)
		api.GET("/lists/:id/changes", h.Changes)
		api.POST("/lists/:id/sync", ratelimit.Middleware(limiter), h.Sync)
		api.GET("/lists/:id/subscribe", h.Subscribe)
		api.GET("/lists/:id/participants", h.Participants)
	}
}

func rootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"service": "listd", "status": "ok"})
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func versionHandler(cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"env": cfg.App.Env, "version": cfg.App.Version})
	}
}
