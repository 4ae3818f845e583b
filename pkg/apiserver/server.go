package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/apiserver/handlers"
	"github.com/breakslot/breakslot/pkg/apiserver/middleware"
	"github.com/breakslot/breakslot/pkg/auth"
	"github.com/breakslot/breakslot/pkg/config"
	"github.com/breakslot/breakslot/pkg/model"
	"github.com/breakslot/breakslot/pkg/notify"
	"github.com/breakslot/breakslot/pkg/quota"
	"github.com/breakslot/breakslot/pkg/session"
)

type Server struct {
	router     *gin.Engine
	controller *quota.AdmissionController
	gate       *quota.OverrideGate
	hub        *notify.Hub
	tokens     *auth.TokenManager
	revoker    session.Revoker
	cfg        *config.Config
	logger     *zap.Logger
}

func NewServer(
	controller *quota.AdmissionController,
	gate *quota.OverrideGate,
	hub *notify.Hub,
	tokens *auth.TokenManager,
	revoker session.Revoker,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		controller: controller,
		gate:       gate,
		hub:        hub,
		tokens:     tokens,
		revoker:    revoker,
		cfg:        cfg,
		logger:     logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.Use(middleware.Auth(s.tokens, s.revoker, s.logger))

		breakHandler := handlers.NewBreakHandler(s.controller, s.hub, s.logger, s.cfg.Notifier.HeartbeatInterval)
		api.GET("/break/status", breakHandler.Status)
		api.POST("/break/start", breakHandler.Start)
		api.POST("/break/stop", breakHandler.Stop)
		api.GET("/break/summary", breakHandler.Summary)
		api.GET("/break/stream", breakHandler.Stream)
		api.GET("/break/settings", breakHandler.Settings)

		admin := api.Group("/admin")
		admin.Use(middleware.RequireRole(model.RoleAdmin, model.RoleSuperAdmin))

		adminHandler := handlers.NewAdminHandler(s.controller, s.gate, s.hub, s.logger)
		admin.GET("/workers", adminHandler.Workers)
		admin.GET("/workers/:id/summary", adminHandler.WorkerSummary)
		admin.POST("/workers/:id/force-close", adminHandler.ForceClose)
		admin.POST("/workers/:id/force-logout", adminHandler.ForceLogout)
		admin.POST("/workers/:id/reset-usage", adminHandler.ResetUsage)
		admin.POST("/workers/:id/notify", adminHandler.NotifyWorker)
		admin.GET("/online", adminHandler.Online)

		quotaHandler := handlers.NewQuotaHandler(s.controller, s.logger)
		admin.GET("/settings", quotaHandler.GetSettings)
		superadmin := admin.Group("", middleware.RequireRole(model.RoleSuperAdmin))
		superadmin.PUT("/caps/:category", quotaHandler.UpdateCap)
		superadmin.PUT("/settings/default-quota", quotaHandler.UpdateDefaultQuota)
		superadmin.POST("/broadcast", quotaHandler.SetBroadcast)
		superadmin.POST("/broadcast/clear", quotaHandler.ClearBroadcast)
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
