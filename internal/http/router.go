package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/writgo/aigateway/internal/account"
	"github.com/writgo/aigateway/internal/config"
	"github.com/writgo/aigateway/internal/ledger"
	"github.com/writgo/aigateway/internal/proxy"
	"github.com/writgo/aigateway/internal/quota"
	"gorm.io/gorm"
)

// NewRouter assembles the gin engine: metered /v1 routes, the /v0/admin
// management surface, health, and static artifact serving.
func NewRouter(cfg *config.Config, ctrl *proxy.Controller, db *gorm.DB, accounts *account.Store, usage ledger.Ledger, policy *quota.Policy) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	gatewayHandler := NewGatewayHandler(ctrl)
	v1 := r.Group("/v1")
	v1.POST("/generate", gatewayHandler.Generate)
	v1.GET("/usage", gatewayHandler.Usage)

	adminHandler := NewAdminHandler(db, accounts, usage, policy, cfg.Auth)
	admin := r.Group("/v0/admin")
	admin.POST("/login", adminHandler.Login)

	authed := admin.Group("")
	authed.Use(adminAuthMiddleware(cfg.Auth))
	authed.POST("/accounts", adminHandler.CreateAccount)
	authed.PUT("/accounts/:account_id/entitlement", adminHandler.UpdateEntitlement)
	authed.GET("/accounts/:account_id/usage", adminHandler.AccountUsage)
	authed.GET("/settings", adminHandler.GetSettings)
	authed.PUT("/settings", adminHandler.PutSettings)

	if cfg.Media.BaseURL != "" && cfg.Media.Dir != "" {
		r.Static(cfg.Media.BaseURL, cfg.Media.Dir)
	}

	return r
}
