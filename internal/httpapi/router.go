package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/consilium-chat/consilium/internal/common"
	"github.com/consilium-chat/consilium/internal/config"
	"github.com/consilium-chat/consilium/internal/httpapi/handlers"
	"github.com/consilium-chat/consilium/internal/httpapi/middleware"
	"github.com/consilium-chat/consilium/internal/ratelimit"
	"github.com/consilium-chat/consilium/internal/store/rabbitmq"
	"github.com/consilium-chat/consilium/internal/vault"
)

func NewRouter(db *gorm.DB, cfg config.Config, v *vault.Vault, limiter ratelimit.Limiter, rabbit *rabbitmq.Publisher, log *slog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, v, limiter, rabbit, log)

	r.GET("/ping", h.Ping)

	// CRUD users register
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// BYOK credential (status only, never the key)
	authGroup.PUT("/me/credential", h.PutCredential)
	authGroup.GET("/me/credential", h.GetCredentialStatus)
	authGroup.DELETE("/me/credential", h.DeleteCredential)

	// Conversations (JWT required)
	authGroup.POST("/conversations", h.CreateConversation)
	authGroup.GET("/conversations", h.ListConversations)
	authGroup.GET("/conversations/:conversation_id/turns", h.ListTurns)

	// Council pipeline
	authGroup.POST("/council/turns", h.RunCouncil)
	authGroup.POST("/council/turns/async", h.RunCouncilAsync)
	authGroup.GET("/council/turns/:turn_id", h.GetAssistantTurn)
	authGroup.GET("/council/jobs/:job_id", h.GetCouncilJob)

	return r
}
