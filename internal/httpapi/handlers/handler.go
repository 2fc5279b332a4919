package handlers

import (
	"log/slog"

	"gorm.io/gorm"

	"github.com/consilium-chat/consilium/internal/config"
	"github.com/consilium-chat/consilium/internal/council"
	"github.com/consilium-chat/consilium/internal/models"
	"github.com/consilium-chat/consilium/internal/ratelimit"
	"github.com/consilium-chat/consilium/internal/store/rabbitmq"
	"github.com/consilium-chat/consilium/internal/vault"
)

type Handler struct {
	DB     *gorm.DB
	Cfg    config.Config
	Users  *models.UserStore
	Vault  *vault.Vault
	Repo   *council.Repo
	Svc    *council.Service
	Rabbit *rabbitmq.Publisher
	Log    *slog.Logger
}

func NewHandler(db *gorm.DB, cfg config.Config, v *vault.Vault, limiter ratelimit.Limiter, rabbit *rabbitmq.Publisher, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	repo := council.NewRepo(db)
	users := models.NewUserStore(db)
	gateway := council.NewClient(cfg.GatewayBaseURL, cfg.GatewayHeaderTimeout, cfg.GatewayStreamTimeout, log)
	svc := council.NewService(repo, gateway, v, limiter, users, log, cfg.CouncilRateLimit, cfg.CouncilRateWindow)

	return &Handler{
		DB:     db,
		Cfg:    cfg,
		Users:  users,
		Vault:  v,
		Repo:   repo,
		Svc:    svc,
		Rabbit: rabbit,
		Log:    log,
	}
}
