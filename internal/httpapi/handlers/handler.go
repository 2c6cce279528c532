package handlers

import (
	"log/slog"

	"github.com/suPer8Hu/storefront-support/internal/chat"
	"github.com/suPer8Hu/storefront-support/internal/common"
	"github.com/suPer8Hu/storefront-support/internal/config"
)

type Handler struct {
	Cfg        config.Config
	ChatSvc    *chat.Service
	Subscriber *chat.Subscriber
	Logger     *slog.Logger
}

func NewHandler(cfg config.Config, svc *chat.Service, sub *chat.Subscriber, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = common.DiscardLogger()
	}
	return &Handler{Cfg: cfg, ChatSvc: svc, Subscriber: sub, Logger: logger}
}
