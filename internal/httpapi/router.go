package httpapi

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/storefront-support/internal/chat"
	"github.com/suPer8Hu/storefront-support/internal/common"
	"github.com/suPer8Hu/storefront-support/internal/config"
	"github.com/suPer8Hu/storefront-support/internal/httpapi/handlers"
	"github.com/suPer8Hu/storefront-support/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, svc *chat.Service, sub *chat.Subscriber, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = common.DiscardLogger()
	}
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(logger))
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(cfg, svc, sub, logger)

	r.GET("/ping", h.Ping)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// Chat (JWT required)
	authGroup.POST("/chat/conversation", h.CreateConversation)
	authGroup.GET("/chat/conversations", h.ListConversations)
	authGroup.GET("/chat/conversations/:id/messages", h.ListMessages)
	authGroup.POST("/chat/conversations/:id/messages", h.SendMessage)
	authGroup.POST("/chat/conversations/:id/read", h.MarkRead)
	authGroup.GET("/chat/conversations/:id/unread", h.CountUnread)
	authGroup.GET("/chat/conversations/:id/stream", h.StreamConversation)
	authGroup.DELETE("/chat/messages/:id", h.DeleteMessage)
	authGroup.GET("/chat/unread/summary", h.UnreadSummary)
	authGroup.GET("/chat/inbox/stream", h.StreamInbox)
	return r
}

func corsConfig(origins []string) cors.Config {
	cc := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cc.AllowAllOrigins = true
		return cc
	}
	cc.AllowOrigins = origins
	cc.AllowCredentials = true
	return cc
}
