package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/suPer8Hu/chatstream/internal/common"
	"github.com/suPer8Hu/chatstream/internal/config"
	"github.com/suPer8Hu/chatstream/internal/httpapi/handlers"
	"github.com/suPer8Hu/chatstream/internal/httpapi/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const serviceName = "chatstream-api"

// NewRouter wires every route. gatherer may be nil, in which case /metrics is
// not mounted.
func NewRouter(db *gorm.DB, cfg config.Config, opts handlers.Options, gatherer prometheus.Gatherer) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(logger))
	r.Use(cors.New(corsConfig(cfg.CORSAllowOrigins)))
	r.Use(otelgin.Middleware(serviceName))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(db, cfg, opts)

	r.GET("/ping", h.Ping)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// auth
	r.POST("/auth/register", h.Register)
	r.POST("/auth/login", h.Login)
	// reset endpoints send mail and are open to token guessing
	resetLimit := middleware.RateLimit(rate.Every(time.Minute), 5)
	r.POST("/auth/forgot-password", resetLimit, h.ForgotPassword)
	r.POST("/auth/reset-password", resetLimit, h.ResetPassword)

	authed := r.Group("/")
	authed.Use(middleware.AuthRequired(cfg.JWTSecret))
	authed.GET("/auth/me", h.Me)
	authed.POST("/auth/change-password", h.ChangePassword)

	// chat sessions (JWT required)
	authed.POST("/chats", h.CreateChatSession)
	authed.GET("/chats", h.ListChatSessions)
	authed.GET("/chats/latest", h.LatestChatSession)
	authed.GET("/chats/:session_id/messages", h.ListChatMessages)
	authed.PATCH("/chats/:session_id", h.RenameChatSession)
	authed.DELETE("/chats/:session_id", h.DeleteChatSession)

	// EventSource cannot send headers, so the stream also takes ?token=
	r.GET("/chats/:session_id/stream", middleware.AuthRequiredQuery(cfg.JWTSecret), h.StreamChat)

	// token usage
	authed.GET("/token-usage/me", h.MyTokenUsage)
	admin := authed.Group("/")
	admin.Use(middleware.AdminRequired(db))
	admin.GET("/token-usage/all", h.AllTokenUsage)
	admin.GET("/token-usage/export", h.ExportTokenUsage)
	admin.GET("/admin/token-usage", h.AllTokenUsage)

	return r
}

func corsConfig(origins []string) cors.Config {
	cc := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
		return cc
	}
	for _, o := range origins {
		if o == "*" {
			// wildcard cannot be combined with credentials
			cc.AllowAllOrigins = true
			return cc
		}
	}
	cc.AllowOrigins = origins
	cc.AllowCredentials = true
	return cc
}
