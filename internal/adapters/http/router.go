package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/notelify/internal/config"
	"github.com/dkeye/notelify/internal/metrics"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type Deps struct {
	Calls    Calls
	Rings    Rings
	Accounts Accounts
	Events   *Events
	Metrics  *metrics.Metrics
	// Gatherer backs /metrics; nil means the default registry.
	Gatherer prometheus.Gatherer
	// Health reports backend reachability for /healthz.
	Health func(ctx context.Context) error
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(deps.Metrics.Middleware())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("NotelifySessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{calls: deps.Calls, rings: deps.Rings, accounts: deps.Accounts}
	api := r.Group("/api")

	api.GET("/me", h.whoAmI)
	api.PUT("/me/name", h.rename)

	api.POST("/boards/:board/call", h.startCall)
	api.POST("/boards/:board/call/:call/join", h.joinCall)
	api.GET("/call", h.getCall)
	api.DELETE("/call", h.endCall)
	api.POST("/call/mute", h.toggleMute)
	api.POST("/call/camera", h.toggleCamera)

	api.GET("/ring", h.getRing)
	api.POST("/ring/accept", h.acceptRing)
	api.POST("/ring/decline", h.declineRing)

	if deps.Events != nil {
		api.GET("/ws/events", func(c *gin.Context) {
			deps.Events.Handle(ctx, c)
		})
	}

	return r
}
