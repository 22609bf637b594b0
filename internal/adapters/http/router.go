package http

import (
	"context"
	"time"

	"github.com/dkeye/VoiceClient/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	clientTokenKey = "client_token"
	sessionName    = "VoiceClientSessions"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware keeps a per-browser token in the session cookie.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg config.HTTPConfig, voice Voice, hub *EventHub, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	secret := cfg.Secret
	if secret == "" {
		// cookies only need to survive this process
		secret = uuid.NewString()
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	h := &handlers{voice: voice}
	limiter := NewClientRateLimiter(20, time.Second)

	api := r.Group("/api")
	v := api.Group("/voice")
	v.GET("/status", h.status)
	v.GET("/participants", h.participants)
	v.GET("/devices", h.devices)

	m := v.Group("", limiter.Middleware())
	m.POST("/directive", h.directive)
	m.POST("/enabled", h.enabled)
	m.POST("/channel", h.channel)
	m.POST("/leave", h.leave)
	m.POST("/mute", h.mute)
	m.POST("/volume", h.volume)

	if hub != nil {
		api.GET("/ws/events", func(c *gin.Context) {
			hub.HandleEvents(ctx, c)
		})
	}

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
