package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Babel/internal/adapters/signal"
	"github.com/dkeye/Babel/internal/app/orch"
	"github.com/dkeye/Babel/internal/config"
	"github.com/dkeye/Babel/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "client_token"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser a stable anonymous id kept in
// the cookie session. /api/ws/:room uses it as the user id.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, ctrl *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("BabelSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics.Enabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	r.GET("/ws/:room/:user", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c, c.Param("room"), c.Param("user"))
	})

	api := r.Group("/api")
	api.GET("/ws/:room", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c, c.Param("room"), c.GetString(clientTokenKey))
	})
	api.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(clientTokenKey)})
	})
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": o.Rooms.List()})
	})
	api.GET("/rooms/:room", func(c *gin.Context) {
		room, ok := o.Rooms.Get(domain.RoomID(c.Param("room")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		members := room.Participants()
		infos := make([]domain.ParticipantInfo, 0, len(members))
		for _, p := range members {
			infos = append(infos, p.Info())
		}
		c.JSON(http.StatusOK, gin.H{"room": room.Info(), "participants": infos})
	})

	return r
}
