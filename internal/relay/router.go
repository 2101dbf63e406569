package relay

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/quorumchat/voicemesh/internal/config"
	"github.com/quorumchat/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	log.Info().Str("module", "relay.http").Msg("router setup")

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/api/users/:id", func(c *gin.Context) {
		p, err := ctl.Store.GetUser(c.Request.Context(), domain.UserID(c.Param("id")))
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown user"})
			return
		}
		if err != nil {
			log.Error().Err(err).Str("module", "relay.http").Msg("user lookup")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage error"})
			return
		}
		c.JSON(http.StatusOK, p)
	})

	r.GET("/ws", func(c *gin.Context) {
		ctl.HandleWS(ctx, c)
	})

	return r
}
