package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	gintrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/gin-gonic/gin"

	"github.com/rnr-capital/newsfeed-alerts/channel"
	"github.com/rnr-capital/newsfeed-alerts/config"
	"github.com/rnr-capital/newsfeed-alerts/invitation"
	"github.com/rnr-capital/newsfeed-alerts/panoptic"
	"github.com/rnr-capital/newsfeed-alerts/server/middlewares"
	"github.com/rnr-capital/newsfeed-alerts/store"
	Logger "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

const shutdownTimeout = 30 * time.Second

// JobRunner executes one pipeline job.
type JobRunner interface {
	Run(ctx context.Context, job panoptic.JobName, now time.Time) (*panoptic.RunReport, error)
}

type Deps struct {
	Store       *store.Store
	Runner      JobRunner
	Invitations *invitation.Service
	Verifier    *channel.Verifier
	ServiceName string
}

// Server is the http surface of the daemon: job triggers, invitation
// redemption, channel verification and health.
type Server struct {
	panoptic.Module

	Deps
	cfg    config.ServerConfig
	router *gin.Engine
	now    func() time.Time
	http   *http.Server
}

func New(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{Deps: deps, cfg: cfg, now: time.Now}

	// Default With the Logger and Recovery middleware already attached
	router := gin.Default()
	if len(cfg.AllowOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.AllowOrigins
		corsCfg.AddAllowHeaders("Authorization", middlewares.UserIdHeader)
		router.Use(cors.New(corsCfg))
	} else {
		router.Use(cors.Default())
	}
	if deps.ServiceName != "" {
		router.Use(gintrace.Middleware(deps.ServiceName))
	}

	router.GET("/healthz", s.health)
	router.POST("/jobs/:name", middlewares.JobToken(cfg.JobToken), s.runJob)

	user := router.Group("/", middlewares.User())
	user.POST("/invitations", s.createInvitation)
	user.POST("/invitations/:token/accept", s.acceptInvitation)
	user.POST("/channels/:id/verification", s.resendVerification)
	// the link in the verification message is opened without a session
	router.POST("/channels/:id/verify", s.confirmVerification)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Alerts server - API not found"})
	})
	s.router = router
	// built up front so Shutdown never races RunModule over the field
	s.http = &http.Server{Addr: cfg.Addr, Handler: router}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) RunModule(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		Logger.LogV2.WithField("addr", s.cfg.Addr).Info("alerts server starts up")
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

func (s *Server) Name() string {
	return "server"
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		Logger.LogV2.WithError(err).Warn("server shutdown")
	}
	Logger.LogV2.Info("Module server gracefully shutdown")
}
