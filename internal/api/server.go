// Package api exposes the provisioning wizard and the manager operations
// over HTTP for a browser front end.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/marketctl/internal/auth"
	"github.com/danmuck/marketctl/internal/journal"
	"github.com/danmuck/marketctl/internal/mutate"
	"github.com/danmuck/marketctl/internal/observability"
	"github.com/danmuck/marketctl/internal/provision"
	"github.com/danmuck/marketctl/internal/wallet"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Journal is the read side of the local submission journal.
type Journal interface {
	Submissions(ctx context.Context, limit int) ([]journal.Submission, error)
	Lookup(ctx context.Context, signature string) ([]journal.Submission, error)
	Exports(ctx context.Context, limit int) ([]journal.Export, error)
}

type Options struct {
	Machine   *provision.Machine
	Mutations *mutate.Service
	// Wallet is attached on POST /session/resume.
	Wallet      wallet.Session
	Journal     Journal
	ExportDir   string
	Token       string
	CorsOrigins []string
	Now         func() time.Time
}

type Server struct {
	router    *gin.Engine
	machine   *provision.Machine
	mutations *mutate.Service
	wallet    wallet.Session
	journal   Journal
	exportDir string
	now       func() time.Time
	started   time.Time
}

// New builds the router. Routes other than /health and /metrics require the
// bearer token when one is configured.
func New(opts Options) *Server {
	observability.RegisterMetrics()
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Wallet == nil {
		opts.Wallet = wallet.Disconnected{}
	}
	if opts.ExportDir == "" {
		opts.ExportDir = "."
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(string(opts.Machine.Session().Network)))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		router:    r,
		machine:   opts.Machine,
		mutations: opts.Mutations,
		wallet:    opts.Wallet,
		journal:   opts.Journal,
		exportDir: opts.ExportDir,
		now:       opts.Now,
		started:   opts.Now(),
	}
	var guard gin.HandlerFunc
	if opts.Token != "" {
		guard = requireToken(auth.StaticToken{Token: opts.Token})
	}
	s.registerRoutes(guard)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("api.Server listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msg("api.Server shutting down")
		return srv.Shutdown(shutdown)
	}
}

func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := auth.Check(v, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
