package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"relayguard/internal/guard"
	"relayguard/internal/stake"
	"relayguard/internal/tier"
)

// AdminTokenHeader carries the operator token on admin routes.
const AdminTokenHeader = "X-Admin-Token"

// Options configure the ops server.
type Options struct {
	Listen          string
	AdminToken      string
	ShutdownTimeout time.Duration
}

// Server exposes guard status and operator controls over HTTP.
type Server struct {
	opts     Options
	guard    *guard.Guard
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	engine   *gin.Engine
}

// New builds the router. gatherer may be nil, in which case /metrics is not
// mounted.
func New(opts Options, g *guard.Guard, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		opts:     opts,
		guard:    g,
		gatherer: gatherer,
		logger:   logger.With().Str("component", "api").Logger(),
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.healthz)
	r.GET("/status", s.status)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.GET("/tiers", s.tiers)
	v1.GET("/quota/:identity", s.quota)
	v1.GET("/eligibility/:identity", s.eligibility)

	admin := v1.Group("/admin", s.requireAdmin())
	admin.POST("/circuit/trip", s.tripCircuit)
	admin.POST("/circuit/reset", s.resetCircuit)
	admin.POST("/blacklist", s.addBlacklist)
	admin.DELETE("/blacklist/:identity", s.removeBlacklist)
	admin.POST("/stake-cache/clear", s.clearStakeCache)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("ops api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("ops api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown ops api: %w", err)
	}
	s.logger.Info().Msg("ops api stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.AdminToken == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin api disabled"})
			return
		}
		got := c.GetHeader(AdminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.AdminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"circuit": s.guard.Circuit().State(),
		"health":  s.guard.Treasury().Health(),
	})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.guard.Status())
}

func (s *Server) tiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tiers": s.guard.Stakes().Table().All()})
}

func (s *Server) quota(c *gin.Context) {
	c.JSON(http.StatusOK, s.guard.Quota().GetQuota(guard.Normalize(c.Param("identity"))))
}

type eligibilityResponse struct {
	stake.Eligibility
	NextTier *tier.Info `json:"next_tier,omitempty"`
}

func (s *Server) eligibility(c *gin.Context) {
	identity := guard.Normalize(c.Param("identity"))
	res := eligibilityResponse{Eligibility: s.guard.Stakes().VerifyEligibility(c.Request.Context(), identity)}
	if next, ok := s.guard.Stakes().NextTier(res.Tier); ok {
		res.NextTier = &next
	}
	c.JSON(http.StatusOK, res)
}

type tripRequest struct {
	Note string `json:"note"`
}

func (s *Server) tripCircuit(c *gin.Context) {
	var req tripRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s.guard.Circuit().ManualTrip(req.Note)
	s.logger.Warn().Str("note", req.Note).Msg("circuit tripped by operator")
	c.JSON(http.StatusOK, s.guard.Circuit().Status())
}

func (s *Server) resetCircuit(c *gin.Context) {
	s.guard.Circuit().Reset()
	s.logger.Warn().Msg("circuit reset by operator")
	c.JSON(http.StatusOK, s.guard.Circuit().Status())
}

type blacklistRequest struct {
	Identity string `json:"identity" binding:"required"`
	Reason   string `json:"reason"`
}

func (s *Server) addBlacklist(c *gin.Context) {
	var req blacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	identity := guard.Normalize(req.Identity)
	if err := s.guard.Stakes().Block(c.Request.Context(), identity, req.Reason); err != nil {
		s.logger.Error().Err(err).Str("identity", identity).Msg("blacklist add failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"identity": identity, "blacklisted": true})
}

func (s *Server) removeBlacklist(c *gin.Context) {
	identity := guard.Normalize(c.Param("identity"))
	err := s.guard.Stakes().Unblock(c.Request.Context(), identity)
	switch {
	case errors.Is(err, stake.ErrStaticEntry):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		s.logger.Error().Err(err).Str("identity", identity).Msg("blacklist remove failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"identity": identity, "blacklisted": false})
	}
}

type clearCacheRequest struct {
	Identity string `json:"identity"`
}

func (s *Server) clearStakeCache(c *gin.Context) {
	var req clearCacheRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Identity == "" {
		s.guard.Stakes().ClearAll()
		c.JSON(http.StatusOK, gin.H{"cleared": "all"})
		return
	}
	identity := guard.Normalize(req.Identity)
	s.guard.Stakes().ClearCache(identity)
	c.JSON(http.StatusOK, gin.H{"cleared": identity})
}
