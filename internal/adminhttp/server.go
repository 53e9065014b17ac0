// Package adminhttp is the operator HTTP API: health, the running set,
// recorded start failures, an on-demand reconcile pass and re-sending an
// approved submission.
package adminhttp

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"groupfeed/internal/moderation"
	"groupfeed/internal/orchestrator"
	"groupfeed/internal/runtime/supervisor"
	"groupfeed/internal/storage"
	logx "groupfeed/pkg/logx"
)

// Orchestrator is the part of *orchestrator.Orchestrator the API uses.
type Orchestrator interface {
	Running() []orchestrator.RunningWorker
	StartErrors() []orchestrator.StartError
	Reconcile(ctx context.Context) (orchestrator.Report, error)
	Resend(ctx context.Context, submissionID uint) (moderation.Result, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Addr  string
	Token string
	Pprof bool
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8085"
	}
	return c
}

type Params struct {
	Orchestrator Orchestrator
	Store        Pinger
	// Supervisors returns named supervisor snapshots; nil omits them.
	Supervisors func() map[string]supervisor.Snapshot
	Log         logx.Logger
}

// Server owns the listener. Apply starts, restarts or stops it.
type Server struct {
	p   Params
	log logx.Logger

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	addr string
}

func New(p Params) *Server {
	if p.Log.IsZero() {
		p.Log = logx.Nop()
	}
	return &Server{p: p, log: p.Log.With(logx.Component("adminhttp"))}
}

// Handler builds the router for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", s.health)

	v1 := r.Group("/v1", bearer(cfg.Token))
	v1.GET("/workers", s.workers)
	v1.POST("/reconcile", s.reconcile)
	v1.POST("/submissions/:id/resend", s.resend)
	v1.GET("/supervisor", s.supervisors)

	if cfg.Pprof {
		dbg := r.Group("/debug/pprof", bearer(cfg.Token))
		dbg.GET("/", gin.WrapF(pprof.Index))
		dbg.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(pprof.Profile))
		dbg.GET("/symbol", gin.WrapF(pprof.Symbol))
		dbg.GET("/trace", gin.WrapF(pprof.Trace))
		dbg.GET("/:name", gin.WrapF(pprof.Index))
	}
	return r
}

// Apply starts the server when enabled, restarts it when the address, token
// or pprof flag changed, and stops it when disabled.
func (s *Server) Apply(ctx context.Context, enabled bool, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !enabled {
		s.stopLocked(ctx)
		return nil
	}
	if s.srv != nil && s.cfg == cfg {
		return nil
	}
	s.stopLocked(ctx)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.srv, s.cfg, s.addr = srv, cfg, ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("admin api listening", logx.String("addr", addr), logx.Bool("auth", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))
	return nil
}

// Addr returns the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, addr := s.srv, s.addr
	s.srv, s.addr, s.cfg = nil, "", Config{}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("admin server shutdown", logx.String("addr", addr), logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("admin api stopped", logx.String("addr", addr))
}

func bearer(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	if s.p.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.p.Store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) workers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running":      s.p.Orchestrator.Running(),
		"start_errors": s.p.Orchestrator.StartErrors(),
	})
}

func (s *Server) reconcile(c *gin.Context) {
	rep, err := s.p.Orchestrator.Reconcile(c.Request.Context())
	if errors.Is(err, orchestrator.ErrClosed) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.log.Warn("manual reconcile failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rep)
}

type failureView struct {
	ChatID   int64  `json:"chat_id"`
	ThreadID int64  `json:"thread_id,omitempty"`
	Error    string `json:"error"`
}

type resendView struct {
	SubmissionID uint          `json:"submission_id"`
	Delivered    int           `json:"delivered"`
	Failed       []failureView `json:"failed,omitempty"`
}

func (s *Server) resend(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission id"})
		return
	}
	res, err := s.p.Orchestrator.Resend(c.Request.Context(), uint(id))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "submission not found"})
		return
	case errors.Is(err, moderation.ErrNotApproved),
		errors.Is(err, orchestrator.ErrNotRunning),
		errors.Is(err, moderation.ErrNoDestinations):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.log.Warn("resend failed", logx.Submission(uint(id)), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := resendView{SubmissionID: uint(id), Delivered: res.Delivered}
	for _, f := range res.Failed {
		out.Failed = append(out.Failed, failureView{
			ChatID:   f.Destination.ChatID,
			ThreadID: f.Destination.ThreadID,
			Error:    f.Err.Error(),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) supervisors(c *gin.Context) {
	if s.p.Supervisors == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.p.Supervisors())
}
