package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/bus"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/scheduler"
	"github.com/hupe1980/taskmesh/store"
)

// Options configures the HTTP server.
type Options struct {
	// Addr is the listen address.
	Addr string
	// StepLoop serves the manual run trigger of the objective surface.
	// When nil, run triggers respond with 503.
	StepLoop *agent.StepLoop
	// ShutdownTimeout bounds graceful shutdown once the context is done.
	ShutdownTimeout time.Duration
	// Logger receives request and stream lifecycle logs.
	Logger logging.Logger
}

// Server wires the store, event bus and scheduler behind a gin router.
type Server struct {
	store store.Store
	bus   *bus.Bus
	sched *scheduler.Scheduler
	opts  Options

	engine *gin.Engine
	http   *http.Server
}

// New creates the server and registers all routes.
func New(st store.Store, b *bus.Bus, sched *scheduler.Scheduler, optFns ...func(o *Options)) *Server {
	opts := Options{
		Addr:            ":8080",
		ShutdownTimeout: 10 * time.Second,
		Logger:          logging.NewDefaultSlogLogger(),
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		store:  st,
		bus:    b,
		sched:  sched,
		opts:   opts,
		engine: gin.New(),
	}

	s.engine.Use(gin.Recovery())
	s.routes()

	s.http = &http.Server{
		Addr:    opts.Addr,
		Handler: s.engine,
	}

	return s
}

// Handler returns the underlying router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	v1 := s.engine.Group("/v1")

	v1.GET("/healthz", s.handleHealth)

	v1.POST("/executions", s.handleCreateExecution)
	v1.GET("/executions", s.handleListExecutions)
	v1.GET("/executions/:id", s.handleGetExecution)
	v1.DELETE("/executions/:id", s.handleDeleteExecution)
	v1.POST("/executions/:id/resume", s.handleResumeExecution)
	v1.POST("/executions/:id/cancel", s.handleCancelExecution)
	v1.GET("/executions/:id/events", s.handleExecutionEvents)

	v1.POST("/objectives", s.handleCreateObjective)
	v1.GET("/objectives", s.handleListObjectives)
	v1.GET("/objectives/:id", s.handleGetObjective)
	v1.PUT("/objectives/:id", s.handleUpdateObjective)
	v1.DELETE("/objectives/:id", s.handleDeleteObjective)
	v1.POST("/objectives/:id/pause", s.handlePauseObjective)
	v1.POST("/objectives/:id/resume", s.handleResumeObjective)
	v1.POST("/objectives/:id/runs", s.handleTriggerRun)
	v1.GET("/objectives/:id/runs", s.handleListRuns)

	v1.GET("/runs/:id", s.handleGetRun)
}

// Run serves until the context is cancelled, then shuts down gracefully
// and drains the scheduler.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.opts.Logger.Info("http server listening", "addr", s.opts.Addr)

		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()

		s.opts.Logger.Info("http server shutting down")

		err := s.http.Shutdown(shutdownCtx)

		s.sched.Shutdown()
		s.bus.Close()

		return err
	})

	return g.Wait()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
