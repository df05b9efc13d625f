// Package web implements the status API for taskwatch: JSON endpoints over the tracker
// and a websocket stream of task changes
package web

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/taskwatch/app/tracker"
)

//go:generate moq -out mocks/task_tracker.go -pkg mocks -skip-ensure -fmt goimports . TaskTracker

// TaskTracker is the part of tracker.Tracker used by the server
type TaskTracker interface {
	Create(label string) int
	Remove(id int) bool
	Tasks() []tracker.Task
	Task(id int) (tracker.Task, bool)
	Active() int
	OnChange(fn func(c tracker.Change)) (off func())
}

// Server serves the status API
type Server struct {
	tracker      TaskTracker
	version      string
	eventChan    chan tracker.Change // changes waiting for broadcast to websocket clients
	writeLimiter *limiter.Limiter    // rate limit for task creation and removal
	pingInterval time.Duration

	clientsMu sync.Mutex
	clients   map[string]*wsClient // client id -> websocket client
}

// Config holds server configuration
type Config struct {
	Tracker      TaskTracker
	Version      string
	WriteLimit   float64       // max create/delete requests per second per ip, 10 if not set
	PingInterval time.Duration // websocket keep-alive pings, 30s if not set
}

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("web server initialization failed: Tracker is required")
	}

	writeLimit := cfg.WriteLimit
	if writeLimit <= 0 {
		writeLimit = 10
	}
	lmt := tollbooth.NewLimiter(writeLimit, nil)
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})

	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}

	return &Server{
		tracker:      cfg.Tracker,
		version:      cfg.Version,
		eventChan:    make(chan tracker.Change, 1000),
		writeLimiter: lmt,
		pingInterval: pingInterval,
		clients:      make(map[string]*wsClient),
	}, nil
}

// Run starts the web server, blocks until ctx is done
func (s *Server) Run(ctx context.Context, address string) error {
	stop := s.start(ctx)
	defer stop()

	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// start subscribes to tracker changes and runs the broadcaster. Returned function unsubscribes.
func (s *Server) start(ctx context.Context) (stop func()) {
	off := s.tracker.OnChange(s.onChange)
	go s.processEvents(ctx)
	return off
}

// onChange is called by the tracker synchronously, so it never blocks
func (s *Server) onChange(c tracker.Change) {
	select {
	case s.eventChan <- c:
	default:
		log.Printf("[WARN] event channel full, dropping change %d/%s", c.ID, c.Kind)
	}
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware, the response writer is not wrapped here, so websocket can hijack it
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("taskwatch", "umputun", s.version),
		rest.Ping,
		rest.SizeLimit(64*1024),
	)

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		api.Group().Route(func(rg *routegroup.Bundle) {
			rg.Use(logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler)
			rg.HandleFunc("GET /tasks", s.handleListTasks)
			rg.HandleFunc("GET /tasks/{id}", s.handleGetTask)
			rg.With(tollbooth.HTTPMiddleware(s.writeLimiter)).HandleFunc("POST /tasks", s.handleCreateTask)
			rg.With(tollbooth.HTTPMiddleware(s.writeLimiter)).HandleFunc("DELETE /tasks/{id}", s.handleDeleteTask)
		})

		api.HandleFunc("GET /events", s.handleEvents)
	})

	return router
}
