// Package app wires the print queue together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"printqueue/internal/api"
	"printqueue/internal/config"
	"printqueue/internal/database"
	"printqueue/internal/hub"
	"printqueue/internal/metrics"
	"printqueue/internal/qr"
	"printqueue/internal/router"
	"printqueue/internal/sandbox"
	"printqueue/internal/session"
	"printqueue/internal/upload"
	"printqueue/internal/websocket"
	"printqueue/pkg/types"
)

// Application coordinates all system components.
type Application struct {
	config     *config.Config
	journal    *database.Manager
	controller sandbox.Controller
	// closer releases the sandbox engine client, when there is one.
	closer     io.Closer
	store      *session.Store
	registry   *websocket.Registry
	linker     *qr.Linker
	router     *router.Router
	hub        *hub.Hub
	metrics    *metrics.Collector
	mux        *http.ServeMux
	httpServer *http.Server
	listener   net.Listener
}

// NewApplication connects to the Docker engine and builds every component.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	docker, err := sandbox.NewDocker(cfg.Sandbox.DockerHost, sandbox.DockerOptions{
		Image:       cfg.Sandbox.Image,
		MountPath:   cfg.Sandbox.MountPath,
		StopTimeout: cfg.Sandbox.StopTimeout,
		Platform:    cfg.Sandbox.Platform,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	controller := sandbox.WithRetry(docker, cfg.Sandbox.RetryAttempts, cfg.Sandbox.RetryBaseDelay)

	app, err := NewApplicationWithController(cfg, controller)
	if err != nil {
		docker.Close()
		return nil, err
	}
	app.closer = docker
	return app, nil
}

// NewApplicationWithController builds the application on an existing sandbox
// controller. Component order: journal → store → registry → router → hub →
// handlers → HTTP.
func NewApplicationWithController(cfg *config.Config, controller sandbox.Controller) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	journal, err := database.NewManager(cfg.JournalConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}

	m := metrics.New()

	store, err := session.NewStore(controller, session.Options{
		UploadRoot:       cfg.Session.UploadRoot,
		ProvisionTimeout: cfg.Sandbox.ProvisionTimeout,
		Journal:          journal,
		JournalTimeout:   cfg.Database.Timeout,
		Metrics:          m,
	})
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	registry := websocket.NewRegistry()

	// Every teardown path, realtime or REST or reconciler, notifies the room
	// and then empties it.
	ended, _ := types.NewEvent(types.EventSessionEnded, nil)
	store.OnSessionEnded(func(sessionID string) {
		registry.Broadcast(sessionID, ended)
		registry.CloseRoom(sessionID)
	})

	linker := qr.NewLinker(cfg.Upload.PublicBaseURL, cfg.HTTP.Port)

	eventRouter := router.NewRouter(store, controller, registry, linker, router.Options{
		ExecuteTimeout: cfg.Sandbox.ExecuteTimeout,
		RateLimit:      cfg.WebSocket.RateLimit,
	}, m)

	eventHub := hub.NewHub(registry, eventRouter, m)

	wsHandler := websocket.NewHandler(registry, eventHub, websocket.HandlerOptions{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		SendBuffer:   cfg.WebSocket.BufferSize,
	})

	gateway := upload.NewGateway(store, registry, m)
	uploads := http.NewServeMux()
	upload.NewHandler(gateway, cfg.Upload.MaxBytes).Register(uploads)

	apiServer := api.NewServer(store, journal, controller, registry, m)

	mux := http.NewServeMux()
	apiServer.Register(mux)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)
	mux.Handle("/upload", api.CORS(uploads))
	mux.Handle("/uploads/", api.CORS(uploads))

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	log.Printf("Upload links will use %s", linker.BaseURL())

	return &Application{
		config:     cfg,
		journal:    journal,
		controller: controller,
		store:      store,
		registry:   registry,
		linker:     linker,
		router:     eventRouter,
		hub:        eventHub,
		metrics:    m,
		mux:        mux,
		httpServer: httpServer,
	}, nil
}

// Start listens on the configured address and serves in the background.
func (app *Application) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.StartOn(ctx, l)
}

// StartOn serves on an existing listener. The hub starts first so that no
// connection is accepted before events can be processed.
func (app *Application) StartOn(ctx context.Context, l net.Listener) error {
	log.Printf("Starting print queue on %s", l.Addr())

	if err := app.hub.Start(ctx); err != nil {
		l.Close()
		return fmt.Errorf("failed to start event hub: %w", err)
	}

	// Sweep orphans a previous process left behind before taking traffic.
	reconcileCtx, cancel := context.WithTimeout(ctx, app.config.Sandbox.ProvisionTimeout)
	report := app.store.Reconcile(reconcileCtx)
	cancel()
	if report != (session.ReconcileReport{}) {
		log.Printf("Startup reconcile: orphan_sandboxes=%d orphan_dirs=%d", report.OrphanSandboxes, report.OrphanDirs)
	}
	app.store.StartReconciler(app.config.Session.ReconcileInterval)

	app.listener = l
	go func() {
		if err := app.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	log.Printf("Print queue started successfully")
	return nil
}

// Stop shuts down in reverse dependency order: HTTP → hub → in-flight router
// work → sessions → journal → sandbox engine client. Every live session's
// sandbox is released before Stop returns unless ctx expires first.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down print queue")
	var errs []error

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		errs = append(errs, err)
	}

	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		log.Printf("Event hub shutdown error: %v", err)
	}

	if err := app.router.Drain(ctx); err != nil {
		log.Printf("Router drain error: %v", err)
		errs = append(errs, err)
	}

	if err := app.store.Shutdown(ctx); err != nil {
		log.Printf("Session store shutdown error: %v", err)
		errs = append(errs, err)
	}

	if err := app.journal.Close(); err != nil {
		log.Printf("Journal shutdown error: %v", err)
	}

	if app.closer != nil {
		if err := app.closer.Close(); err != nil {
			log.Printf("Sandbox client shutdown error: %v", err)
		}
	}

	log.Printf("Print queue shutdown complete")
	return errors.Join(errs...)
}

// GetAddr returns the listening address once started, else the configured one.
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the routed mux, mainly for tests.
func (app *Application) Handler() http.Handler {
	return app.mux
}

// Store exposes the session store, mainly for tests.
func (app *Application) Store() *session.Store {
	return app.store
}

// ShutdownTimeout is the budget main gives Stop.
func (app *Application) ShutdownTimeout() time.Duration {
	return app.config.Session.ShutdownTimeout
}
