package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/layersync/backend/internal/api"
	"github.com/layersync/backend/internal/auth"
	"github.com/layersync/backend/internal/config"
	"github.com/layersync/backend/internal/dispatch"
	"github.com/layersync/backend/internal/engine"
	"github.com/layersync/backend/internal/host"
	"github.com/layersync/backend/internal/postgrest"
	"github.com/layersync/backend/internal/presence"
	"github.com/layersync/backend/internal/realtime"
	"github.com/layersync/backend/internal/storage"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const canvasSRID = 3857

func main() {
	configFlag := flag.String("config", "", "path to layersync.config (defaults to the executable's directory)")
	flag.Parse()
	defer glog.Flush()

	configPath := *configFlag
	if configPath == "" {
		// Get the executable's directory for config resolution
		exePath, err := os.Executable()
		if err != nil {
			fmt.Printf("Failed to get executable path: %v\n", err)
			os.Exit(1)
		}
		configPath = filepath.Join(filepath.Dir(exePath), "layersync.config")
	}

	// Load XML configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Advanced.LogVerbosity > 0 {
		flag.Set("v", strconv.Itoa(cfg.Advanced.LogVerbosity))
	}

	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Printf("Failed to create directories: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Everything touching layers runs on this loop
	loop := dispatch.NewLoop(256)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go loop.Run(loopCtx)

	// Initialize the local feature store
	db, err := storage.Open(cfg.GetDatabasePath(), storage.Options{
		Threads:     cfg.Advanced.DuckDBThreads,
		MemoryLimit: cfg.Advanced.DuckDBMemoryLimit,
	})
	if err != nil {
		fmt.Printf("Failed to initialize storage: %v\n", err)
		os.Exit(1)
	}
	project := host.NewMemoryProject(canvasSRID)
	project.SetStoreFactory(db.StoreFactory())

	// Sign in against the backend
	authOpts := auth.DefaultOptions()
	authOpts.Email = cfg.Backend.Email
	authOpts.Password = cfg.Backend.Password
	authOpts.APIKey = cfg.Backend.AnonKey
	session := auth.NewSession(cfg.Backend.AuthURL, authOpts)
	signInCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout()*time.Duration(authOpts.Retries+1))
	err = session.SignIn(signInCtx)
	cancel()
	if err != nil {
		fmt.Printf("Failed to sign in: %v\n", err)
		os.Exit(1)
	}
	glog.Infof("[Auth] signed in as %s", session.UserID())

	store := postgrest.NewClient(cfg.Backend.PostgrestURL, cfg.Backend.AnonKey, session, postgrest.Options{
		RequestTimeout:     cfg.RequestTimeout(),
		BulkRequestTimeout: cfg.BulkRequestTimeout(),
	})

	hub := api.NewEventHub(int64(cfg.Advanced.WebSocketMaxMessageSize) * 1024)

	var eng *engine.Engine
	var tracker *presence.Tracker
	var worker *realtime.Worker
	err = loop.Do(ctx, func() error {
		eng = engine.New(store, project, loop, engine.Options{
			AsyncCommit:  cfg.Sync.AsyncCommit,
			StrictErrors: cfg.Sync.StrictErrors,
			OnEvent:      hub.Publish,
		})

		tracker = presence.NewTracker(project)
		tracker.SetFollow(cfg.Sync.FollowPresence)
		tracker.OnChange(func(bool) {
			hub.PublishPresence(tracker.Points())
		})

		worker = realtime.NewWorker(
			func() realtime.Stream {
				return realtime.NewClient(cfg.Backend.RealtimeURL, cfg.Backend.AnonKey, realtime.ClientOptions{})
			},
			session,
			loop,
			func(b realtime.Batch) {
				if err := eng.ApplyBatch(b); err != nil {
					glog.Errorf("[Realtime] applying batch: %v", err)
				}
			},
			tracker,
			realtime.WorkerOptions{
				Table:          cfg.Sync.FeatureTable,
				CoalesceWindow: cfg.CoalesceWindow(),
				PollInterval:   cfg.PollInterval(),
				StopTimeout:    cfg.StopTimeout(),
			},
		)
		worker.OnError = func(err error) {
			glog.Errorf("[Realtime] session ended: %v", err)
			hub.Publish(engine.Event{Type: engine.EventError, Message: err.Error()})
		}
		eng.AttachRealtime(worker)

		if err := eng.FetchLayers(ctx); err != nil {
			return err
		}
		if cfg.Sync.AutoStartRealtime {
			return eng.StartRealtime()
		}
		return nil
	})
	if err != nil {
		fmt.Printf("Failed to start sync engine: %v\n", err)
		os.Exit(1)
	}

	e := echo.New()
	e.HideBanner = true
	api.SetupMiddleware(e)

	// Configure middleware
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			// Skip logging if disabled in config
			if !cfg.Advanced.EnableRequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return path == "/health" || strings.HasPrefix(path, "/api/ws/")
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize:         1024 * 4,
		DisablePrintStack: false,
		LogLevel:          0,
	}))

	// Body limit middleware
	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	// CORS configuration
	if cfg.Server.EnableCORS {
		origins := strings.Split(cfg.Server.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}

	// Shared-token auth for the agent API
	if cfg.Security.RequireAuth {
		e.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Skipper: func(c echo.Context) bool {
				return c.Request().URL.Path == "/health"
			},
			Validator: func(key string, c echo.Context) (bool, error) {
				return key == cfg.Security.AuthToken, nil
			},
		}))
	}

	handlers := api.NewHandlers(&api.Dependencies{
		Engine:         eng,
		Presence:       tracker,
		Loop:           loop,
		Hub:            hub,
		AllowLayerDrop: cfg.Security.AllowLayerDrop,
		Version:        Version,
	})
	api.RegisterRoutes(e, handlers)
	api.RegisterWebSocketRoutes(e, handlers)

	// Configure server with settings from XML config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	databasePath := cfg.GetDatabasePath()
	if databasePath == "" {
		databasePath = "(in memory)"
	}

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Layer Sync Agent                                ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  User:       %-45s║\n", session.UserID())
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Backend:   %-46s║\n", cfg.Backend.PostgrestURL)
	fmt.Printf("║  Database:  %-46s║\n", databasePath)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")

	go func() {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("[API] server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	glog.Infof("[API] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("[API] shutdown: %v", err)
	}
	hub.Close()

	err = loop.Do(shutdownCtx, func() error {
		tracker.Close()
		return eng.Close()
	})
	if err != nil {
		glog.Errorf("[Engine] close: %v", err)
	}
	stopLoop()
	<-loop.Done()

	if err := db.Close(); err != nil {
		glog.Errorf("[Storage] close: %v", err)
	}
}
