package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/casa-bonita/backend/api/handlers"
	"github.com/casa-bonita/backend/internal/auth"
	"github.com/casa-bonita/backend/internal/bridge"
	"github.com/casa-bonita/backend/internal/config"
	"github.com/casa-bonita/backend/internal/db"
	"github.com/casa-bonita/backend/internal/hub"
	"github.com/casa-bonita/backend/internal/logger"
	"github.com/casa-bonita/backend/internal/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET is not set; session endpoints and the hub bridge will answer 500")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DB.Path), 0755); err != nil {
		log.Fatal().Err(err).Msg("failed to create database directory")
	}

	database, err := db.InitDB(cfg.DB.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.CloseDB()

	sessionRepo := repository.NewBridgeSessionRepository(database)
	if n, err := sessionRepo.MarkAllClosed(context.Background(), "Server restarted"); err != nil {
		log.Warn().Err(err).Msg("failed to close stale bridge sessions")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("closed stale bridge sessions")
	}

	endpoint := cfg.HubEndpoint()
	log.Info().
		Str("ws_url", endpoint.WSURL).
		Bool("supervised", endpoint.Supervised).
		Msg("resolved hub endpoint")

	hubClient := hub.NewClient(hub.Config{
		URL:                  endpoint.WSURL,
		Token:                endpoint.Token,
		MaxReconnectAttempts: cfg.Hub.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Hub.ReconnectDelay,
		KeepaliveInterval:    cfg.Hub.KeepaliveInterval,
		HandshakeTimeout:     cfg.Hub.HandshakeTimeout,
	}, hub.WithLogger(log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go connectHub(ctx, hubClient, cfg.Hub.ReconnectDelay, log)

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret)
	bridgeCfg := bridge.Config{
		HubURL:   endpoint.WSURL,
		HubToken: endpoint.Token,
	}
	if !cfg.IsProduction() {
		bridgeCfg.CheckOrigin = func(*http.Request) bool { return true }
	}
	hubBridge := bridge.NewBridge(bridgeCfg, tokens,
		bridge.WithRecorder(sessionRepo),
		bridge.WithLogger(log),
	)

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(tokens, cfg.IsProduction(), log)
	hubHandler := handlers.NewHubHandler(hubClient)
	sessionHandler := handlers.NewSessionHandler(sessionRepo, hubBridge)
	wsHandler := handlers.NewWebSocketHandler(hubBridge)
	identity := auth.NewMiddleware(tokens, cfg.IsProduction(), log)

	r := gin.New()
	r.Use(gin.Recovery(), logger.Middleware(log))
	if !cfg.IsProduction() {
		r.Use(corsMiddleware())
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"hub":    hubClient.State(),
		})
	})

	// The bridge authenticates the upgrade request itself.
	wsHandler.RegisterRoutes(r.Group("/ha"))

	api := r.Group("/api", identity.Identify())
	{
		authHandler.RegisterRoutes(api)

		authed := api.Group("", auth.RequireAuth())
		hubHandler.RegisterRoutes(authed)

		admin := api.Group("", auth.RequireAdmin())
		sessionHandler.RegisterRoutes(admin)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	if err := hubBridge.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("bridge sessions did not close in time")
	}
	hubClient.Disconnect()
}

// connectHub performs the initial connection. Automatic reconnection only
// covers connections that were established once, so the first connection is
// retried here until it succeeds, the token is rejected, or ctx ends.
func connectHub(ctx context.Context, client *hub.Client, delay time.Duration, log zerolog.Logger) {
	for attempt := 1; ; attempt++ {
		err := client.Connect(ctx)
		if err == nil {
			return
		}

		var authErr *hub.AuthError
		if errors.As(err, &authErr) {
			log.Error().Err(err).Msg("hub rejected the configured token")
			return
		}

		wait := time.Duration(attempt) * delay
		if wait > time.Minute {
			wait = time.Minute
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("hub connection failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
