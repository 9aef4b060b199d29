package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/efreed/quizdash/internal/auth"
	"github.com/efreed/quizdash/internal/config"
	"github.com/efreed/quizdash/internal/handler"
	"github.com/efreed/quizdash/internal/logger"
	"github.com/efreed/quizdash/internal/middleware"
	"github.com/efreed/quizdash/internal/repository"
	"github.com/efreed/quizdash/internal/repository/memory"
	"github.com/efreed/quizdash/internal/repository/postgres"
	redisrepo "github.com/efreed/quizdash/internal/repository/redis"
	"github.com/efreed/quizdash/internal/retry"
	"github.com/efreed/quizdash/internal/room"
)

func main() {
	logger.Init()
	cfg := config.Load()
	log.Info().Str("port", cfg.Port).Msg("Config loaded")

	// Session store. Redis keeps games alive across restarts; the
	// in-process fallback is for local development only.
	var store repository.StateStore
	redisClient, err := redisrepo.NewClient(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, using in-process store (games will not survive restarts)")
		store = memory.NewStore()
	} else {
		defer redisClient.Close()
		store = redisClient
	}

	// Results archive, enabled when a database is configured.
	var results repository.ResultStore
	if cfg.DatabaseURL != "" {
		db, err := postgres.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Database connection failed")
		}
		defer db.Close()
		results = postgres.NewResultRepo(db)
	}

	tickets := auth.NewTicketManager(cfg.TicketSecret)
	mgr := room.NewManager(store, results, cfg.Timings)
	client := room.NewClient(mgr, retry.DefaultOptions())

	gameHandler := handler.NewGameHandler(client, tickets, results)
	wsHandler := handler.NewWSHandler(client, tickets)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("POST /api/v1/games", gameHandler.CreateGame)
	mux.HandleFunc("GET /api/v1/games/by-pin/{pin}", gameHandler.ResolvePin)
	mux.HandleFunc("GET /api/v1/results", gameHandler.ListResults)

	// WebSocket endpoints (auth via query param, not headers)
	mux.HandleFunc("GET /api/v1/ws/host", wsHandler.ServeHostWS)
	mux.HandleFunc("GET /api/v1/ws/play", wsHandler.ServePlayerWS)

	root := middleware.Chain(mux, middleware.Logger, middleware.CORS("*"))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	// Stop room actors without deleting their persisted state; games
	// resume from the store after the next start.
	mgr.Shutdown()
	log.Info().Msg("Server stopped")
}
