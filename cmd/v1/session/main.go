package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/snoupix/sharify-go/internal/config"
	"github.com/snoupix/sharify-go/internal/dispatch"
	"github.com/snoupix/sharify-go/internal/httpapi"
	"github.com/snoupix/sharify-go/internal/logging"
	"github.com/snoupix/sharify-go/internal/room"
	"github.com/snoupix/sharify-go/internal/session"
)

func main() {
	// Load .env file for local development; a missing file is not an error
	// since production deployments supply env vars directly.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logging.Init(cfg.LogLevel, cfg.IsProd)
	defer logging.Sync()
	log := logging.L()

	rooms := room.NewRegistry()
	sessions := session.NewRegistry()
	dispatcher := dispatch.New(rooms)
	loop := session.NewLoop(rooms, sessions, dispatcher)

	srv := &httpapi.Server{
		Rooms:           rooms,
		Sessions:        sessions,
		Loop:            loop,
		SpotifyClientID: cfg.SpotifyClientID,
		RateLimiter:     httpapi.NewPeerRateLimiter(),
	}

	router := srv.NewRouter()
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	httpServer := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("server starting", zap.String("addr", httpServer.Addr), zap.Bool("tls", cfg.IsProd))
		var err error
		if cfg.IsProd {
			err = httpServer.ListenAndServeTLS(cfg.TLSCertKey, cfg.TLSPrivateKey)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Error("server exited with error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}
	loop.Runners.CancelAll()
	log.Info("exited")
}
