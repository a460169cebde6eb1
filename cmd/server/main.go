package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Tyrowin/hellosock/internal/greeter"
	"github.com/Tyrowin/hellosock/internal/server"
)

func main() {
	config, err := server.NewConfigFromEnv()
	if err != nil {
		log.Fatalf("could not load config: %v", err)
	}

	logger, err := server.NewLogger(config)
	if err != nil {
		log.Fatalf("could not build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	gin.SetMode(gin.ReleaseMode)

	srv := server.New(config, logger)
	greeter.Register(srv.Of(config.Namespace), logger)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Fatal("server stopped", zap.Error(err))
		}
	case sig := <-quit:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		if err := srv.Shutdown(config.ShutdownTimeout); err != nil {
			logger.Error("shutdown finished with errors", zap.Error(err))
		}
	}
}
