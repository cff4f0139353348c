//go:build ignore

// This file demonstrates how to wire the config reloader into an
// engine. It's illustrative only and is excluded from the build.

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	configpkg "crawlcore/pkg/config"
)

// zapLogger adapts *zap.Logger to configpkg.Logger.
type zapLogger struct {
	logger *zap.Logger
}

func newZapLogger() *zapLogger {
	l, _ := zap.NewProduction()
	return &zapLogger{logger: l}
}

func (l *zapLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, zap.Any("fields", keyvals))
}

func (l *zapLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, zap.Any("fields", keyvals))
}

func main() {
	reloader := configpkg.NewReloader("config.yaml")
	reloader.SetLogger(newZapLogger())

	reloader.OnChange(func(newCfg *configpkg.Config) {
		log.Printf("config reloaded: concurrency=%d-%d", newCfg.MinConcurrency, newCfg.MaxConcurrency)
	})

	if err := reloader.Start(); err != nil {
		log.Fatalf("failed to start reloader: %v", err)
	}
	defer reloader.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	log.Println("running; edit config.yaml to trigger a reload")
	<-sigCh
}
