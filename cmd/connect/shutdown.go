package main

import (
	"context"
	"time"

	"github.com/vyrodovalexey/connect/internal/config"
	"github.com/vyrodovalexey/connect/internal/observability"
)

// runGateway serves until ctx is cancelled or the server fails, then shuts
// every component down. The config file is watched when configPath is set.
func runGateway(ctx context.Context, app *application, configPath string) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.server.Start(ctx)
	}()

	var watcher *config.Watcher
	if configPath != "" {
		watcher = startConfigWatcher(ctx, app, configPath)
	}

	var err error
	select {
	case <-ctx.Done():
		app.logger.Info("received shutdown signal")
	case err = <-serveErr:
		if err != nil {
			app.logger.Error("server stopped unexpectedly", observability.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.config.Server.ShutdownTimeout.Duration())
	defer cancel()

	if watcher != nil {
		if stopErr := watcher.Stop(); stopErr != nil {
			app.logger.Warn("failed to stop config watcher", observability.Error(stopErr))
		}
		app.reloadMetrics.watcherStatus.Set(0)
	}

	app.shutdown(shutdownCtx)
	return err
}

// shutdown stops the server first so in-flight requests can still write
// audit records, then releases everything else.
func (a *application) shutdown(ctx context.Context) {
	start := time.Now()

	if a.server != nil {
		if err := a.server.Stop(ctx); err != nil {
			a.logger.Error("failed to stop server gracefully", observability.Error(err))
		}
	}

	a.closePartial(ctx)

	a.logger.Info("connect stopped", observability.Duration("duration", time.Since(start)))
}

// closePartial releases every component created so far. It also unwinds a
// failed initApplication.
func (a *application) closePartial(ctx context.Context) {
	if a.limiter != nil {
		if err := a.limiter.Close(); err != nil {
			a.logger.Error("failed to close rate limiter", observability.Error(err))
		}
	}

	if a.auditLogger != nil {
		if err := a.auditLogger.Close(); err != nil {
			a.logger.Error("failed to close audit logger", observability.Error(err))
		}
	}

	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to shutdown tracer", observability.Error(err))
		}
	}
}
