// Command lanequeue runs the lane queue dispatcher and its admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/lanequeue/internal/app"
	"github.com/bissquit/lanequeue/internal/config"
	"github.com/bissquit/lanequeue/internal/domain"
	"github.com/bissquit/lanequeue/internal/pkg/ctxlog"
	"github.com/bissquit/lanequeue/internal/queue"
)

// LogTaskType is the task type of the built-in handler.
const LogTaskType = "log"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lanequeue: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("LANEQUEUE_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	application, err := app.New(cfg, map[string]queue.TaskHandler{
		LogTaskType: queue.TaskHandlerFunc(logTask),
	})
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case sig := <-sigCh:
		slog.Info("received signal", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return application.Shutdown(ctx)
}

// logTask records the item and succeeds.
func logTask(ctx context.Context, item *domain.QueueItem) error {
	ctxlog.FromContext(ctx).Info("log task", "payload", string(item.Payload))
	return nil
}
