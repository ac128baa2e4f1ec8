package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	pipeline "github.com/foresight/rcm/internal/platform/webhook"
)

func workerCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Long-poll a queue outside Lambda",
	}
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve /health and /metrics on this address")

	cmd.AddCommand(&cobra.Command{
		Use:   "delivery",
		Short: "Deliver queued webhook events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(metricsAddr, func(a *app) (string, pipeline.BatchProcessor, pipeline.FailureHandler, error) {
				if err := requireQueue("DELIVERY_QUEUE_URL", a.cfg.DeliveryQueueURL); err != nil {
					return "", nil, nil, err
				}
				return a.cfg.DeliveryQueueURL, a.consumer(), a.backoff(a.cfg.DeliveryQueueURL), nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "dlq",
		Short: "Process dead-lettered deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(metricsAddr, func(a *app) (string, pipeline.BatchProcessor, pipeline.FailureHandler, error) {
				if err := requireQueue("DLQ_URL", a.cfg.DLQURL); err != nil {
					return "", nil, nil, err
				}
				return a.cfg.DLQURL, a.deadLetter(), nil, nil
			})
		},
	})
	return cmd
}

type workerSetup func(a *app) (queueURL string, processor pipeline.BatchProcessor, onFail pipeline.FailureHandler, err error)

func runWorker(metricsAddr string, setup workerSetup) error {
	cfg, logger, err := loadConfig(false)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	queueURL, processor, onFail, err := setup(a)
	if err != nil {
		return err
	}
	poller := pipeline.NewPoller(a.aws.SQS, queueURL, processor, onFail, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error {
		a.recordPoolStats(ctx, 15*time.Second)
		return nil
	})

	if metricsAddr != "" {
		e := echo.New()
		e.HideBanner = true
		e.HidePort = true
		e.GET("/health", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
		})
		e.GET("/metrics", a.telemetry.PrometheusHandler())

		g.Go(func() error {
			if err := e.Start(metricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
