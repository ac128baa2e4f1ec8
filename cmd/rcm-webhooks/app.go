package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/foresight/rcm/internal/config"
	domain "github.com/foresight/rcm/internal/domain/webhook"
	"github.com/foresight/rcm/internal/platform/cache"
	"github.com/foresight/rcm/internal/platform/cloud"
	"github.com/foresight/rcm/internal/platform/db"
	"github.com/foresight/rcm/internal/platform/telemetry"
	pipeline "github.com/foresight/rcm/internal/platform/webhook"
)

// app holds the long-lived clients shared by every command.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	store     domain.Store
	aws       *cloud.Clients
	redis     *redis.Client
	telemetry *telemetry.TelemetryProvider
	metrics   pipeline.MetricsEmitter
	secrets   *pipeline.SecretStore
	queue     *pipeline.SQSEnqueuer
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to database")

	awsCfg, err := cloud.LoadAWSConfig(ctx, cfg.AWSRegion, cfg.AWSEndpointURL)
	if err != nil {
		pool.Close()
		return nil, err
	}
	clients := cloud.NewClients(awsCfg)

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{Environment: cfg.Env})

	a := &app{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		store:     domain.NewWebhookRepoPG(pool),
		aws:       clients,
		telemetry: tp,
		metrics: pipeline.MultiEmitter{
			pipeline.NewCloudWatchEmitter(clients.CloudWatch, cfg.MetricsNamespace),
			tp.PipelineEmitter(),
		},
		secrets: pipeline.NewSecretStore(clients.SecretsManager),
		queue:   pipeline.NewSQSEnqueuer(clients.SQS, cfg.DeliveryQueueURL),
	}

	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			// Dedupe and shared rate limiting degrade to local behavior.
			logger.Warn().Err(err).Msg("redis unavailable")
		} else {
			a.redis = rdb
		}
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.pool.Close()
}

func (a *app) healthPolicy() pipeline.HealthPolicy {
	return pipeline.HealthPolicy{
		DegradedAt:  a.cfg.DegradedThreshold,
		UnhealthyAt: a.cfg.UnhealthyThreshold,
		DisableAt:   a.cfg.AutoDisableThreshold,
	}
}

func (a *app) alerter() pipeline.Alerter {
	if a.cfg.AlertTopicARN == "" {
		return pipeline.NewLogAlerter(a.logger)
	}
	return pipeline.NewSNSAlerter(a.aws.SNS, a.cfg.AlertTopicARN, a.logger)
}

func (a *app) consumer() *pipeline.Consumer {
	return pipeline.NewConsumer(pipeline.ConsumerConfig{
		Secrets:     a.secrets,
		Attempter:   pipeline.NewAttempter(pipeline.WithTimeout(a.cfg.DeliveryTimeout)),
		Deliveries:  a.store,
		Health:      a.store,
		Metrics:     a.metrics,
		Logger:      a.logger.With().Str("component", "delivery").Logger(),
		Concurrency: a.cfg.DeliveryConcurrency,
	})
}

func (a *app) backoff(queueURL string) *pipeline.VisibilityBackoff {
	return pipeline.NewVisibilityBackoff(a.aws.SQS, queueURL,
		pipeline.Backoff{Base: a.cfg.RetryBaseDelay, Max: a.cfg.RetryMaxDelay},
		a.logger.With().Str("component", "backoff").Logger())
}

func (a *app) deadLetter() *pipeline.DeadLetterConsumer {
	alerts := pipeline.DefaultAlertPolicy()
	alerts.VolumeThreshold = a.cfg.DLQAlertThreshold
	return pipeline.NewDeadLetterConsumer(pipeline.DeadLetterConfig{
		Health:       a.store,
		Metrics:      a.metrics,
		Alerter:      a.alerter(),
		HealthPolicy: a.healthPolicy(),
		AlertPolicy:  alerts,
		Logger:       a.logger.With().Str("component", "dead_letter").Logger(),
	})
}

func (a *app) router() *pipeline.Router {
	var dedupe pipeline.Deduper
	if a.redis != nil {
		dedupe = pipeline.NewRedisDeduper(a.redis, a.cfg.EventDedupeTTL)
	}
	return pipeline.NewRouter(a.store, a.queue, dedupe, a.metrics,
		a.logger.With().Str("component", "router").Logger())
}

func (a *app) retention() *pipeline.Retention {
	return pipeline.NewRetention(a.store, a.cfg.Retention(), a.metrics,
		a.logger.With().Str("component", "retention").Logger())
}

func (a *app) webhookService() *domain.Service {
	return domain.NewService(domain.ServiceConfig{
		Repo:             a.store,
		DB:               a.pool,
		Secrets:          a.secrets,
		Queue:            a.queue,
		SecretNamePrefix: a.cfg.SecretNamePrefix,
		RequireHTTPS:     a.cfg.IsProduction(),
		Logger:           a.logger.With().Str("component", "webhook_admin").Logger(),
	})
}

// recordPoolStats copies pool gauges into the metrics registry until ctx ends.
func (a *app) recordPoolStats(ctx context.Context, every time.Duration) {
	h := a.telemetry.HealthMetrics()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		s := db.GetPoolStats(a.pool)
		h.SetDBPoolActive(int64(s.AcquiredConns))
		h.SetDBPoolIdle(int64(s.IdleConns))
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func requireQueue(name, url string) error {
	if url == "" {
		return fmt.Errorf("%s is required for this command", name)
	}
	return nil
}
