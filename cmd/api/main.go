package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"dgmonitor/internal/alerts"
	"dgmonitor/internal/api"
	"dgmonitor/internal/auth"
	"dgmonitor/internal/buildinfo"
	"dgmonitor/internal/compliance"
	"dgmonitor/internal/config"
	"dgmonitor/internal/directory"
	"dgmonitor/internal/emergency"
	"dgmonitor/internal/ingest"
	"dgmonitor/internal/live"
	"dgmonitor/internal/logging"
	"dgmonitor/internal/metrics"
	"dgmonitor/internal/model"
	"dgmonitor/internal/monitor"
	"dgmonitor/internal/observability"
	"dgmonitor/internal/store"
	"dgmonitor/internal/stream"
	"dgmonitor/internal/tracking"
	"dgmonitor/internal/zones"
)

const locationTTL = 15 * time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	var policy *config.PolicyFile
	if cfg.PolicyFile != "" {
		pf, err := config.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			zerolog.New(os.Stderr).Fatal().Err(err).Str("path", cfg.PolicyFile).Msg("policy file")
		}
		pf.Apply(&cfg)
		policy = pf
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: observability.ServiceName})
	log.Info().Interface("build", buildinfo.Info()).Msg("starting")
	metrics.RegisterDefault()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFrom(cfg), log)
	if err != nil {
		log.Fatal().Err(err).Msg("tracing init")
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	// Storage
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres connect")
		}
		defer pg.Close()
		if cfg.DBMigrate {
			if err := pg.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("postgres migrate")
			}
		}
		st = pg
		log.Info().Msg("using postgres store")
	} else {
		st = store.NewMemory()
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
	}

	dir := directory.NewMemory()
	if policy != nil {
		policy.SeedDirectory(dir)
		for _, z := range policy.SeedZones() {
			z = zones.Normalize(z)
			if err := zones.Validate(z); err != nil {
				log.Warn().Err(err).Str("zone_id", z.ID).Msg("skipping invalid seed zone")
				continue
			}
			if _, err := st.UpsertZone(ctx, z); err != nil {
				log.Fatal().Err(err).Str("zone_id", z.ID).Msg("seed zone")
			}
		}
	}

	// Redis-backed live state, when configured
	var broker live.EventBroker = live.NewBroker()
	var locations tracking.LocationCache = tracking.NewMemory(locationTTL)
	var ttl emergency.TTLStore = emergency.NewMemoryTTL()
	var checks []api.Check
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		broker = live.NewRedisBroker(rdb, log)
		locations = tracking.NewRedisLocations(rdb, locationTTL)
		ttl = emergency.NewRedisTTL(rdb)
		checks = append(checks, api.Check{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }})
		log.Info().Msg("using redis for live events, locations and emergency state")
	}

	registry := zones.NewRegistry(st, log)
	if err := registry.Reload(ctx); err != nil {
		log.Fatal().Err(err).Msg("load zones")
	}

	cp := compliance.Policy{
		DefaultSpeedLimitKmh: cfg.DefaultSpeedLimitKmh,
		StaleAfter:           cfg.StaleAfter,
		RouteWarnMeters:      cfg.RouteWarnMeters,
		RouteViolationMeters: cfg.RouteViolationMeters,
	}
	if policy != nil && len(policy.Compliance.HazardClassSpeedLimits) > 0 {
		cp.HazardClassSpeedLimits = policy.Compliance.HazardClassSpeedLimits
	}
	evaluator := compliance.NewEvaluator(registry, cp)

	// Alerts
	senders := alerts.Senders{
		model.ChannelWebhook:   alerts.NewWebhookSender(cfg.WebhookSecret),
		model.ChannelDashboard: alerts.BrokerSender{Broker: broker},
	}
	for _, ch := range []model.AlertChannel{model.ChannelPush, model.ChannelSMS, model.ChannelEmail} {
		if cfg.NotifyGatewayURL != "" {
			senders[ch] = alerts.NewGatewaySender(cfg.NotifyGatewayURL)
		} else {
			senders[ch] = alerts.LogSender{Log: log}
		}
	}
	if cfg.AMQPURL != "" {
		amqpSender, err := alerts.NewAMQPSender(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatal().Err(err).Msg("amqp connect")
		}
		defer amqpSender.Close()
		senders[model.ChannelDashboard] = alerts.Fanout{alerts.BrokerSender{Broker: broker}, amqpSender}
		log.Info().Str("exchange", cfg.AMQPExchange).Msg("dashboard alerts mirrored to amqp")
	}
	alertSvc := alerts.NewService(st, senders, log)
	worker := alerts.NewWorker(st, senders, cfg.AlertMaxAttempts, cfg.AlertRateRPS, log)
	go worker.Run(ctx)

	// Event stream
	var sink stream.EventSink = stream.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		ks := stream.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer ks.Close()
		sink = ks
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("streaming compliance events to kafka")
	}

	coord := monitor.New(monitor.Deps{
		Store:     st,
		Evaluator: evaluator,
		Shipments: dir,
		Alerts:    alertSvc,
		Broker:    broker,
		Sink:      sink,
		Locations: locations,
		Log:       log,
	}, monitor.Options{DispatchTimeout: cfg.DispatchTimeout})
	go coord.Run(ctx, cfg.SweepInterval)

	workflow := emergency.New(emergency.Deps{
		Store:     st,
		TTL:       ttl,
		Escalator: coord,
		Shipments: dir,
		Users:     dir,
		Alerts:    alertSvc,
		Log:       log,
	}, emergency.PolicyFrom(cfg))

	// Device telemetry over MQTT
	if cfg.MQTTBroker != "" {
		var sub atomic.Pointer[ingest.MQTTSubscriber]
		client, err := ingest.NewClient(cfg.MQTTBroker, cfg.MQTTClientID, func(c mqtt.Client) {
			if s := sub.Load(); s != nil {
				s.Resubscribe(c)
			}
		})
		if err != nil {
			log.Fatal().Err(err).Msg("mqtt connect")
		}
		s := ingest.NewMQTTSubscriber(client, cfg.MQTTTopic, coord, log)
		sub.Store(s)
		if err := s.Start(); err != nil {
			log.Fatal().Err(err).Msg("mqtt subscribe")
		}
		defer s.Stop()
		log.Info().Str("broker", cfg.MQTTBroker).Str("topic", cfg.MQTTTopic).Msg("mqtt telemetry ingest started")
	}

	srv := &api.Server{
		Monitor:   coord,
		Emergency: workflow,
		Zones:     registry,
		Store:     st,
		Auth:      auth.NewVerifier(cfg),
		Broker:    broker,
		Locations: locations,
		Log:       log,
		Checks:    checks,
		Info: map[string]any{
			"PORT":             cfg.Port,
			"AUTH_MODE":        cfg.AuthMode,
			"RATE_RPS":         cfg.RateRPS,
			"RATE_BURST":       cfg.RateBurst,
			"HAS_DATABASE_URL": cfg.DatabaseURL != "",
			"HAS_REDIS_URL":    cfg.RedisURL != "",
			"HAS_MQTT_BROKER":  cfg.MQTTBroker != "",
			"HAS_KAFKA":        len(cfg.KafkaBrokers) > 0,
			"HAS_AMQP":         cfg.AMQPURL != "",
		},
	}
	if cfg.RateRPS > 0 {
		srv.Limiter = rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst)
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
}
