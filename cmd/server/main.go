/*
Package main runs the market data ingestion daemon.

The daemon keeps a streaming connection to one of the configured upstream
endpoints, merges quotes, trades and order book updates into the cache
coordinator, and serves the cached data over gRPC. When the stream is down,
reads fall back to the configured fetch source or to stale cache entries.
Accepted data can be mirrored to Redis and published to Kafka.

Usage:

	go run ./cmd/server -config=marketfeed.yaml

Every setting can also be given as a MARKETFEED_* environment variable, for
example MARKETFEED_ENDPOINTS=wss://a.example/feed,wss://b.example/feed.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"marketfeed/internal/cache"
	"marketfeed/internal/config"
	"marketfeed/internal/endpoint"
	"marketfeed/internal/metrics"
	"marketfeed/internal/model"
	"marketfeed/internal/policy"
	"marketfeed/internal/service"
	"marketfeed/internal/sink"
	"marketfeed/internal/source"
	"marketfeed/internal/websocket"
)

var configPath = flag.String("config", "", "Path to a YAML configuration file")

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	zerolog.SetGlobalLevel(cfg.LogLevel())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New(prometheus.DefaultRegisterer)
	metricsServer := serveMetrics(cfg.Server.MetricsAddr)

	sinks, closeSinks := newSinks(ctx, cfg)
	defer closeSinks()

	pol := policy.NewHandler(cfg.Policy)
	pol.OnStatusChange(func(st policy.ConnectionStatus) {
		log.Info().Str("component", "policy").Str("status", st.String()).Msg("connection status changed")
	})
	coordinator, client, err := newPipeline(ctx, cfg, pol, m, sinks)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}
	defer coordinator.Close()
	defer client.Close()

	go observeStream(client, coordinator, m)

	if err := client.Connect(ctx); err != nil {
		// reads are served from the fallback source until a reconnect succeeds
		log.Warn().Err(err).Msg("initial connection failed")
	}
	for _, symbol := range cfg.Server.Symbols {
		if err := coordinator.Subscribe(symbol); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("failed to subscribe")
		}
	}

	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		MaxSymbolsAllowed: cfg.Stream.MaxSubscriptions,
		Metrics:           m,
	})
	marketService := service.NewMarketDataService(coordinator, dispatcher)
	if err := marketService.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start market data service")
	}
	defer marketService.Stop()

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}

	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	service.RegisterMarketDataServer(s, marketService)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("initiating graceful shutdown")
		healthServer.Shutdown()
		cancel()
		s.GracefulStop()
		if metricsServer != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	log.Info().
		Str("grpc_addr", cfg.Server.GRPCAddr).
		Str("metrics_addr", cfg.Server.MetricsAddr).
		Int("endpoints", len(cfg.Endpoints)).
		Str("source", cfg.Source.Kind).
		Strs("symbols", cfg.Server.Symbols).
		Msg("server starting")

	if err := s.Serve(lis); err != nil {
		log.Error().Err(err).Msg("failed to serve")
	}
}

// newPipeline wires the endpoint pool, the streaming client and the cache
// coordinator. The coordinator is the client's message handler and the
// client is the coordinator's streamer.
func newPipeline(ctx context.Context, cfg *config.Config, pol *policy.Handler, m *metrics.Metrics, sinks []cache.Sink) (*cache.Coordinator, *websocket.Client, error) {
	pool, err := endpoint.NewPool(cfg.Endpoints)
	if err != nil {
		return nil, nil, err
	}

	src, err := source.Build(cfg.Source)
	if err != nil {
		return nil, nil, err
	}

	opts := []cache.Option{cache.WithPolicy(pol), cache.WithMetrics(m), cache.WithSinks(sinks...)}
	if src != nil {
		opts = append(opts, cache.WithSource(src))
	}
	coordinator := cache.New(ctx, cfg.CacheConfig(), opts...)

	client, err := websocket.New(ctx, cfg.WebsocketConfig(pool, coordinator, pol))
	if err != nil {
		coordinator.Close()
		return nil, nil, err
	}
	coordinator.SetStreamer(client)
	return coordinator, client, nil
}

// newSinks dials the optional write-through mirrors. A sink that cannot be
// reached is skipped.
func newSinks(ctx context.Context, cfg *config.Config) ([]cache.Sink, func()) {
	var (
		sinks   []cache.Sink
		closers []func() error
	)

	if cfg.Redis.Addr != "" {
		mirror, err := sink.DialRedis(ctx, cfg.Redis)
		if err != nil {
			log.Error().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis mirror disabled")
		} else {
			sinks = append(sinks, mirror)
			closers = append(closers, mirror.Close)
		}
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := sink.NewKafkaPublisher(sink.NewKafkaWriter(cfg.Kafka))
		sinks = append(sinks, publisher)
		closers = append(closers, publisher.Close)
	}

	return sinks, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn().Err(err).Msg("failed to close sink")
			}
		}
	}
}

// observeStream feeds streaming client events into the metrics and the
// coordinator's connection status events until the client is closed.
func observeStream(client *websocket.Client, coordinator *cache.Coordinator, m *metrics.Metrics) {
	for ev := range client.Events() {
		m.ObserveStreamEvent(ev)
		coordinator.OnStreamEvent(ev)
		if ev.Type == model.StreamServerError {
			log.Warn().Str("message", ev.Message).Msg("server reported an error")
		}
	}
}

func serveMetrics(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	return srv
}
