package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"cadence/backend/internal/availability"
	"cadence/backend/internal/events"
	"cadence/backend/internal/leadership"
	"cadence/backend/internal/service/instances"
	"cadence/backend/internal/service/series"
	"cadence/backend/internal/sweeper"
	"cadence/backend/internal/telemetry"
	grpcTransport "cadence/backend/internal/transport/grpc"
	"cadence/backend/internal/transport/httpapi"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC and HTTP servers and the window sweeper",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "apply pending migrations on start")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	log.Info("starting",
		slog.String("grpc_addr", cfg.GRPCAddr()),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:  "cadence",
		OTLPEndpoint: cfg.TracingOTLPEndpoint,
		Enabled:      cfg.TracingEnabled,
		SampleRate:   cfg.TracingSampleRate,
	}, log)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			log.Warn("tracer shutdown failed", slog.Any("err", err))
		}
	}()

	st, err := openStorage(ctx, serveMigrate)
	if err != nil {
		return err
	}
	defer st.Close()

	metrics := telemetry.NewMetrics()

	var publisher events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		natsCfg := events.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		p, err := events.NewNATSPublisher(natsCfg, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := p.Close(); err != nil {
				log.Warn("nats close failed", slog.Any("err", err))
			}
		}()
		publisher = p
	}

	var checker availability.Checker = availability.AlwaysAvailable{}
	if cfg.AvailabilityURL != "" {
		checker = availability.NewHTTPChecker(cfg.AvailabilityURL, nil)
	} else {
		log.Warn("no availability service configured; reschedules are not conflict checked")
	}

	seriesSvc := series.NewManager(st.store, seriesConfig(),
		series.WithLogger(log),
		series.WithPublisher(publisher),
		series.WithMetrics(metrics),
	)
	instanceSvc := instances.NewHandler(st.store, checker, instances.Config{
		AvailabilityTimeout: cfg.AvailabilityTimeout,
		Location:            cfg.Location,
	},
		instances.WithLogger(log),
		instances.WithPublisher(publisher),
		instances.WithMetrics(metrics),
	)

	var leader sweeper.Leader = leadership.Always{}
	var election *leadership.Election
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
		leaseCfg := leadership.DefaultConfig()
		leaseCfg.ElectionKey = cfg.RedisElectionKey
		election = leadership.NewElection(leadership.NewRedisLease(rdb, leaseCfg), leaseCfg, log, metrics)
		election.Start(ctx)
		leader = election
	} else {
		metrics.SetLeader(true)
	}

	grpcServer := grpcTransport.NewServer(
		grpcTransport.NewBookingsServer(seriesSvc, instanceSvc, log),
		cfg.GRPCRequestTimeout,
	)
	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", cfg.GRPCAddr()))
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.New(seriesSvc, instanceSvc, metrics, log).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("grpc server started", slog.String("grpc_addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("http server started", slog.String("http_addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := sweeper.New(seriesSvc, leader, cfg.SweepInterval, log).Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown started")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown failed", slog.Any("err", err))
		}
		shutdown(grpcServer, cfg.ShutdownTimeout)
		if election != nil {
			if err := election.Stop(shutdownCtx); err != nil {
				log.Warn("leadership release failed", slog.Any("err", err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", slog.Any("err", err))
		return err
	}
	log.Info("stopped")
	return nil
}

func shutdown(s *grpc.Server, timeout time.Duration) {
	log.Info("shutting down grpc server", slog.Duration("timeout", timeout))

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-timer.C:
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}
