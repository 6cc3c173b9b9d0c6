package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	httpapi "github.com/dataspace-hub/connector/internal/api/http"
	"github.com/dataspace-hub/connector/internal/application/dispatcher"
	negotiationapp "github.com/dataspace-hub/connector/internal/application/negotiation"
	"github.com/dataspace-hub/connector/internal/application/pipeline"
	"github.com/dataspace-hub/connector/internal/application/statemachine"
	transferapp "github.com/dataspace-hub/connector/internal/application/transfer"
	"github.com/dataspace-hub/connector/internal/config"
	"github.com/dataspace-hub/connector/internal/domain/negotiation"
	"github.com/dataspace-hub/connector/internal/domain/transfer"
	"github.com/dataspace-hub/connector/internal/infrastructure/dataplane"
	"github.com/dataspace-hub/connector/internal/infrastructure/httpdispatch"
	"github.com/dataspace-hub/connector/internal/infrastructure/janitor"
	"github.com/dataspace-hub/connector/internal/infrastructure/keystore"
	"github.com/dataspace-hub/connector/internal/infrastructure/metrics"
	"github.com/dataspace-hub/connector/internal/infrastructure/sse"
	"github.com/dataspace-hub/connector/internal/infrastructure/telemetry"
	"github.com/dataspace-hub/connector/internal/retry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the connector",
	Long:  `Starts the state machines, the control and protocol API and the lease janitor.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// lifecycle is something started after wiring and stopped on shutdown.
type lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "connector",
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SampleRate:     cfg.TraceSampleRate,
	}, logger)
	if err != nil {
		return err
	}

	store, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close stores")
		}
	}()

	m := metrics.New()
	sseHub := sse.NewHub(logger)
	httpClient := &http.Client{Timeout: cfg.Dispatch.Timeout}

	keys, err := keystore.New(cfg.SigningKeys, cfg.SigningKeyID, cfg.ParticipantKeys)
	if err != nil {
		return err
	}
	var transportOpts []httpdispatch.Option
	if !keys.Empty() {
		transportOpts = append(transportOpts, httpdispatch.WithSigner(keys))
	}

	// outbound protocol messages
	sender := dispatcher.New(httpdispatch.New(httpClient, cfg.ParticipantID, transportOpts...), dispatcher.Config{
		Timeout:     cfg.Dispatch.Timeout,
		Concurrency: cfg.Dispatch.Concurrency,
		Rate:        cfg.Dispatch.Rate,
		Burst:       cfg.Dispatch.Burst,
	}, logger, dispatcher.WithObserver(m))

	// data plane
	engine := pipeline.NewEngine(cfg.PipelineTimeout, logger)
	engine.SetObserver(m)
	httpPlane := dataplane.NewHTTP(&http.Client{})
	engine.RegisterSourceFactory(httpPlane)
	engine.RegisterSinkFactory(httpPlane)
	if cfg.S3Region != "" || cfg.S3Endpoint != "" {
		client, err := dataplane.NewS3Client(ctx, cfg.S3Region, cfg.S3Endpoint)
		if err != nil {
			return err
		}
		s3Plane := dataplane.NewS3(client)
		engine.RegisterSourceFactory(s3Plane)
		engine.RegisterSinkFactory(s3Plane)
	}
	if cfg.GCSEnabled {
		client, err := dataplane.NewStorageClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()
		gcsPlane := dataplane.NewGCS(client)
		engine.RegisterSourceFactory(gcsPlane)
		engine.RegisterSinkFactory(gcsPlane)
	}

	// services
	callback := strings.TrimRight(cfg.ProtocolAddress, "/")
	apiOwner := cfg.RuntimeID + ":api"
	negotiationSvc := negotiationapp.NewService(store.negotiations, store.negotiationQ, negotiationapp.Config{
		ParticipantID:   cfg.ParticipantID,
		CallbackAddress: callback,
		LeaseOwner:      apiOwner,
		LeaseDuration:   cfg.StateMachine.LeaseDuration,
	}, logger)
	transferSvc := transferapp.NewService(store.transfers, store.transferQ, transferapp.StaticAssets(cfg.Assets), engine, transferapp.Config{
		ParticipantID:   cfg.ParticipantID,
		CallbackAddress: callback,
		LeaseOwner:      apiOwner,
		LeaseDuration:   cfg.StateMachine.LeaseDuration,
	}, logger)

	// state machines
	policy := retry.New(retry.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		MinBackoff: cfg.Retry.MinBackoff,
		MaxBackoff: cfg.Retry.MaxBackoff,
		Factor:     cfg.Retry.Factor,
		Jitter:     cfg.Retry.Jitter,
	})
	smCfg := statemachine.Config{
		OwnerID:         cfg.RuntimeID,
		BatchSize:       cfg.StateMachine.BatchSize,
		Concurrency:     cfg.StateMachine.Concurrency,
		PollInterval:    cfg.StateMachine.PollInterval,
		LeaseDuration:   cfg.StateMachine.LeaseDuration,
		PendingTimeout:  cfg.StateMachine.PendingTimeout,
		ShutdownTimeout: cfg.StateMachine.ShutdownTimeout,
	}
	negotiationManager := statemachine.New(negotiationSvc.Process(), store.negotiations, store.negotiationQ, policy, smCfg, logger,
		statemachine.WithSender[*negotiation.ContractNegotiation](sender),
		statemachine.WithListener[*negotiation.ContractNegotiation](sseHub),
		statemachine.WithListener[*negotiation.ContractNegotiation](m))
	transferManager := statemachine.New(transferSvc.Process(), store.transfers, store.transferQ, policy, smCfg, logger,
		statemachine.WithSender[*transfer.Process](sender),
		statemachine.WithListener[*transfer.Process](sseHub),
		statemachine.WithListener[*transfer.Process](m))

	// lease janitor
	sweeper, err := janitor.New(cfg.JanitorSchedule, cfg.StateMachine.LeaseDuration, logger)
	if err != nil {
		return err
	}
	sweeper.Watch(negotiationTable, store.negotiations)
	sweeper.Watch(transferTable, store.transfers)

	// API server
	opts := []httpapi.Option{httpapi.WithMetrics(m.Handler())}
	if cfg.APIKeyHash != "" {
		opts = append(opts, httpapi.WithAPIKeyHash(cfg.APIKeyHash))
	}
	if !keys.Empty() {
		opts = append(opts, httpapi.WithSignatureVerification(keys))
	}
	for name, check := range store.health {
		opts = append(opts, httpapi.WithHealthCheck(name, check))
	}
	apiServer, err := httpapi.NewServer(negotiationSvc, transferSvc, sseHub, logger, opts...)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	managers := []lifecycle{negotiationManager, transferManager}
	for _, mgr := range managers {
		if err := mgr.Start(ctx); err != nil {
			return err
		}
	}
	sweeper.Start()

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		serverErrors <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	// graceful shutdown
	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.StateMachine.ShutdownTimeout)
	defer cancel()
	sseHub.Stop()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown incomplete")
	}
	for _, mgr := range managers {
		if err := mgr.Stop(ctxShutdown); err != nil {
			logger.Warn().Err(err).Msg("state machine shutdown incomplete")
		}
	}
	if err := sweeper.Stop(ctxShutdown); err != nil {
		logger.Warn().Err(err).Msg("janitor shutdown incomplete")
	}
	if err := sender.Close(ctxShutdown); err != nil {
		logger.Warn().Err(err).Msg("dispatcher shutdown incomplete")
	}
	if err := shutdownTracing(ctxShutdown); err != nil {
		logger.Warn().Err(err).Msg("trace export shutdown incomplete")
	}
	return runErr
}
