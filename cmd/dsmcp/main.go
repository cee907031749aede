package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"dsmcp/configs"
	"dsmcp/internal/adapter/inbound/mcphttp"
	"dsmcp/internal/adapter/outbound/boltstore"
	"dsmcp/internal/adapter/outbound/catalog"
	"dsmcp/internal/adapter/outbound/dsmodel"
	"dsmcp/internal/adapter/outbound/memstore"
	"dsmcp/internal/domain"
	"dsmcp/internal/usecase"

	mcpGoServer "github.com/mark3labs/mcp-go/server"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func main() {
	var transportFlag string
	flag.StringVar(&transportFlag, "transport", "", "Transport mode: http or stdio (overrides config)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === Configuration ===
	cfg, err := configs.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if transportFlag != "" {
		cfg.Transport = transportFlag
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	// === Logging ===
	logLevel := cfg.ParsedLogLevel()
	var logger *slog.Logger

	if cfg.Transport == "stdio" {
		// In stdio mode, log to file to avoid interfering with the protocol
		// stream.
		logFile, err := os.OpenFile(cfg.StdioLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: logLevel}))
		} else {
			logger = slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: logLevel}))
		}
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	}

	slog.SetDefault(logger)
	logger.Info("Logger initialized.", slog.String("level", logLevel.String()), slog.String("transport", cfg.Transport))

	// === OpenTelemetry Initialization ===
	shutdownOtel, err := initOtelProvider(cfg)
	if err != nil {
		logger.Error("Failed to initialize OpenTelemetry.", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := shutdownOtel(context.Background()); err != nil {
			logger.Error("Failed to shutdown OpenTelemetry TracerProvider.", slog.Any("error", err))
		}
	}()

	// === Model and Annotations ===
	model, seed, err := dsmodel.Load(cfg.ModelFile)
	if err != nil {
		logger.Error("Failed to load model.", slog.String("path", cfg.ModelFile), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Model loaded.", slog.String("path", cfg.ModelFile), slog.Int("definitions", len(model.Definitions)))

	parser := dsmodel.NewParser(model, logger)
	annotations, err := parser.Parse()
	if err != nil {
		logger.Error("Model annotations are invalid.", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Annotations parsed.", slog.Int("targets", len(annotations)))

	// === Backing Store ===
	var resolver usecase.ServiceResolver
	switch cfg.StoreBackend {
	case configs.StoreBolt:
		store, err := boltstore.Open(cfg.StoreFile, model, logger)
		if err != nil {
			logger.Error("Failed to open store.", slog.String("path", cfg.StoreFile), slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close store.", slog.Any("error", err))
			}
		}()
		if err := store.Seed(seed); err != nil {
			logger.Error("Failed to seed store.", slog.Any("error", err))
			os.Exit(1)
		}
		if err := catalog.RegisterHandlers(store, logger); err != nil {
			logger.Error("Failed to register operation handlers.", slog.Any("error", err))
			os.Exit(1)
		}
		resolver = store
	default:
		store := memstore.New(model, logger)
		if err := store.Seed(seed); err != nil {
			logger.Error("Failed to seed store.", slog.Any("error", err))
			os.Exit(1)
		}
		if err := catalog.RegisterHandlers(store, logger); err != nil {
			logger.Error("Failed to register operation handlers.", slog.Any("error", err))
			os.Exit(1)
		}
		resolver = store
	}
	logger.Info("Backing store ready.", slog.String("backend", cfg.StoreBackend))

	// === Registration Use Case ===
	rt := &usecase.RuntimeContext{
		Model:    model,
		Services: resolver,
		Logger:   logger,
	}
	opts := usecase.Options{
		AuthEnabled:      cfg.AuthEnabled(),
		WrapEntities:     cfg.WrapEntitiesToActions,
		DefaultWrapModes: cfg.WrapEntityModes,
		PromptStrict:     cfg.PromptStrict,
		ElicitTimeout:    cfg.ElicitTimeout,
	}
	registrar := usecase.NewRegistrar(rt, parser.TypeMapper(), opts)

	// === Transport Mode Selection ===
	switch cfg.Transport {
	case "stdio":
		logger.Info("Starting in stdio mode.")

		// Stdio has exactly one caller; without inherited auth headers it
		// runs privileged.
		srv := mcpGoServer.NewMCPServer(
			cfg.Name,
			cfg.Version,
			mcpGoServer.WithInstructions(cfg.Instructions),
			mcpGoServer.WithResourceCapabilities(cfg.ResourcesSubscribe, cfg.ResourcesListChanged),
			mcpGoServer.WithToolCapabilities(cfg.ToolsListChanged),
			mcpGoServer.WithPromptCapabilities(cfg.PromptsListChanged),
			mcpGoServer.WithElicitation(),
		)
		registrar.RegisterAll(srv, annotations, domain.PrivilegedUser{})

		stdioServer := mcpGoServer.NewStdioServer(srv)
		if err := stdioServer.Listen(ctx, os.Stdin, os.Stdout); err != nil {
			logger.Error("Stdio server error.", slog.Any("error", err))
			os.Exit(1)
		}

	case "http":
		logger.Info("Starting in HTTP mode.", slog.String("address", cfg.ListenAddr))

		sessions := mcphttp.NewSessionManager(cfg.SessionIdleTimeout, logger)
		sessions.StartReaper(ctx)

		handler := mcphttp.NewHandler(registrar, annotations, sessions, mcphttp.ServerConfig{
			Name:                 cfg.Name,
			Version:              cfg.Version,
			Instructions:         cfg.Instructions,
			ResourcesListChanged: cfg.ResourcesListChanged,
			ResourcesSubscribe:   cfg.ResourcesSubscribe,
			ToolsListChanged:     cfg.ToolsListChanged,
			PromptsListChanged:   cfg.PromptsListChanged,
		}, cfg.AuthEnabled(), logger)

		httpServer := &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      handler.Routes(),
			ReadTimeout:  cfg.ServerReadTimeout,
			WriteTimeout: cfg.ServerWriteTimeout,
			IdleTimeout:  cfg.ServerIdleTimeout,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed.", slog.Any("error", err))
				stop()
			}
		}()

		<-ctx.Done()

		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server graceful shutdown failed.", slog.Any("error", err))
		}
		logger.Info("Server shut down gracefully.")
	}
}

// initOtelProvider initializes the OpenTelemetry SDK and sets up the OTLP
// trace exporter. It returns a shutdown function to be called on exit.
func initOtelProvider(cfg *configs.Config) (func(context.Context) error, error) {
	ctx := context.Background()

	if cfg.OtelExporterOtlpEndpoint == "" {
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, OpenTelemetry tracing disabled.")
		return func(context.Context) error { return nil }, nil
	}

	slog.Info("Initializing OTLP exporter.", slog.String("endpoint", cfg.OtelExporterOtlpEndpoint))

	grpcOpts := []grpc.DialOption{}
	if cfg.OtelExporterOtlpInsecure {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		slog.Warn("Using insecure connection for OTLP exporter.")
	}

	conn, err := grpc.NewClient(cfg.OtelExporterOtlpEndpoint, grpcOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to OTLP endpoint: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("dsmcp"),
		),
	)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(r),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) error {
		providerErr := tp.Shutdown(ctx)
		connErr := conn.Close()
		return errors.Join(providerErr, connErr)
	}, nil
}
