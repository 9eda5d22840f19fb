// Package app monta e gerencia o ciclo de vida do processo: config, logger,
// sink, dispatcher, pipeline e as superfícies de observabilidade.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tickframe/logpipe/internal/config"
	"github.com/tickframe/logpipe/internal/dispatch"
	"github.com/tickframe/logpipe/internal/metrics"
	"github.com/tickframe/logpipe/internal/monitoring"
	"github.com/tickframe/logpipe/internal/pipeline"
	"github.com/tickframe/logpipe/internal/sinks"
	"github.com/tickframe/logpipe/internal/tracing"
	"github.com/tickframe/logpipe/pkg/bufpool"
	"github.com/tickframe/logpipe/pkg/compression"
	"github.com/tickframe/logpipe/pkg/stats"
	"github.com/tickframe/logpipe/pkg/types"
)

// App representa a aplicação principal
type App struct {
	config *config.Config
	logger *logrus.Logger

	pool       *bufpool.Pool
	aggregator *stats.Aggregator
	sink       types.Sink
	tracing    *tracing.Manager
	dispatcher *dispatch.Dispatcher
	pipeline   *pipeline.Pipeline

	metricsServer   *metrics.Server
	resourceMonitor *monitoring.ResourceMonitor
	reloader        *config.Reloader

	ctx    context.Context
	cancel context.CancelFunc
}

// New cria a aplicação a partir do arquivo de configuração.
func New(configFile string) (*App, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeComponents(configFile); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}
	return logger
}

func (app *App) initializeComponents(configFile string) error {
	app.pool = bufpool.NewPool(app.config.Ingest.PoolCapacity, app.config.Ingest.BufferBytes)
	app.aggregator = stats.New()

	sink, err := app.buildSink()
	if err != nil {
		return err
	}
	app.sink = sink

	tracingManager, err := tracing.NewManager(tracing.Config{
		Enabled:     app.config.Tracing.Enabled,
		Endpoint:    app.config.Tracing.Endpoint,
		ServiceName: app.config.Tracing.ServiceName,
		Environment: app.config.App.Environment,
		SampleRatio: app.config.Tracing.SampleRatio,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	app.tracing = tracingManager

	compressor := compression.New(app.config.CompressorConfig())

	app.dispatcher = dispatch.NewDispatcher(
		app.config.DispatcherConfig(),
		app.sink,
		app.pool,
		app.aggregator,
		compressor,
		app.logger,
		tracingManager.Tracer(),
	)

	app.pipeline = pipeline.New(app.config.PipelineConfig(), app.dispatcher, app.pool, app.aggregator, app.logger)

	app.resourceMonitor = monitoring.NewResourceMonitor(monitoring.Config{
		Enabled:            app.config.Monitor.Enabled,
		Interval:           app.config.MonitorInterval(),
		GoroutineThreshold: app.config.Monitor.GoroutineThreshold,
		MemoryThresholdMB:  app.config.Monitor.MemoryThresholdMB,
	}, app.logger)

	if app.config.MetricsEnabled() {
		addr := fmt.Sprintf("%s:%d", app.config.Metrics.Host, app.config.Metrics.Port)
		app.metricsServer = metrics.NewServer(addr, app.config.Metrics.Path, app.pipeline, app.dispatcher, app.sink, app.resourceMonitor, app.logger)
	}

	reloader, err := config.NewReloader(app.config.ReloaderConfig(), configFile, app.config, app.applyDynamicConfig, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create config reloader: %w", err)
	}
	app.reloader = reloader

	return nil
}

// buildSink instancia o sink configurado
func (app *App) buildSink() (types.Sink, error) {
	switch app.config.Sink.Type {
	case "stream":
		return sinks.NewStreamSink(app.config.Sink.Stream, app.logger), nil
	case "kafka":
		sink, err := sinks.NewKafkaSink(app.config.Sink.Kafka, app.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka sink: %w", err)
		}
		return sink, nil
	case "elasticsearch":
		sink, err := sinks.NewElasticSink(app.config.Sink.Elastic, app.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create elasticsearch sink: %w", err)
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown sink type: %q", app.config.Sink.Type)
	}
}

// applyDynamicConfig aplica os knobs que mudam sem restart. Mudanças fora
// desse conjunto são apenas registradas e valem no próximo boot.
func (app *App) applyDynamicConfig(old, newCfg *config.Config) error {
	if old != nil && old.App.LogLevel != newCfg.App.LogLevel {
		level, err := logrus.ParseLevel(newCfg.App.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", newCfg.App.LogLevel, err)
		}
		app.logger.SetLevel(level)
		app.logger.WithField("log_level", newCfg.App.LogLevel).Info("Log level updated")
	}

	if old != nil && (old.Ingest != newCfg.Ingest || old.Dispatch != newCfg.Dispatch || !reflect.DeepEqual(old.Sink, newCfg.Sink)) {
		app.logger.Warn("Ingest, dispatch and sink changes require a restart to take effect")
	}

	return nil
}

// Pipeline expõe o pipeline para produtores in-process.
func (app *App) Pipeline() *pipeline.Pipeline {
	return app.pipeline
}

// Logger expõe o logger configurado da aplicação.
func (app *App) Logger() *logrus.Logger {
	return app.logger
}

// Start inicia todos os componentes na ordem de dependência.
func (app *App) Start() error {
	app.logger.WithFields(logrus.Fields{
		"app":         app.config.App.Name,
		"environment": app.config.App.Environment,
		"sink":        app.sink.Name(),
	}).Info("Starting logpipe")

	if err := app.sink.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start sink: %w", err)
	}

	if err := app.dispatcher.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	if err := app.pipeline.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	if app.metricsServer != nil {
		if err := app.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if err := app.resourceMonitor.Start(); err != nil {
		return fmt.Errorf("failed to start resource monitor: %w", err)
	}

	if err := app.reloader.Start(); err != nil {
		return fmt.Errorf("failed to start config reloader: %w", err)
	}

	app.logger.Info("Logpipe started")
	return nil
}

// Stop drena o pipeline dentro do prazo de graça e encerra o resto.
func (app *App) Stop() error {
	app.logger.Info("Stopping logpipe")

	ctx, cancel := context.WithTimeout(context.Background(), app.config.ShutdownGrace())
	defer cancel()

	if err := app.reloader.Stop(); err != nil {
		app.logger.WithError(err).Error("Failed to stop config reloader")
	}

	if err := app.resourceMonitor.Stop(); err != nil {
		app.logger.WithError(err).Error("Failed to stop resource monitor")
	}

	// Shutdown drena o ring, o lote aberto e a fila do dispatcher
	drainErr := app.pipeline.Shutdown(ctx)
	if drainErr != nil {
		app.logger.WithError(drainErr).Error("Pipeline drain incomplete")
	}

	if err := app.sink.Stop(); err != nil {
		app.logger.WithError(err).Error("Failed to stop sink")
	}

	if app.metricsServer != nil {
		if err := app.metricsServer.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop metrics server")
		}
	}

	if err := app.tracing.Shutdown(ctx); err != nil {
		app.logger.WithError(err).Error("Failed to shut down tracing")
	}

	app.cancel()

	app.logger.Info("Logpipe stopped")
	return drainErr
}

// Run executa a aplicação até receber SIGINT ou SIGTERM.
func (app *App) Run() error {
	if err := app.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")

	return app.Stop()
}
