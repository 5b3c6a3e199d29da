package orchestrator

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apihttp "github.com/core-tools/hsu-orchestrator/pkg/api/http"
	"github.com/core-tools/hsu-orchestrator/pkg/control"
	"github.com/core-tools/hsu-orchestrator/pkg/depstate"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/execcontext"
	"github.com/core-tools/hsu-orchestrator/pkg/logcollection"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/metrics"
	"github.com/core-tools/hsu-orchestrator/pkg/netif"
	"github.com/core-tools/hsu-orchestrator/pkg/probe"
	"github.com/core-tools/hsu-orchestrator/pkg/process"
	"github.com/core-tools/hsu-orchestrator/pkg/reactive"
	"github.com/core-tools/hsu-orchestrator/pkg/scheduler"
	"github.com/core-tools/hsu-orchestrator/pkg/store"
	"github.com/core-tools/hsu-orchestrator/pkg/store/redisstore"
)

type RunOptions struct {
	ConfigFile string
	// RunDuration stops the orchestrator after the given time when positive
	RunDuration time.Duration
	// LogFormat overrides the manifest log format when set
	LogFormat string
}

// Run loads the manifest, serves the status surfaces, runs the bootstrap
// phase to completion and supervises the continuous units until a signal,
// the run duration or an explicit stop
func Run(options RunOptions) error {
	config, err := LoadConfigFromFile(options.ConfigFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", options.ConfigFile)
	}
	if options.LogFormat != "" {
		config.Orchestrator.LogFormat = options.LogFormat
	}
	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", options.ConfigFile)
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = config.Orchestrator.LogLevel
	zapConfig.Format = config.Orchestrator.LogFormat
	logger, zapLogger, syncLogger, err := logging.NewZapLogger(zapConfig)
	if err != nil {
		return errors.NewInternalError("failed to create logger", err)
	}
	defer syncLogger()

	logger.Infof("Orchestrator runner starting...")
	logger.Infof("Using CONFIGURATION FILE: %s", options.ConfigFile)
	if options.RunDuration > 0 {
		logger.Infof("Using RUN DURATION of %v", options.RunDuration)
	}

	rt, err := newRuntime(config, logger, zapLogger)
	if err != nil {
		return err
	}
	defer rt.close()

	return rt.serve(options.RunDuration)
}

// orchestratorRuntime is everything one Run wires together
type orchestratorRuntime struct {
	config       *OrchestratorConfig
	logger       logging.Logger
	orchestrator *Orchestrator
	plan         *PlanBuilder
	bindings     []reactive.Binding

	store        store.Store
	interfaces   *netif.MemoryProvider
	dependencies *depstate.MemoryProvider
	collector    *logcollection.Collector
	metrics      *metrics.Collector
	health       *control.HealthHandler

	closers []func()
}

func newRuntime(config *OrchestratorConfig, logger logging.Logger, zapLogger *zap.Logger) (*orchestratorRuntime, error) {
	rt := &orchestratorRuntime{
		config: config,
		logger: logger,
		plan:   NewPlanBuilder(config),
	}

	if err := rt.createCollaborators(); err != nil {
		rt.close()
		return nil, err
	}

	bindings, err := BuildBindings(config.Bindings, Sources{
		Store:        rt.store,
		Interfaces:   rt.interfaces,
		Dependencies: rt.dependencies,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.bindings = bindings

	rt.collector = logcollection.NewCollector(zapLogger, logcollection.CollectorOptions{Forward: true})
	rt.metrics = metrics.NewCollector()
	rt.health = control.NewHealthHandler(logger)

	o := config.Orchestrator
	orchestrator, err := NewOrchestrator(Options{
		Scheduler: scheduler.Options{
			Backend: process.NewLocalBackend(process.Options{OutputSink: rt.collector}, logger),
			ContextManager: execcontext.NewLocalManager(execcontext.Options{
				RuntimeDir:   o.RuntimeDir,
				VolumesDir:   o.VolumesDir,
				Dependencies: rt.dependencies,
			}, logger),
			Observer: scheduler.MultiObserver{rt.metrics, rt.health},
			Logger:   logger,
			ProbeDefaults: probe.Policy{
				Interval:       o.Probe.Interval,
				Deadline:       o.Probe.Deadline,
				AttemptTimeout: o.Probe.Timeout,
				InitialDelay:   o.Probe.InitialDelay,
			},
			TeardownTimeout: o.ForceShutdownTimeout,
		},
		ForceShutdownTimeout: o.ForceShutdownTimeout,
		CoalesceWindow:       o.CoalesceWindow,
		OnRebuild: func(count int, changed []string) {
			rt.metrics.IncRebuilds()
		},
	}, logger)
	if err != nil {
		rt.close()
		return nil, errors.NewInternalError("failed to create orchestrator", err)
	}
	rt.orchestrator = orchestrator

	logger.Infof("Orchestrator created, units: %d, contexts: %d, bindings: %d, store: %s",
		len(config.Units), len(config.Contexts), len(config.Bindings), config.Store.Type)
	return rt, nil
}

func (rt *orchestratorRuntime) createCollaborators() error {
	switch rt.config.Store.Type {
	case StoreTypeRedis:
		redisConfig := rt.config.Store.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     redisConfig.Addr,
			Password: redisConfig.Password,
			DB:       redisConfig.DB,
		})
		rt.closers = append(rt.closers, func() { _ = client.Close() })

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return errors.NewNetworkError("failed to connect to redis", err).WithContext("addr", redisConfig.Addr)
		}
		rt.store = redisstore.New(client, redisstore.Options{
			Name:    "store",
			Key:     redisConfig.Key,
			Channel: redisConfig.Channel,
		}, rt.logger)
		rt.logger.Infof("Using redis configuration store, addr: %s, key: %s", redisConfig.Addr, redisConfig.Key)
	default:
		rt.store = store.NewMemoryStore("store", rt.config.Store.Initial)
		rt.logger.Infof("Using in-memory configuration store, keys: %d", len(rt.config.Store.Initial))
	}

	interfaces, err := netif.NewMemoryProvider(rt.config.Interfaces...)
	if err != nil {
		return errors.NewValidationError("invalid interfaces", err)
	}
	rt.interfaces = interfaces

	rt.dependencies = depstate.NewMemoryProvider()
	for _, d := range rt.config.Dependencies {
		if d.State != "" {
			if err := rt.dependencies.SetState(d.Name, d.State); err != nil {
				return err
			}
		}
		for volume, path := range d.Volumes {
			if err := rt.dependencies.SetVolume(d.Name, volume, path); err != nil {
				return err
			}
		}
		for _, descriptor := range d.Interfaces {
			if err := rt.dependencies.SetInterface(d.Name, descriptor); err != nil {
				return err
			}
		}
	}
	return nil
}

// startPhases runs bootstrap to completion, then starts supervision
func (rt *orchestratorRuntime) startPhases(ctx context.Context) error {
	if rt.plan.HasBootstrap() {
		values, err := evaluateBindings(ctx, rt.bindings)
		if err != nil {
			return err
		}
		request, err := rt.plan.Bootstrap(values)
		if err != nil {
			return errors.NewValidationError("failed to build bootstrap plan", err)
		}

		rt.logger.Infof("Starting bootstrap phase, units: %d, deadline: %v", len(request.Units), request.Deadline)
		if err := rt.orchestrator.RunUntilSuccess(ctx, request.Units, request.Contexts, request.Deadline); err != nil {
			return err
		}
		rt.logger.Infof("Bootstrap phase succeeded")
	}

	rt.logger.Infof("Starting continuous phase")
	return rt.orchestrator.Supervise(ctx, rt.bindings, rt.plan.Continuous)
}

func evaluateBindings(ctx context.Context, bindings []reactive.Binding) (reactive.Values, error) {
	values := make(reactive.Values, len(bindings))
	for _, b := range bindings {
		value, err := b.Evaluate(ctx)
		if err != nil {
			return nil, errors.NewValidationError("failed to evaluate binding "+b.ID, err).WithContext("binding_id", b.ID)
		}
		values[b.ID] = value
	}
	return values, nil
}

func (rt *orchestratorRuntime) serve(runDuration time.Duration) error {
	o := rt.config.Orchestrator

	httpServer, err := apihttp.NewServer(apihttp.Config{
		Port:           o.HTTPPort,
		Orchestrator:   rt.orchestrator,
		Registry:       rt.metrics.Registry(),
		StreamInterval: o.StreamInterval,
		Logger:         rt.logger,
	})
	if err != nil {
		return errors.NewInternalError("failed to create HTTP server", err)
	}

	controlServer, err := control.NewServer(o.GRPCPort, rt.health, rt.logger)
	if err != nil {
		return err
	}

	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	controlServer.Start(context.Background())
	go func() {
		if err := httpServer.Start(); err != nil {
			rt.logger.Errorf("HTTP server failed: %v", err)
		}
	}()

	waitCtx := runCtx
	if runDuration > 0 {
		var cancelWait context.CancelFunc
		waitCtx, cancelWait = context.WithTimeout(runCtx, runDuration)
		defer cancelWait()
	}

	rt.logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	phaseErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rt.startPhases(runCtx); err != nil {
			phaseErr <- err
		}
	}()

	var runErr error
	select {
	case receivedSignal := <-sig:
		rt.logger.Infof("Orchestrator runner received signal: %v", receivedSignal)
	case <-waitCtx.Done():
		rt.logger.Infof("Orchestrator runner timed out")
	case <-rt.orchestrator.Done():
		rt.logger.Infof("Orchestrator stopped over the API")
	case runErr = <-phaseErr:
		rt.logger.Errorf("Orchestrator run failed: %v", runErr)
	}

	// Phases that have not started a run yet must not start one now
	cancelRuns()
	if err := rt.orchestrator.Stop(context.Background()); err != nil && !errors.IsConflictError(err) {
		rt.logger.Errorf("Failed to stop orchestrator: %v", err)
	}

	rt.logger.Infof("Waiting for phases to finish...")
	wg.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), o.ForceShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		rt.logger.Errorf("Failed to shut down HTTP server: %v", err)
	}
	controlServer.Shutdown(shutdownCtx)

	stats := rt.collector.Stats()
	rt.logger.Infof("Orchestrator runner stopped, unit output lines: %d, bytes: %d", stats.TotalLines, stats.TotalBytes)
	return runErr
}

func (rt *orchestratorRuntime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
