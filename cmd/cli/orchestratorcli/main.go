package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	coreDomain "github.com/core-tools/hsu-core/pkg/domain"
	flags "github.com/jessevdk/go-flags"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-orchestrator/pkg/control"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

type flagOptions struct {
	AttachPort    int           `long:"port" description:"gRPC port of the local orchestrator" default:"50055"`
	Unit          string        `long:"unit" description:"unit to query; empty queries the whole run"`
	Watch         bool          `long:"watch" description:"stream status changes until interrupted"`
	RetryAttempts int           `long:"retry-attempts" description:"ping attempts before giving up" default:"10"`
	RetryInterval time.Duration `long:"retry-interval" description:"delay between ping attempts" default:"1s"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	config := logging.DefaultZapConfig()
	config.Output = "stderr"
	logger, _, syncLogger, err := logging.NewZapLogger(config)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer syncLogger()

	logger.Debugf("opts: %+v", opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()

	retryPingOptions := coreDomain.RetryPingOptions{
		RetryAttempts: opts.RetryAttempts,
		RetryInterval: opts.RetryInterval,
	}
	gateway, err := control.Connect(ctx, opts.AttachPort, retryPingOptions, logger)
	if err != nil {
		logger.Errorf("Failed to connect to orchestrator, port: %d: %v", opts.AttachPort, err)
		os.Exit(1)
	}

	statusCtx, cancelStatus := context.WithTimeout(ctx, 5*time.Second)
	status, err := gateway.Status(statusCtx, opts.Unit)
	cancelStatus()
	if err != nil {
		logger.Errorf("Failed to get status: %v", err)
		os.Exit(1)
	}
	printStatus(opts.Unit, status)

	if !opts.Watch {
		if status != healthpb.HealthCheckResponse_SERVING {
			os.Exit(2)
		}
		return
	}

	err = gateway.Watch(ctx, opts.Unit, func(status healthpb.HealthCheckResponse_ServingStatus) {
		printStatus(opts.Unit, status)
	})
	if err != nil {
		logger.Errorf("Watch failed: %v", err)
		os.Exit(1)
	}
}

func printStatus(unit string, status healthpb.HealthCheckResponse_ServingStatus) {
	if unit == control.OverallService {
		unit = "<run>"
	}
	fmt.Printf("%s %s\n", unit, status)
}
