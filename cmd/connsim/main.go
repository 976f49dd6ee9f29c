// Command connsim simulates a reconnecting protocol client on top of the
// statemachine package. States move on their own through the Transitioner,
// or, with -interactive, the operator picks each next state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/amp-labs/amp-fsm/cli"
	"github.com/amp-labs/amp-fsm/logger"
	"github.com/amp-labs/amp-fsm/shutdown"
	"github.com/amp-labs/amp-fsm/statemachine"
	"github.com/amp-labs/amp-fsm/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	appName         = "connsim"
	shutdownTimeout = 5 * time.Second
	readTimeout     = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "YAML file with the machine configuration")
	interactive := flag.Bool("interactive", false, "pick each next state at a prompt")
	flag.Parse()

	if err := run(*configPath, *interactive); err != nil {
		slog.Error("connsim failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, interactive bool) error {
	if err := loadEnvFiles(".env", ".env.local"); err != nil {
		return err
	}

	if _, err := logger.ConfigureLogging(appName); err != nil {
		return err
	}

	ctx := shutdown.SetupHandler()

	if err := setupTelemetry(ctx); err != nil {
		return err
	}

	sim, machineCfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	fmt.Print(cli.Banner(appName+"\nmachine "+machineCfg.Name, cli.DefaultTerminalWidth, cli.AlignCenter)) //nolint:forbidigo
	fmt.Println()                                                                                         //nolint:forbidigo

	server := serveMetrics(sim.MetricsAddr)

	machine := statemachine.New(machineCfg.Options()...)

	var transitioner statemachine.Transitioner
	if !interactive {
		transitioner = machine.Transitioner()
	}

	states := newSimulator(sim, transitioner)

	shutdown.BeforeShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Warn("Metrics server shutdown failed", "error", err)
		}
	})

	shutdown.BeforeShutdown(func() {
		if err := machine.Stop(); err != nil && !errors.Is(err, statemachine.ErrNotStarted) {
			slog.Warn("Stopping machine failed", "error", err)
		}
	})

	go watch(logger.WithSubsystem(ctx, "watch"), machine.Subscribe(statemachine.WithReplayCurrent()))

	if err := machine.Start(states.state(stateIdle)); err != nil {
		return err
	}

	if interactive {
		go drive(ctx, machine, states, cli.StdTerminal())
	}

	<-ctx.Done()
	<-machine.Done()

	return nil
}

// setupTelemetry installs the OTLP exporters when enabled and routes logs to
// them as well as to the console.
func setupTelemetry(ctx context.Context) error {
	cfg, err := telemetry.LoadConfigFromEnv(os.Getenv("ENVIRONMENT"))
	if err != nil {
		return err
	}

	if err := telemetry.Initialize(ctx, cfg); err != nil {
		return err
	}

	if handler := telemetry.LogHandler(); handler != nil {
		if _, err := logger.ConfigureLogging(appName, logger.WithExtraHandler(handler)); err != nil {
			return err
		}
	}

	// Registered first, so it runs after the machine and server are down.
	shutdown.BeforeShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := telemetry.Shutdown(ctx); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
	})

	return nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readTimeout,
	}

	go func() {
		slog.Info("Serving metrics", "addr", addr)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
			shutdown.Shutdown()
		}
	}()

	return server
}

// watch logs every activation until the machine stops.
func watch(ctx context.Context, sub *statemachine.Subscription) {
	for activation := range sub.C() {
		logger.Get(ctx).Info("Now in state",
			"state", activation.StateName(),
			"sequence", activation.Sequence,
		)
	}
}
