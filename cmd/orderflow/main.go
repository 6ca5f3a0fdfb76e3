package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/orderflow/internal/broker"
	"github.com/sawpanic/orderflow/internal/config"
	"github.com/sawpanic/orderflow/internal/control"
	"github.com/sawpanic/orderflow/internal/errs"
	"github.com/sawpanic/orderflow/internal/gateway"
	"github.com/sawpanic/orderflow/internal/metrics"
)

const (
	appName = "orderflow"
	version = "v0.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Real-time order-flow analytics pipeline",
		Version: version,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ingest/analytics/gateway pipeline",
		RunE:  runPipeline,
	}
	runCmd.Flags().String("universe", "", "Path to a universe YAML file (defaults to a small built-in universe)")
	runCmd.Flags().String("host", "", "Gateway HTTP host override")
	runCmd.Flags().Int("port", 0, "Gateway HTTP port override")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Print version and exit (container healthcheck hook)",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s ok\n", appName, version)
		},
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(healthCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(errs.ExitCodeForStartupError(err))
	}
}

// runPipeline wires config, broker, metrics, the control-plane supervisor,
// and the gateway server together, then blocks until an interrupt or
// terminate signal triggers a graceful shutdown.
func runPipeline(cmd *cobra.Command, args []string) error {
	env, err := config.LoadEnv()
	if err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	if lvl, perr := zerolog.ParseLevel(env.LogLevel); perr == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	universePath, _ := cmd.Flags().GetString("universe")
	universe := config.DefaultUniverse()
	if universePath != "" {
		universe, err = config.LoadUniverse(universePath)
		if err != nil {
			return fmt.Errorf("load universe: %w", err)
		}
	}

	br, err := broker.NewRedisBroker(env.BrokerURL, log.Logger)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	m := metrics.NewRegistry()

	tasks, err := control.BuildTasks(universe, env, br, m, log.Logger)
	if err != nil {
		return fmt.Errorf("build tasks: %w", err)
	}

	sv := control.NewSupervisor(log.Logger, m)

	gwCfg := gateway.DefaultConfig()
	if env.HTTPPort != 0 {
		gwCfg.Port = env.HTTPPort
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		gwCfg.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		gwCfg.Port = port
	}

	server, err := gateway.NewServer(gwCfg, br, sv, m, log.Logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisorDone := make(chan struct{})
	go func() {
		sv.Run(ctx, tasks)
		close(supervisorDone)
	}()

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		cancel()
		<-supervisorDone
		return fmt.Errorf("gateway server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("gateway shutdown error")
	}

	cancel()
	<-supervisorDone
	log.Info().Msg("shutdown complete")
	return nil
}
