package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quarryhq/quarry"
	_ "github.com/quarryhq/quarry/flow/general"
	"github.com/quarryhq/quarry/frontend"
	"github.com/quarryhq/quarry/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run a full server instance",
	Long: `Serve runs one engine instance: heartbeat, leader election, the flow
worker and the client frontend. Run several against the same postgres
datastore to scale out; the leader additionally runs cleanup and hunt
output processing.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runEngine(true, true)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run a worker-only instance",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runEngine(true, false)
	},
}

var frontendCmd = &cobra.Command{
	Use:   "frontend",
	Short: "run a frontend-only instance",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runEngine(false, true)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{serveCmd, frontendCmd} {
		cmd.Flags().String("listen", ":8080", "frontend listen address")
		cmd.Flags().Float64("rate-limit", 0, "frontend requests per second per client IP, 0 disables")
		cmd.Flags().String("server-pem", "", "PEM file served to enrolling clients at /server.pem")
		viper.BindPFlag("frontend.listen", cmd.Flags().Lookup("listen"))
		viper.BindPFlag("frontend.rate_limit", cmd.Flags().Lookup("rate-limit"))
		viper.BindPFlag("frontend.server_pem", cmd.Flags().Lookup("server-pem"))
	}
	for _, cmd := range []*cobra.Command{serveCmd, workerCmd} {
		cmd.Flags().Int("count", 0, "concurrent flow sessions, 0 keeps the default")
		cmd.Flags().StringSlice("queues", nil, "queues the worker claims from")
		viper.BindPFlag("worker.count", cmd.Flags().Lookup("count"))
		viper.BindPFlag("worker.queues", cmd.Flags().Lookup("queues"))
	}

	RootCmd.AddCommand(serveCmd, workerCmd, frontendCmd)
}

func runEngine(withWorker, withFrontend bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger()

	opened, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer opened.close()

	opts := []quarry.Option{quarry.WithLogger(logger)}
	opts = append(opts, opened.engineOptions()...)

	if !withWorker {
		opts = append(opts, quarry.WithoutWorker())
	} else {
		wc := &worker.Config{
			MaxConcurrentSessions: viper.GetInt("worker.count"),
			Queues:                viper.GetStringSlice("worker.queues"),
		}
		opts = append(opts, quarry.WithWorkerConfig(wc))
	}

	if withFrontend {
		fc := &frontend.Config{
			Listen:    viper.GetString("frontend.listen"),
			RateLimit: viper.GetFloat64("frontend.rate_limit"),
		}
		if pemPath := viper.GetString("frontend.server_pem"); pemPath != "" {
			pem, err := os.ReadFile(pemPath)
			if err != nil {
				return fmt.Errorf("failed to read server PEM: %w", err)
			}
			fc.ServerPEM = pem
		}
		opts = append(opts, quarry.WithFrontend(fc))
	}

	engine, err := quarry.New(opened.store, opts...)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	logger.Info("quarry serving", "instance", engine.InstanceID(), "version", quarry.Version)

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return engine.Stop(stopCtx)
}
