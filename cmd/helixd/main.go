// Command helixd boots the Helix core on the host: it registers the
// reference subsystem set, runs the five boot phases, starts the tick
// loop, and serves the control plane until interrupted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/HelixOS-Org/helix/controlplane"
	"github.com/HelixOS-Org/helix/infrastructure/config"
	"github.com/HelixOS-Org/helix/infrastructure/logging"
	"github.com/HelixOS-Org/helix/infrastructure/metrics"
	"github.com/HelixOS-Org/helix/kernel/orchestrator"
)

var (
	version = "0.1.0-dev"

	cfgPath     string
	controlAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "helixd",
		Short: "Helix modular kernel core",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to helix.yaml")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the kernel and serve until interrupted",
		RunE:  runKernel,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running kernel's control plane",
		RunE:  queryStatus,
	}
	statusCmd.Flags().StringVar(&controlAddr, "addr", "127.0.0.1:7477", "control plane address")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the helixd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("helixd %s\n", version)
		},
	}

	root.AddCommand(runCmd, statusCmd, versionCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runKernel(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger := logging.New("helixd", cfg.Logging.Level, cfg.Logging.Format)
	m := metrics.New()

	kernel, err := orchestrator.NewKernel(orchestrator.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
		Console: os.Stderr,
	})
	if err != nil {
		return err
	}
	if err := registerBuiltins(kernel); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := kernel.Boot(ctx); err != nil {
		return err
	}
	kernel.StartTicking(ctx)

	var server *controlplane.Server
	if cfg.ControlPlane.Enabled {
		server = controlplane.New(kernel, logger, cfg.ControlPlane.ListenAddr)
		go func() {
			if err := server.Start(); err != nil {
				logger.WithError(err).Error("Control plane failed")
			}
		}()
	}

	logger.WithFields(map[string]interface{}{"config": cfg.String()}).Info("Helix running")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if server != nil {
		_ = server.Stop(shutdownCtx)
	}
	return kernel.Shutdown(shutdownCtx)
}

func queryStatus(cmd *cobra.Command, args []string) error {
	resp, err := http.Get("http://" + controlAddr + "/status")
	if err != nil {
		return fmt.Errorf("control plane unreachable: %w", err)
	}
	defer resp.Body.Close()

	var status struct {
		State  string `json:"state"`
		Output string `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return err
	}

	stateColor := color.New(color.FgGreen, color.Bold)
	switch status.State {
	case "degraded", "recovering":
		stateColor = color.New(color.FgYellow, color.Bold)
	case "halting", "halted":
		stateColor = color.New(color.FgRed, color.Bold)
	}
	fmt.Printf("kernel: %s\n", stateColor.Sprint(status.State))
	fmt.Print(status.Output)
	return nil
}
