// Package main provides the CLI entry point for the pfd-agent port
// forwarding agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postalsys/pfd-agent/internal/agent"
	"github.com/postalsys/pfd-agent/internal/certutil"
	"github.com/postalsys/pfd-agent/internal/config"
	"github.com/postalsys/pfd-agent/internal/control"
	"github.com/postalsys/pfd-agent/internal/health"
	"github.com/postalsys/pfd-agent/internal/identity"
	"github.com/postalsys/pfd-agent/internal/logging"
	"github.com/postalsys/pfd-agent/internal/mesh"
	"github.com/postalsys/pfd-agent/internal/metrics"
	"github.com/postalsys/pfd-agent/internal/overlay"
	"github.com/postalsys/pfd-agent/internal/sysinfo"
	"github.com/postalsys/pfd-agent/internal/wizard"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var socketPath string

	root := &cobra.Command{
		Use:   "pfd-agent",
		Short: "pfd-agent - peer port forwarding agent",
		Long: `pfd-agent keeps a roster of paired peers on a peer-to-peer overlay
and forwards a local TCP port to a service on the active peer.

Run "pfd-agent setup" to create a configuration, then "pfd-agent run".`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&socketPath, "socket", "s", "./data/control.sock", "Control socket of the running agent")

	root.AddCommand(initCmd())
	root.AddCommand(setupCmd())
	root.AddCommand(runCmd())
	root.AddCommand(infoCmd())
	root.AddCommand(hashSecretCmd())
	root.AddCommand(probeCmd())
	root.AddCommand(statusCmd(&socketPath))
	root.AddCommand(peersCmd(&socketPath))
	root.AddCommand(linksCmd(&socketPath))
	root.AddCommand(activeCmd(&socketPath))
	root.AddCommand(portCmd(&socketPath))
	root.AddCommand(pairCmd(&socketPath))
	root.AddCommand(unpairCmd(&socketPath))
	root.AddCommand(presenceCmd(&socketPath))

	return root
}

func initCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new node",
		Long:  "Create the data directory, node id and certificate without running the wizard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.Agent.DataDir = dataDir
			dir := cfg.OverlayDir()

			id, created, err := identity.LoadOrCreate(dir)
			if err != nil {
				return fmt.Errorf("failed to initialize node: %w", err)
			}
			cert, _, err := certutil.LoadOrCreate(dir, id.String())
			if err != nil {
				return fmt.Errorf("failed to initialize node certificate: %w", err)
			}

			if created {
				fmt.Printf("Node initialized in %s\n", dataDir)
			} else {
				fmt.Printf("Node already initialized in %s\n", dataDir)
			}
			fmt.Printf("Node ID:     %s\n", id.String())
			fmt.Printf("Fingerprint: %s\n", cert.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Run the interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		Long:  "Start the agent with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

// run starts the agent and its servers and blocks until ctx is done.
func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	for _, w := range cfg.Warnings() {
		logger.Warn("config", "warning", w)
	}
	m := metrics.Default()

	meshCfg := mesh.Config{
		Options: overlay.Options{
			PersistentLocation: cfg.OverlayDir(),
			UDPEnabled:         cfg.Overlay.UDPEnabled,
			BootstrapNodes:     cfg.Overlay.BootstrapNodes(),
		},
		ListenAddr:   cfg.Overlay.Listen,
		WSListenAddr: cfg.Overlay.WSListen,
		DialTimeout:  cfg.Overlay.DialTimeout,
		ProxyURL:     cfg.Overlay.ProxyURL,
		Logger:       logger,
		Metrics:      m,
	}
	if cfg.Serving.Enabled {
		meshCfg.SecretHash = cfg.Serving.SecretHash
		meshCfg.Services = cfg.Serving.Services
		meshCfg.ServiceDialTimeout = cfg.Serving.DialTimeout
	}

	// The node is kept for the control socket's links and presence.
	var node *mesh.Client
	newClient := func(h overlay.Handler) (overlay.Client, error) {
		c, err := mesh.New(meshCfg, h)
		if err != nil {
			return nil, err
		}
		node = c
		return c, nil
	}

	displayName := cfg.Agent.DisplayName
	if displayName == "" {
		displayName = sysinfo.DefaultName()
	}

	a := agent.New(agent.Config{
		NewClient:     newClient,
		RetryInterval: cfg.Overlay.RetryInterval,
		Service:       cfg.Forwarding.Service,
		Ports:         cfg.Forwarding.Ports,
		DefaultName:   displayName,
		Logger:        logger,
		Metrics:       m,
	})

	fmt.Printf("Starting pfd-agent %s...\n", sysinfo.Version)
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	defer a.Stop()

	fmt.Printf("Node ID:     %s\n", node.ID())
	fmt.Printf("Fingerprint: %s\n", node.Fingerprint())
	for _, addr := range node.ListenAddrs() {
		fmt.Printf("Listening:   %s\n", addr)
	}

	if cfg.Control.Enabled {
		srv := control.NewServer(control.ServerConfig{
			SocketPath:   cfg.Control.SocketPath,
			ReadTimeout:  control.DefaultServerConfig().ReadTimeout,
			WriteTimeout: control.DefaultServerConfig().WriteTimeout,
			Version:      sysinfo.Version,
		}, a, node)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start control server: %w", err)
		}
		defer srv.Stop()
		fmt.Printf("Control:     %s\n", cfg.Control.SocketPath)
	}

	if cfg.Health.Enabled {
		srv := health.NewServer(healthServerConfig(cfg.Health), a)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer srv.Stop()
		fmt.Printf("Health:      http://%s/health\n", srv.Address())
	}

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	return nil
}

func healthServerConfig(c config.HealthConfig) health.ServerConfig {
	return health.ServerConfig{
		Address:      c.Address,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		EnablePprof:  c.Pprof,
	}
}
