package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mosaicfx/farmd/pkg/api"
	"github.com/mosaicfx/farmd/pkg/config"
	"github.com/mosaicfx/farmd/pkg/dispatcher"
	"github.com/mosaicfx/farmd/pkg/events"
	"github.com/mosaicfx/farmd/pkg/licenses"
	"github.com/mosaicfx/farmd/pkg/log"
	"github.com/mosaicfx/farmd/pkg/storage"
	"github.com/mosaicfx/farmd/pkg/transport"
	"github.com/mosaicfx/farmd/pkg/tree"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "farmd",
	Short: "farmd - render farm job dispatcher",
	Long: `farmd is the central dispatcher of a render farm: it accepts job
graphs from clients, tracks a fleet of render nodes through their
heartbeats, and continuously assigns ready commands to the nodes that can
run them, honoring priorities, pool capacity and license limits.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"farmd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the YAML configuration file")
}

func serve(cfg *config.Config) error {
	logger := log.WithComponent("main")

	var store storage.Store
	if cfg.DBEnable {
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		boltStore, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer boltStore.Close()
		store = boltStore
	}

	if cfg.PidFile != "" {
		if err := os.WriteFile(cfg.PidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			logger.Warn().Err(err).Str("path", cfg.PidFile).Msg("Could not write pid file")
		} else {
			defer os.Remove(cfg.PidFile)
		}
	}

	dt := tree.NewDispatchTree()
	lic := licenses.NewManager()
	sender := transport.NewSender(cfg.SenderPoolSize, cfg.RenderNodeRequestMaxRetryCount, cfg.RenderNodeRequestDelay)
	broker := events.NewBroker()

	d := dispatcher.New(cfg, dt, lic, sender, store, broker)
	if err := d.Bootstrap(dispatcher.BackendFor(cfg)); err != nil {
		return err
	}

	var watcher *licenses.Watcher
	if cfg.LicenseFile != "" {
		w, err := licenses.NewWatcher(lic, cfg.LicenseFile, func(fn func()) { _ = d.Enqueue(fn) })
		if err != nil {
			logger.Warn().Err(err).Msg("License hot reload disabled")
		} else {
			watcher = w
			watcher.Start()
		}
	}

	broker.Start()
	sender.Start()
	d.Start()

	server := api.NewServer(cfg, d)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("API server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown incomplete")
	}

	d.Stop()
	sender.Stop()
	broker.Stop()
	if watcher != nil {
		watcher.Stop()
	}
	return nil
}
