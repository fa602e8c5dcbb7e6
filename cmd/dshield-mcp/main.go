package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/logs"
	"dshield-mcp-go/internal/server"
)

var (
	configFile string
	transport  string
	listen     string
	outputDir  string
	logLevel   string
	logToFile  bool

	version = "v1.0.0" // injected by -ldflags during release builds
)

func main() {
	os.Exit(run())
}

func run() int {
	exitCode := ExitCodeSuccess

	rootCmd := &cobra.Command{
		Use:     "dshield-mcp",
		Short:   "DShield MCP - security analytics middleware between AI assistants and a DShield SIEM",
		Version: version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := runServer(cmd)
			exitCode = code
			return err
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&transport, "transport", "t", "", "Transport: stdio or tcp")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Listen address for tcp transport")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output-dir", "d", "", "Persisted state directory (default: ~/dshield-mcp-output)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", true, "Enable logging to file")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if exitCode == ExitCodeSuccess {
			exitCode = ExitCodeConfigError
		}
	}
	return exitCode
}

func runServer(cmd *cobra.Command) (int, error) {
	cfg, err := loadConfig()
	if err != nil {
		return ExitCodeConfigError, fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlagOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return ExitCodeConfigError, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return ExitCodeConfigError, fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting dshield-mcp",
		zap.String("version", version),
		zap.String("transport", string(cfg.Transport)),
		zap.String("output_dir", cfg.OutputDir),
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		if errors.Is(err, server.ErrBackendUnavailable) {
			return ExitCodeBackendError, err
		}
		return ExitCodeConfigError, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var signalled atomic.Bool
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		signalled.Store(true)
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", zap.Error(err))
		return ExitCodeBackendError, err
	}
	if signalled.Load() {
		return ExitCodeSignal, nil
	}
	return ExitCodeSuccess, nil
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFromFile(configFile)
	}
	return config.Load()
}

// applyFlagOverrides gives explicit command-line flags the last word
// over file and environment settings.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("transport") {
		cfg.Transport = config.Transport(transport)
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen = listen
	}
	if cmd.Flags().Changed("output-dir") {
		cfg.OutputDir = outputDir
	}
	if cfg.Logging == nil {
		cfg.Logging = logs.DefaultLogConfig()
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("log-to-file") {
		cfg.Logging.EnableFile = logToFile
	}
}
