package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/recipedb/connpool/pkg/api"
	"github.com/recipedb/connpool/pkg/config"
	"github.com/recipedb/connpool/pkg/monitor"
	"github.com/recipedb/connpool/pkg/pool"
	"github.com/recipedb/connpool/pkg/shutdown"
	"github.com/recipedb/connpool/pkg/storage"
)

var (
	// Global flags
	configFile string
	logLevel   string
	logFormat  string
	dbPath     string
	httpPort   int

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "connpoold",
		Short: "Connection pool daemon",
		Long: `connpoold maintains a bounded pool of database connections with
background health checking, exposes pool statistics and health over HTTP,
and shuts down gracefully on SIGINT or SIGTERM.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, text, console)")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db-path", "d", "", "backing database path")
	rootCmd.PersistentFlags().IntVarP(&httpPort, "port", "p", 0, "HTTP API port")

	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Override config with command line flags
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if dbPath != "" {
		cfg.Storage.DatabasePath = dbPath
	}
	if httpPort > 0 {
		cfg.Server.Port = httpPort
	}

	if err := setupLogging(cfg.Logging); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Str("database", cfg.Storage.DatabasePath).
		Msg("Starting connection pool daemon")

	coord := shutdown.New(cfg.Shutdown.Timeout)

	factory, err := storage.NewSQLiteFactory(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to create connection factory: %w", err)
	}

	p, err := pool.New(cfg.Pool, factory)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	coord.Register("connection-pool", func(ctx context.Context) error {
		return p.Shutdown(cfg.Shutdown.GracePeriod)
	})

	m := monitor.New(cfg.Monitor, p)
	m.Start()
	coord.Register("pool-monitor", func(ctx context.Context) error {
		m.Stop()
		return nil
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	server := api.NewServer(addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, p, m, coord)
	coord.Register("api-server", func(ctx context.Context) error {
		return server.Close(5 * time.Second)
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	go coord.HandleSignals()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("API server error")
			coord.Shutdown()
			return err
		}
		<-coord.Done()
	case <-coord.Done():
	}

	log.Info().Msg("Daemon exited")
	return nil
}

func setupLogging(cfg config.LoggingConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	var output *os.File
	if cfg.OutputFile != "" {
		logDir := filepath.Dir(cfg.OutputFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
	} else {
		output = os.Stderr
	}

	switch cfg.Format {
	case "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339})
	default:
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	return nil
}

func newConfigCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()

			if outputPath == "" {
				outputPath = "connpoold.yaml"
			}

			if err := cfg.SaveConfig(outputPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Printf("Generated default configuration: %s\n", outputPath)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			fmt.Printf("Configuration is valid\n")
			fmt.Printf("Database: %s\n", cfg.Storage.DatabasePath)
			fmt.Printf("Pool: %d-%d connections\n", cfg.Pool.MinConns, cfg.Pool.MaxConns)
			fmt.Printf("API: %s:%d\n", cfg.Server.Address, cfg.Server.Port)

			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Connection Pool Daemon\n")
			fmt.Printf("Version: %s\n", version)
			fmt.Printf("Commit: %s\n", commit)
			fmt.Printf("Built: %s\n", date)
		},
	}
}
