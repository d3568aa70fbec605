package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/adpilot/automation-service/config"
	"github.com/adpilot/automation-service/internal/database"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *zerolog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "automation-cli",
	Short: "Automation CLI - operate the ad automation engine",
	Long: `A CLI tool for operating the ad automation engine: apply database
migrations, inspect the jobs of a tenant, inspect batch tasks, and reconcile
claims left behind by crashed nodes.`,
	PersistentPreRunE: persistentPreRun,
	SilenceUsage:      true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config/config.yaml or ./config.yaml)")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
	}
}

// persistentPreRun runs before each command and initializes dependencies
func persistentPreRun(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" {
		return nil
	}

	logger = initLogger()

	if cfg == nil {
		return fmt.Errorf("config required for %s command but not loaded", cmd.Name())
	}
	if err := initDatabase(cmd.Context()); err != nil {
		return fmt.Errorf("database initialization failed: %w", err)
	}
	logger.Debug().Msg("Database connected")
	return nil
}

func initLogger() *zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := zerolog.InfoLevel
	if cfg != nil && cfg.Logging.Level != "" {
		if parsedLevel, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			level = parsedLevel
		}
	}

	var output io.Writer
	if cfg != nil && cfg.Logging.Format == "json" {
		output = os.Stderr
	} else {
		noColor := false
		if cfg != nil {
			noColor = cfg.Logging.NoColor
		}
		output = zerolog.ConsoleWriter{Out: os.Stderr, NoColor: noColor}
	}

	log := zerolog.New(output).Level(level).With().Timestamp().Logger()
	return &log
}

func initDatabase(ctx context.Context) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL not set")
	}
	if err := database.Connect(ctx, cfg.Database.URL, database.PoolConfig{
		MaxConns:    4,
		MinConns:    1,
		MaxLifetime: cfg.Database.MaxConnLifetime,
		MaxIdleTime: cfg.Database.MaxConnIdleTime,
	}); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

func main() {
	defer database.Close()
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
