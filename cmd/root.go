package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/snoopyh42/CanaryProtocol/internal/config"
	"github.com/snoopyh42/CanaryProtocol/internal/database"
	"github.com/snoopyh42/CanaryProtocol/internal/logging"
)

var cfgFile string

// CLI flag variables
var (
	dbPath     string
	backupDir  string
	archiveDir string
	verbose    bool
	quiet      bool
	logFile    string
	jsonOutput bool
	noColor    bool
)

// colorized markers for itemized command output
var (
	passMark = color.New(color.FgGreen, color.Bold).Sprint("PASS")
	failMark = color.New(color.FgRed, color.Bold).Sprint("FAIL")
	warnTint = color.New(color.FgYellow).SprintFunc()
	infoTint = color.New(color.FgCyan).SprintFunc()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "canary-lifecycle",
	Short: "Data lifecycle management for the Canary Protocol database",
	Long: `canary-lifecycle manages the lifecycle of the Canary Protocol's single-file
database: schema migrations, backup integrity verification, retention-based
archival, and restores.

Examples:
  # Apply pending schema migrations
  canary-lifecycle migrate

  # Show migration status without changing anything
  canary-lifecycle migrate --status

  # Verify all recent backups and write a report
  canary-lifecycle verify

  # Archive expired rows from every configured table
  canary-lifecycle archive --run

  # Restore the database from a backup, with confirmation
  canary-lifecycle restore --file data/backups/canary_backup.db`,
	SilenceUsage: true,
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", failMark, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./canary-lifecycle.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the live database file")
	rootCmd.PersistentFlags().StringVar(&backupDir, "backup-dir", "", "directory holding backup files")
	rootCmd.PersistentFlags().StringVar(&archiveDir, "archive-dir", "", "directory receiving archive snapshots")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable color output")

	viper.BindPFlag("database_path", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("backup_dir", rootCmd.PersistentFlags().Lookup("backup-dir"))
	viper.BindPFlag("archive_dir", rootCmd.PersistentFlags().Lookup("archive-dir"))

	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())
}

// initConfig reads in the config file and environment variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("canary-lifecycle")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("config")
	}

	viper.SetEnvPrefix("CANARY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}

	if noColor {
		color.NoColor = true
	}
}

// loadConfig builds the effective configuration from config file, environment,
// and flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// newLogger builds the logger honoring the verbosity and log-file flags
func newLogger() (*logging.Logger, error) {
	level := logging.LogLevelNormal
	if verbose {
		level = logging.LogLevelVerbose
	}
	if quiet {
		level = logging.LogLevelQuiet
	}

	return logging.NewLogger(logging.Config{
		Level:   level,
		LogFile: logFile,
	})
}

// newLock builds the advisory lock guarding write windows on the live
// database.
func newLock(cfg *config.Config) *database.FileLock {
	return database.NewFileLock(cfg.DatabasePath + ".lock")
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("canary-lifecycle %s\n", version)
			fmt.Printf("Build time: %s\n", buildTime)
			fmt.Printf("Git commit: %s\n", gitCommit)
		},
	}
}

func createConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to render configuration: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}
