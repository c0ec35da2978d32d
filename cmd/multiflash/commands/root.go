package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fly-io/multiflash/internal/config"
	"github.com/fly-io/multiflash/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logLevel *slog.LevelVar

var rootCmd = &cobra.Command{
	Use:   "multiflash",
	Short: "Write one disk image to many devices at once",
	Long: `Writes a disk image to several block devices in parallel, reporting combined
progress and a per-device outcome. Images may be local files or s3:// objects.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: applyLogLevel,
}

// exitError carries an exit code decided by the command itself.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute runs the root command and returns the process exit code.
func Execute(level *slog.LevelVar) int {
	logLevel = level
	err := rootCmd.Execute()
	if err == nil {
		return errors.ExitSuccess
	}

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return errors.ExitCode(err)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("sqlite-path", ".artifacts/multiflash.db", "SQLite history database path")
	flags.String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB directory")
	flags.String("work-dir", "/tmp/multiflash", "Working directory for downloaded images")
	flags.String("s3-bucket", "", "Default S3 bucket for image listings")
	flags.String("s3-region", "us-east-1", "S3 region")
	flags.Int("max-parallel", 0, "Max devices written concurrently (0 = unbounded)")
	flags.Int("fsm-max-retries", 5, "Max retries per FSM transition")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	for _, name := range []string{
		"sqlite-path", "fsm-db-path", "work-dir", "s3-bucket", "s3-region",
		"max-parallel", "fsm-max-retries", "log-level",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}

func applyLogLevel(cmd *cobra.Command, args []string) error {
	if logLevel == nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(cfg.LogLevel))); err != nil {
		return errors.Validation("invalid log level %q", cfg.LogLevel)
	}
	logLevel.Set(lvl)
	return nil
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Validation("config invalid: %v", err)
	}
	return cfg, nil
}
