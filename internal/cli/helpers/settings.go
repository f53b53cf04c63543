package helpers

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/syscat/internal/config"
	"github.com/coral-mesh/syscat/internal/logging"
)

// Persistent flags of the root command.
const (
	ConfigFlag   = "config"
	LogLevelFlag = "log-level"
)

// AddPersistentFlags adds the flags every command understands.
func AddPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String(ConfigFlag, "", "Configuration file (default $SYSCAT_CONFIG or ~/.syscat/config.yaml)")
	cmd.PersistentFlags().String(LogLevelFlag, "", "Diagnostic log level (trace, debug, info, warn, error)")
}

// LoadSettings loads the configuration named by the --config flag and
// builds the diagnostic logger. --log-level overrides the configured level.
func LoadSettings(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	path, _ := cmd.Flags().GetString(ConfigFlag)
	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if level, _ := cmd.Flags().GetString(LogLevelFlag); level != "" {
		cfg.Logging.Level = level
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})
	return cfg, logger, nil
}
