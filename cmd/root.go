package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	stateFile string
	logLevel  string
	logger    zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "db-carve",
	Short: "Carve a monolithic database into per-domain targets",
	Long: `
     _ _
  __| | |__         ___ __ _ _ ____   _____
 / _` + "`" + ` | '_ \ _____ / __/ _` + "`" + ` | '__\ \ / / _ \
| (_| | |_) |_____| (_| (_| | |   \ V /  __/
 \__,_|_.__/       \___\__,_|_|    \_/ \___|

DB CARVE - split one monolith database across many targets,
foreign keys intact, resumable, verified.
`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).
			With().Timestamp().Logger()
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./db-carve.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFile, "state", "", "state file for resumable runs (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")

	viper.BindPFlag("settings.state_file", rootCmd.PersistentFlags().Lookup("state"))

	viper.SetDefault("settings.batch_size", 500)
	viper.SetDefault("settings.max_retries", 3)
	viper.SetDefault("settings.workers", 4)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if ex, err := os.Executable(); err == nil {
			viper.AddConfigPath(filepath.Dir(ex))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("db-carve")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
