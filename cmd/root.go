package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"ej-import/internal/config"
	"ej-import/internal/logging"
)

var (
	cfgFile  string
	dsn      string
	driver   string
	logLevel string
)

var RootCmd = &cobra.Command{
	Use:   "ej-import",
	Short: "Scoped table-conversion importer",
	Long: `ej-import executes manifest-driven table conversions from the legacy
Justice, Operations and Financial databases into the consolidated target,
with SQL validation, chunked loading and checkpointed resume.`,
	SilenceUsage: true,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./ej-import.yaml)")
	RootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "target database DSN")
	RootCmd.PersistentFlags().StringVar(&driver, "driver", "", "target driver (sqlserver, mysql, postgres, oracle)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	viper.BindPFlag("target.dsn", RootCmd.PersistentFlags().Lookup("dsn"))
	viper.BindPFlag("target.driver", RootCmd.PersistentFlags().Lookup("driver"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// 1. Executable Directory (Priority 1)
		ex, err := os.Executable()
		if err == nil {
			viper.AddConfigPath(filepath.Dir(ex))
		}

		// 2. Current Directory (Priority 2)
		viper.AddConfigPath(".")

		viper.SetConfigName("ej-import")
		viper.SetConfigType("yaml")
	}

	config.SetDefaults(viper.GetViper())
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// buildContext resolves configuration and constructs the logger. Shared by
// every subcommand; nothing reads viper past this point.
func buildContext() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(logLevel, filepath.Join(cfg.LogDir, "ej-import.log"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}
