package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/benmeehan/iot-ota/internal/utils"
	"github.com/benmeehan/iot-ota/pkg/file"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "ota-agent",
		Short:         "Stage MCUboot firmware images received over MQTT",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "configuration file (yaml or toml)")

	root.AddCommand(newRunCmd(), newStageCmd(), newStatusCmd(), newIsInstalledCmd(), newBootCmd(), newProvisionCmd())

	if err := root.Execute(); err != nil {
		logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		logger.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// loadAgent reads the configuration, builds the root logger and the stager.
func loadAgent() (*agent, error) {
	config, err := utils.LoadConfig(configPath, file.NewFileService())
	if err != nil {
		return nil, err
	}

	logger, err := utils.NewLogger(config.Logging.Level, config.Logging.Format, os.Stdout)
	if err != nil {
		return nil, err
	}
	return newAgent(config, logger)
}
