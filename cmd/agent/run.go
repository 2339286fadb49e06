package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/benmeehan/iot-ota/internal/constants"
	"github.com/benmeehan/iot-ota/internal/service_registry"
	"github.com/benmeehan/iot-ota/pkg/bootloader"
	"github.com/benmeehan/iot-ota/pkg/file"
	"github.com/benmeehan/iot-ota/pkg/identity"
	"github.com/benmeehan/iot-ota/pkg/mqtt"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Boot, reconcile a pending update and serve update commands over MQTT",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadAgent()
			if err != nil {
				return err
			}
			defer a.Close()
			log := a.logger

			rebooter := bootloader.NewExitRebooter(constants.RebootExitCode, func() { a.Close() }, log)
			outcome, err := a.bootAndReconcile(rebooter)
			if err != nil {
				return err
			}
			log.Info().Str("outcome", string(outcome)).Msg("Post-reboot reconcile finished")

			fileClient := file.NewFileService()
			deviceInfo := identity.NewDeviceInfo(a.config.Identity.DeviceFile, fileClient)
			if err := deviceInfo.LoadDeviceInfo(); err != nil {
				return fmt.Errorf("failed to load device information: %w", err)
			}
			deviceID, err := deviceInfo.EnsureDeviceID()
			if err != nil {
				return fmt.Errorf("failed to save device id: %w", err)
			}

			clientID := mqtt.ClientID(a.config.MQTT.ClientID)
			log.Info().Str("device_id", deviceID).Str("client_id", clientID).Msg("Connecting to MQTT broker")

			mqttClient := mqtt.NewMqttService(fileClient)
			err = mqttClient.Initialize(mqtt.Options{
				Broker:             a.config.MQTT.Broker,
				ClientID:           clientID,
				Username:           a.config.MQTT.Username,
				Password:           a.config.MQTT.Password,
				CACertificate:      a.config.MQTT.CACertificate,
				InsecureSkipVerify: a.config.MQTT.InsecureSkipVerify,
				ConnectTimeout:     time.Duration(a.config.MQTT.ConnectTimeout) * time.Second,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize MQTT connection: %w", err)
			}
			defer mqttClient.Disconnect(250)

			registry := service_registry.NewServiceRegistry(mqttClient, fileClient, log)
			chain, err := registry.InitializeMiddlewares(a.config)
			if err != nil {
				return err
			}
			deps := service_registry.UpdateDependencies{Handler: a.handler, Rebooter: rebooter}
			if err := registry.RegisterServices(a.config, deviceInfo, chain, deps); err != nil {
				return err
			}
			if err := registry.StartServices(); err != nil {
				return err
			}
			log.Info().Msg("All services started successfully")

			stopCh := make(chan os.Signal, 1)
			signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
			<-stopCh

			log.Info().Msg("Shutting down gracefully...")
			return registry.StopServices()
		},
	}
}
