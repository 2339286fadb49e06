package service_registry

import (
	"fmt"

	mqtt_middleware "github.com/benmeehan/iot-ota/internal/middlewares/mqtt"
	"github.com/benmeehan/iot-ota/internal/utils"
	"github.com/benmeehan/iot-ota/pkg/encryption"
)

const signatureMiddleware = "signature"

// InitializeMiddlewares sets up the middleware chain based on configuration.
func (sr *ServiceRegistry) InitializeMiddlewares(config *utils.Config) (mqtt_middleware.MQTTMiddleware, error) {
	var middlewares []mqtt_middleware.MQTTMiddleware

	middlewaresInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (mqtt_middleware.MQTTMiddleware, error)
	}{
		{
			name:    signatureMiddleware,
			enabled: config.Middlewares.Signature.Enabled,
			constructor: func() (mqtt_middleware.MQTTMiddleware, error) {
				mw := mqtt_middleware.NewMQTTSignatureMiddleware(
					encryption.NewPayloadSigner(sr.fileClient),
					config.Middlewares.Signature.KeyFile,
					sr.logger,
				)
				if err := mw.Init(nil); err != nil {
					return nil, fmt.Errorf("failed to initialize signature middleware: %w", err)
				}
				return mw, nil
			},
		},
	}

	for _, mw := range middlewaresInOrder {
		if mw.enabled {
			middlewareInstance, err := mw.constructor()
			if err != nil {
				sr.logger.Error().Err(err).Msgf("Failed to initialize %s middleware", mw.name)
				return nil, err
			}
			middlewares = append(middlewares, middlewareInstance)
			sr.logger.Info().Str("middleware", mw.name).Msg("Middleware initialized")
		} else {
			sr.logger.Debug().Str("middleware", mw.name).Msg("Middleware is disabled, skipping")
		}
	}

	chainedClient := mqtt_middleware.NewChainedMQTTClient(sr.mqttClient, middlewares)
	sr.logger.Info().Int("middleware_count", len(middlewares)).Msg("Middleware chain initialized")
	return chainedClient, nil
}
