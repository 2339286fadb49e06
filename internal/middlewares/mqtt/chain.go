package mqtt

import (
	"fmt"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"

	"github.com/benmeehan/iot-ota/pkg/mqtt"
)

// tokenTimeout bounds how long a publish or subscribe waits for the broker.
const tokenTimeout = 10 * time.Second

// ChainedMQTTClient wraps an MQTT client with a middleware chain.
type ChainedMQTTClient struct {
	middlewares []MQTTMiddleware
	direct      *directMQTTClient
}

// NewChainedMQTTClient links middlewares in order; the last one talks to mqttClient.
func NewChainedMQTTClient(mqttClient mqtt.MQTTClient, middlewares []MQTTMiddleware) *ChainedMQTTClient {
	direct := &directMQTTClient{mqttClient: mqttClient}
	for i := 0; i < len(middlewares)-1; i++ {
		middlewares[i].SetNext(middlewares[i+1])
	}
	if len(middlewares) > 0 {
		middlewares[len(middlewares)-1].SetNext(direct)
	}
	return &ChainedMQTTClient{
		middlewares: middlewares,
		direct:      direct,
	}
}

func (c *ChainedMQTTClient) head() MQTTMiddleware {
	if len(c.middlewares) == 0 {
		return c.direct
	}
	return c.middlewares[0]
}

// Init initializes all middlewares in the chain.
func (c *ChainedMQTTClient) Init(params interface{}) error {
	for _, mw := range c.middlewares {
		if err := mw.Init(params); err != nil {
			return fmt.Errorf("failed to init middleware: %w", err)
		}
	}
	return nil
}

// Publish sends a message through the middleware chain.
func (c *ChainedMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	return c.head().Publish(topic, qos, retained, payload)
}

// Subscribe subscribes through the middleware chain.
func (c *ChainedMQTTClient) Subscribe(topic string, qos byte, callback mqttLib.MessageHandler) error {
	return c.head().Subscribe(topic, qos, callback)
}

// Unsubscribe unsubscribes through the middleware chain.
func (c *ChainedMQTTClient) Unsubscribe(topics ...string) error {
	return c.head().Unsubscribe(topics...)
}

// SetNext is a no-op: the chain is the entry point.
func (c *ChainedMQTTClient) SetNext(next MQTTMiddleware) {}

// directMQTTClient terminates the chain and delegates to the MQTT client.
type directMQTTClient struct {
	mqttClient mqtt.MQTTClient
}

func wait(token mqttLib.Token) error {
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("timed out waiting for broker")
	}
	return token.Error()
}

func (d *directMQTTClient) Init(_ interface{}) error {
	return nil
}

func (d *directMQTTClient) SetNext(_ MQTTMiddleware) {}

func (d *directMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	return wait(d.mqttClient.Publish(topic, qos, retained, payload))
}

func (d *directMQTTClient) Subscribe(topic string, qos byte, callback mqttLib.MessageHandler) error {
	return wait(d.mqttClient.Subscribe(topic, qos, callback))
}

func (d *directMQTTClient) Unsubscribe(topics ...string) error {
	return wait(d.mqttClient.Unsubscribe(topics...))
}
