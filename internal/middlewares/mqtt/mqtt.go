package mqtt

import mqttLib "github.com/eclipse/paho.mqtt.golang"

// MQTTMiddleware defines the contract for MQTT middleware. Calls travel down
// the chain to the broker client; errors are returned once the broker token
// has completed.
type MQTTMiddleware interface {
	Init(interface{}) error
	Publish(topic string, qos byte, retained bool, payload interface{}) error
	Subscribe(topic string, qos byte, callback mqttLib.MessageHandler) error
	Unsubscribe(topics ...string) error
	SetNext(next MQTTMiddleware)
}
