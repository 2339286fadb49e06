package mqtt

import (
	"fmt"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-ota/pkg/encryption"
)

// PayloadSigner signs outgoing and verifies incoming payloads.
type PayloadSigner interface {
	Initialize(keyPath string) error
	SignPayload(payload []byte) ([]byte, error)
	OpenPayload(signedPayload []byte) ([]byte, error)
}

// MQTTSignatureMiddleware drops incoming messages whose HMAC does not verify
// and signs everything published through it.
type MQTTSignatureMiddleware struct {
	next    MQTTMiddleware
	signer  PayloadSigner
	keyPath string
	logger  zerolog.Logger
}

// NewMQTTSignatureMiddleware creates a signature middleware using the key at keyPath.
func NewMQTTSignatureMiddleware(signer PayloadSigner, keyPath string, logger zerolog.Logger) *MQTTSignatureMiddleware {
	return &MQTTSignatureMiddleware{
		signer:  signer,
		keyPath: keyPath,
		logger:  logger,
	}
}

// Init loads the shared key.
func (m *MQTTSignatureMiddleware) Init(_ interface{}) error {
	return m.signer.Initialize(m.keyPath)
}

func (m *MQTTSignatureMiddleware) SetNext(next MQTTMiddleware) {
	m.next = next
}

func (m *MQTTSignatureMiddleware) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case string:
		raw = []byte(p)
	default:
		return fmt.Errorf("unsupported payload type %T", payload)
	}

	signed, err := m.signer.SignPayload(raw)
	if err != nil {
		return fmt.Errorf("failed to sign payload: %w", err)
	}
	return m.next.Publish(topic, qos, retained, signed)
}

func (m *MQTTSignatureMiddleware) Subscribe(topic string, qos byte, callback mqttLib.MessageHandler) error {
	return m.next.Subscribe(topic, qos, func(client mqttLib.Client, msg mqttLib.Message) {
		payload, err := m.signer.OpenPayload(msg.Payload())
		if err != nil {
			m.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping message with invalid signature")
			return
		}
		callback(client, &verifiedMessage{Message: msg, payload: payload})
	})
}

func (m *MQTTSignatureMiddleware) Unsubscribe(topics ...string) error {
	return m.next.Unsubscribe(topics...)
}

// verifiedMessage is msg with the signature stripped from its payload.
type verifiedMessage struct {
	mqttLib.Message
	payload []byte
}

func (v *verifiedMessage) Payload() []byte { return v.payload }

var _ PayloadSigner = (*encryption.PayloadSigner)(nil)
