package mocks

// MockMessage implements mqtt.Message for command payloads in tests.
type MockMessage struct {
	payload []byte
	topic   string
	acked   bool
}

func NewMockMessage(topic string, payload []byte) *MockMessage {
	return &MockMessage{payload: payload, topic: topic}
}

func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return 1 }
func (m *MockMessage) Retained() bool    { return false }
func (m *MockMessage) MessageID() uint16 { return 1 }
func (m *MockMessage) Ack()              { m.acked = true }

// Acked reports whether Ack was called.
func (m *MockMessage) Acked() bool { return m.acked }
