package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/iot-ota/pkg/bootloader"
)

// MockBootloader is a mock implementation of the bootloader.Bootloader interface
type MockBootloader struct {
	mock.Mock
}

func (m *MockBootloader) ActiveImageHeader() (bootloader.ImageHeader, error) {
	args := m.Called()
	return args.Get(0).(bootloader.ImageHeader), args.Error(1)
}

func (m *MockBootloader) MarkPending(permanent bool) error {
	args := m.Called(permanent)
	return args.Error(0)
}

func (m *MockBootloader) ForceConfirmActive() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockBootloader) ActiveImageOK() (bool, error) {
	args := m.Called()
	return args.Bool(0), args.Error(1)
}

// MockRebooter records system reset requests.
type MockRebooter struct {
	mock.Mock
}

func (m *MockRebooter) SystemReset() {
	m.Called()
}
