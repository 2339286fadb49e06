package identity

import (
	"errors"
	"os"

	"github.com/google/uuid"

	"github.com/benmeehan/iot-ota/pkg/file"
)

// Identity holds the device's unique identifier and other metadata.
type Identity struct {
	ID   string `json:"device_id,omitempty"`
	Name string `json:"device_name,omitempty"`
}

// DeviceInfoInterface defines methods for managing device identity.
type DeviceInfoInterface interface {
	LoadDeviceInfo() error
	EnsureDeviceID() (string, error)
	GetDeviceID() string
}

// DeviceInfo manages the device identity and its associated file operations.
type DeviceInfo struct {
	DeviceInfoFile string
	Identity       Identity
	fileOps        file.FileOperations
}

// NewDeviceInfo initializes a new DeviceInfo instance.
func NewDeviceInfo(filePath string, fileOps file.FileOperations) DeviceInfoInterface {
	return &DeviceInfo{
		DeviceInfoFile: filePath,
		fileOps:        fileOps,
	}
}

// LoadDeviceInfo reads the identity file. A missing file leaves the identity empty.
func (d *DeviceInfo) LoadDeviceInfo() error {
	err := d.fileOps.ReadJsonFile(d.DeviceInfoFile, &d.Identity)
	if errors.Is(err, os.ErrNotExist) {
		d.Identity = Identity{}
		return nil
	}
	return err
}

// EnsureDeviceID returns the stored device ID, generating and saving a new
// one on first start.
func (d *DeviceInfo) EnsureDeviceID() (string, error) {
	if d.Identity.ID != "" {
		return d.Identity.ID, nil
	}
	d.Identity.ID = uuid.NewString()
	if err := d.fileOps.WriteJsonFile(d.DeviceInfoFile, d.Identity); err != nil {
		d.Identity.ID = ""
		return "", err
	}
	return d.Identity.ID, nil
}

// GetDeviceID returns the current device ID.
func (d *DeviceInfo) GetDeviceID() string {
	return d.Identity.ID
}
