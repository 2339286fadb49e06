package utils

import (
	"fmt"

	"github.com/benmeehan/iot-ota/internal/constants"
	"github.com/benmeehan/iot-ota/pkg/file"
	"github.com/benmeehan/iot-ota/pkg/kvstore"
)

// Config represents the structure of the configuration file. Both YAML and
// TOML files are accepted; the format follows the file extension.
type Config struct {
	MQTT struct {
		Broker             string `yaml:"broker" toml:"broker"`                             // MQTT broker address
		ClientID           string `yaml:"client_id" toml:"client_id"`                       // MQTT client ID prefix
		Username           string `yaml:"username" toml:"username"`                         // Optional broker username
		Password           string `yaml:"password" toml:"password"`                         // Optional broker password
		CACertificate      string `yaml:"ca_certificate" toml:"ca_certificate"`             // Path to the CA certificate
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"` // Skip broker certificate checks
		ConnectTimeout     int    `yaml:"connect_timeout" toml:"connect_timeout"`           // Connect timeout (in seconds)
	} `yaml:"mqtt" toml:"mqtt"`

	Identity struct {
		DeviceFile string `yaml:"device_file" toml:"device_file"` // Path to the device identity file
	} `yaml:"identity" toml:"identity"`

	Flash struct {
		Path            string `yaml:"path" toml:"path"`                         // Host file emulating the flash part
		Size            int64  `yaml:"size" toml:"size"`                         // Total size of the flash part
		ProgramSize     int64  `yaml:"program_size" toml:"program_size"`         // Program unit
		ReadSize        int64  `yaml:"read_size" toml:"read_size"`               // Read unit
		EraseSize       int64  `yaml:"erase_size" toml:"erase_size"`             // Erase unit
		PrimaryOffset   int64  `yaml:"primary_offset" toml:"primary_offset"`     // Start of the primary slot
		SecondaryOffset int64  `yaml:"secondary_offset" toml:"secondary_offset"` // Start of the secondary slot
		SlotSize        int64  `yaml:"slot_size" toml:"slot_size"`               // Size of each slot
		ReadBlockSize   int64  `yaml:"read_block_size" toml:"read_block_size"`   // Scratch buffer for read-modify-write and read-back
	} `yaml:"flash" toml:"flash"`

	StateStore struct {
		Driver string `yaml:"driver" toml:"driver"` // memory, file, sqlite or bolt
		Path   string `yaml:"path" toml:"path"`     // Directory or database file
		Key    string `yaml:"key" toml:"key"`       // Key of the upgrade record
	} `yaml:"state_store" toml:"state_store"`

	Transport struct {
		ChunkSize int `yaml:"chunk_size" toml:"chunk_size"` // Bytes handed to the stager per callback
		Timeout   int `yaml:"timeout" toml:"timeout"`       // HTTP request timeout (in seconds, 0 = none)

		ObjectStorage struct {
			Endpoint  string `yaml:"endpoint" toml:"endpoint"`     // S3 compatible endpoint, empty disables s3:// URIs
			AccessKey string `yaml:"access_key" toml:"access_key"` // Access key ID
			SecretKey string `yaml:"secret_key" toml:"secret_key"` // Secret access key
			UseSSL    bool   `yaml:"use_ssl" toml:"use_ssl"`       // Use HTTPS
		} `yaml:"object_storage" toml:"object_storage"`
	} `yaml:"transport" toml:"transport"`

	Services struct {
		Update struct {
			Topic          string `yaml:"topic" toml:"topic"`                     // MQTT topic for update commands
			QOS            int    `yaml:"qos" toml:"qos"`                         // MQTT QoS level for update messages
			Enabled        bool   `yaml:"enabled" toml:"enabled"`                 // Enable/disable update service
			AllowDowngrade bool   `yaml:"allow_downgrade" toml:"allow_downgrade"` // Accept images older than the active one
		} `yaml:"update_service" toml:"update_service"`
	} `yaml:"services" toml:"services"`

	Middlewares struct {
		Signature struct {
			Enabled bool   `yaml:"enabled" toml:"enabled"`   // Require HMAC signed commands
			KeyFile string `yaml:"key_file" toml:"key_file"` // Path to the shared command key
		} `yaml:"signature" toml:"signature"`
	} `yaml:"middlewares" toml:"middlewares"`

	Logging struct {
		Level  string `yaml:"level" toml:"level"`   // zerolog level name
		Format string `yaml:"format" toml:"format"` // json or console
	} `yaml:"logging" toml:"logging"`
}

var (
	storeDrivers = SliceToSet([]string{kvstore.DriverMemory, kvstore.DriverFile, kvstore.DriverSQLite, kvstore.DriverBolt})
	logFormats   = SliceToSet([]string{"json", "console"})
)

// LoadConfig loads the configuration from the specified file, fills in
// defaults and validates it.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadConfigFile(filename, &config); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", filename, err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplyDefaults fills every unset field that has a sensible default.
func (c *Config) ApplyDefaults() {
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "ota-agent"
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = 30
	}
	if c.Identity.DeviceFile == "" {
		c.Identity.DeviceFile = "identity.json"
	}
	if c.Flash.ReadBlockSize == 0 {
		c.Flash.ReadBlockSize = constants.DefaultReadBlockSize
	}
	if c.StateStore.Driver == "" {
		c.StateStore.Driver = kvstore.DriverFile
	}
	if c.StateStore.Key == "" {
		c.StateStore.Key = constants.UpgradeStateKey
	}
	if c.Transport.ChunkSize == 0 {
		c.Transport.ChunkSize = constants.DefaultChunkSize
	}
	if c.Services.Update.Topic == "" {
		c.Services.Update.Topic = "ota/update"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the slot layout and the enumerated settings.
func (c *Config) Validate() error {
	f := c.Flash
	if f.Path == "" {
		return fmt.Errorf("flash.path is required")
	}
	if f.SlotSize <= 0 {
		return fmt.Errorf("flash.slot_size must be positive")
	}
	if f.PrimaryOffset < 0 || f.SecondaryOffset < 0 {
		return fmt.Errorf("flash slot offsets must not be negative")
	}
	if f.PrimaryOffset+f.SlotSize > f.Size || f.SecondaryOffset+f.SlotSize > f.Size {
		return fmt.Errorf("flash slots do not fit a %d byte part", f.Size)
	}
	lo, hi := f.PrimaryOffset, f.SecondaryOffset
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo+f.SlotSize > hi {
		return fmt.Errorf("flash slots overlap")
	}

	if _, ok := storeDrivers[c.StateStore.Driver]; !ok {
		return fmt.Errorf("unknown state_store.driver %q", c.StateStore.Driver)
	}
	if c.StateStore.Driver != kvstore.DriverMemory && c.StateStore.Path == "" {
		return fmt.Errorf("state_store.path is required for driver %q", c.StateStore.Driver)
	}
	if c.Transport.ChunkSize < 0 {
		return fmt.Errorf("transport.chunk_size must not be negative")
	}
	if c.Services.Update.QOS < 0 || c.Services.Update.QOS > 2 {
		return fmt.Errorf("services.update_service.qos must be 0, 1 or 2")
	}
	if c.Middlewares.Signature.Enabled && c.Middlewares.Signature.KeyFile == "" {
		return fmt.Errorf("middlewares.signature.key_file is required when signing is enabled")
	}
	if _, ok := logFormats[c.Logging.Format]; !ok {
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}
