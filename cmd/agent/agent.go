package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-ota/internal/content_handler"
	"github.com/benmeehan/iot-ota/internal/state_managers"
	"github.com/benmeehan/iot-ota/internal/utils"
	"github.com/benmeehan/iot-ota/pkg/blockdevice"
	"github.com/benmeehan/iot-ota/pkg/bootloader"
	"github.com/benmeehan/iot-ota/pkg/kvstore"
	"github.com/benmeehan/iot-ota/pkg/s3"
	"github.com/benmeehan/iot-ota/pkg/transport"
)

// agent holds the stager assembled from the configuration.
type agent struct {
	config    *utils.Config
	store     kvstore.Store
	primary   blockdevice.BlockDevice
	secondary blockdevice.BlockDevice
	sim       *bootloader.Simulator
	state     *state_managers.UpgradeStateManager
	handler   *content_handler.MCUbootHandler
	logger    zerolog.Logger
}

func newAgent(config *utils.Config, logger zerolog.Logger) (*agent, error) {
	f := config.Flash
	flash, err := blockdevice.NewFileBlockDevice(f.Path, blockdevice.Geometry{
		ProgramSize: f.ProgramSize,
		ReadSize:    f.ReadSize,
		EraseSize:   f.EraseSize,
		Size:        f.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid flash geometry: %w", err)
	}
	primary, err := blockdevice.NewSlicingBlockDevice(flash, f.PrimaryOffset, f.SlotSize)
	if err != nil {
		return nil, fmt.Errorf("invalid primary slot: %w", err)
	}
	secondary, err := blockdevice.NewSlicingBlockDevice(flash, f.SecondaryOffset, f.SlotSize)
	if err != nil {
		return nil, fmt.Errorf("invalid secondary slot: %w", err)
	}

	store, err := kvstore.Open(config.StateStore.Driver, config.StateStore.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	sim, err := bootloader.NewSimulator(primary, secondary, store, logger.With().Str("component", "bootloader").Logger())
	if err != nil {
		store.Close()
		return nil, err
	}

	tr, err := newTransport(config)
	if err != nil {
		store.Close()
		return nil, err
	}

	state := state_managers.NewUpgradeStateManager(store, config.StateStore.Key, logger)
	handler := content_handler.NewMCUbootHandler(secondary, sim, state, tr,
		f.ReadBlockSize, config.Services.Update.AllowDowngrade,
		logger.With().Str("component", "content_handler").Logger())

	return &agent{
		config:    config,
		store:     store,
		primary:   primary,
		secondary: secondary,
		sim:       sim,
		state:     state,
		handler:   handler,
		logger:    logger,
	}, nil
}

// newTransport registers a transport for every scheme the configuration supports.
func newTransport(config *utils.Config) (*transport.Router, error) {
	t := config.Transport
	router := transport.NewRouter()

	httpTransport := transport.NewHTTPTransport(time.Duration(t.Timeout)*time.Second, t.ChunkSize)
	router.Register("http", httpTransport)
	router.Register("https", httpTransport)

	fileTransport := transport.NewFileTransport(t.ChunkSize)
	router.Register("file", fileTransport)
	router.Register("", fileTransport)

	if t.ObjectStorage.Endpoint != "" {
		storage := s3.NewObjectStorage()
		if err := storage.Connect(t.ObjectStorage.Endpoint, t.ObjectStorage.AccessKey, t.ObjectStorage.SecretKey, t.ObjectStorage.UseSSL); err != nil {
			return nil, err
		}
		router.Register("s3", transport.NewObjectStorageTransport(storage, t.ChunkSize))
	}
	return router, nil
}

// bootAndReconcile runs the simulated bootloader and then the post-reboot hook,
// as the device does on every reset.
func (a *agent) bootAndReconcile(rebooter bootloader.Rebooter) (content_handler.BootOutcome, error) {
	outcome, err := a.sim.Boot()
	if err != nil {
		return "", fmt.Errorf("bootloader failed: %w", err)
	}
	a.logger.Info().Str("boot", string(outcome)).Msg("Boot completed")

	return content_handler.ReconcileAfterReboot(a.state, a.sim, rebooter, a.logger)
}

func (a *agent) Close() error {
	return a.store.Close()
}
