package content_handler

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-ota/internal/models"
	"github.com/benmeehan/iot-ota/internal/state_managers"
	"github.com/benmeehan/iot-ota/pkg/blockdevice"
	"github.com/benmeehan/iot-ota/pkg/bootloader"
	"github.com/benmeehan/iot-ota/pkg/kvstore"
	"github.com/benmeehan/iot-ota/pkg/transport"
)

const slotSize = 16 * 1024

// chunkedTransport serves one image from memory in fixed size chunks.
type chunkedTransport struct {
	image []byte
	chunk int
	// afterChunk runs after every delivered chunk with the bytes delivered so far.
	afterChunk func(delivered int)
	// failAt makes the transfer fail once this many bytes were delivered.
	failAt int
	calls  int
}

func (c *chunkedTransport) Get(ctx context.Context, uri string, onChunk transport.ChunkFunc) error {
	c.calls++
	for off := 0; off < len(c.image); off += c.chunk {
		if c.failAt > 0 && off >= c.failAt {
			return fmt.Errorf("connection reset after %d bytes", off)
		}
		end := off + c.chunk
		if end > len(c.image) {
			end = len(c.image)
		}
		if err := onChunk(c.image[off:end]); err != nil {
			return fmt.Errorf("%w: %w", transport.ErrAborted, err)
		}
		if c.afterChunk != nil {
			c.afterChunk(end)
		}
	}
	return nil
}

func buildImage(v bootloader.ImageVersion, payloadSize int) []byte {
	h := bootloader.ImageHeader{
		Magic:      bootloader.ImageMagic,
		HeaderSize: bootloader.ImageHeaderSize,
		ImageSize:  uint32(payloadSize),
		Version:    v,
	}
	image := h.Bytes()
	for i := 0; i < payloadSize; i++ {
		image = append(image, byte(i*7+int(v.Major)))
	}
	return image
}

func sha256Base64(b []byte) string {
	sum := sha256.Sum256(b)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// testEnv wires a handler to a simulated two slot flash.
type testEnv struct {
	flash     *blockdevice.HeapBlockDevice
	secondary blockdevice.BlockDevice
	store     kvstore.Store
	state     *state_managers.UpgradeStateManager
	sim       *bootloader.Simulator
	transport *chunkedTransport
	handler   *MCUbootHandler
}

func newTestEnv(t *testing.T, active bootloader.ImageVersion, allowDowngrade bool) *testEnv {
	t.Helper()
	flash, err := blockdevice.NewHeapBlockDevice(blockdevice.Geometry{ProgramSize: 8, ReadSize: 16, EraseSize: 4096, Size: 2 * slotSize})
	require.NoError(t, err)
	flash.SetStrictProgram(true)
	primary, err := blockdevice.NewSlicingBlockDevice(flash, 0, slotSize)
	require.NoError(t, err)
	secondary, err := blockdevice.NewSlicingBlockDevice(flash, slotSize, slotSize)
	require.NoError(t, err)

	store := kvstore.NewMemoryStore()
	sim, err := bootloader.NewSimulator(primary, secondary, store, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sim.Provision(buildImage(active, 200)))

	state := state_managers.NewUpgradeStateManager(store, "", zerolog.Nop())
	tr := &chunkedTransport{chunk: 512}

	return &testEnv{
		flash:     flash,
		secondary: secondary,
		store:     store,
		state:     state,
		sim:       sim,
		transport: tr,
		handler:   NewMCUbootHandler(secondary, sim, state, tr, 0, allowDowngrade, zerolog.Nop()),
	}
}

func workflowFor(image []byte, criteria string, hashed bool) *models.UpdateWorkflow {
	file := models.FileEntity{
		FileID:         "f1",
		DownloadURI:    "http://updates.local/app.bin",
		TargetFilename: "app.bin",
		SizeInBytes:    int64(len(image)),
	}
	if hashed {
		file.Hashes = []models.FileHash{{Algorithm: "sha256", Value: sha256Base64(image)}}
	}
	return models.NewUpdateWorkflow(models.UpdateCommandPayload{
		WorkflowID:        "wf-1",
		InstalledCriteria: criteria,
		Files:             []models.FileEntity{file},
	})
}

// secondaryBytes returns the first n bytes of the secondary slot.
func (e *testEnv) secondaryBytes(n int) []byte {
	return e.flash.Bytes()[slotSize : slotSize+n]
}
