package bootloader

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-ota/pkg/blockdevice"
	"github.com/benmeehan/iot-ota/pkg/kvstore"
)

const slotSize = 16 * 1024

func testImage(v ImageVersion, payload byte) []byte {
	h := ImageHeader{Magic: ImageMagic, HeaderSize: ImageHeaderSize, ImageSize: 100, Version: v}
	image := h.Bytes()
	for i := 0; i < 100; i++ {
		image = append(image, payload)
	}
	return image
}

func newSimulator(t *testing.T) (*Simulator, blockdevice.BlockDevice) {
	t.Helper()
	flash, err := blockdevice.NewHeapBlockDevice(blockdevice.Geometry{ProgramSize: 8, ReadSize: 1, EraseSize: 4096, Size: 2 * slotSize})
	require.NoError(t, err)
	flash.SetStrictProgram(true)
	primary, err := blockdevice.NewSlicingBlockDevice(flash, 0, slotSize)
	require.NoError(t, err)
	secondary, err := blockdevice.NewSlicingBlockDevice(flash, slotSize, slotSize)
	require.NoError(t, err)

	sim, err := NewSimulator(primary, secondary, kvstore.NewMemoryStore(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sim.Provision(testImage(ImageVersion{Major: 1}, 0xA1)))
	return sim, secondary
}

func stage(t *testing.T, dev blockdevice.BlockDevice, image []byte) {
	t.Helper()
	require.NoError(t, dev.Init())
	defer dev.Deinit()
	require.NoError(t, dev.Erase(0, dev.Size()))
	w, err := blockdevice.NewAlignedWriter(dev, 0)
	require.NoError(t, err)
	_, err = w.WriteAt(image, 0)
	require.NoError(t, err)
}

func activeVersion(t *testing.T, sim *Simulator) ImageVersion {
	t.Helper()
	h, err := sim.ActiveImageHeader()
	require.NoError(t, err)
	return h.Version
}

func TestSimulator_ProvisionedImageIsConfirmed(t *testing.T) {
	sim, _ := newSimulator(t)

	assert.Equal(t, ImageVersion{Major: 1}, activeVersion(t, sim))
	ok, err := sim.ActiveImageOK()
	require.NoError(t, err)
	assert.True(t, ok)

	outcome, err := sim.Boot()
	require.NoError(t, err)
	assert.Equal(t, BootNormal, outcome)
}

func TestSimulator_TestSwapThenConfirm(t *testing.T) {
	sim, secondary := newSimulator(t)
	stage(t, secondary, testImage(ImageVersion{Major: 2}, 0xB2))

	require.NoError(t, sim.MarkPending(false))
	outcome, err := sim.Boot()
	require.NoError(t, err)
	assert.Equal(t, BootTestSwap, outcome)
	assert.Equal(t, ImageVersion{Major: 2}, activeVersion(t, sim))

	ok, err := sim.ActiveImageOK()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, sim.ForceConfirmActive())
	outcome, err = sim.Boot()
	require.NoError(t, err)
	assert.Equal(t, BootNormal, outcome)
	assert.Equal(t, ImageVersion{Major: 2}, activeVersion(t, sim))
}

func TestSimulator_UnconfirmedTestSwapReverts(t *testing.T) {
	sim, secondary := newSimulator(t)
	stage(t, secondary, testImage(ImageVersion{Major: 2}, 0xB2))

	require.NoError(t, sim.MarkPending(false))
	_, err := sim.Boot()
	require.NoError(t, err)

	outcome, err := sim.Boot()
	require.NoError(t, err)
	assert.Equal(t, BootReverted, outcome)
	assert.Equal(t, ImageVersion{Major: 1}, activeVersion(t, sim))

	ok, err := sim.ActiveImageOK()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSimulator_PermanentSwap(t *testing.T) {
	sim, secondary := newSimulator(t)
	stage(t, secondary, testImage(ImageVersion{Major: 3}, 0xC3))

	require.NoError(t, sim.MarkPending(true))
	outcome, err := sim.Boot()
	require.NoError(t, err)
	assert.Equal(t, BootPermSwap, outcome)

	ok, err := sim.ActiveImageOK()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSimulator_MarkPendingRequiresValidImage(t *testing.T) {
	sim, _ := newSimulator(t)
	assert.ErrorIs(t, sim.MarkPending(false), ErrNoValidImage)
}

func TestExitRebooter(t *testing.T) {
	flushed := false
	r := NewExitRebooter(75, func() { flushed = true }, zerolog.Nop())
	code := -1
	r.exit = func(c int) { code = c }

	r.SystemReset()

	assert.True(t, flushed)
	assert.Equal(t, 75, code)
}
