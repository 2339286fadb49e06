package content_handler

import (
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-ota/internal/constants"
	"github.com/benmeehan/iot-ota/internal/state_managers"
	"github.com/benmeehan/iot-ota/pkg/blockdevice"
	"github.com/benmeehan/iot-ota/pkg/bootloader"
)

// operationContext owns everything one download holds: the opened secondary
// slot, its scratch buffers, the captured headers and the progress counters.
// It is created at the start of a download and released on every exit path.
type operationContext struct {
	activeHeader bootloader.ImageHeader
	stageHeader  bootloader.ImageHeader
	headerBuf    [bootloader.ImageHeaderSize]byte
	headerDone   bool

	secondary blockdevice.BlockDevice
	inited    bool
	writer    *blockdevice.AlignedWriter

	offset        int64
	totalExpected int64
	totalActual   int64
}

// newOperationContext clears the stage fields of the upgrade record, opens
// the secondary slot and erases it completely so stale bytes can never pass
// for payload.
func newOperationContext(secondary blockdevice.BlockDevice, readBlockSize int64,
	state *state_managers.UpgradeStateManager, logger zerolog.Logger) (*operationContext, error) {

	if err := state.Reset(false); err != nil {
		return nil, withCode(constants.ErcStateStore, err)
	}

	c := &operationContext{secondary: secondary}
	if err := secondary.Init(); err != nil {
		return nil, withCode(constants.ErcBlockDevice, err)
	}
	c.inited = true

	writer, err := blockdevice.NewAlignedWriter(secondary, readBlockSize)
	if err != nil {
		c.release()
		return nil, withCode(constants.ErcBlockDevice, err)
	}
	c.writer = writer

	logger.Info().
		Int64("size", secondary.Size()).
		Int64("program_unit", secondary.ProgramSize()).
		Int("read_block", len(writer.ReadBlock())).
		Msg("Erasing secondary slot")
	if err := secondary.Erase(0, secondary.Size()); err != nil {
		c.release()
		return nil, withCode(constants.ErcBlockDevice, err)
	}

	return c, nil
}

// release zeroes the scratch buffers and closes the slot. Safe to call twice.
func (c *operationContext) release() {
	if c.writer != nil {
		c.writer.Release()
		c.writer = nil
	}
	if c.inited {
		c.secondary.Deinit()
		c.inited = false
	}
	clear(c.headerBuf[:])
	*c = operationContext{}
}
