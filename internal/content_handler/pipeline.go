package content_handler

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-ota/internal/constants"
	"github.com/benmeehan/iot-ota/internal/state_managers"
	"github.com/benmeehan/iot-ota/pkg/bootloader"
)

// pipeline combines download and install: every chunk is written to the
// secondary slot as it arrives, and the image header is picked out of the
// first bytes on the way.
type pipeline struct {
	op             *operationContext
	state          *state_managers.UpgradeStateManager
	cancelled      func() bool
	allowDowngrade bool
	logger         zerolog.Logger
}

// onChunk is the transport callback. Chunks arrive in order without gaps;
// returning an error makes the transport abort the request.
func (p *pipeline) onChunk(chunk []byte) error {
	if p.cancelled() {
		return ErrCancelled
	}

	op := p.op
	p.logger.Debug().Int64("offset", op.offset).Int64("total", op.totalExpected).Int("chunk", len(chunk)).Msg("Download progress")

	if err := p.captureHeader(chunk); err != nil {
		return err
	}

	end := op.offset + int64(len(chunk))
	if end > op.secondary.Size() {
		return withCode(constants.ErcImageTooLarge,
			fmt.Errorf("%w: %d bytes, slot holds %d", ErrImageTooLarge, end, op.secondary.Size()))
	}

	if _, err := op.writer.WriteAt(chunk, op.offset); err != nil {
		return withCode(constants.ErcBlockDevice, fmt.Errorf("failed to write secondary slot: %w", err))
	}

	op.offset = end
	return nil
}

// captureHeader copies the header bytes found in chunk and, once the header
// is complete, validates it and records the staged version.
func (p *pipeline) captureHeader(chunk []byte) error {
	op := p.op
	if op.headerDone || op.offset >= bootloader.ImageHeaderSize {
		return nil
	}

	todo := bootloader.ImageHeaderSize - op.offset
	if todo > int64(len(chunk)) {
		todo = int64(len(chunk))
	}
	copy(op.headerBuf[op.offset:], chunk[:todo])
	if op.offset+todo < bootloader.ImageHeaderSize {
		return nil
	}

	header, err := bootloader.ParseImageHeader(op.headerBuf[:])
	if err != nil {
		return withCode(constants.ErcInvalidImageMagic, err)
	}
	if !header.Valid() {
		return fmt.Errorf("%w: expected 0x%08x, got 0x%08x", ErrInvalidImageMagic, bootloader.ImageMagic, header.Magic)
	}
	op.stageHeader = header
	op.headerDone = true

	p.logger.Info().
		Uint16("header_size", header.HeaderSize).
		Uint32("image_size", header.ImageSize).
		Uint16("protected_tlv_size", header.ProtectTLVSize).
		Str("version", header.Version.String()).
		Msg("Captured stage image header")

	if !p.allowDowngrade && header.Version.Semver().LessThan(op.activeHeader.Version.Semver()) {
		return fmt.Errorf("%w: stage %s, active %s", ErrDowngradeRejected, header.Version, op.activeHeader.Version)
	}

	if err := p.state.SetStageVersion(header.Version); err != nil {
		return withCode(constants.ErcStateStore, err)
	}
	return nil
}
