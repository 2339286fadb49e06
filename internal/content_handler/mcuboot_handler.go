package content_handler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-ota/internal/constants"
	"github.com/benmeehan/iot-ota/internal/models"
	"github.com/benmeehan/iot-ota/internal/state_managers"
	"github.com/benmeehan/iot-ota/pkg/blockdevice"
	"github.com/benmeehan/iot-ota/pkg/bootloader"
	"github.com/benmeehan/iot-ota/pkg/encryption"
	"github.com/benmeehan/iot-ota/pkg/transport"
)

// ContentHandler is the operation surface an update workflow drives. Every
// operation returns exactly one terminal result and never an error.
type ContentHandler interface {
	Download(ctx context.Context, w Workflow) models.Result
	Backup(ctx context.Context, w Workflow) models.Result
	Install(ctx context.Context, w Workflow) models.Result
	Apply(ctx context.Context, w Workflow) models.Result
	Restore(ctx context.Context, w Workflow) models.Result
	Cancel(ctx context.Context, w Workflow) models.Result
	IsInstalled(ctx context.Context, w Workflow) models.Result
}

// MCUbootHandler stages MCUboot images into the secondary slot of a swap
// bootloader. Download and install happen in one streamed pass.
type MCUbootHandler struct {
	secondary      blockdevice.BlockDevice
	boot           bootloader.Bootloader
	state          *state_managers.UpgradeStateManager
	transport      transport.Transport
	readBlockSize  int64
	allowDowngrade bool
	logger         zerolog.Logger

	// cancelRequested lets Cancel reach an operation running on another
	// goroutine even when it was handed a different workflow value.
	cancelRequested atomic.Bool
}

// NewMCUbootHandler creates a handler staging into secondary.
func NewMCUbootHandler(secondary blockdevice.BlockDevice, boot bootloader.Bootloader,
	state *state_managers.UpgradeStateManager, tr transport.Transport,
	readBlockSize int64, allowDowngrade bool, logger zerolog.Logger) *MCUbootHandler {

	return &MCUbootHandler{
		secondary:      secondary,
		boot:           boot,
		state:          state,
		transport:      tr,
		readBlockSize:  readBlockSize,
		allowDowngrade: allowDowngrade,
		logger:         logger,
	}
}

func result(code constants.ResultCode) models.Result {
	return models.Result{ResultCode: code}
}

func (h *MCUbootHandler) isCancelled(w Workflow) bool {
	return h.cancelRequested.Load() || w.IsCancelRequested()
}

// cancelled consumes the cancel request and reports it.
func (h *MCUbootHandler) cancelled(w Workflow) models.Result {
	h.cancelRequested.Store(false)
	w.ClearCancel()
	h.logger.Info().Str("workflow_id", w.ID()).Msg("Operation cancelled")
	return result(constants.ResultFailureCancelled)
}

func (h *MCUbootHandler) failed(w Workflow, err error) models.Result {
	code := ExtendedCode(err)
	if code == constants.ErcNone {
		code = constants.ErcTransport
	}
	h.logger.Error().Err(err).Str("workflow_id", w.ID()).Int32("erc", int32(code)).Msg("Operation failed")
	w.SetResultDetails(err.Error())
	return models.Result{ResultCode: constants.ResultFailure, ExtendedResultCode: code}
}

// Download streams the single payload file into the secondary slot and
// verifies its digest.
func (h *MCUbootHandler) Download(ctx context.Context, w Workflow) models.Result {
	h.cancelRequested.Store(false)
	if w.IsCancelRequested() {
		return h.cancelled(w)
	}

	if n := w.FileCount(); n != 1 {
		return h.failed(w, fmt.Errorf("%w: got %d", ErrInvalidFileCount, n))
	}
	file, _ := w.File(0)

	h.logger.Info().
		Str("workflow_id", w.ID()).
		Str("file_id", file.FileID).
		Str("download_uri", file.DownloadURI).
		Str("target_filename", file.TargetFilename).
		Int64("size", file.SizeInBytes).
		Msg("Upgrade firmware")

	if file.SizeInBytes > h.secondary.Size() {
		return h.failed(w, fmt.Errorf("%w: %d bytes, slot holds %d", ErrImageTooLarge, file.SizeInBytes, h.secondary.Size()))
	}

	op, err := newOperationContext(h.secondary, h.readBlockSize, h.state, h.logger)
	if err != nil {
		return h.failed(w, err)
	}
	defer op.release()

	active, err := h.boot.ActiveImageHeader()
	if err != nil {
		return h.failed(w, withCode(constants.ErcInvalidActiveImage, fmt.Errorf("failed to read active image header: %w", err)))
	}
	op.activeHeader = active
	op.totalExpected = file.SizeInBytes
	h.logger.Info().Str("version", active.Version.String()).Msg("Active image version")

	p := &pipeline{
		op:             op,
		state:          h.state,
		cancelled:      func() bool { return h.isCancelled(w) },
		allowDowngrade: h.allowDowngrade,
		logger:         h.logger,
	}
	err = h.transport.Get(ctx, file.DownloadURI, p.onChunk)

	if h.isCancelled(w) {
		return h.cancelled(w)
	}
	if err != nil {
		if ExtendedCode(err) == constants.ErcNone {
			err = withCode(constants.ErcTransport, err)
		}
		return h.failed(w, err)
	}

	op.totalActual = op.offset
	if op.totalActual != op.totalExpected {
		return h.failed(w, fmt.Errorf("%w: expected %d bytes, got %d", ErrImageSizeMismatch, op.totalExpected, op.totalActual))
	}
	if !op.headerDone {
		return h.failed(w, fmt.Errorf("%w: image shorter than its header", ErrInvalidImageMagic))
	}
	h.logger.Info().Int64("bytes", op.totalActual).Msg("Download completed")

	if err := h.verify(op, file); err != nil {
		return h.failed(w, err)
	}

	if h.isCancelled(w) {
		return h.cancelled(w)
	}
	return result(constants.ResultDownloadSuccess)
}

// verify re-reads the staged image and checks it against the first hash of
// the file entity. A file without hashes is accepted as is.
func (h *MCUbootHandler) verify(op *operationContext, file models.FileEntity) error {
	if len(file.Hashes) == 0 {
		h.logger.Warn().Str("file_id", file.FileID).Msg("No hash for payload file, skipping verification")
		return nil
	}

	hash := file.Hashes[0]
	err := encryption.VerifyDeviceDigest(op.secondary, op.totalActual, op.writer.ReadBlock(), hash.Algorithm, hash.Value)
	if err != nil {
		if errors.Is(err, encryption.ErrDigestMismatch) || errors.Is(err, encryption.ErrUnsupportedHashAlgorithm) {
			return err
		}
		return withCode(constants.ErcBlockDevice, err)
	}

	h.logger.Info().Str("algorithm", hash.Algorithm).Msg("Image digest verified")
	return nil
}

// Backup is not supported by the hardware.
func (h *MCUbootHandler) Backup(ctx context.Context, w Workflow) models.Result {
	h.logger.Info().Msg("Backup is not supported (no-op)")
	return result(constants.ResultBackupSuccessUnsupported)
}

// Install has nothing to do; the image was written during Download.
func (h *MCUbootHandler) Install(ctx context.Context, w Workflow) models.Result {
	return result(constants.ResultInstallSuccess)
}

// Apply records the installed criteria and asks the bootloader for a
// revertible swap on the next boot.
func (h *MCUbootHandler) Apply(ctx context.Context, w Workflow) models.Result {
	h.cancelRequested.Store(false)

	criteria := w.InstalledCriteria()
	if criteria == "" {
		return h.failed(w, ErrMissingInstalledCriteria)
	}
	if w.IsCancelRequested() {
		return h.cancelled(w)
	}

	if err := h.state.SetStageInstalledCriteria(criteria); err != nil {
		if !errors.Is(err, state_managers.ErrInstalledCriteriaTooLong) {
			err = withCode(constants.ErcStateStore, err)
		}
		return h.failed(w, err)
	}

	if err := h.boot.MarkPending(false); err != nil {
		return h.failed(w, withCode(constants.ErcBootloader, fmt.Errorf("failed to mark secondary image pending: %w", err)))
	}

	if err := h.state.SetInstallRebooted(false); err != nil {
		return h.failed(w, withCode(constants.ErcStateStore, err))
	}

	h.logger.Info().Str("installed_criteria", criteria).Msg("Secondary image pending, reboot required")
	w.RequestReboot()
	return result(constants.ResultApplyRequiredReboot)
}

// Restore is not supported by the hardware.
func (h *MCUbootHandler) Restore(ctx context.Context, w Workflow) models.Result {
	h.logger.Info().Msg("Restore is not supported (no-op)")
	return result(constants.ResultRestoreSuccessUnsupported)
}

// Cancel flags the running operation and the workflow.
func (h *MCUbootHandler) Cancel(ctx context.Context, w Workflow) models.Result {
	h.logger.Info().Str("workflow_id", w.ID()).Msg("Requesting cancel operation")
	if !w.RequestCancel() {
		h.logger.Error().Str("workflow_id", w.ID()).Msg("Cancellation request failed")
		return result(constants.ResultCancelUnableToCancel)
	}
	h.cancelRequested.Store(true)
	return result(constants.ResultCancelSuccess)
}

// IsInstalled compares the requested criteria with the criteria of the last
// confirmed install. It never modifies the upgrade record.
func (h *MCUbootHandler) IsInstalled(ctx context.Context, w Workflow) models.Result {
	criteria := w.InstalledCriteria()
	if criteria == "" {
		return h.failed(w, ErrMissingInstalledCriteria)
	}

	persistent, valid, err := h.state.PersistentInstalledCriteria()
	if err != nil {
		return h.failed(w, withCode(constants.ErcStateStore, err))
	}
	if !valid {
		h.logger.Warn().Msg("No installed criteria settled yet")
		return result(constants.ResultIsInstalledNotInstalled)
	}
	if persistent != criteria {
		h.logger.Info().Str("requested", criteria).Str("installed", persistent).Msg("Installed criteria not installed")
		return result(constants.ResultIsInstalledNotInstalled)
	}

	h.logger.Info().Str("installed_criteria", criteria).Msg("Installed criteria installed")
	return result(constants.ResultIsInstalledInstalled)
}
