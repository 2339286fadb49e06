package content_handler

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-ota/internal/state_managers"
	"github.com/benmeehan/iot-ota/pkg/bootloader"
)

// BootOutcome is what ReconcileAfterReboot decided.
type BootOutcome string

const (
	// BootNothingStaged means the running image is not the one last applied.
	BootNothingStaged BootOutcome = "nothing_staged"
	// BootConfirmed means the applied image runs and its criteria are settled.
	BootConfirmed BootOutcome = "confirmed"
	// BootRejected means the applied image could not be confirmed; the record
	// was wiped and a reset requested so the bootloader reverts.
	BootRejected BootOutcome = "rejected"
)

// ReconcileAfterReboot runs once at startup, before any update operation. It
// finishes an apply whose reboot has happened: the running image is confirmed
// with the bootloader and its installed criteria become persistent.
func ReconcileAfterReboot(state *state_managers.UpgradeStateManager, boot bootloader.Bootloader,
	rebooter bootloader.Rebooter, logger zerolog.Logger) (BootOutcome, error) {

	rebooted, valid, err := state.InstallRebooted()
	if err != nil {
		return "", err
	}
	if valid && !rebooted {
		logger.Info().Msg("First boot after apply")
		if err := state.SetInstallRebooted(true); err != nil {
			return "", err
		}
		rebooted = true
	}

	installed, err := stagedImageRunning(state, boot, valid && rebooted)
	if err != nil {
		return "", err
	}
	if !installed {
		logger.Debug().Msg("No applied image to reconcile")
		return BootNothingStaged, nil
	}

	ok, err := boot.ActiveImageOK()
	if err != nil {
		return "", fmt.Errorf("failed to read image-ok flag: %w", err)
	}
	if !ok {
		logger.Info().Msg("Confirming active image")
		if err := boot.ForceConfirmActive(); err != nil {
			logger.Error().Err(err).Msg("Failed to confirm active image")
		}
		if ok, err = boot.ActiveImageOK(); err != nil {
			return "", fmt.Errorf("failed to read image-ok flag: %w", err)
		}
	}

	if !ok {
		logger.Error().Msg("Active image still unconfirmed, clearing upgrade record and resetting")
		if err := state.Reset(true); err != nil {
			logger.Error().Err(err).Msg("Failed to clear upgrade record")
		}
		rebooter.SystemReset()
		return BootRejected, nil
	}

	if err := state.SettleInstalledCriteria(); err != nil && !errors.Is(err, state_managers.ErrNoStagedCriteria) {
		return "", err
	}
	if err := state.Reset(false); err != nil {
		return "", err
	}

	logger.Info().Msg("Applied image confirmed, installed criteria settled")
	return BootConfirmed, nil
}

// stagedImageRunning reports whether the primary slot now runs the image
// whose version was recorded during staging.
func stagedImageRunning(state *state_managers.UpgradeStateManager, boot bootloader.Bootloader, rebooted bool) (bool, error) {
	if !rebooted {
		return false, nil
	}
	staged, valid, err := state.StageVersion()
	if err != nil || !valid {
		return false, err
	}
	active, err := boot.ActiveImageHeader()
	if err != nil {
		if errors.Is(err, bootloader.ErrNoValidImage) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read active image header: %w", err)
	}
	return active.Version == staged, nil
}
