// Package bootloader is the agent's view of an MCUboot style swap bootloader:
// the active image header, the pending and image-ok flags, and a reset.
package bootloader

import (
	"errors"
)

var ErrNoValidImage = errors.New("slot holds no valid image")

// Bootloader is the narrow command and query surface the stager relies on.
type Bootloader interface {
	// ActiveImageHeader returns the header of the image in the primary slot.
	ActiveImageHeader() (ImageHeader, error)
	// MarkPending requests a swap to the secondary slot on the next boot.
	// A non-permanent swap is reverted unless the new image is confirmed.
	MarkPending(permanent bool) error
	// ForceConfirmActive sets the image-ok flag of the primary slot.
	ForceConfirmActive() error
	// ActiveImageOK reads the image-ok flag of the primary slot.
	ActiveImageOK() (bool, error)
}

// Rebooter resets the system. SystemReset does not return on real hardware.
type Rebooter interface {
	SystemReset()
}

// RebooterFunc adapts a function to Rebooter.
type RebooterFunc func()

func (f RebooterFunc) SystemReset() { f() }
