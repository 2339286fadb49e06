package content_handler

import (
	"errors"

	"github.com/benmeehan/iot-ota/internal/constants"
	"github.com/benmeehan/iot-ota/internal/state_managers"
	"github.com/benmeehan/iot-ota/pkg/encryption"
)

var (
	ErrCancelled                = errors.New("operation cancelled")
	ErrInvalidFileCount         = errors.New("expecting exactly one payload file")
	ErrInvalidImageMagic        = errors.New("invalid image header magic")
	ErrImageSizeMismatch        = errors.New("downloaded size does not match manifest size")
	ErrImageTooLarge            = errors.New("image does not fit the secondary slot")
	ErrDowngradeRejected        = errors.New("staged image is older than the active image")
	ErrMissingInstalledCriteria = errors.New("installed criteria missing or empty")
)

// OperationError tags an error with the extended result code reported for it.
type OperationError struct {
	Code constants.ExtendedResultCode
	Err  error
}

func (e *OperationError) Error() string { return e.Err.Error() }
func (e *OperationError) Unwrap() error { return e.Err }

func withCode(code constants.ExtendedResultCode, err error) error {
	return &OperationError{Code: code, Err: err}
}

// ExtendedCode picks the extended result code for err.
func ExtendedCode(err error) constants.ExtendedResultCode {
	var opErr *OperationError
	switch {
	case err == nil:
		return constants.ErcNone
	case errors.As(err, &opErr):
		return opErr.Code
	case errors.Is(err, ErrInvalidFileCount):
		return constants.ErcInvalidFileCount
	case errors.Is(err, ErrInvalidImageMagic):
		return constants.ErcInvalidImageMagic
	case errors.Is(err, ErrImageSizeMismatch):
		return constants.ErcImageSizeMismatch
	case errors.Is(err, ErrImageTooLarge):
		return constants.ErcImageTooLarge
	case errors.Is(err, ErrDowngradeRejected):
		return constants.ErcDowngradeRejected
	case errors.Is(err, ErrMissingInstalledCriteria):
		return constants.ErcMissingInstalledCriteria
	case errors.Is(err, state_managers.ErrInstalledCriteriaTooLong):
		return constants.ErcInstalledCriteriaTooLong
	case errors.Is(err, encryption.ErrDigestMismatch):
		return constants.ErcHashMismatch
	case errors.Is(err, encryption.ErrUnsupportedHashAlgorithm):
		return constants.ErcUnsupportedHashAlgorithm
	default:
		return constants.ErcNone
	}
}
