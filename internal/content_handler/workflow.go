package content_handler

import "github.com/benmeehan/iot-ota/internal/models"

// Workflow is the update workflow data the handler reads and the few
// side channels (cancel, reboot, details) it writes back.
type Workflow interface {
	ID() string
	FileCount() int
	File(index int) (models.FileEntity, bool)
	InstalledCriteria() string

	IsCancelRequested() bool
	// RequestCancel returns false when the workflow can no longer be cancelled.
	RequestCancel() bool
	ClearCancel()

	RequestReboot()
	SetResultDetails(details string)
}
