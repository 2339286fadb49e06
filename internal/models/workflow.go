package models

import (
	"sync"
	"sync/atomic"
)

// UpdateWorkflow is the workflow handed to the content handler for one update
// command. Cancel may be requested from another goroutine while an operation
// is running.
type UpdateWorkflow struct {
	id                string
	installedCriteria string
	files             []FileEntity

	cancelRequested atomic.Bool
	rebootRequested atomic.Bool
	completed       atomic.Bool

	mu            sync.Mutex
	resultDetails string
}

// NewUpdateWorkflow builds a workflow from a command payload.
func NewUpdateWorkflow(payload UpdateCommandPayload) *UpdateWorkflow {
	return &UpdateWorkflow{
		id:                payload.WorkflowID,
		installedCriteria: payload.InstalledCriteria,
		files:             payload.Files,
	}
}

func (w *UpdateWorkflow) ID() string {
	return w.id
}

func (w *UpdateWorkflow) FileCount() int {
	return len(w.files)
}

func (w *UpdateWorkflow) File(index int) (FileEntity, bool) {
	if index < 0 || index >= len(w.files) {
		return FileEntity{}, false
	}
	return w.files[index], true
}

func (w *UpdateWorkflow) InstalledCriteria() string {
	return w.installedCriteria
}

func (w *UpdateWorkflow) IsCancelRequested() bool {
	return w.cancelRequested.Load()
}

// RequestCancel flags the workflow. It fails once the workflow has completed.
func (w *UpdateWorkflow) RequestCancel() bool {
	if w.completed.Load() {
		return false
	}
	w.cancelRequested.Store(true)
	return true
}

// ClearCancel drops a cancel request after it has been honored.
func (w *UpdateWorkflow) ClearCancel() {
	w.cancelRequested.Store(false)
}

func (w *UpdateWorkflow) RequestReboot() {
	w.rebootRequested.Store(true)
}

func (w *UpdateWorkflow) RebootRequested() bool {
	return w.rebootRequested.Load()
}

// Complete marks the workflow finished; later cancel requests are refused.
func (w *UpdateWorkflow) Complete() {
	w.completed.Store(true)
}

func (w *UpdateWorkflow) SetResultDetails(details string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resultDetails = details
}

func (w *UpdateWorkflow) ResultDetails() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resultDetails
}
