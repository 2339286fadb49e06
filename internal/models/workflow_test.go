package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateWorkflow_Cancel(t *testing.T) {
	w := NewUpdateWorkflow(UpdateCommandPayload{WorkflowID: "wf-1", InstalledCriteria: "1.2.3"})

	assert.False(t, w.IsCancelRequested())
	assert.True(t, w.RequestCancel())
	assert.True(t, w.IsCancelRequested())

	w.ClearCancel()
	w.Complete()
	assert.False(t, w.RequestCancel())
	assert.False(t, w.IsCancelRequested())
}

func TestUpdateWorkflow_Files(t *testing.T) {
	w := NewUpdateWorkflow(UpdateCommandPayload{Files: []FileEntity{{FileID: "f1"}}})

	assert.Equal(t, 1, w.FileCount())
	f, ok := w.File(0)
	assert.True(t, ok)
	assert.Equal(t, "f1", f.FileID)
	_, ok = w.File(1)
	assert.False(t, ok)
}
