package services_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-ota/internal/constants"
	"github.com/benmeehan/iot-ota/internal/content_handler"
	mqtt_middleware "github.com/benmeehan/iot-ota/internal/middlewares/mqtt"
	"github.com/benmeehan/iot-ota/internal/mocks"
	"github.com/benmeehan/iot-ota/internal/models"
	"github.com/benmeehan/iot-ota/internal/services"
)

const (
	commandTopic = "ota/update/dev-1"
	resultTopic  = "ota/update/dev-1/result"
)

// MockContentHandler is a mock implementation of the ContentHandler interface
type MockContentHandler struct {
	mock.Mock
}

func (m *MockContentHandler) Download(ctx context.Context, w content_handler.Workflow) models.Result {
	return m.Called(w.ID()).Get(0).(models.Result)
}

func (m *MockContentHandler) Backup(ctx context.Context, w content_handler.Workflow) models.Result {
	return m.Called(w.ID()).Get(0).(models.Result)
}

func (m *MockContentHandler) Install(ctx context.Context, w content_handler.Workflow) models.Result {
	return m.Called(w.ID()).Get(0).(models.Result)
}

func (m *MockContentHandler) Apply(ctx context.Context, w content_handler.Workflow) models.Result {
	w.RequestReboot()
	return m.Called(w.ID()).Get(0).(models.Result)
}

func (m *MockContentHandler) Restore(ctx context.Context, w content_handler.Workflow) models.Result {
	return m.Called(w.ID()).Get(0).(models.Result)
}

func (m *MockContentHandler) Cancel(ctx context.Context, w content_handler.Workflow) models.Result {
	return m.Called(w.ID()).Get(0).(models.Result)
}

func (m *MockContentHandler) IsInstalled(ctx context.Context, w content_handler.Workflow) models.Result {
	return m.Called(w.ID()).Get(0).(models.Result)
}

func result(code constants.ResultCode) models.Result {
	return models.Result{ResultCode: code}
}

type harness struct {
	service  *services.UpdateService
	handler  *MockContentHandler
	rebooter *mocks.MockRebooter
	results  chan models.UpdateResultMessage
	deliver  mqttLib.MessageHandler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		handler:  &MockContentHandler{},
		rebooter: &mocks.MockRebooter{},
		results:  make(chan models.UpdateResultMessage, 16),
	}

	client := &mocks.MockMQTTClient{}
	client.On("Subscribe", commandTopic, byte(1), mock.Anything).
		Run(func(args mock.Arguments) { h.deliver = args.Get(2).(mqttLib.MessageHandler) }).
		Return(mocks.NewCompletedToken(nil))
	client.On("Unsubscribe", []string{commandTopic}).Return(mocks.NewCompletedToken(nil))
	client.On("Publish", resultTopic, byte(1), false, mock.Anything).
		Run(func(args mock.Arguments) {
			var msg models.UpdateResultMessage
			assert.NoError(t, json.Unmarshal(args.Get(3).([]byte), &msg))
			h.results <- msg
		}).
		Return(mocks.NewCompletedToken(nil))

	deviceInfo := &mocks.MockDeviceInfo{}
	deviceInfo.On("GetDeviceID").Return("dev-1")

	h.service = services.NewUpdateService("ota/update", deviceInfo, 1,
		mqtt_middleware.NewChainedMQTTClient(client, nil), h.handler, h.rebooter, zerolog.Nop())
	require.NoError(t, h.service.Start())
	t.Cleanup(func() { _ = h.service.Stop() })
	return h
}

func (h *harness) send(t *testing.T, payload models.UpdateCommandPayload) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	h.deliver(nil, mocks.NewMockMessage(commandTopic, data))
}

func (h *harness) next(t *testing.T) models.UpdateResultMessage {
	t.Helper()
	select {
	case msg := <-h.results:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no result published")
		return models.UpdateResultMessage{}
	}
}

func deployPayload(id string) models.UpdateCommandPayload {
	return models.UpdateCommandPayload{
		WorkflowID:        id,
		Action:            constants.ActionDeploy,
		InstalledCriteria: "app-2",
		Files:             []models.FileEntity{{FileID: "f", DownloadURI: "http://x/app.bin", SizeInBytes: 10}},
	}
}

// TestUpdateService_DeployRunsAllStepsAndReboots tests the full deploy sequence.
func TestUpdateService_DeployRunsAllStepsAndReboots(t *testing.T) {
	// Setup
	h := newHarness(t)
	h.handler.On("IsInstalled", "wf-1").Return(result(constants.ResultIsInstalledNotInstalled))
	h.handler.On("Download", "wf-1").Return(result(constants.ResultDownloadSuccess))
	h.handler.On("Install", "wf-1").Return(result(constants.ResultInstallSuccess))
	h.handler.On("Apply", "wf-1").Return(result(constants.ResultApplyRequiredReboot))
	rebooted := make(chan struct{})
	h.rebooter.On("SystemReset").Run(func(mock.Arguments) { close(rebooted) }).Return()

	// Execute
	h.send(t, deployPayload("wf-1"))

	// Assert
	expected := []struct {
		action constants.UpdateAction
		code   constants.ResultCode
	}{
		{constants.ActionIsInstalled, constants.ResultIsInstalledNotInstalled},
		{constants.ActionDownload, constants.ResultDownloadSuccess},
		{constants.ActionInstall, constants.ResultInstallSuccess},
		{constants.ActionApply, constants.ResultApplyRequiredReboot},
	}
	for _, e := range expected {
		msg := h.next(t)
		assert.Equal(t, "wf-1", msg.WorkflowID)
		assert.Equal(t, "dev-1", msg.DeviceID)
		assert.Equal(t, e.action, msg.Action)
		assert.Equal(t, e.code, msg.ResultCode)
		assert.Equal(t, e.code.String(), msg.Result)
	}

	select {
	case <-rebooted:
	case <-time.After(2 * time.Second):
		t.Fatal("system reset not requested")
	}
}

// TestUpdateService_DeploySkipsInstalledImage tests that an installed update is not staged again.
func TestUpdateService_DeploySkipsInstalledImage(t *testing.T) {
	h := newHarness(t)
	h.handler.On("IsInstalled", "wf-1").Return(result(constants.ResultIsInstalledInstalled))

	h.send(t, deployPayload("wf-1"))

	msg := h.next(t)
	assert.Equal(t, constants.ResultIsInstalledInstalled, msg.ResultCode)
	assert.Never(t, func() bool { return len(h.results) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	h.handler.AssertNotCalled(t, "Download", mock.Anything)
	h.rebooter.AssertNotCalled(t, "SystemReset")
}

// TestUpdateService_DeployStopsAtFailure tests that a failed download ends the workflow.
func TestUpdateService_DeployStopsAtFailure(t *testing.T) {
	h := newHarness(t)
	h.handler.On("IsInstalled", "wf-1").Return(result(constants.ResultIsInstalledNotInstalled))
	h.handler.On("Download", "wf-1").Return(models.Result{
		ResultCode:         constants.ResultFailure,
		ExtendedResultCode: constants.ErcHashMismatch,
	})

	h.send(t, deployPayload("wf-1"))

	h.next(t)
	msg := h.next(t)
	assert.Equal(t, constants.ActionDownload, msg.Action)
	assert.Equal(t, constants.ErcHashMismatch, msg.ExtendedResultCode)
	assert.Never(t, func() bool { return len(h.results) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	h.handler.AssertNotCalled(t, "Apply", mock.Anything)
}

// TestUpdateService_CancelReachesRunningWorkflow tests cancel routing and the busy guard.
func TestUpdateService_CancelReachesRunningWorkflow(t *testing.T) {
	// Setup
	h := newHarness(t)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	h.handler.On("IsInstalled", "wf-1").Return(result(constants.ResultIsInstalledNotInstalled))
	h.handler.On("Download", "wf-1").
		Run(func(mock.Arguments) {
			close(started)
			<-cancelled
		}).
		Return(result(constants.ResultFailureCancelled))
	h.handler.On("Cancel", "wf-1").Run(func(mock.Arguments) { close(cancelled) }).Return(result(constants.ResultCancelSuccess))

	h.send(t, deployPayload("wf-1"))
	assert.Equal(t, constants.ActionIsInstalled, h.next(t).Action)
	<-started

	// Execute
	h.send(t, deployPayload("wf-2"))
	busy := h.next(t)
	h.send(t, models.UpdateCommandPayload{WorkflowID: "wf-1", Action: constants.ActionCancel})

	// Assert
	assert.Equal(t, "wf-2", busy.WorkflowID)
	assert.Equal(t, constants.ErcOperationBusy, busy.ExtendedResultCode)

	byAction := map[constants.UpdateAction]constants.ResultCode{}
	for i := 0; i < 2; i++ {
		msg := h.next(t)
		byAction[msg.Action] = msg.ResultCode
	}
	assert.Equal(t, constants.ResultCancelSuccess, byAction[constants.ActionCancel])
	assert.Equal(t, constants.ResultFailureCancelled, byAction[constants.ActionDownload])
	h.rebooter.AssertNotCalled(t, "SystemReset")
}

// TestUpdateService_CancelUnknownWorkflow tests a cancel with nothing running.
func TestUpdateService_CancelUnknownWorkflow(t *testing.T) {
	h := newHarness(t)

	h.send(t, models.UpdateCommandPayload{WorkflowID: "nope", Action: constants.ActionCancel})

	msg := h.next(t)
	assert.Equal(t, constants.ResultCancelUnableToCancel, msg.ResultCode)
	h.handler.AssertNotCalled(t, "Cancel", mock.Anything)
}

// TestUpdateService_IsInstalledAndUnknownAction tests the inline commands.
func TestUpdateService_IsInstalledAndUnknownAction(t *testing.T) {
	h := newHarness(t)
	h.handler.On("IsInstalled", "wf-9").Return(result(constants.ResultIsInstalledInstalled))

	h.send(t, models.UpdateCommandPayload{WorkflowID: "wf-9", Action: constants.ActionIsInstalled, InstalledCriteria: "app-2"})
	msg := h.next(t)
	assert.Equal(t, constants.ResultIsInstalledInstalled, msg.ResultCode)
	assert.Equal(t, "app-2", msg.InstalledCriteria)

	h.send(t, models.UpdateCommandPayload{WorkflowID: "wf-10", Action: "format"})
	msg = h.next(t)
	assert.Equal(t, constants.ResultFailure, msg.ResultCode)
	assert.Equal(t, constants.ErcUnknownAction, msg.ExtendedResultCode)
	assert.NotEmpty(t, msg.ResultDetails)
}

// TestUpdateService_GeneratesWorkflowID tests commands without a workflow id.
func TestUpdateService_GeneratesWorkflowID(t *testing.T) {
	h := newHarness(t)
	h.handler.On("Backup", mock.Anything).Return(result(constants.ResultBackupSuccessUnsupported))

	h.send(t, models.UpdateCommandPayload{Action: constants.ActionBackup})

	msg := h.next(t)
	assert.NotEmpty(t, msg.WorkflowID)
	assert.Equal(t, constants.ResultBackupSuccessUnsupported, msg.ResultCode)
}

// TestUpdateService_IgnoresMalformedPayload tests that garbage is dropped.
func TestUpdateService_IgnoresMalformedPayload(t *testing.T) {
	h := newHarness(t)

	h.deliver(nil, mocks.NewMockMessage(commandTopic, []byte("{not json")))

	assert.Never(t, func() bool { return len(h.results) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

// TestUpdateService_AcceptsCommandRightAfterStart tests that a command queued
// on the broker and delivered on subscribe is not rejected as busy.
func TestUpdateService_AcceptsCommandRightAfterStart(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		h.handler.On("Backup", "wf-1").Return(result(constants.ResultBackupSuccessUnsupported))

		h.send(t, models.UpdateCommandPayload{WorkflowID: "wf-1", Action: constants.ActionBackup})

		msg := h.next(t)
		assert.Equal(t, constants.ResultBackupSuccessUnsupported, msg.ResultCode)
		assert.NotEqual(t, constants.ErcOperationBusy, msg.ExtendedResultCode)
	}
}
