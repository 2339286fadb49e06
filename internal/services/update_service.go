package services

import (
	"context"
	"encoding/json"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-ota/internal/constants"
	"github.com/benmeehan/iot-ota/internal/content_handler"
	mqtt_middleware "github.com/benmeehan/iot-ota/internal/middlewares/mqtt"
	"github.com/benmeehan/iot-ota/internal/models"
	"github.com/benmeehan/iot-ota/internal/utils"
	"github.com/benmeehan/iot-ota/pkg/bootloader"
	"github.com/benmeehan/iot-ota/pkg/identity"
)

// UpdateService receives update commands over MQTT, drives the content
// handler and publishes one result message per operation.
type UpdateService struct {
	SubTopic   string
	DeviceInfo identity.DeviceInfoInterface
	QOS        int
	MqttClient mqtt_middleware.MQTTMiddleware
	Handler    content_handler.ContentHandler
	Rebooter   bootloader.Rebooter
	Logger     zerolog.Logger

	// pool runs one workflow at a time off the MQTT callback goroutine.
	pool      *utils.WorkerPool
	workflows cmap.ConcurrentMap[string, *models.UpdateWorkflow]
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewUpdateService creates and returns a new instance of UpdateService.
func NewUpdateService(subTopic string, deviceInfo identity.DeviceInfoInterface, qos int,
	mqttClient mqtt_middleware.MQTTMiddleware, handler content_handler.ContentHandler,
	rebooter bootloader.Rebooter, logger zerolog.Logger) *UpdateService {

	return &UpdateService{
		SubTopic:   subTopic,
		DeviceInfo: deviceInfo,
		QOS:        qos,
		MqttClient: mqttClient,
		Handler:    handler,
		Rebooter:   rebooter,
		Logger:     logger,
		workflows:  cmap.New[*models.UpdateWorkflow](),
	}
}

func (u *UpdateService) commandTopic() string {
	return u.SubTopic + "/" + u.DeviceInfo.GetDeviceID()
}

func (u *UpdateService) resultTopic() string {
	return u.commandTopic() + "/result"
}

// Start subscribes to the device's update topic.
func (u *UpdateService) Start() error {
	u.ctx, u.cancel = context.WithCancel(context.Background())
	u.pool = utils.NewWorkerPool(1)

	topic := u.commandTopic()
	if err := u.MqttClient.Subscribe(topic, byte(u.QOS), u.handleUpdateCommand); err != nil {
		u.Logger.Error().Err(err).Str("topic", topic).Msg("Failed to subscribe to update topic")
		u.cancel()
		u.pool.Shutdown()
		return err
	}
	u.Logger.Info().Str("topic", topic).Msg("Subscribed to MQTT update topic")
	return nil
}

// Stop cancels running workflows and waits for the worker to return.
func (u *UpdateService) Stop() error {
	if u.cancel == nil {
		return nil
	}
	for _, w := range u.workflows.Items() {
		w.RequestCancel()
	}
	u.cancel()
	u.pool.Shutdown()

	if err := u.MqttClient.Unsubscribe(u.commandTopic()); err != nil {
		u.Logger.Warn().Err(err).Msg("Failed to unsubscribe from update topic")
	}
	return nil
}

// handleUpdateCommand processes incoming MQTT update commands.
func (u *UpdateService) handleUpdateCommand(client MQTT.Client, msg MQTT.Message) {
	var payload models.UpdateCommandPayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		u.Logger.Error().Err(err).Msg("Failed to parse update command payload")
		return
	}
	if payload.WorkflowID == "" {
		payload.WorkflowID = uuid.NewString()
	}

	u.Logger.Info().
		Str("workflow_id", payload.WorkflowID).
		Str("action", string(payload.Action)).
		Int("files", len(payload.Files)).
		Msg("Received update command")

	switch payload.Action {
	case constants.ActionCancel:
		u.handleCancel(payload)
	case constants.ActionIsInstalled:
		w := models.NewUpdateWorkflow(payload)
		u.publishResult(w, payload.Action, u.Handler.IsInstalled(u.ctx, w))
	case constants.ActionDeploy, constants.ActionDownload, constants.ActionInstall,
		constants.ActionApply, constants.ActionBackup, constants.ActionRestore:
		u.schedule(payload)
	default:
		w := models.NewUpdateWorkflow(payload)
		w.SetResultDetails("unknown action " + string(payload.Action))
		u.publishResult(w, payload.Action, models.Result{
			ResultCode:         constants.ResultFailure,
			ExtendedResultCode: constants.ErcUnknownAction,
		})
	}
}

// handleCancel routes a cancel to the running workflow with the same ID.
func (u *UpdateService) handleCancel(payload models.UpdateCommandPayload) {
	w, ok := u.workflows.Get(payload.WorkflowID)
	if !ok {
		u.Logger.Warn().Str("workflow_id", payload.WorkflowID).Msg("No running workflow to cancel")
		u.publishResult(models.NewUpdateWorkflow(payload), constants.ActionCancel,
			models.Result{ResultCode: constants.ResultCancelUnableToCancel})
		return
	}
	u.publishResult(w, constants.ActionCancel, u.Handler.Cancel(u.ctx, w))
}

// schedule hands a workflow to the worker, refusing it while another one runs.
func (u *UpdateService) schedule(payload models.UpdateCommandPayload) {
	w := models.NewUpdateWorkflow(payload)
	if !u.workflows.SetIfAbsent(w.ID(), w) {
		w.SetResultDetails("workflow already running")
		u.publishBusy(w, payload.Action)
		return
	}

	if !u.pool.TrySubmit(func() { u.run(w, payload.Action) }) {
		u.workflows.Remove(w.ID())
		w.SetResultDetails("another workflow is running")
		u.publishBusy(w, payload.Action)
	}
}

func (u *UpdateService) publishBusy(w *models.UpdateWorkflow, action constants.UpdateAction) {
	u.Logger.Warn().Str("workflow_id", w.ID()).Msg("Update agent busy, rejecting command")
	u.publishResult(w, action, models.Result{
		ResultCode:         constants.ResultFailure,
		ExtendedResultCode: constants.ErcOperationBusy,
	})
}

// run executes one action, or the whole deploy sequence, then resets the
// device when the last operation asked for it.
func (u *UpdateService) run(w *models.UpdateWorkflow, action constants.UpdateAction) {
	defer u.workflows.Remove(w.ID())
	defer w.Complete()

	steps := []constants.UpdateAction{action}
	if action == constants.ActionDeploy {
		steps = []constants.UpdateAction{constants.ActionIsInstalled, constants.ActionDownload,
			constants.ActionInstall, constants.ActionApply}
	}

	for _, step := range steps {
		res := u.runStep(w, step)
		u.publishResult(w, step, res)

		if res.IsFailure() {
			return
		}
		if step == constants.ActionIsInstalled && res.ResultCode == constants.ResultIsInstalledInstalled {
			u.Logger.Info().Str("workflow_id", w.ID()).Msg("Update already installed, nothing to deploy")
			return
		}
	}

	if w.RebootRequested() {
		w.Complete()
		u.Logger.Info().Str("workflow_id", w.ID()).Msg("Rebooting to boot the staged image")
		u.Rebooter.SystemReset()
	}
}

func (u *UpdateService) runStep(w *models.UpdateWorkflow, step constants.UpdateAction) models.Result {
	switch step {
	case constants.ActionIsInstalled:
		return u.Handler.IsInstalled(u.ctx, w)
	case constants.ActionDownload:
		return u.Handler.Download(u.ctx, w)
	case constants.ActionInstall:
		return u.Handler.Install(u.ctx, w)
	case constants.ActionApply:
		return u.Handler.Apply(u.ctx, w)
	case constants.ActionBackup:
		return u.Handler.Backup(u.ctx, w)
	case constants.ActionRestore:
		return u.Handler.Restore(u.ctx, w)
	}
	return models.Result{ResultCode: constants.ResultFailure, ExtendedResultCode: constants.ErcUnknownAction}
}

// publishResult reports the outcome of one operation on the result topic.
func (u *UpdateService) publishResult(w *models.UpdateWorkflow, action constants.UpdateAction, res models.Result) {
	message := models.UpdateResultMessage{
		WorkflowID:         w.ID(),
		DeviceID:           u.DeviceInfo.GetDeviceID(),
		Action:             action,
		ResultCode:         res.ResultCode,
		Result:             res.ResultCode.String(),
		ExtendedResultCode: res.ExtendedResultCode,
		InstalledCriteria:  w.InstalledCriteria(),
		Timestamp:          time.Now().UTC(),
	}
	if res.IsFailure() {
		message.ResultDetails = w.ResultDetails()
	}

	data, err := json.Marshal(message)
	if err != nil {
		u.Logger.Error().Err(err).Msg("Failed to marshal update result")
		return
	}

	if err := u.MqttClient.Publish(u.resultTopic(), byte(u.QOS), false, data); err != nil {
		u.Logger.Error().Err(err).Str("workflow_id", w.ID()).Msg("Failed to publish update result")
		return
	}
	u.Logger.Info().
		Str("workflow_id", w.ID()).
		Str("action", string(action)).
		Str("result", message.Result).
		Int32("erc", int32(res.ExtendedResultCode)).
		Msg("Published update result")
}
