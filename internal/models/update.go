package models

import (
	"time"

	"github.com/benmeehan/iot-ota/internal/constants"
)

// FileHash is one entry of a file's hash list. Value is base64 encoded.
type FileHash struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// FileEntity describes one payload file of an update.
type FileEntity struct {
	FileID         string     `json:"file_id"`
	DownloadURI    string     `json:"download_uri"`
	TargetFilename string     `json:"target_filename"`
	SizeInBytes    int64      `json:"size_in_bytes"`
	Hashes         []FileHash `json:"hashes"`
}

// UpdateCommandPayload is the body of a command received on the update topic.
type UpdateCommandPayload struct {
	WorkflowID        string                 `json:"workflow_id"`
	Action            constants.UpdateAction `json:"action"`
	InstalledCriteria string                 `json:"installed_criteria"`
	Files             []FileEntity           `json:"files"`
}

// Result is the (result code, extended result code) pair every content
// handler operation returns.
type Result struct {
	ResultCode         constants.ResultCode         `json:"result_code"`
	ExtendedResultCode constants.ExtendedResultCode `json:"extended_result_code"`
}

// IsFailure reports whether the result belongs to the failure family.
func (r Result) IsFailure() bool {
	return r.ResultCode.IsFailure()
}

// UpdateResultMessage is published on the result topic after each action.
type UpdateResultMessage struct {
	WorkflowID         string                       `json:"workflow_id"`
	DeviceID           string                       `json:"device_id"`
	Action             constants.UpdateAction       `json:"action"`
	ResultCode         constants.ResultCode         `json:"result_code"`
	Result             string                       `json:"result"`
	ExtendedResultCode constants.ExtendedResultCode `json:"extended_result_code"`
	ResultDetails      string                       `json:"result_details,omitempty"`
	InstalledCriteria  string                       `json:"installed_criteria,omitempty"`
	Timestamp          time.Time                    `json:"timestamp"`
}
