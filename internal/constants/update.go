package constants

// UpdateAction is the action field of an update command.
type UpdateAction string

const (
	ActionDeploy      UpdateAction = "deploy"
	ActionDownload    UpdateAction = "download"
	ActionInstall     UpdateAction = "install"
	ActionApply       UpdateAction = "apply"
	ActionBackup      UpdateAction = "backup"
	ActionRestore     UpdateAction = "restore"
	ActionCancel      UpdateAction = "cancel"
	ActionIsInstalled UpdateAction = "is_installed"
)

// UpgradeStateKey is the single state store key holding the upgrade record.
const UpgradeStateKey = "ota_image_update_state"

// InstalledCriteriaMaxChars bounds the installed criteria strings kept in the
// upgrade record.
const InstalledCriteriaMaxChars = 64

// RebootExitCode is the process exit status the agent uses to ask its
// supervisor for a restart after an apply.
const RebootExitCode = 75

const (
	DefaultReadBlockSize = 1024
	DefaultChunkSize     = 4096
)
