package constants

// ResultCode values follow the device update agent numbering so results can
// be forwarded to an existing update service unchanged.
type ResultCode int32

const (
	ResultFailure          ResultCode = 0
	ResultFailureCancelled ResultCode = -1
	ResultSuccess          ResultCode = 1

	ResultDownloadSuccess    ResultCode = 500
	ResultDownloadInProgress ResultCode = 501

	ResultInstallSuccess        ResultCode = 600
	ResultInstallInProgress     ResultCode = 601
	ResultInstallRequiredReboot ResultCode = 605

	ResultApplySuccess                 ResultCode = 700
	ResultApplyInProgress              ResultCode = 701
	ResultApplyRequiredReboot          ResultCode = 705
	ResultApplyRequiredImmediateReboot ResultCode = 706

	ResultCancelSuccess        ResultCode = 800
	ResultCancelUnableToCancel ResultCode = 801

	ResultIsInstalledInstalled    ResultCode = 900
	ResultIsInstalledNotInstalled ResultCode = 901

	ResultBackupSuccess            ResultCode = 1000
	ResultBackupSuccessUnsupported ResultCode = 1001

	ResultRestoreSuccess            ResultCode = 1100
	ResultRestoreSuccessUnsupported ResultCode = 1101
)

// IsFailure reports whether the code belongs to the failure family.
func (c ResultCode) IsFailure() bool {
	return c <= ResultFailure
}

var resultNames = map[ResultCode]string{
	ResultFailure:                      "Failure",
	ResultFailureCancelled:             "Failure_Cancelled",
	ResultSuccess:                      "Success",
	ResultDownloadSuccess:              "Download_Success",
	ResultDownloadInProgress:           "Download_InProgress",
	ResultInstallSuccess:               "Install_Success",
	ResultInstallInProgress:            "Install_InProgress",
	ResultInstallRequiredReboot:        "Install_RequiredReboot",
	ResultApplySuccess:                 "Apply_Success",
	ResultApplyInProgress:              "Apply_InProgress",
	ResultApplyRequiredReboot:          "Apply_RequiredReboot",
	ResultApplyRequiredImmediateReboot: "Apply_RequiredImmediateReboot",
	ResultCancelSuccess:                "Cancel_Success",
	ResultCancelUnableToCancel:         "Cancel_UnableToCancel",
	ResultIsInstalledInstalled:         "IsInstalled_Installed",
	ResultIsInstalledNotInstalled:      "IsInstalled_NotInstalled",
	ResultBackupSuccess:                "Backup_Success",
	ResultBackupSuccessUnsupported:     "Backup_Success_Unsupported",
	ResultRestoreSuccess:               "Restore_Success",
	ResultRestoreSuccessUnsupported:    "Restore_Success_Unsupported",
}

func (c ResultCode) String() string {
	if name, ok := resultNames[c]; ok {
		return name
	}
	return "Unknown"
}

// ExtendedResultCode names the cause of a failure. The high byte is the
// facility (0x30 for the firmware stager), the rest a cause number.
type ExtendedResultCode int32

const erc = 0x30000000

const (
	ErcNone                     ExtendedResultCode = 0
	ErcInvalidFileCount         ExtendedResultCode = erc | 0x001
	ErcInvalidImageMagic        ExtendedResultCode = erc | 0x002
	ErcImageSizeMismatch        ExtendedResultCode = erc | 0x003
	ErcImageTooLarge            ExtendedResultCode = erc | 0x004
	ErcTransport                ExtendedResultCode = erc | 0x005
	ErcHashMismatch             ExtendedResultCode = erc | 0x006
	ErcUnsupportedHashAlgorithm ExtendedResultCode = erc | 0x007
	ErcBlockDevice              ExtendedResultCode = erc | 0x008
	ErcStateStore               ExtendedResultCode = erc | 0x009
	ErcMissingInstalledCriteria ExtendedResultCode = erc | 0x00A
	ErcInstalledCriteriaTooLong ExtendedResultCode = erc | 0x00B
	ErcBootloader               ExtendedResultCode = erc | 0x00C
	ErcDowngradeRejected        ExtendedResultCode = erc | 0x00D
	ErcOperationBusy            ExtendedResultCode = erc | 0x00E
	ErcUnknownAction            ExtendedResultCode = erc | 0x00F
	ErcInvalidActiveImage       ExtendedResultCode = erc | 0x010
)
