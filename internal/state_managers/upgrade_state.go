package state_managers

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-ota/internal/constants"
	"github.com/benmeehan/iot-ota/pkg/bootloader"
	"github.com/benmeehan/iot-ota/pkg/kvstore"
)

// Encoded layout of the upgrade record, little endian, no padding.
const (
	offStageVersionValid    = 0
	offStageVersion         = 1
	offInstallRebootedValid = offStageVersion + bootloader.ImageVersionSize
	offInstallRebooted      = offInstallRebootedValid + 1
	offStageCriteriaValid   = offInstallRebooted + 1
	offStageCriteria        = offStageCriteriaValid + 1
	offReserved             = offStageCriteria + criteriaFieldSize
	offPersistCriteriaValid = offReserved + ReservedSize
	offPersistCriteria      = offPersistCriteriaValid + 1

	criteriaFieldSize = constants.InstalledCriteriaMaxChars + 1

	// ReservedSize is the length of the region a routine reset leaves alone.
	ReservedSize = 4
	// UpgradeRecordSize is the encoded size of an UpgradeRecord.
	UpgradeRecordSize = offPersistCriteria + criteriaFieldSize
)

var (
	ErrInstalledCriteriaTooLong = fmt.Errorf("installed criteria longer than %d characters", constants.InstalledCriteriaMaxChars)
	ErrNoStagedCriteria         = errors.New("no staged installed criteria to settle")
)

// UpgradeRecord is the non-volatile state carried across reboots while an
// image moves from staged to confirmed. Each field has its own valid flag
// because the record is built up one step at a time.
type UpgradeRecord struct {
	StageVersionValid bool
	StageVersion      bootloader.ImageVersion

	InstallRebootedValid bool
	InstallRebooted      bool

	StageInstalledCriteriaValid bool
	StageInstalledCriteria      string

	// Reserved survives routine resets; only a full reset clears it.
	Reserved [ReservedSize]byte

	PersistentInstalledCriteriaValid bool
	PersistentInstalledCriteria      string
}

func putBool(b []byte, off int, v bool) {
	if v {
		b[off] = 1
	} else {
		b[off] = 0
	}
}

func putCriteria(b []byte, off int, s string) {
	field := b[off : off+criteriaFieldSize]
	clear(field)
	copy(field[:constants.InstalledCriteriaMaxChars], s)
}

func getCriteria(b []byte, off int) string {
	field := b[off : off+criteriaFieldSize]
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

// MarshalBinary encodes the record in its fixed layout.
func (r UpgradeRecord) MarshalBinary() ([]byte, error) {
	if len(r.StageInstalledCriteria) > constants.InstalledCriteriaMaxChars ||
		len(r.PersistentInstalledCriteria) > constants.InstalledCriteriaMaxChars {
		return nil, ErrInstalledCriteriaTooLong
	}

	b := make([]byte, UpgradeRecordSize)
	putBool(b, offStageVersionValid, r.StageVersionValid)
	r.StageVersion.Encode(b[offStageVersion:])
	putBool(b, offInstallRebootedValid, r.InstallRebootedValid)
	putBool(b, offInstallRebooted, r.InstallRebooted)
	putBool(b, offStageCriteriaValid, r.StageInstalledCriteriaValid)
	putCriteria(b, offStageCriteria, r.StageInstalledCriteria)
	copy(b[offReserved:offReserved+ReservedSize], r.Reserved[:])
	putBool(b, offPersistCriteriaValid, r.PersistentInstalledCriteriaValid)
	putCriteria(b, offPersistCriteria, r.PersistentInstalledCriteria)
	return b, nil
}

// UnmarshalBinary decodes a record. Any length other than UpgradeRecordSize is rejected.
func (r *UpgradeRecord) UnmarshalBinary(b []byte) error {
	if len(b) != UpgradeRecordSize {
		return fmt.Errorf("upgrade record is %d bytes, want %d", len(b), UpgradeRecordSize)
	}
	*r = UpgradeRecord{
		StageVersionValid:                b[offStageVersionValid] != 0,
		StageVersion:                     bootloader.DecodeImageVersion(b[offStageVersion:]),
		InstallRebootedValid:             b[offInstallRebootedValid] != 0,
		InstallRebooted:                  b[offInstallRebooted] != 0,
		StageInstalledCriteriaValid:      b[offStageCriteriaValid] != 0,
		StageInstalledCriteria:           getCriteria(b, offStageCriteria),
		PersistentInstalledCriteriaValid: b[offPersistCriteriaValid] != 0,
		PersistentInstalledCriteria:      getCriteria(b, offPersistCriteria),
	}
	copy(r.Reserved[:], b[offReserved:offReserved+ReservedSize])
	return nil
}

// Phase is the upgrade state derived from the record's fields.
type Phase string

const (
	PhaseIdle                  Phase = "idle"
	PhaseStaged                Phase = "staged"
	PhaseAppliedPendingReboot  Phase = "applied_pending_reboot"
	PhasePostRebootUnconfirmed Phase = "post_reboot_unconfirmed"
)

// Phase derives the state machine position. Confirmation lives in the
// bootloader, so a confirmed image that has not been settled yet still reads
// as post_reboot_unconfirmed here.
func (r UpgradeRecord) Phase() Phase {
	switch {
	case r.InstallRebootedValid && r.InstallRebooted:
		return PhasePostRebootUnconfirmed
	case r.StageInstalledCriteriaValid:
		return PhaseAppliedPendingReboot
	case r.StageVersionValid:
		return PhaseStaged
	default:
		return PhaseIdle
	}
}

// UpgradeStateManager owns the upgrade record stored under a single key.
// Every mutation is one Get followed by one Set of the whole record, so an
// untimely reset leaves either the old or the new record behind.
type UpgradeStateManager struct {
	store  kvstore.Store
	key    string
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewUpgradeStateManager initializes a manager for key (the default key when empty).
func NewUpgradeStateManager(store kvstore.Store, key string, logger zerolog.Logger) *UpgradeStateManager {
	if key == "" {
		key = constants.UpgradeStateKey
	}
	return &UpgradeStateManager{
		store:  store,
		key:    key,
		logger: logger,
	}
}

// loadRaw returns the stored bytes, or nil when the key is absent or holds a
// value of the wrong size.
func (sm *UpgradeStateManager) loadRaw() ([]byte, error) {
	raw, err := sm.store.Get(sm.key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		sm.logger.Error().Err(err).Str("key", sm.key).Msg("Failed to read upgrade record")
		return nil, fmt.Errorf("failed to read upgrade record: %w", err)
	}
	if len(raw) != UpgradeRecordSize {
		sm.logger.Warn().Int("size", len(raw)).Int("expected", UpgradeRecordSize).Msg("Ignoring upgrade record of unexpected size")
		return nil, nil
	}
	return raw, nil
}

func (sm *UpgradeStateManager) storeRaw(raw []byte) error {
	if err := sm.store.Set(sm.key, raw); err != nil {
		sm.logger.Error().Err(err).Str("key", sm.key).Msg("Failed to write upgrade record")
		return fmt.Errorf("failed to write upgrade record: %w", err)
	}
	return nil
}

// Load returns the current record. A missing record reads as all fields invalid.
func (sm *UpgradeStateManager) Load() (UpgradeRecord, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var rec UpgradeRecord
	raw, err := sm.loadRaw()
	if err != nil || raw == nil {
		return rec, err
	}
	return rec, rec.UnmarshalBinary(raw)
}

// update applies fn to the current record and writes it back.
func (sm *UpgradeStateManager) update(fn func(*UpgradeRecord) error) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var rec UpgradeRecord
	raw, err := sm.loadRaw()
	if err != nil {
		return err
	}
	if raw != nil {
		if err := rec.UnmarshalBinary(raw); err != nil {
			return err
		}
	}

	if err := fn(&rec); err != nil {
		return err
	}

	out, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	return sm.storeRaw(out)
}

// Reset clears the stage fields. With includeReserved the whole record,
// reserved region and persistent criteria included, is zeroed.
func (sm *UpgradeStateManager) Reset(includeReserved bool) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	raw, err := sm.loadRaw()
	if err != nil {
		return err
	}
	if includeReserved || raw == nil {
		raw = make([]byte, UpgradeRecordSize)
	} else {
		clear(raw[:offReserved])
	}

	sm.logger.Debug().Bool("include_reserved", includeReserved).Msg("Resetting upgrade record")
	return sm.storeRaw(raw)
}

// SetStageVersion records the version of the image being staged.
func (sm *UpgradeStateManager) SetStageVersion(v bootloader.ImageVersion) error {
	return sm.update(func(r *UpgradeRecord) error {
		r.StageVersion = v
		r.StageVersionValid = true
		return nil
	})
}

// SetInstallRebooted records whether a reboot happened since apply.
func (sm *UpgradeStateManager) SetInstallRebooted(rebooted bool) error {
	return sm.update(func(r *UpgradeRecord) error {
		r.InstallRebooted = rebooted
		r.InstallRebootedValid = true
		return nil
	})
}

// SetStageInstalledCriteria keeps the criteria of the image being applied.
func (sm *UpgradeStateManager) SetStageInstalledCriteria(criteria string) error {
	if len(criteria) > constants.InstalledCriteriaMaxChars {
		return ErrInstalledCriteriaTooLong
	}
	return sm.update(func(r *UpgradeRecord) error {
		r.StageInstalledCriteria = criteria
		r.StageInstalledCriteriaValid = true
		return nil
	})
}

// SettleInstalledCriteria promotes the staged criteria to the persistent
// criteria and clears the staged copy. Call only once the bootloader reports
// the image confirmed.
func (sm *UpgradeStateManager) SettleInstalledCriteria() error {
	return sm.update(func(r *UpgradeRecord) error {
		if !r.StageInstalledCriteriaValid {
			return ErrNoStagedCriteria
		}
		r.PersistentInstalledCriteria = r.StageInstalledCriteria
		r.PersistentInstalledCriteriaValid = true
		r.StageInstalledCriteria = ""
		r.StageInstalledCriteriaValid = false
		return nil
	})
}

// InstallRebooted returns the flag and whether it is valid.
func (sm *UpgradeStateManager) InstallRebooted() (rebooted bool, valid bool, err error) {
	rec, err := sm.Load()
	return rec.InstallRebooted, rec.InstallRebootedValid, err
}

// StageVersion returns the staged version and whether it is valid.
func (sm *UpgradeStateManager) StageVersion() (bootloader.ImageVersion, bool, error) {
	rec, err := sm.Load()
	return rec.StageVersion, rec.StageVersionValid, err
}

// PersistentInstalledCriteria returns the criteria of the last confirmed
// install and whether one exists.
func (sm *UpgradeStateManager) PersistentInstalledCriteria() (string, bool, error) {
	rec, err := sm.Load()
	return rec.PersistentInstalledCriteria, rec.PersistentInstalledCriteriaValid, err
}

// Phase returns the phase of the stored record.
func (sm *UpgradeStateManager) Phase() (Phase, error) {
	rec, err := sm.Load()
	return rec.Phase(), err
}
