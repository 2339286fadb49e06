package state_managers

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-ota/internal/constants"
	"github.com/benmeehan/iot-ota/pkg/bootloader"
	"github.com/benmeehan/iot-ota/pkg/kvstore"
)

// countingStore records how often the manager touches the store.
type countingStore struct {
	kvstore.Store
	gets, sets int
}

func (c *countingStore) Get(key string) ([]byte, error) {
	c.gets++
	return c.Store.Get(key)
}

func (c *countingStore) Set(key string, value []byte) error {
	c.sets++
	return c.Store.Set(key, value)
}

func newManager() (*UpgradeStateManager, *countingStore) {
	store := &countingStore{Store: kvstore.NewMemoryStore()}
	return NewUpgradeStateManager(store, "", zerolog.Nop()), store
}

func TestUpgradeRecord_Layout(t *testing.T) {
	assert.Equal(t, 147, UpgradeRecordSize)
	assert.Equal(t, 77, offReserved)

	rec := UpgradeRecord{
		StageVersionValid:                true,
		StageVersion:                     bootloader.ImageVersion{Major: 1, Minor: 2, Revision: 3, Build: 4},
		InstallRebootedValid:             true,
		InstallRebooted:                  true,
		StageInstalledCriteriaValid:      true,
		StageInstalledCriteria:           "C1",
		Reserved:                         [ReservedSize]byte{0xde, 0xad, 0xbe, 0xef},
		PersistentInstalledCriteriaValid: true,
		PersistentInstalledCriteria:      "C0",
	}
	raw, err := rec.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, UpgradeRecordSize)

	assert.Equal(t, []byte{1, 1, 2, 3, 0, 4, 0, 0, 0, 1, 1, 1, 'C', '1', 0}, raw[:15])
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef, 1, 'C', '0', 0}, raw[77:85])

	var decoded UpgradeRecord
	require.NoError(t, decoded.UnmarshalBinary(raw))
	assert.Equal(t, rec, decoded)
}

func TestUpgradeStateManager_EmptyStoreIsIdle(t *testing.T) {
	sm, _ := newManager()

	rec, err := sm.Load()
	require.NoError(t, err)
	assert.Equal(t, UpgradeRecord{}, rec)

	phase, err := sm.Phase()
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, phase)
}

func TestUpgradeStateManager_WrongSizeReadsAsAbsent(t *testing.T) {
	sm, store := newManager()
	require.NoError(t, store.Set(constants.UpgradeStateKey, []byte{1, 1, 1}))

	rec, err := sm.Load()
	require.NoError(t, err)
	assert.Equal(t, UpgradeRecord{}, rec)

	require.NoError(t, sm.SetInstallRebooted(false))
	raw, err := store.Get(constants.UpgradeStateKey)
	require.NoError(t, err)
	assert.Len(t, raw, UpgradeRecordSize)
}

func TestUpgradeStateManager_OneRoundTripPerMutation(t *testing.T) {
	sm, store := newManager()

	mutations := []func() error{
		func() error { return sm.Reset(false) },
		func() error { return sm.SetStageVersion(bootloader.ImageVersion{Major: 2}) },
		func() error { return sm.SetStageInstalledCriteria("C1") },
		func() error { return sm.SetInstallRebooted(true) },
		func() error { return sm.SettleInstalledCriteria() },
		func() error { return sm.Reset(true) },
	}
	for _, m := range mutations {
		store.gets, store.sets = 0, 0
		require.NoError(t, m())
		assert.Equal(t, 1, store.gets)
		assert.Equal(t, 1, store.sets)
	}
}

func TestUpgradeStateManager_RoutineResetPreservesReservedAndPersistent(t *testing.T) {
	sm, store := newManager()

	rec := UpgradeRecord{
		StageVersionValid:                true,
		StageVersion:                     bootloader.ImageVersion{Major: 1},
		StageInstalledCriteriaValid:      true,
		StageInstalledCriteria:           "C2",
		Reserved:                         [ReservedSize]byte{1, 2, 3, 4},
		PersistentInstalledCriteriaValid: true,
		PersistentInstalledCriteria:      "C1",
	}
	raw, err := rec.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, store.Set(constants.UpgradeStateKey, raw))

	require.NoError(t, sm.Reset(false))

	after, err := store.Get(constants.UpgradeStateKey)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, offReserved), after[:offReserved])
	assert.Equal(t, raw[offReserved:], after[offReserved:])

	require.NoError(t, sm.Reset(true))
	after, err = store.Get(constants.UpgradeStateKey)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, UpgradeRecordSize), after)
}

func TestUpgradeStateManager_PhasesAndSettle(t *testing.T) {
	sm, _ := newManager()

	require.NoError(t, sm.Reset(false))
	require.NoError(t, sm.SetStageVersion(bootloader.ImageVersion{Major: 1, Minor: 1}))
	phase, _ := sm.Phase()
	assert.Equal(t, PhaseStaged, phase)

	require.NoError(t, sm.SetStageInstalledCriteria("C1"))
	require.NoError(t, sm.SetInstallRebooted(false))
	phase, _ = sm.Phase()
	assert.Equal(t, PhaseAppliedPendingReboot, phase)

	require.NoError(t, sm.SetInstallRebooted(true))
	phase, _ = sm.Phase()
	assert.Equal(t, PhasePostRebootUnconfirmed, phase)

	require.NoError(t, sm.SettleInstalledCriteria())
	criteria, valid, err := sm.PersistentInstalledCriteria()
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, "C1", criteria)

	rec, err := sm.Load()
	require.NoError(t, err)
	assert.False(t, rec.StageInstalledCriteriaValid)
	assert.Empty(t, rec.StageInstalledCriteria)

	require.NoError(t, sm.Reset(false))
	phase, _ = sm.Phase()
	assert.Equal(t, PhaseIdle, phase)
	criteria, valid, _ = sm.PersistentInstalledCriteria()
	assert.True(t, valid)
	assert.Equal(t, "C1", criteria)
}

func TestUpgradeStateManager_SettleWithoutStage(t *testing.T) {
	sm, _ := newManager()
	assert.ErrorIs(t, sm.SettleInstalledCriteria(), ErrNoStagedCriteria)
}

func TestUpgradeStateManager_CriteriaLength(t *testing.T) {
	sm, _ := newManager()

	assert.NoError(t, sm.SetStageInstalledCriteria(strings.Repeat("x", 64)))
	assert.ErrorIs(t, sm.SetStageInstalledCriteria(strings.Repeat("x", 65)), ErrInstalledCriteriaTooLong)

	rec, err := sm.Load()
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 64), rec.StageInstalledCriteria)
}
