package kvstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	stores := map[string]Store{}
	for driver, path := range map[string]string{
		DriverMemory: "",
		DriverFile:   filepath.Join(dir, "state"),
		DriverSQLite: filepath.Join(dir, "state.db"),
		DriverBolt:   filepath.Join(dir, "state.bolt"),
	} {
		s, err := Open(driver, path)
		require.NoError(t, err, driver)
		t.Cleanup(func() { s.Close() })
		stores[driver] = s
	}
	return stores
}

func TestStore_GetMissing(t *testing.T) {
	for driver, s := range openAll(t) {
		_, err := s.Get("absent")
		assert.ErrorIs(t, err, ErrNotFound, driver)
	}
}

func TestStore_SetGetOverwrite(t *testing.T) {
	for driver, s := range openAll(t) {
		require.NoError(t, s.Set("ota_image_update_state", []byte{1, 2, 3}), driver)
		got, err := s.Get("ota_image_update_state")
		require.NoError(t, err, driver)
		assert.Equal(t, []byte{1, 2, 3}, got, driver)

		require.NoError(t, s.Set("ota_image_update_state", []byte{9}), driver)
		got, err = s.Get("ota_image_update_state")
		require.NoError(t, err, driver)
		assert.Equal(t, []byte{9}, got, driver)
	}
}

func TestStore_ValuesAreCopied(t *testing.T) {
	s := NewMemoryStore()
	value := []byte{1, 2}
	require.NoError(t, s.Set("k", value))
	value[0] = 7

	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, got)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct {
		driver string
		path   string
	}{
		{DriverFile, filepath.Join(dir, "state")},
		{DriverSQLite, filepath.Join(dir, "state.db")},
		{DriverBolt, filepath.Join(dir, "state.bolt")},
	} {
		s, err := Open(tc.driver, tc.path)
		require.NoError(t, err)
		require.NoError(t, s.Set("key/with/slash", []byte("value")))
		require.NoError(t, s.Close())

		s, err = Open(tc.driver, tc.path)
		require.NoError(t, err)
		got, err := s.Get("key/with/slash")
		require.NoError(t, err, tc.driver)
		assert.Equal(t, []byte("value"), got, tc.driver)
		require.NoError(t, s.Close())
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("etcd", "")
	assert.Error(t, err)
}
