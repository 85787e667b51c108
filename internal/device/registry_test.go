package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcprelay-go/internal/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewRegistry(store, zap.NewNop())
}

func TestRegisterGeneratesIdentity(t *testing.T) {
	registry := newTestRegistry(t)

	record, err := registry.Register("workbench")
	require.NoError(t, err)

	assert.Len(t, record.ID, 12)
	assert.Len(t, record.PIN, 6)
	assert.Regexp(t, `^[0-9]{6}$`, record.PIN)
	assert.Equal(t, "workbench", record.Label)

	// Identity persists.
	got, err := registry.Get(record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.PIN, got.PIN)
}

func TestRegisterIDsAreUnique(t *testing.T) {
	registry := newTestRegistry(t)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		record, err := registry.Register("")
		require.NoError(t, err)
		assert.False(t, seen[record.ID])
		seen[record.ID] = true
	}
}

func TestAuthenticate(t *testing.T) {
	registry := newTestRegistry(t)

	record, err := registry.Register("bench")
	require.NoError(t, err)

	got, err := registry.Authenticate(record.ID, record.PIN)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)

	_, err = registry.Authenticate(record.ID, "000000")
	assert.ErrorIs(t, err, ErrBadPIN)

	_, err = registry.Authenticate("missing", "123456")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestOnlineTracking(t *testing.T) {
	registry := newTestRegistry(t)

	record, err := registry.Register("")
	require.NoError(t, err)

	assert.False(t, registry.IsOnline(record.ID))

	registry.MarkOnline(record.ID)
	assert.True(t, registry.IsOnline(record.ID))

	_, ok := registry.OnlineSince(record.ID)
	assert.True(t, ok)

	registry.MarkOffline(record.ID)
	assert.False(t, registry.IsOnline(record.ID))

	// LastSeen was touched.
	got, err := registry.Get(record.ID)
	require.NoError(t, err)
	assert.False(t, got.LastSeen.IsZero())
}

func TestRemove(t *testing.T) {
	registry := newTestRegistry(t)

	record, err := registry.Register("")
	require.NoError(t, err)
	registry.MarkOnline(record.ID)

	require.NoError(t, registry.Remove(record.ID))
	assert.False(t, registry.IsOnline(record.ID))

	_, err = registry.Get(record.ID)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestList(t *testing.T) {
	registry := newTestRegistry(t)

	_, err := registry.Register("a")
	require.NoError(t, err)
	_, err = registry.Register("b")
	require.NoError(t, err)

	devices, err := registry.List()
	require.NoError(t, err)
	assert.Len(t, devices, 2)
}
