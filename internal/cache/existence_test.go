package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/storage"
)

func TestExistenceStatuses(t *testing.T) {
	clock := newFakeClock()
	existence, err := NewExistence(storage.NewMemory(), Options{Now: clock.Now})
	require.NoError(t, err)

	assert.Equal(t, StatusUnknown, existence.Check("val_001"))

	require.NoError(t, existence.MarkNotExists("val_001"))
	assert.Equal(t, StatusNotExists, existence.Check("val_001"))

	require.NoError(t, existence.MarkExists("val_001"))
	assert.Equal(t, StatusExists, existence.Check("val_001"))

	require.NoError(t, existence.Forget("val_001"))
	assert.Equal(t, StatusUnknown, existence.Check("val_001"))
}

func TestExistenceDefaultTTL(t *testing.T) {
	clock := newFakeClock()
	existence, err := NewExistence(storage.NewMemory(), Options{Now: clock.Now})
	require.NoError(t, err)
	require.NoError(t, existence.MarkExists("val_001"))

	clock.Advance(29 * time.Minute)
	assert.Equal(t, StatusExists, existence.Check("val_001"))
	clock.Advance(time.Minute)
	assert.Equal(t, StatusUnknown, existence.Check("val_001"))
}

func TestExistenceLookupSurfacesErrors(t *testing.T) {
	boom := errors.New("quota exceeded")
	existence, err := NewExistence(brokenStorage{Storage: storage.NewMemory(), err: boom}, Options{})
	require.NoError(t, err)

	status, err := existence.Lookup("val_001")
	assert.Equal(t, StatusUnknown, status)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StatusUnknown, existence.Check("val_001"))
}
