package sessions

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxlight/backend/internal/apperr"
)

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	current := time.Date(2026, 2, 15, 8, 0, 0, 0, time.Local)
	m := NewManager(15, 60)
	m.now = func() time.Time { return current }
	return m, &current
}

func TestCreateReusesLiveSession(t *testing.T) {
	m, _ := newTestManager(t)

	first, err := m.Create("ana", "Ana K.")
	require.NoError(t, err)
	second, err := m.Create("ana", "Ana K.")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, m.Active())
}

func TestSixteenthSessionRefused(t *testing.T) {
	m, _ := newTestManager(t)

	for i := 0; i < 15; i++ {
		_, err := m.Create(fmt.Sprintf("user%02d", i), "")
		require.NoError(t, err)
	}
	assert.Equal(t, 15, m.Active())

	// Idle-but-unexpired sessions still count toward the cap.
	_, err := m.Create("user16", "")
	require.Error(t, err)
	assert.Equal(t, apperr.QueueFull, apperr.KindOf(err))
}

func TestIdleExpiryFreesSlots(t *testing.T) {
	m, current := newTestManager(t)

	s, err := m.Create("ana", "")
	require.NoError(t, err)

	*current = current.Add(59 * time.Minute)
	_, err = m.Get(s.ID)
	require.NoError(t, err, "refreshed before the TTL")

	*current = current.Add(61 * time.Minute)
	_, err = m.Get(s.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	assert.Equal(t, 0, m.Active())

	// The freed slot is reusable.
	_, err = m.Create("ana", "")
	assert.NoError(t, err)
}

func TestGetRefreshesIdleClock(t *testing.T) {
	m, current := newTestManager(t)
	s, err := m.Create("ana", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		*current = current.Add(45 * time.Minute)
		_, err = m.Get(s.ID)
		require.NoError(t, err, "touch %d", i)
	}
}

func TestCountersAndWorkspace(t *testing.T) {
	m, _ := newTestManager(t)
	s, err := m.Create("ana", "Ana K.")
	require.NoError(t, err)

	require.NoError(t, m.SetActiveClient(s.ID, "hep"))
	m.RecordMessage(s.ID)
	m.RecordMessage(s.ID)
	m.RecordBooking(s.ID, false)
	m.RecordBooking(s.ID, true)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "hep", got.ActiveClient)
	assert.Equal(t, 2, got.Messages)
	assert.Equal(t, 2, got.Proposals)
	assert.Equal(t, 1, got.Approvals)
}

func TestEndRemovesSession(t *testing.T) {
	m, _ := newTestManager(t)
	s, err := m.Create("ana", "")
	require.NoError(t, err)

	m.End(s.ID)
	_, err = m.Get(s.ID)
	assert.Error(t, err)
	assert.Equal(t, 0, m.Active())
}
