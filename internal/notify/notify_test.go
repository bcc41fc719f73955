package notify

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetedNotification(t *testing.T) {
	m := NewManager()
	m.SetRole("ana", "racunovoda")
	m.SetRole("ivan", "pripravnik")

	m.Notify("user:ana", &Notification{Type: "booking_approved", Title: "OK"})

	assert.Len(t, m.Unread("ana"), 1)
	assert.Empty(t, m.Unread("ivan"))
}

func TestRoleNotification(t *testing.T) {
	m := NewManager()
	m.SetRole("ana", "racunovoda")
	m.SetRole("maja", "racunovoda")
	m.SetRole("ivan", "pripravnik")

	m.Notify("role:racunovoda", &Notification{Type: "export_done", Title: "Izvoz"})

	assert.Len(t, m.Unread("ana"), 1)
	assert.Len(t, m.Unread("maja"), 1)
	assert.Empty(t, m.Unread("ivan"))
}

func TestBroadcastReachesKnownUsers(t *testing.T) {
	m := NewManager()
	// Deques exist once a user has received anything (or connected).
	m.Notify("user:ana", &Notification{Type: "seed"})
	m.Notify("user:ivan", &Notification{Type: "seed"})

	m.Notify("broadcast", &Notification{Type: "booking_proposal", Title: "Novi prijedlog"})

	assert.Len(t, m.Unread("ana"), 2)
	assert.Len(t, m.Unread("ivan"), 2)
}

func TestDequeCapEvictsOldest(t *testing.T) {
	m := NewManager()
	for i := 0; i < 150; i++ {
		m.Notify("user:ana", &Notification{Type: "n", Message: fmt.Sprintf("poruka %d", i)})
	}

	unread := m.Unread("ana")
	require.Len(t, unread, queueCap)
	assert.Equal(t, "poruka 50", unread[0].Message, "oldest fifty evicted")
	assert.Equal(t, "poruka 149", unread[len(unread)-1].Message)
}

func TestMarkRead(t *testing.T) {
	m := NewManager()
	m.Notify("user:ana", &Notification{ID: "n1", Type: "a"})
	m.Notify("user:ana", &Notification{ID: "n2", Type: "b"})

	marked := m.MarkRead("ana", []string{"n1", "missing"})
	assert.Equal(t, 1, marked)
	require.Len(t, m.Unread("ana"), 1)
	assert.Equal(t, "n2", m.Unread("ana")[0].ID)

	// Re-marking is a no-op.
	assert.Equal(t, 0, m.MarkRead("ana", []string{"n1"}))
}

func TestNotifyAssignsIDAndTimestamp(t *testing.T) {
	m := NewManager()
	n := &Notification{Type: "x"}
	m.Notify("user:ana", n)
	assert.NotEmpty(t, n.ID)
	assert.NotEmpty(t, n.Timestamp)
}

func TestDropUserReleasesState(t *testing.T) {
	m := NewManager()
	m.SetRole("ana", "racunovoda")
	m.Notify("user:ana", &Notification{Type: "x"})

	m.DropUser("ana")
	assert.Empty(t, m.Unread("ana"))

	stats := m.Stats()
	assert.Equal(t, 0, stats["users"])
}
