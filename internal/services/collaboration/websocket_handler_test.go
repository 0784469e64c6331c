package collaboration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"formsync/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, originAllowed func(string) bool) (*Hub, string) {
	t.Helper()
	h := NewHub(HubConfig{
		LockTimeout:   30 * time.Second,
		SweepInterval: time.Second,
		TypingTimeout: time.Second,
	})
	h.Start()

	srv := httptest.NewServer(http.HandlerFunc(NewWebSocketHandler(h, originAllowed).HandleConnection))
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func allowAll(string) bool { return true }

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	raw, err := models.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

// expect reads frames until one carries event, and decodes it.
func expect[T any](t *testing.T, conn *websocket.Conn, event string) T {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)

		var env models.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Event != event {
			continue
		}
		var v T
		require.NoError(t, json.Unmarshal(env.Data, &v))
		return v
	}
}

func TestWebSocketLockFlow(t *testing.T) {
	h, url := startServer(t, allowAll)

	alice := dial(t, url+"?user_id=alice&user_name=Alice")
	bob := dial(t, url+"?user_id=bob")

	write(t, alice, models.EventJoinForm, models.JoinForm{DocumentRef: doc("form-1")})
	expect[models.CurrentLocks](t, alice, models.EventCurrentLocks)

	write(t, bob, models.EventJoinForm, models.JoinForm{DocumentRef: doc("form-1")})
	expect[models.CurrentLocks](t, bob, models.EventCurrentLocks)

	roster := expect[models.UserListUpdate](t, alice, models.EventUserListUpdate)
	for len(roster.Users) < 2 {
		roster = expect[models.UserListUpdate](t, alice, models.EventUserListUpdate)
	}
	assert.Equal(t, []string{"alice", "bob"}, rosterIDs(roster.Users))
	assert.Equal(t, "Alice", *roster.Users[0].Name)

	write(t, alice, models.EventFieldLock, lockReq("form-1", "email"))
	lock := expect[models.FieldLockOut](t, bob, models.EventFieldLock)
	assert.Equal(t, "alice", lock.UserID)
	assert.Equal(t, "Alice", *lock.UserName)

	write(t, bob, models.EventFieldLock, lockReq("form-1", "email"))
	rejected := expect[models.FieldLockedByOther](t, bob, models.EventFieldLockedByOther)
	assert.Equal(t, "alice", rejected.LockedBy)
	assert.Equal(t, "Alice", rejected.LockedByName)

	write(t, alice, models.EventFieldUpdate, models.FieldUpdate{
		DocumentRef: doc("form-1"), FieldID: "email", Value: json.RawMessage(`"a@example.com"`),
	})
	update := expect[models.FieldUpdateOut](t, bob, models.EventFieldUpdate)
	assert.JSONEq(t, `"a@example.com"`, string(update.Value))

	// Closing alice's socket releases her lock for everyone left.
	require.NoError(t, alice.Close())
	unlock := expect[models.FieldUnlockOut](t, bob, models.EventFieldUnlock)
	assert.Equal(t, "email", unlock.FieldID)
	assert.True(t, unlock.Disconnected)

	require.Eventually(t, func() bool { return h.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.Locks("form-1"))
}

func TestWebSocketMalformedFrameKeepsConnection(t *testing.T) {
	_, url := startServer(t, allowAll)
	conn := dial(t, url+"?user_id=carol")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	write(t, conn, models.EventJoinForm, models.JoinForm{DocumentRef: doc("form-2")})

	current := expect[models.CurrentLocks](t, conn, models.EventCurrentLocks)
	assert.Equal(t, "form-2", current.DocumentID)
}

func TestWebSocketGuestIdentity(t *testing.T) {
	h, url := startServer(t, allowAll)
	conn := dial(t, url)

	write(t, conn, models.EventJoinForm, models.JoinForm{DocumentRef: doc("form-3")})
	roster := expect[models.UserListUpdate](t, conn, models.EventUserListUpdate)
	require.Len(t, roster.Users, 1)
	assert.True(t, strings.HasPrefix(roster.Users[0].ID, "guest-"))
	assert.Equal(t, roster.Users[0].ID, h.Presence("form-3")[0].ID)
}

func TestWebSocketRejectsOrigin(t *testing.T) {
	_, url := startServer(t, func(origin string) bool { return origin == "https://forms.example.com" })

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://forms.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}
