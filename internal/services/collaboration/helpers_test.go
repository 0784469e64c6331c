package collaboration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"formsync/internal/clock"
	"formsync/internal/models"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// fakePeer records every delivered frame.
type fakePeer struct {
	id       string
	identity Identity

	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func newPeer(id, userID string) *fakePeer {
	return &fakePeer{id: id, identity: Identity{UserID: userID}}
}

func (p *fakePeer) ConnectionID() string { return p.id }

func (p *fakePeer) Handshake() Identity { return p.identity }

func (p *fakePeer) Deliver(msg []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full || p.closed {
		return false
	}
	p.frames = append(p.frames, msg)
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) envelopes(t *testing.T) []models.Envelope {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.Envelope, 0, len(p.frames))
	for _, f := range p.frames {
		var env models.Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env)
	}
	return out
}

// received decodes every frame of the given event into a fresh T.
func received[T any](t *testing.T, p *fakePeer, event string) []T {
	t.Helper()
	var out []T
	for _, env := range p.envelopes(t) {
		if env.Event != event {
			continue
		}
		var v T
		require.NoError(t, json.Unmarshal(env.Data, &v))
		out = append(out, v)
	}
	return out
}

func (p *fakePeer) events(t *testing.T) []string {
	t.Helper()
	var names []string
	for _, env := range p.envelopes(t) {
		names = append(names, env.Event)
	}
	return names
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = nil
}

func newTestHub(t *testing.T) (*Hub, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	h := NewHub(HubConfig{
		LockTimeout:   30 * time.Second,
		SweepInterval: 5 * time.Second,
		TypingTimeout: time.Second,
		Clock:         clk,
	})
	return h, clk
}

func send(t *testing.T, h *Hub, p Peer, event string, payload any) error {
	t.Helper()
	raw, err := models.Encode(event, payload)
	require.NoError(t, err)
	return h.Dispatch(context.Background(), p, raw)
}

func mustSend(t *testing.T, h *Hub, p Peer, event string, payload any) {
	t.Helper()
	require.NoError(t, send(t, h, p, event, payload))
}

func join(t *testing.T, h *Hub, p *fakePeer, documentID string) {
	t.Helper()
	h.Register(p)
	mustSend(t, h, p, models.EventJoinForm, models.JoinForm{
		DocumentRef: models.DocumentRef{DocumentID: documentID},
		UserID:      p.identity.UserID,
	})
}

func doc(id string) models.DocumentRef {
	return models.DocumentRef{DocumentID: id}
}

func strPtr(s string) *string { return &s }
