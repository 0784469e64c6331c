package collaboration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"formsync/internal/clock"
	"formsync/internal/middleware"
	"formsync/internal/models"
	"formsync/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
)

// Peer is one participant connection as the hub sees it.
type Peer interface {
	ConnectionID() string

	// Deliver queues msg without blocking and reports whether it was
	// accepted. A peer that cannot keep up closes itself.
	Deliver(msg []byte) bool

	// Handshake returns the identity supplied when the connection was
	// opened; join-form payload fields take precedence over it.
	Handshake() Identity

	Close()
}

// Identity is what the identity provider vouched for before the
// connection reached the hub.
type Identity struct {
	UserID    string
	UserName  *string
	UserEmail *string
}

// ValueRecorder receives every relayed field value for debounced hand-off.
type ValueRecorder interface {
	Record(documentID, fieldID string, value json.RawMessage)
}

type HubConfig struct {
	LockTimeout   time.Duration
	SweepInterval time.Duration
	TypingTimeout time.Duration

	Clock   clock.Clock
	Saver   ValueRecorder
	Metrics *telemetry.Metrics
}

// Hub is the realtime coordination service: it routes participant
// intents to the session registry, lock table and typing tracker and
// fans the results out to the document's room.
type Hub struct {
	registry *Registry
	locks    *LockTable
	typing   *TypingTracker
	sweeper  *Sweeper
	saver    ValueRecorder
	metrics  *telemetry.Metrics

	lockTimeout time.Duration

	// lockMu keeps every lock mutation and its broadcast in one step so
	// rooms see lock events in table order, sweeper included.
	lockMu sync.Mutex
	// typingMu does the same for typing start/stop and expiry.
	typingMu sync.Mutex

	clientsMu sync.Mutex
	clients   map[string]Peer
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	h := &Hub{
		registry:    NewRegistry(cfg.Clock),
		locks:       NewLockTable(cfg.Clock),
		saver:       cfg.Saver,
		metrics:     cfg.Metrics,
		lockTimeout: cfg.LockTimeout,
		clients:     make(map[string]Peer),
	}
	h.registry.onSessionChange = func(delta int) {
		if delta > 0 {
			h.metrics.SessionOpened(context.Background())
		} else {
			h.metrics.SessionClosed(context.Background())
		}
	}
	h.typing = NewTypingTracker(cfg.Clock, cfg.TypingTimeout, h.typingTimedOut)
	h.sweeper = NewSweeper(cfg.Clock, cfg.SweepInterval, func(now time.Time) { h.SweepExpired(now) })
	return h
}

// Start begins the expiry sweep loop.
func (h *Hub) Start() {
	log.Println("🔄 Starting collaboration hub...")
	h.sweeper.Start()
	log.Printf("✓ Collaboration hub started (lock timeout %s)", h.lockTimeout)
}

// Shutdown stops the sweeper and closes every open connection. Each
// connection's read loop then runs its normal disconnect cleanup.
func (h *Hub) Shutdown() {
	log.Println("🛑 Shutting down collaboration hub...")

	h.sweeper.Stop()

	h.clientsMu.Lock()
	peers := make([]Peer, 0, len(h.clients))
	for _, p := range h.clients {
		peers = append(peers, p)
	}
	h.clientsMu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	log.Printf("✓ Collaboration hub shutdown complete (%d connections closed)", len(peers))
}

// Register tracks a newly opened connection.
func (h *Hub) Register(peer Peer) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	h.clients[peer.ConnectionID()] = peer
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

// Dispatch decodes one inbound frame and applies it. Errors mean the
// intent was dropped; nothing is sent back to the peer for them.
func (h *Hub) Dispatch(ctx context.Context, peer Peer, raw []byte) error {
	// Relayed bytes go out as text frames, which must be valid UTF-8.
	if !utf8.Valid(raw) {
		return h.dropped(ctx, ErrMalformedIntent.WithMessage("frame is not valid UTF-8"))
	}

	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return h.dropped(ctx, ErrMalformedIntent.WithMessagef("invalid envelope: %v", err))
	}

	ctx, span := middleware.StartSpan(ctx, "Hub.Dispatch",
		attribute.String("event", env.Event),
		attribute.String("connection.id", peer.ConnectionID()),
	)
	defer span.End()

	var err error
	switch env.Event {
	case models.EventJoinForm:
		var req models.JoinForm
		if err = decode(env.Data, &req); err == nil {
			err = h.Join(ctx, peer, req)
		}
	case models.EventFieldUpdate:
		var req models.FieldUpdate
		if err = decode(env.Data, &req); err == nil {
			err = h.UpdateField(ctx, peer, req)
		}
	case models.EventFieldLock:
		var req models.FieldLockRequest
		if err = decode(env.Data, &req); err == nil {
			err = h.LockField(ctx, peer, req)
		}
	case models.EventFieldUnlock:
		var req models.FieldUnlockRequest
		if err = decode(env.Data, &req); err == nil {
			err = h.UnlockField(ctx, peer, req)
		}
	case models.EventTypingStart:
		var req models.TypingRequest
		if err = decode(env.Data, &req); err == nil {
			err = h.StartTyping(ctx, peer, req)
		}
	case models.EventTypingStop:
		var req models.TypingRequest
		if err = decode(env.Data, &req); err == nil {
			err = h.StopTyping(ctx, peer, req)
		}
	default:
		err = ErrUnknownEvent.WithMessagef("%q", env.Event)
	}

	if err != nil {
		middleware.AddSpanError(ctx, err)
		return h.dropped(ctx, err)
	}
	return nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ErrMalformedIntent.WithMessage("missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrMalformedIntent.WithMessagef("invalid payload: %v", err)
	}
	return nil
}

func (h *Hub) dropped(ctx context.Context, err error) error {
	code := "unknown"
	var ie *IntentError
	if errors.As(err, &ie) {
		code = ie.Code
	}
	h.metrics.IntentDropped(ctx, code)
	return err
}

// Join moves the peer into the document's session and sends it the
// locks currently held there.
func (h *Hub) Join(ctx context.Context, peer Peer, req models.JoinForm) error {
	documentID := req.Document()
	if documentID == "" {
		return ErrMalformedIntent.WithMessage("join-form requires documentId")
	}

	id := peer.Handshake()
	if req.UserID != "" {
		// A new userId replaces the handshake identity as a whole.
		id = Identity{UserID: req.UserID}
	}
	if req.UserName != nil {
		id.UserName = req.UserName
	}
	if req.UserEmail != nil {
		id.UserEmail = req.UserEmail
	}
	if id.UserID == "" {
		return ErrMalformedIntent.WithMessage("join-form requires userId")
	}

	// A connection re-joining as a different user must not strand the
	// old identity's locks.
	if prev, prevDoc, ok := h.registry.Participant(peer.ConnectionID()); ok {
		if prev.UserID != id.UserID {
			defer h.releaseIfGone(ctx, prev.UserID)
		}
		if prevDoc != documentID || prev.UserID != id.UserID {
			h.stopTypingFor(peer.ConnectionID())
		}
	}

	h.lockMu.Lock()
	defer h.lockMu.Unlock()

	result := h.registry.Join(peer, documentID, models.Participant{
		UserID:       id.UserID,
		DisplayName:  id.UserName,
		DisplayEmail: id.UserEmail,
	})

	if result.PreviousDocument != "" {
		log.Printf("  Connection %s moved from form %s to %s", peer.ConnectionID(), result.PreviousDocument, documentID)
	}
	log.Printf("  User %s joined form %s (total: %d users)", displayOf(id), documentID, len(h.registry.ListMembers(documentID)))

	locks := h.locks.Snapshot(documentID)
	infos := make([]models.LockInfo, 0, len(locks))
	for _, l := range locks {
		infos = append(infos, models.LockInfo{FieldID: l.FieldID, UserID: l.HolderUserID})
	}
	h.deliver(peer, models.EventCurrentLocks, models.CurrentLocks{DocumentID: documentID, Locks: infos})

	return nil
}

// UpdateField relays a value to the rest of the room. Locks are
// advisory: the update is forwarded whoever holds the field.
func (h *Hub) UpdateField(ctx context.Context, peer Peer, req models.FieldUpdate) error {
	documentID := req.Document()
	if _, err := h.member(peer, documentID); err != nil {
		return err
	}
	if req.FieldID == "" {
		return ErrMalformedIntent.WithMessage("field-update requires fieldId")
	}
	if err := validateValue(req.Value); err != nil {
		return err
	}

	h.broadcast(documentID, models.EventFieldUpdate, models.FieldUpdateOut{
		DocumentID: documentID,
		FieldID:    req.FieldID,
		Value:      req.Value,
	}, peer.ConnectionID())

	if h.saver != nil {
		h.saver.Record(documentID, req.FieldID, req.Value)
	}
	return nil
}

// validateValue accepts a string, number, boolean or list of strings.
func validateValue(value json.RawMessage) error {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return ErrMalformedIntent.WithMessage("field-update requires value")
	}

	switch trimmed[0] {
	case '"', 't', 'f', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var scalar any
		if err := json.Unmarshal(trimmed, &scalar); err != nil {
			return ErrMalformedIntent.WithMessagef("invalid value: %v", err)
		}
		return nil
	case '[':
		var list []string
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return ErrMalformedIntent.WithMessage("list values must contain only strings")
		}
		return nil
	default:
		return ErrMalformedIntent.WithMessagef("unsupported value %.20s", trimmed)
	}
}

// LockField tries to take the field for the peer's joined user. On
// contention only the requester hears about it.
func (h *Hub) LockField(ctx context.Context, peer Peer, req models.FieldLockRequest) error {
	documentID := req.Document()
	p, err := h.member(peer, documentID)
	if err != nil {
		return err
	}
	if req.FieldID == "" {
		return ErrMalformedIntent.WithMessage("field-lock requires fieldId")
	}
	h.checkClaimedUser(peer, p, req.UserID)

	name := req.UserName
	if name == nil {
		name = p.DisplayName
	}
	email := req.UserEmail
	if email == nil {
		email = p.DisplayEmail
	}

	h.lockMu.Lock()
	defer h.lockMu.Unlock()

	result := h.locks.TryAcquire(documentID, req.FieldID, p.UserID, deref(name))
	if !result.Acquired {
		h.metrics.LockRejected(ctx)
		middleware.AddSpanEvent(ctx, "lock.rejected",
			attribute.String("field.id", req.FieldID),
			attribute.String("holder", result.Holder.HolderUserID),
		)
		h.deliver(peer, models.EventFieldLockedByOther, models.FieldLockedByOther{
			DocumentID:   documentID,
			FieldID:      req.FieldID,
			LockedBy:     result.Holder.HolderUserID,
			LockedByName: result.Holder.HolderName,
		})
		return nil
	}

	h.metrics.LockAcquired(ctx, result.Renewed)
	if !result.Renewed {
		log.Printf("  Field lock in form %s: %s by %s", documentID, req.FieldID, p.UserID)
	}
	h.broadcast(documentID, models.EventFieldLock, models.FieldLockOut{
		DocumentID: documentID,
		FieldID:    req.FieldID,
		UserID:     p.UserID,
		UserName:   name,
		UserEmail:  email,
	}, peer.ConnectionID())
	return nil
}

// UnlockField releases the peer's lock. Releasing somebody else's lock
// is silently ignored on the wire and only shows up in diagnostics.
func (h *Hub) UnlockField(ctx context.Context, peer Peer, req models.FieldUnlockRequest) error {
	documentID := req.Document()
	p, err := h.member(peer, documentID)
	if err != nil {
		return err
	}
	if req.FieldID == "" {
		return ErrMalformedIntent.WithMessage("field-unlock requires fieldId")
	}
	h.checkClaimedUser(peer, p, req.UserID)

	h.lockMu.Lock()
	defer h.lockMu.Unlock()

	result := h.locks.Release(documentID, req.FieldID, p.UserID)
	switch result.Outcome {
	case Released:
		h.metrics.LockReleased(ctx, "explicit", 1)
		log.Printf("  Field unlock in form %s: %s by %s", documentID, req.FieldID, p.UserID)
		h.broadcast(documentID, models.EventFieldUnlock, models.FieldUnlockOut{
			DocumentID: documentID,
			FieldID:    req.FieldID,
			UserID:     p.UserID,
		}, peer.ConnectionID())
	case ReleaseDenied:
		log.Printf("⚠️  User %s tried to unlock %s/%s held by %s; ignored",
			p.UserID, documentID, req.FieldID, result.Holder.HolderUserID)
		middleware.AddSpanEvent(ctx, "lock.release_denied",
			attribute.String("field.id", req.FieldID),
			attribute.String("holder", result.Holder.HolderUserID),
			attribute.String("requester", p.UserID),
		)
	case ReleaseNotHeld:
	}
	return nil
}

func (h *Hub) StartTyping(ctx context.Context, peer Peer, req models.TypingRequest) error {
	ev, err := h.typingEvent(peer, req)
	if err != nil {
		return err
	}

	h.typingMu.Lock()
	defer h.typingMu.Unlock()

	if h.typing.Start(ev) {
		h.broadcastTyping(models.EventTypingStart, ev, ev.ConnectionID)
	}
	return nil
}

func (h *Hub) StopTyping(ctx context.Context, peer Peer, req models.TypingRequest) error {
	ev, err := h.typingEvent(peer, req)
	if err != nil {
		return err
	}

	h.typingMu.Lock()
	defer h.typingMu.Unlock()

	if stopped, ok := h.typing.Stop(ev.DocumentID, ev.FieldID, ev.UserID); ok {
		h.broadcastTyping(models.EventTypingStop, stopped, peer.ConnectionID())
	}
	return nil
}

func (h *Hub) typingEvent(peer Peer, req models.TypingRequest) (TypingEvent, error) {
	documentID := req.Document()
	p, err := h.member(peer, documentID)
	if err != nil {
		return TypingEvent{}, err
	}
	if req.FieldID == "" {
		return TypingEvent{}, ErrMalformedIntent.WithMessage("typing requires fieldId")
	}
	h.checkClaimedUser(peer, p, req.UserID)

	name := req.UserName
	if name == "" {
		name = deref(p.DisplayName)
	}
	return TypingEvent{
		DocumentID:   documentID,
		FieldID:      req.FieldID,
		UserID:       p.UserID,
		UserName:     name,
		ConnectionID: peer.ConnectionID(),
	}, nil
}

// typingTimedOut runs when a user stops sending typing-start without a
// typing-stop; the room sees the same typing-stop either way.
func (h *Hub) typingTimedOut(to TypingTimeout) {
	h.typingMu.Lock()
	defer h.typingMu.Unlock()

	if ev, ok := h.typing.Expire(to); ok {
		h.broadcastTyping(models.EventTypingStop, ev, ev.ConnectionID)
	}
}

func (h *Hub) stopTypingFor(connID string) {
	h.typingMu.Lock()
	defer h.typingMu.Unlock()

	for _, ev := range h.typing.StopAllFor(connID) {
		h.broadcastTyping(models.EventTypingStop, ev, connID)
	}
}

// broadcastTyping sends a typing event to the room except one
// connection: the sender for an explicit intent, otherwise the
// connection that started typing.
func (h *Hub) broadcastTyping(event string, ev TypingEvent, except string) {
	h.broadcast(ev.DocumentID, event, models.TypingOut{
		DocumentID: ev.DocumentID,
		FieldID:    ev.FieldID,
		UserID:     ev.UserID,
		UserName:   ev.UserName,
	}, except)
}

// Disconnect cleans up after a closed connection: its typing entries,
// its session membership, and its user's locks unless the user is
// still connected elsewhere. Safe to call more than once.
func (h *Hub) Disconnect(ctx context.Context, peer Peer) {
	connID := peer.ConnectionID()

	h.clientsMu.Lock()
	_, known := h.clients[connID]
	delete(h.clients, connID)
	h.clientsMu.Unlock()

	p, documentID, joined := h.registry.Participant(connID)

	h.stopTypingFor(connID)

	if !joined {
		if known {
			log.Printf("  Connection %s closed before joining", connID)
		}
		return
	}

	h.registry.Leave(connID)
	log.Printf("  User %s left form %s (remaining: %d users)", p.UserID, documentID, len(h.registry.ListMembers(documentID)))

	h.releaseIfGone(ctx, p.UserID)
}

// releaseIfGone frees every lock of userID once no connection carries
// that user any more.
func (h *Hub) releaseIfGone(ctx context.Context, userID string) int {
	h.lockMu.Lock()
	defer h.lockMu.Unlock()

	if h.registry.HasUser(userID) {
		return 0
	}

	released := h.locks.ReleaseAllFor(userID)
	for _, l := range released {
		h.broadcast(l.DocumentID, models.EventFieldUnlock, models.FieldUnlockOut{
			DocumentID:   l.DocumentID,
			FieldID:      l.FieldID,
			UserID:       l.HolderUserID,
			Disconnected: true,
		}, "")
	}
	h.metrics.LockReleased(ctx, "disconnected", len(released))
	if len(released) > 0 {
		log.Printf("  Released %d locks held by disconnected user %s", len(released), userID)
	}
	return len(released)
}

// SweepExpired reclaims locks idle longer than the lock timeout and
// tells each room. One key failing to notify does not stop the rest.
func (h *Hub) SweepExpired(now time.Time) int {
	h.lockMu.Lock()
	defer h.lockMu.Unlock()

	released := h.locks.SweepExpired(now, h.lockTimeout)
	for _, l := range released {
		h.notifyExpired(l)
	}
	h.metrics.LockReleased(context.Background(), "expired", len(released))
	return len(released)
}

func (h *Hub) notifyExpired(l ReleasedLock) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️  Failed to notify expiry of %s/%s: %v", l.DocumentID, l.FieldID, r)
		}
	}()

	log.Printf("  Lock on %s/%s held by %s expired", l.DocumentID, l.FieldID, l.HolderUserID)
	h.broadcast(l.DocumentID, models.EventFieldUnlock, models.FieldUnlockOut{
		DocumentID: l.DocumentID,
		FieldID:    l.FieldID,
		UserID:     l.HolderUserID,
		Expired:    true,
	}, "")
}

// Presence returns the document's roster in join order.
func (h *Hub) Presence(documentID string) []models.UserPresence {
	members := h.registry.ListMembers(documentID)
	users := make([]models.UserPresence, 0, len(members))
	for _, p := range members {
		users = append(users, p.Presence())
	}
	return users
}

// Locks returns the locks currently held in the document.
func (h *Hub) Locks(documentID string) []models.FieldLock {
	return h.locks.Snapshot(documentID)
}

// Typing returns who is typing in a field.
func (h *Hub) Typing(documentID, fieldID string) []string {
	return h.typing.Typing(documentID, fieldID)
}

// member returns the peer's participant if it has joined documentID.
func (h *Hub) member(peer Peer, documentID string) (models.Participant, error) {
	if documentID == "" {
		return models.Participant{}, ErrMalformedIntent.WithMessage("documentId is required")
	}
	p, joined, ok := h.registry.Participant(peer.ConnectionID())
	if !ok {
		return models.Participant{}, ErrNotJoined.WithMessagef("connection %s has not joined a form", peer.ConnectionID())
	}
	if joined != documentID {
		return models.Participant{}, ErrNotJoined.WithMessagef("connection %s is in form %s, not %s", peer.ConnectionID(), joined, documentID)
	}
	return p, nil
}

// checkClaimedUser logs payloads naming a user other than the one the
// connection joined as. The joined identity is always the one used.
func (h *Hub) checkClaimedUser(peer Peer, p models.Participant, claimed string) {
	if claimed != "" && claimed != p.UserID {
		log.Printf("⚠️  Connection %s claimed user %s but joined as %s; using %s",
			peer.ConnectionID(), claimed, p.UserID, p.UserID)
	}
}

func (h *Hub) broadcast(documentID, event string, payload any, except string) {
	msg, err := models.Encode(event, payload)
	if err != nil {
		log.Printf("⚠️  Failed to encode %s: %v", event, err)
		return
	}
	h.registry.Broadcast(documentID, msg, except)
}

func (h *Hub) deliver(peer Peer, event string, payload any) {
	msg, err := models.Encode(event, payload)
	if err != nil {
		log.Printf("⚠️  Failed to encode %s: %v", event, err)
		return
	}
	peer.Deliver(msg)
}

func displayOf(id Identity) string {
	if id.UserName != nil && *id.UserName != "" {
		return *id.UserName + " (" + id.UserID + ")"
	}
	if id.UserEmail != nil && *id.UserEmail != "" {
		return *id.UserEmail + " (" + id.UserID + ")"
	}
	return id.UserID
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
