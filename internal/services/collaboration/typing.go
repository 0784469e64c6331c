package collaboration

import (
	"sort"
	"sync"
	"time"

	"formsync/internal/clock"
)

// TypingEvent identifies one user typing in one field.
type TypingEvent struct {
	DocumentID   string
	FieldID      string
	UserID       string
	UserName     string
	ConnectionID string
}

// TypingTimeout is handed to the tracker's timeout handler when a
// debounce window elapses. Pass it back to Expire to clear the entry.
type TypingTimeout struct {
	key    fieldKey
	userID string
	gen    uint64
}

type typingEntry struct {
	event TypingEvent
	timer *clock.Timer
	gen   uint64
}

// TypingTracker keeps the advisory "who is typing where" sets. Each
// (field, user) entry has its own timer; an entry that is not stopped
// within the window is reported to onTimeout.
type TypingTracker struct {
	mu      sync.Mutex
	entries map[fieldKey]map[string]*typingEntry
	byConn  map[string]map[TypingTimeout]struct{}
	nextGen uint64

	window    time.Duration
	clock     clock.Clock
	onTimeout func(TypingTimeout)
}

// NewTypingTracker creates a tracker. onTimeout runs on the timer's
// goroutine without the tracker's mutex held; nil clears expired
// entries silently.
func NewTypingTracker(clk clock.Clock, window time.Duration, onTimeout func(TypingTimeout)) *TypingTracker {
	t := &TypingTracker{
		entries:   make(map[fieldKey]map[string]*typingEntry),
		byConn:    make(map[string]map[TypingTimeout]struct{}),
		window:    window,
		clock:     clk,
		onTimeout: onTimeout,
	}
	if t.onTimeout == nil {
		t.onTimeout = func(to TypingTimeout) { t.Expire(to) }
	}
	return t
}

// Start marks the user as typing and (re)arms their timer. It reports
// whether the user was not already typing in that field.
func (t *TypingTracker) Start(ev TypingEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := fieldKey{ev.DocumentID, ev.FieldID}
	users := t.entries[key]
	if users == nil {
		users = make(map[string]*typingEntry)
		t.entries[key] = users
	}

	existing, wasTyping := users[ev.UserID]
	if wasTyping {
		existing.timer.Stop()
		t.untrackLocked(existing)
	}

	t.nextGen++
	entry := &typingEntry{event: ev, gen: t.nextGen}
	to := TypingTimeout{key: key, userID: ev.UserID, gen: entry.gen}
	entry.timer = t.clock.AfterFunc(t.window, func() { t.onTimeout(to) })
	users[ev.UserID] = entry
	t.trackLocked(entry)

	return !wasTyping
}

// Stop clears the user's entry immediately and cancels its timer.
func (t *TypingTracker) Stop(documentID, fieldID, userID string) (TypingEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := fieldKey{documentID, fieldID}
	entry, ok := t.entries[key][userID]
	if !ok {
		return TypingEvent{}, false
	}
	entry.timer.Stop()
	t.removeLocked(key, userID, entry)
	return entry.event, true
}

// Expire clears the entry a timeout refers to, unless Start re-armed or
// Stop cleared it since the timer was scheduled.
func (t *TypingTracker) Expire(to TypingTimeout) (TypingEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[to.key][to.userID]
	if !ok || entry.gen != to.gen {
		return TypingEvent{}, false
	}
	t.removeLocked(to.key, to.userID, entry)
	return entry.event, true
}

// StopAllFor cancels every entry started by a connection.
func (t *TypingTracker) StopAllFor(connectionID string) []TypingEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	owned := t.byConn[connectionID]
	stopped := make([]TypingEvent, 0, len(owned))
	for to := range owned {
		entry, ok := t.entries[to.key][to.userID]
		if !ok || entry.gen != to.gen {
			continue
		}
		entry.timer.Stop()
		t.removeLocked(to.key, to.userID, entry)
		stopped = append(stopped, entry.event)
	}
	delete(t.byConn, connectionID)

	sort.Slice(stopped, func(i, j int) bool {
		if stopped[i].DocumentID != stopped[j].DocumentID {
			return stopped[i].DocumentID < stopped[j].DocumentID
		}
		return stopped[i].FieldID < stopped[j].FieldID
	})
	return stopped
}

// Typing returns the users currently typing in a field.
func (t *TypingTracker) Typing(documentID, fieldID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.entries[fieldKey{documentID, fieldID}]
	out := make([]string, 0, len(users))
	for userID := range users {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

func (t *TypingTracker) removeLocked(key fieldKey, userID string, entry *typingEntry) {
	users := t.entries[key]
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, key)
	}
	t.untrackLocked(entry)
}

func (t *TypingTracker) trackLocked(entry *typingEntry) {
	conn := entry.event.ConnectionID
	if t.byConn[conn] == nil {
		t.byConn[conn] = make(map[TypingTimeout]struct{})
	}
	t.byConn[conn][entry.timeout()] = struct{}{}
}

func (t *TypingTracker) untrackLocked(entry *typingEntry) {
	conn := entry.event.ConnectionID
	if owned := t.byConn[conn]; owned != nil {
		delete(owned, entry.timeout())
		if len(owned) == 0 {
			delete(t.byConn, conn)
		}
	}
}

func (e *typingEntry) timeout() TypingTimeout {
	return TypingTimeout{
		key:    fieldKey{e.event.DocumentID, e.event.FieldID},
		userID: e.event.UserID,
		gen:    e.gen,
	}
}
