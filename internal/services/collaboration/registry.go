package collaboration

import (
	"log"
	"sort"
	"sync"

	"formsync/internal/clock"
	"formsync/internal/models"
)

// Registry tracks which connections are present in which document
// session. Membership snapshots are broadcast inside the same critical
// section as the mutation that produced them, so members never observe
// an older roster after a newer one.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*room   // documentID -> room
	connDocs  map[string]string  // connectionID -> documentID, lookup only
	userConns map[string]int     // userID -> live joined connections
	clock     clock.Clock

	// onSessionChange is told when a room is created (+1) or removed (-1).
	onSessionChange func(delta int)
}

type room struct {
	members map[string]*member
	nextSeq uint64
}

type member struct {
	peer        Peer
	participant models.Participant
	seq         uint64
}

// JoinResult describes the membership change a Join caused.
type JoinResult struct {
	// PreviousDocument is set when the connection left another session first.
	PreviousDocument string
	Rejoined         bool
}

func NewRegistry(clk clock.Clock) *Registry {
	return &Registry{
		sessions:  make(map[string]*room),
		connDocs:  make(map[string]string),
		userConns: make(map[string]int),
		clock:     clk,
	}
}

// Join adds the peer to documentID, leaving any other session it was in first.
// Every member of the target session, the joiner included, receives the
// new user-list-update.
func (r *Registry) Join(peer Peer, documentID string, p models.Participant) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := peer.ConnectionID()
	var result JoinResult

	if prev, ok := r.connDocs[connID]; ok {
		if prev == documentID {
			// Same session: refresh the presence metadata, keep join order.
			m := r.sessions[documentID].members[connID]
			r.userConns[m.participant.UserID]--
			if r.userConns[m.participant.UserID] <= 0 {
				delete(r.userConns, m.participant.UserID)
			}
			p.ConnectionID = connID
			p.JoinedAt = m.participant.JoinedAt
			m.participant = p
			m.peer = peer
			r.userConns[p.UserID]++
			result.Rejoined = true
			r.broadcastRosterLocked(documentID)
			return result
		}
		r.removeLocked(connID, prev)
		result.PreviousDocument = prev
	}

	rm, ok := r.sessions[documentID]
	if !ok {
		rm = &room{members: make(map[string]*member)}
		r.sessions[documentID] = rm
		r.sessionChanged(1)
	}

	p.ConnectionID = connID
	p.JoinedAt = r.clock.Now()
	rm.members[connID] = &member{peer: peer, participant: p, seq: rm.nextSeq}
	rm.nextSeq++
	r.connDocs[connID] = documentID
	r.userConns[p.UserID]++

	r.broadcastRosterLocked(documentID)
	return result
}

// Leave removes the connection from its session. It reports the
// document it left; ok is false when the connection never joined.
func (r *Registry) Leave(connectionID string) (documentID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	documentID, ok = r.connDocs[connectionID]
	if !ok {
		return "", false
	}
	r.removeLocked(connectionID, documentID)
	return documentID, true
}

// removeLocked drops a member, notifies the remaining members and
// deletes the room once empty.
func (r *Registry) removeLocked(connectionID, documentID string) {
	delete(r.connDocs, connectionID)

	rm, ok := r.sessions[documentID]
	if !ok {
		return
	}
	m, ok := rm.members[connectionID]
	if !ok {
		return
	}
	delete(rm.members, connectionID)

	if r.userConns[m.participant.UserID]--; r.userConns[m.participant.UserID] <= 0 {
		delete(r.userConns, m.participant.UserID)
	}

	if len(rm.members) == 0 {
		delete(r.sessions, documentID)
		r.sessionChanged(-1)
		return
	}
	r.broadcastRosterLocked(documentID)
}

// ListMembers returns the session roster in join order; empty when the
// session does not exist.
func (r *Registry) ListMembers(documentID string) []models.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked(documentID)
}

// Participant returns the presence of a connection and the document it is in.
func (r *Registry) Participant(connectionID string) (models.Participant, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	documentID, ok := r.connDocs[connectionID]
	if !ok {
		return models.Participant{}, "", false
	}
	m := r.sessions[documentID].members[connectionID]
	return m.participant, documentID, true
}

// HasUser reports whether any joined connection still carries userID.
func (r *Registry) HasUser(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userConns[userID] > 0
}

// SessionCount returns the number of non-empty sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Broadcast delivers msg to every member of documentID except the
// connection named by except (empty for everyone). Delivery is
// non-blocking per member; it returns how many peers accepted it.
func (r *Registry) Broadcast(documentID string, msg []byte, except string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastLocked(documentID, msg, except)
}

func (r *Registry) broadcastLocked(documentID string, msg []byte, except string) int {
	rm, ok := r.sessions[documentID]
	if !ok {
		return 0
	}
	delivered := 0
	for connID, m := range rm.members {
		if connID == except {
			continue
		}
		if m.peer.Deliver(msg) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) broadcastRosterLocked(documentID string) {
	roster := r.rosterLocked(documentID)
	users := make([]models.UserPresence, 0, len(roster))
	for _, p := range roster {
		users = append(users, p.Presence())
	}

	msg, err := models.Encode(models.EventUserListUpdate, models.UserListUpdate{
		DocumentID: documentID,
		Users:      users,
	})
	if err != nil {
		log.Printf("⚠️  Failed to encode user list for %s: %v", documentID, err)
		return
	}
	r.broadcastLocked(documentID, msg, "")
}

func (r *Registry) rosterLocked(documentID string) []models.Participant {
	rm, ok := r.sessions[documentID]
	if !ok {
		return []models.Participant{}
	}

	members := make([]*member, 0, len(rm.members))
	for _, m := range rm.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })

	out := make([]models.Participant, 0, len(members))
	for _, m := range members {
		out = append(out, m.participant)
	}
	return out
}

func (r *Registry) sessionChanged(delta int) {
	if r.onSessionChange != nil {
		r.onSessionChange(delta)
	}
}
