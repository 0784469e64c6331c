package collaboration

import (
	"sort"
	"sync"
	"time"

	"formsync/internal/clock"
	"formsync/internal/models"
)

type fieldKey struct {
	documentID string
	fieldID    string
}

// AcquireResult is the outcome of TryAcquire. When Acquired is false,
// Holder names the user who owns the field.
type AcquireResult struct {
	Acquired bool
	Renewed  bool
	Holder   models.FieldLock
}

type ReleaseOutcome int

const (
	// ReleaseNotHeld means the field was not locked.
	ReleaseNotHeld ReleaseOutcome = iota
	Released
	// ReleaseDenied means another user holds the lock; nothing changed.
	ReleaseDenied
)

func (o ReleaseOutcome) String() string {
	switch o {
	case Released:
		return "released"
	case ReleaseDenied:
		return "denied"
	default:
		return "not_held"
	}
}

type ReleaseResult struct {
	Outcome ReleaseOutcome
	Holder  models.FieldLock
}

// ReleasedLock is a lock removed by ReleaseAllFor or SweepExpired.
type ReleasedLock struct {
	models.FieldLock
	Expired bool
}

// LockTable arbitrates exclusive per-field edit locks. A single mutex
// serializes every operation, so of any number of concurrent
// TryAcquire calls on an unlocked key exactly one observes it unlocked.
type LockTable struct {
	mu     sync.Mutex
	locks  map[fieldKey]*models.FieldLock
	byUser map[string]map[fieldKey]struct{}
	clock  clock.Clock
}

func NewLockTable(clk clock.Clock) *LockTable {
	return &LockTable{
		locks:  make(map[fieldKey]*models.FieldLock),
		byUser: make(map[string]map[fieldKey]struct{}),
		clock:  clk,
	}
}

// TryAcquire locks the field for userID. A repeat acquire by the
// holder renews acquiredAt in place.
func (t *LockTable) TryAcquire(documentID, fieldID, userID, holderName string) AcquireResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := fieldKey{documentID, fieldID}
	now := t.clock.Now()

	if lock, ok := t.locks[key]; ok {
		if lock.HolderUserID != userID {
			return AcquireResult{Holder: *lock}
		}
		lock.AcquiredAt = now
		if holderName != "" {
			lock.HolderName = holderName
		}
		return AcquireResult{Acquired: true, Renewed: true, Holder: *lock}
	}

	lock := &models.FieldLock{
		DocumentID:   documentID,
		FieldID:      fieldID,
		HolderUserID: userID,
		HolderName:   holderName,
		AcquiredAt:   now,
	}
	t.locks[key] = lock
	if t.byUser[userID] == nil {
		t.byUser[userID] = make(map[fieldKey]struct{})
	}
	t.byUser[userID][key] = struct{}{}

	return AcquireResult{Acquired: true, Holder: *lock}
}

// Release removes userID's lock on the field. Another user's lock is
// left untouched and reported as ReleaseDenied.
func (t *LockTable) Release(documentID, fieldID, userID string) ReleaseResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := fieldKey{documentID, fieldID}
	lock, ok := t.locks[key]
	if !ok {
		return ReleaseResult{Outcome: ReleaseNotHeld}
	}
	if lock.HolderUserID != userID {
		return ReleaseResult{Outcome: ReleaseDenied, Holder: *lock}
	}

	t.deleteLocked(key, lock)
	return ReleaseResult{Outcome: Released, Holder: *lock}
}

// ReleaseAllFor drops every lock userID holds, across all documents.
func (t *LockTable) ReleaseAllFor(userID string) []ReleasedLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := t.byUser[userID]
	released := make([]ReleasedLock, 0, len(keys))
	for key := range keys {
		lock := t.locks[key]
		t.deleteLocked(key, lock)
		released = append(released, ReleasedLock{FieldLock: *lock})
	}
	sortReleased(released)
	return released
}

// SweepExpired drops every lock idle for longer than timeout.
func (t *LockTable) SweepExpired(now time.Time, timeout time.Duration) []ReleasedLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	var released []ReleasedLock
	for key, lock := range t.locks {
		if now.Sub(lock.AcquiredAt) > timeout {
			t.deleteLocked(key, lock)
			released = append(released, ReleasedLock{FieldLock: *lock, Expired: true})
		}
	}
	sortReleased(released)
	return released
}

// Snapshot returns the locks currently held in a document, by field.
func (t *LockTable) Snapshot(documentID string) []models.FieldLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := []models.FieldLock{}
	for key, lock := range t.locks {
		if key.documentID == documentID {
			out = append(out, *lock)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FieldID < out[j].FieldID })
	return out
}

// Holder returns the current lock on a field, if any.
func (t *LockTable) Holder(documentID, fieldID string) (models.FieldLock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lock, ok := t.locks[fieldKey{documentID, fieldID}]
	if !ok {
		return models.FieldLock{}, false
	}
	return *lock, true
}

func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

func (t *LockTable) deleteLocked(key fieldKey, lock *models.FieldLock) {
	delete(t.locks, key)
	if held := t.byUser[lock.HolderUserID]; held != nil {
		delete(held, key)
		if len(held) == 0 {
			delete(t.byUser, lock.HolderUserID)
		}
	}
}

func sortReleased(released []ReleasedLock) {
	sort.Slice(released, func(i, j int) bool {
		if released[i].DocumentID != released[j].DocumentID {
			return released[i].DocumentID < released[j].DocumentID
		}
		return released[i].FieldID < released[j].FieldID
	})
}
