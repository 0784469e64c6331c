package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"formsync/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPersister struct {
	mu    sync.Mutex
	saves []SaveJob
	err   error
	block chan struct{}
}

func (p *recordingPersister) SaveValues(ctx context.Context, documentID string, values map[string]json.RawMessage) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves = append(p.saves, SaveJob{DocumentID: documentID, Values: values})
	return p.err
}

func (p *recordingPersister) snapshot() []SaveJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SaveJob(nil), p.saves...)
}

func TestValueSaverDebouncesPerDocument(t *testing.T) {
	clk := clock.Fake(epoch)
	persister := &recordingPersister{}
	saver := NewValueSaver(persister, SaverConfig{Debounce: time.Second, Workers: 2, QueueSize: 8, Clock: clk})
	saver.Start()
	defer saver.Shutdown()

	saver.Record("doc", "name", json.RawMessage(`"A"`))
	clk.Advance(500 * time.Millisecond)
	saver.Record("doc", "name", json.RawMessage(`"Ann"`))
	saver.Record("doc", "age", json.RawMessage(`41`))
	clk.Advance(900 * time.Millisecond)
	assert.Empty(t, persister.snapshot(), "quiet window restarted by the last update")
	assert.Equal(t, 1, saver.PendingDocuments())

	clk.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return len(persister.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	job := persister.snapshot()[0]
	assert.Equal(t, "doc", job.DocumentID)
	assert.JSONEq(t, `"Ann"`, string(job.Values["name"]))
	assert.JSONEq(t, `41`, string(job.Values["age"]))
	assert.Zero(t, saver.PendingDocuments())
}

func TestValueSaverShutdownFlushesPending(t *testing.T) {
	clk := clock.Fake(epoch)
	persister := &recordingPersister{}
	saver := NewValueSaver(persister, SaverConfig{Debounce: time.Minute, Workers: 1, QueueSize: 1, Clock: clk})
	saver.Start()

	saver.Record("doc-1", "a", json.RawMessage(`true`))
	saver.Record("doc-2", "b", json.RawMessage(`["x","y"]`))
	saver.Shutdown()

	saves := persister.snapshot()
	require.Len(t, saves, 2)
	docs := []string{saves[0].DocumentID, saves[1].DocumentID}
	assert.ElementsMatch(t, []string{"doc-1", "doc-2"}, docs)
	assert.Zero(t, clk.Pending(), "debounce timers cancelled")

	// Updates after shutdown are ignored.
	saver.Record("doc-3", "c", json.RawMessage(`1`))
	assert.Zero(t, saver.PendingDocuments())
}

func TestValueSaverRetriesWhenQueueFull(t *testing.T) {
	clk := clock.Fake(epoch)
	persister := &recordingPersister{block: make(chan struct{})}
	saver := NewValueSaver(persister, SaverConfig{Debounce: time.Second, Workers: 1, QueueSize: 1, Clock: clk})
	saver.Start()

	// The first job occupies the worker, the second fills the queue.
	saver.Record("doc-1", "a", json.RawMessage(`1`))
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return len(saver.jobs) == 0 }, time.Second, 5*time.Millisecond)
	saver.Record("doc-2", "a", json.RawMessage(`2`))
	clk.Advance(time.Second)
	saver.Record("doc-3", "a", json.RawMessage(`3`))
	clk.Advance(time.Second)

	assert.Equal(t, 1, saver.PendingDocuments(), "doc-3 waits for room in the queue")
	assert.Equal(t, 1, clk.Pending(), "retry timer armed")

	close(persister.block)
	require.Eventually(t, func() bool { return len(persister.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return len(persister.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	saver.Shutdown()
}

func TestValueSaverCountsFailures(t *testing.T) {
	persister := &recordingPersister{err: errors.New("db down")}
	saver := NewValueSaver(persister, SaverConfig{Debounce: time.Second, Workers: 1, QueueSize: 1})

	err := saver.save(SaveJob{DocumentID: "doc", Values: map[string]json.RawMessage{"a": json.RawMessage(`1`)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doc")
	assert.ErrorIs(t, err, persister.err)
}
