package collaboration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"formsync/internal/clock"
	"formsync/internal/middleware"
	"formsync/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
)

// Persister is the external value store. The hub never keeps durable
// state; it hands the latest values to a Persister and forgets them.
type Persister interface {
	SaveValues(ctx context.Context, documentID string, values map[string]json.RawMessage) error
}

// SaveJob is one debounced hand-off of a document's changed fields.
type SaveJob struct {
	DocumentID string
	Values     map[string]json.RawMessage
}

type pendingValues struct {
	values map[string]json.RawMessage
	timer  *clock.Timer
}

// ValueSaver collects field updates per document and, once a document
// has been quiet for the debounce window, submits its changed fields to
// a fixed pool of workers that call the Persister.
type ValueSaver struct {
	persister Persister
	clock     clock.Clock
	debounce  time.Duration
	timeout   time.Duration
	metrics   *telemetry.Metrics

	mu      sync.Mutex
	pending map[string]*pendingValues
	closed  bool

	jobs    chan SaveJob
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

type SaverConfig struct {
	Debounce  time.Duration
	Workers   int
	QueueSize int

	// SaveTimeout bounds one Persister call. Defaults to 5s.
	SaveTimeout time.Duration
	Clock       clock.Clock
	Metrics     *telemetry.Metrics
}

func NewValueSaver(persister Persister, cfg SaverConfig) *ValueSaver {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &ValueSaver{
		persister: persister,
		clock:     cfg.Clock,
		debounce:  cfg.Debounce,
		timeout:   cfg.SaveTimeout,
		metrics:   cfg.Metrics,
		pending:   make(map[string]*pendingValues),
		jobs:      make(chan SaveJob, cfg.QueueSize),
		workers:   cfg.Workers,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start spawns the worker goroutines.
func (s *ValueSaver) Start() {
	log.Printf("🔧 Starting value saver with %d workers", s.workers)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *ValueSaver) worker(id int) {
	defer s.wg.Done()

	for job := range s.jobs {
		if err := s.save(job); err != nil {
			log.Printf("  Saver worker %d: %v", id, err)
		}
	}
}

func (s *ValueSaver) save(job SaveJob) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	ctx, span := middleware.StartSpan(ctx, "ValueSaver.Save",
		attribute.String("document.id", job.DocumentID),
		attribute.Int("fields", len(job.Values)),
	)
	defer span.End()

	if err := s.persister.SaveValues(ctx, job.DocumentID, job.Values); err != nil {
		middleware.AddSpanError(ctx, err)
		s.metrics.PersistFailed(ctx)
		return fmt.Errorf("failed to save values for %s: %w", job.DocumentID, err)
	}
	return nil
}

// Record stores the latest value of a field and restarts the
// document's debounce timer.
func (s *ValueSaver) Record(documentID, fieldID string, value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	p, ok := s.pending[documentID]
	if !ok {
		p = &pendingValues{values: make(map[string]json.RawMessage)}
		s.pending[documentID] = p
	}
	p.values[fieldID] = value

	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = s.clock.AfterFunc(s.debounce, func() { s.flush(documentID) })
}

// flush submits a document's pending values without blocking. When the
// queue is full the values stay pending and the timer is re-armed.
func (s *ValueSaver) flush(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[documentID]
	if !ok || s.closed {
		return
	}

	select {
	case s.jobs <- SaveJob{DocumentID: documentID, Values: p.values}:
		delete(s.pending, documentID)
	default:
		log.Printf("⚠️  Save queue full, retrying %s in %s", documentID, s.debounce)
		p.timer = s.clock.AfterFunc(s.debounce, func() { s.flush(documentID) })
	}
}

// PendingDocuments returns how many documents have unsaved values.
func (s *ValueSaver) PendingDocuments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Shutdown flushes everything still pending, then waits for the
// workers to drain the queue.
func (s *ValueSaver) Shutdown() {
	log.Println("🛑 Shutting down value saver...")

	s.mu.Lock()
	s.closed = true
	remaining := make([]SaveJob, 0, len(s.pending))
	for documentID, p := range s.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		remaining = append(remaining, SaveJob{DocumentID: documentID, Values: p.values})
	}
	s.pending = make(map[string]*pendingValues)
	s.mu.Unlock()

	// Nothing else sends once closed is set, so these may block.
	for _, job := range remaining {
		s.jobs <- job
	}
	close(s.jobs)

	s.wg.Wait()
	s.cancel()

	log.Println("✓ Value saver shutdown complete")
}
