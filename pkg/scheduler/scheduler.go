package scheduler

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/quarry/pkg/filestore"
	"github.com/cuemby/quarry/pkg/log"
	"github.com/cuemby/quarry/pkg/metrics"
	"github.com/cuemby/quarry/pkg/queue"
	"github.com/cuemby/quarry/pkg/registry"
	"github.com/cuemby/quarry/pkg/types"
)

// pollFloor is T_poll from spec.md §4.5 step 9: the scheduler wakes at
// least this often even if nothing signals it.
const pollFloor = 1 * time.Second

// maxBatchCandidates bounds how many oldest-enqueued tasks the scheduler
// looks at when assembling one batch.
const maxBatchCandidates = 1000

// DumpCreator is implemented by pkg/dump; kept as a narrow local interface
// so this package doesn't import pkg/dump (which in turn depends on the
// registry and queue this package already owns).
type DumpCreator interface {
	CreateDump() (string, error)
	CreateSnapshot() (string, error)
}

// Scheduler is the scheduler loop (C9): a single long-lived writer.
type Scheduler struct {
	queue    *queue.Queue
	registry *registry.Registry
	files    *filestore.Store
	dumps    DumpCreator

	numWorkers    int
	maxSortMemory int
	tempDir       string

	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wakeCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a scheduler over the given queue, registry and file store.
// numWorkers <= 0 defaults to runtime.NumCPU(). dumps may be nil until
// pkg/dump is wired in; DumpCreation/SnapshotCreation tasks fail with a
// clear error until it is.
func New(q *queue.Queue, reg *registry.Registry, files *filestore.Store, dumps DumpCreator, numWorkers int, maxSortMemory int, tempDir string) *Scheduler {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	return &Scheduler{
		queue:         q,
		registry:      reg,
		files:         files,
		dumps:         dumps,
		numWorkers:    numWorkers,
		maxSortMemory: maxSortMemory,
		tempDir:       tempDir,
		logger:        log.WithComponent("scheduler"),
		stopCh:        make(chan struct{}),
		wakeCh:        make(chan struct{}, 1),
	}
}

// Start begins the scheduler loop in its own goroutine. Calling Start
// twice without an intervening Stop is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

// Wake signals the loop to run a cycle immediately rather than waiting out
// pollFloor. Callers (typically the engine, right after Register) should
// call this once per enqueue; it never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(pollFloor)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.wakeCh:
		}

		for {
			did, err := s.runCycle()
			if err != nil {
				s.logger.Error().Err(err).Msg("scheduler cycle failed")
			}
			if !did {
				break
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
		}
	}
}

// runCycle selects and executes at most one batch, reporting whether it
// found work to do.
func (s *Scheduler) runCycle() (bool, error) {
	candidates, err := s.queue.EnqueuedAscending(maxBatchCandidates)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		return false, nil
	}

	batch := selectBatch(candidates)
	timer := metrics.NewTimer()
	metrics.BatchSize.Observe(float64(len(batch)))

	err = s.executeBatch(batch)

	timer.ObserveDuration(metrics.BatchLatency)
	if err != nil {
		metrics.BatchesFailedTotal.Inc()
	}
	return true, err
}

// selectBatch implements spec.md §4.5 step 2: the oldest Enqueued task
// anchors the batch; it's greedily extended with the immediately
// following Enqueued tasks that are batch-compatible with it. Extension
// stops at the first incompatible task so older, unrelated work is never
// starved behind a long streak of compatible ones.
func selectBatch(candidates []*types.Task) []*types.Task {
	anchor := candidates[0]
	batch := []*types.Task{anchor}
	for _, t := range candidates[1:] {
		if !compatible(anchor, t) {
			break
		}
		batch = append(batch, t)
	}
	return batch
}
