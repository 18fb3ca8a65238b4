// Package engine wires the storage, auth, queue, registry, and scheduler
// components into the single facade a producer (an HTTP surface, a CLI, a
// test) drives: stage a payload, enqueue a task, and look up its outcome
// later. The engine itself holds no business logic beyond that wiring; the
// scheduler loop is the only component that touches an index's data.
package engine

import (
	"io"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/cuemby/quarry/pkg/apperr"
	"github.com/cuemby/quarry/pkg/auth"
	"github.com/cuemby/quarry/pkg/dump"
	"github.com/cuemby/quarry/pkg/filestore"
	"github.com/cuemby/quarry/pkg/log"
	"github.com/cuemby/quarry/pkg/metrics"
	"github.com/cuemby/quarry/pkg/queue"
	"github.com/cuemby/quarry/pkg/registry"
	"github.com/cuemby/quarry/pkg/scheduler"
	"github.com/cuemby/quarry/pkg/types"
)

// Config holds everything an Engine needs to construct its stores. There is
// no file/env loader here: spec.md scopes configuration loading to the HTTP
// surface, which is out of scope for the core.
type Config struct {
	// DataDir roots every on-disk store: queue.db, registry.db, auth.db,
	// the indexes/ and updates/ subdirectories, and dumps/.
	DataDir string

	// NumWorkers bounds the index builder's per-batch worker pool.
	// <= 0 defaults to runtime.NumCPU().
	NumWorkers int

	// MaxSortMemory bounds the transform stage's in-memory sort buffer
	// before it spills to disk. <= 0 uses transform's own default.
	MaxSortMemory int

	// MaxPayloadSize rejects a staged document payload larger than this
	// many bytes with CodePayloadTooLarge. <= 0 disables the check.
	MaxPayloadSize int64

	// MasterKey seeds the two default API keys on first run and
	// authorizes every action/index combination. Empty disables key
	// management entirely (Authorize always denies, Create fails).
	MasterKey string
}

// Engine is the task-orchestrated indexing core (C1-C10 assembled).
type Engine struct {
	queue     *queue.Queue
	registry  *registry.Registry
	auth      *auth.Store
	files     *filestore.Store
	scheduler *scheduler.Scheduler
	dumper    *dump.Dumper
	stats     *metrics.Collector

	maxPayloadSize int64
	logger         zerolog.Logger
}

// New opens every store under cfg.DataDir and wires the scheduler loop, but
// does not start it; call Start to begin processing enqueued tasks.
func New(cfg Config) (*Engine, error) {
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	tempDir := filepath.Join(cfg.DataDir, "tmp")

	q, err := queue.Open(filepath.Join(cfg.DataDir, "queue.db"))
	if err != nil {
		return nil, apperr.Internal("opening task queue", err)
	}

	reg, err := registry.Open(filepath.Join(cfg.DataDir, "registry.db"), filepath.Join(cfg.DataDir, "indexes"))
	if err != nil {
		q.Close()
		return nil, apperr.Internal("opening index registry", err)
	}

	authStore, err := auth.Open(filepath.Join(cfg.DataDir, "auth.db"), cfg.MasterKey)
	if err != nil {
		q.Close()
		reg.Close()
		return nil, apperr.Internal("opening auth store", err)
	}

	files, err := filestore.New(filepath.Join(cfg.DataDir, "updates"))
	if err != nil {
		q.Close()
		reg.Close()
		authStore.Close()
		return nil, apperr.Internal("opening update file store", err)
	}

	dumper := dump.New(reg, q, authStore, files, filepath.Join(cfg.DataDir, "dumps"), tempDir)

	sched := scheduler.New(q, reg, files, dumper, numWorkers, cfg.MaxSortMemory, tempDir)

	e := &Engine{
		queue:          q,
		registry:       reg,
		auth:           authStore,
		files:          files,
		scheduler:      sched,
		dumper:         dumper,
		maxPayloadSize: cfg.MaxPayloadSize,
		logger:         log.WithComponent("engine"),
	}
	e.stats = metrics.NewCollector(e)
	return e, nil
}

// Start begins the scheduler loop and the metrics gauge collector in the
// background.
func (e *Engine) Start() {
	e.logger.Info().Msg("starting scheduler")
	e.scheduler.Start()
	e.stats.Start()
}

// Stop halts the scheduler loop and the metrics collector, waiting for any
// in-flight batch to finish.
func (e *Engine) Stop() {
	e.stats.Stop()
	e.scheduler.Stop()
}

// Close stops the scheduler and metrics collector, then closes every
// backing store. Safe to call without a prior Start, and safe to call after
// Stop.
func (e *Engine) Close() error {
	e.Stop()
	if err := e.queue.Close(); err != nil {
		return err
	}
	if err := e.registry.Close(); err != nil {
		return err
	}
	return e.auth.Close()
}

func (e *Engine) register(view queue.TaskView) (*types.Task, error) {
	task, err := e.queue.Register(view)
	if err != nil {
		return nil, err
	}
	metrics.TasksEnqueuedTotal.WithLabelValues(string(task.Kind)).Inc()
	e.scheduler.Wake()
	return task, nil
}

// EnqueueDocumentImport stages payload into the update file store and
// enqueues a DocumentImport task against indexUID. The payload is fully
// consumed and persisted before this call returns, per spec.md §4.2's
// atomic-publish-by-rename contract (C2).
func (e *Engine) EnqueueDocumentImport(indexUID string, method types.ImportMethod, format types.PayloadFormat, primaryKey *string, payload io.Reader) (*types.Task, error) {
	id, upd, err := e.files.NewUpdate()
	if err != nil {
		return nil, apperr.Internal("staging document payload", err)
	}

	var written int64
	r := payload
	if e.maxPayloadSize > 0 {
		r = io.LimitReader(payload, e.maxPayloadSize+1)
	}
	written, err = io.Copy(upd, r)
	if err != nil {
		_ = upd.Discard()
		return nil, apperr.Internal("writing staged document payload", err)
	}
	if e.maxPayloadSize > 0 && written > e.maxPayloadSize {
		_ = upd.Discard()
		return nil, apperr.New(apperr.KindInvalidRequest, apperr.CodePayloadTooLarge, "document payload exceeds the configured size limit")
	}
	if err := upd.Persist(); err != nil {
		return nil, apperr.Internal("persisting staged document payload", err)
	}

	return e.register(queue.TaskView{
		Kind:     types.KindDocumentImport,
		IndexUID: &indexUID,
		Details: types.DocumentImportDetails{
			Method:      method,
			Format:      format,
			PrimaryKey:  primaryKey,
			ContentUUID: id.String(),
		},
	})
}

// EnqueueDocumentDeletion enqueues removal of the documents named by ids.
func (e *Engine) EnqueueDocumentDeletion(indexUID string, ids []string) (*types.Task, error) {
	return e.register(queue.TaskView{
		Kind:     types.KindDocumentDeletion,
		IndexUID: &indexUID,
		Details:  types.DocumentDeletionDetails{Ids: ids},
	})
}

// EnqueueDocumentClear enqueues removal of every document in indexUID.
func (e *Engine) EnqueueDocumentClear(indexUID string) (*types.Task, error) {
	return e.register(queue.TaskView{
		Kind:     types.KindDocumentClear,
		IndexUID: &indexUID,
		Details:  types.DocumentDeletionDetails{},
	})
}

// EnqueueSettingsUpdate enqueues a settings patch against indexUID.
func (e *Engine) EnqueueSettingsUpdate(indexUID string, patch map[string]any, isDeletion bool) (*types.Task, error) {
	return e.register(queue.TaskView{
		Kind:     types.KindSettingsUpdate,
		IndexUID: &indexUID,
		Details:  types.SettingsUpdateDetails{Patch: patch, IsDeletion: isDeletion},
	})
}

// EnqueueIndexCreation enqueues creation of indexUID.
func (e *Engine) EnqueueIndexCreation(indexUID string, primaryKey *string) (*types.Task, error) {
	return e.register(queue.TaskView{
		Kind:     types.KindIndexCreation,
		IndexUID: &indexUID,
		Details:  types.IndexCreationDetails{PrimaryKey: primaryKey},
	})
}

// EnqueueIndexUpdate enqueues a primary-key update for indexUID.
func (e *Engine) EnqueueIndexUpdate(indexUID string, primaryKey *string) (*types.Task, error) {
	return e.register(queue.TaskView{
		Kind:     types.KindIndexUpdate,
		IndexUID: &indexUID,
		Details:  types.IndexUpdateDetails{PrimaryKey: primaryKey},
	})
}

// EnqueueIndexDeletion enqueues deletion of indexUID.
func (e *Engine) EnqueueIndexDeletion(indexUID string) (*types.Task, error) {
	return e.register(queue.TaskView{Kind: types.KindIndexDeletion, IndexUID: &indexUID})
}

// EnqueueIndexSwap enqueues an atomic swap of each named pair of indexes.
func (e *Engine) EnqueueIndexSwap(pairs []types.IndexSwapPair) (*types.Task, error) {
	return e.register(queue.TaskView{
		Kind:    types.KindIndexSwap,
		Details: types.IndexSwapDetails{Pairs: pairs},
	})
}

// EnqueueTaskCancelation enqueues cancelation of every task matching filter.
func (e *Engine) EnqueueTaskCancelation(filter types.TaskFilter) (*types.Task, error) {
	return e.register(queue.TaskView{
		Kind:    types.KindTaskCancelation,
		Details: types.TaskCancelationDetails{Filter: filter},
	})
}

// EnqueueTaskDeletion enqueues deletion of every terminal task matching filter.
func (e *Engine) EnqueueTaskDeletion(filter types.TaskFilter) (*types.Task, error) {
	return e.register(queue.TaskView{
		Kind:    types.KindTaskDeletion,
		Details: types.TaskDeletionDetails{Filter: filter},
	})
}

// EnqueueDumpCreation enqueues a dump of the entire instance.
func (e *Engine) EnqueueDumpCreation() (*types.Task, error) {
	return e.register(queue.TaskView{Kind: types.KindDumpCreation})
}

// EnqueueSnapshotCreation enqueues a snapshot of the entire instance.
func (e *Engine) EnqueueSnapshotCreation() (*types.Task, error) {
	return e.register(queue.TaskView{Kind: types.KindSnapshotCreation})
}

// GetTask returns one task by uid.
func (e *Engine) GetTask(uid uint64) (*types.Task, error) { return e.queue.Get(uid) }

// ListTasks returns tasks matching filter, newest first, paginated.
func (e *Engine) ListTasks(filter types.TaskFilter, offset, limit int) ([]*types.Task, int, error) {
	return e.queue.List(filter, offset, limit)
}

// GetIndex returns one index's registry metadata.
func (e *Engine) GetIndex(uid string) (*types.IndexMeta, error) { return e.registry.Get(uid) }

// ListIndexes returns every registered index's metadata.
func (e *Engine) ListIndexes() ([]*types.IndexMeta, error) { return e.registry.List() }

// CreateAPIKey creates a new API key. Requires a master key to have been
// configured.
func (e *Engine) CreateAPIKey(p auth.CreateParams) (*types.APIKey, error) { return e.auth.Create(p) }

// GetAPIKey looks up a key by uid or token.
func (e *Engine) GetAPIKey(idOrKey string) (*types.APIKey, error) { return e.auth.Get(idOrKey) }

// ListAPIKeys returns every key, newest first, paginated.
func (e *Engine) ListAPIKeys(offset, limit int) ([]*types.APIKey, int, error) {
	return e.auth.List(offset, limit)
}

// PatchAPIKey updates a key's mutable fields.
func (e *Engine) PatchAPIKey(idOrKey string, p auth.PatchParams) (*types.APIKey, error) {
	return e.auth.Patch(idOrKey, p)
}

// DeleteAPIKey hard-deletes a key.
func (e *Engine) DeleteAPIKey(idOrKey string) error { return e.auth.Delete(idOrKey) }

// Authorize reports whether token grants action on index, per spec.md §5.
func (e *Engine) Authorize(token string, action types.APIKeyAction, index string) bool {
	return e.auth.Authorize(token, action, index)
}

// TaskCountsByStatus satisfies metrics.StatsProvider.
func (e *Engine) TaskCountsByStatus() (map[types.TaskStatus]int, error) {
	return e.queue.CountsByStatus()
}

// IndexCount satisfies metrics.StatsProvider.
func (e *Engine) IndexCount() (int, error) { return e.registry.Count() }

// APIKeyCount satisfies metrics.StatsProvider.
func (e *Engine) APIKeyCount() (int, error) {
	_, total, err := e.auth.List(0, 0)
	return total, err
}
