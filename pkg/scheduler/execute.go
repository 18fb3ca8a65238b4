package scheduler

import (
	"encoding/json"
	"time"

	roaring "github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/cuemby/quarry/pkg/apperr"
	"github.com/cuemby/quarry/pkg/indexbuilder"
	"github.com/cuemby/quarry/pkg/metrics"
	"github.com/cuemby/quarry/pkg/storage"
	"github.com/cuemby/quarry/pkg/transform"
	"github.com/cuemby/quarry/pkg/types"
)

// taskOutcome is what one task in a batch ended up doing: either it
// succeeded with some details to report, or it failed with a document-level
// error that does not invalidate the rest of the batch.
type taskOutcome struct {
	details any
	err     *apperr.Error
}

// executeBatch runs spec.md §4.5 steps 3-8 for one selected batch: mark
// Processing, dispatch by family, then mark every task terminal.
func (s *Scheduler) executeBatch(batch []*types.Task) error {
	now := time.Now().UTC()
	for _, t := range batch {
		t.Status = types.TaskProcessing
		t.StartedAt = &now
		if err := s.queue.UpdateTask(t); err != nil {
			return err
		}
	}

	var fatal error
	outcomes := make(map[uint64]taskOutcome, len(batch))

	switch kindFamily(batch[0].Kind) {
	case familyDocument:
		fatal = s.executeDocumentBatch(batch, outcomes)
	case familySettings:
		fatal = s.executeSettingsBatch(batch, outcomes)
	default:
		fatal = s.executeSingleton(batch[0], outcomes)
	}

	return s.finalizeBatch(batch, outcomes, fatal)
}

// finalizeBatch implements spec.md §4.5 step 7: a batch-fatal error fails
// every Processing task with the same cause; otherwise each task resolves
// to whatever outcomes recorded for it. Terminal tasks' staged payloads are
// then removed (step 8).
func (s *Scheduler) finalizeBatch(batch []*types.Task, outcomes map[uint64]taskOutcome, fatal error) error {
	finishedAt := time.Now().UTC()
	for _, t := range batch {
		// Capture the staged payload's uuid before Details is possibly
		// overwritten below, so a failed import still gets its temp file
		// cleaned up.
		var contentUUID string
		if t.Kind == types.KindDocumentImport {
			if d, err := decodeDetails[types.DocumentImportDetails](t.Details); err == nil {
				contentUUID = d.ContentUUID
			}
		}

		outcome, ok := outcomes[t.UID]
		switch {
		case fatal != nil:
			t.Status = types.TaskFailed
			t.Error = taskError(fatal)
			t.Details = taskDetailsZeroed(t.Kind)
		case ok && outcome.err != nil:
			t.Status = types.TaskFailed
			t.Error = taskError(outcome.err)
			t.Details = taskDetailsZeroed(t.Kind)
		case ok:
			t.Status = types.TaskSucceeded
			t.Details = outcome.details
		default:
			// A task the batch never reached (shouldn't happen outside a
			// fatal abort, handled above).
			t.Status = types.TaskFailed
			t.Error = taskError(apperr.New(apperr.KindInternal, apperr.CodeInternal, "task was not executed by its batch"))
			t.Details = taskDetailsZeroed(t.Kind)
		}
		t.FinishedAt = &finishedAt
		if err := s.queue.UpdateTask(t); err != nil {
			return err
		}
		metrics.TasksFinishedTotal.WithLabelValues(string(t.Kind), string(t.Status)).Inc()

		if contentUUID != "" {
			if id, perr := uuid.Parse(contentUUID); perr == nil {
				_ = s.files.Delete(id)
			}
		}
	}
	return fatal
}

func taskError(err error) *types.TaskError {
	if e, ok := apperr.AsError(err); ok {
		return &types.TaskError{Message: e.Error(), Code: e.Code, Type: string(e.Kind), Link: e.Link}
	}
	return &types.TaskError{Message: err.Error(), Code: apperr.CodeInternal, Type: string(apperr.KindInternal)}
}

// taskDetailsZeroed returns the zero-valued details struct for a failed
// task's kind, so a Failed task still carries a well-shaped details object.
func taskDetailsZeroed(kind types.TaskKind) any {
	switch kind {
	case types.KindDocumentImport:
		return types.DocumentImportDetails{}
	case types.KindDocumentDeletion, types.KindDocumentClear:
		return types.DocumentDeletionDetails{}
	case types.KindSettingsUpdate:
		return types.SettingsUpdateDetails{}
	default:
		return nil
	}
}

// decodeDetails re-decodes a task's Details field (a map[string]any once
// round-tripped through JSON storage) into its kind-specific shape.
func decodeDetails[T any](raw any) (T, error) {
	var out T
	b, err := json.Marshal(raw)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
}

// isDocumentLevel reports whether err is a per-document failure (invalid
// id, malformed payload, primary-key inference failure) as opposed to a
// batch-fatal one (I/O, corruption), per spec.md §7's propagation policy.
func isDocumentLevel(err error) bool {
	e, ok := apperr.AsError(err)
	return ok && e.Kind != apperr.KindInternal
}

func indexUIDOrEmpty(t *types.Task) string {
	if t.IndexUID == nil {
		return ""
	}
	return *t.IndexUID
}

// executeDocumentBatch implements spec.md §4.5 step 5's import-batch case
// plus the DocumentClear absorption rule. Every task in the batch is
// processed inside a single write transaction against the target index;
// a batch-fatal error aborts that transaction entirely, leaving nothing
// committed, while a document-level error is recorded against just the
// offending task and execution continues with the rest of the batch.
func (s *Scheduler) executeDocumentBatch(batch []*types.Task, outcomes map[uint64]taskOutcome) error {
	uid := indexUIDOrEmpty(batch[0])
	if uid == "" {
		return apperr.New(apperr.KindInternal, apperr.CodeInternal, "document batch task carries no index uid")
	}

	meta, err := s.registry.Get(uid)
	if err != nil {
		if !apperr.Is(err, apperr.CodeIndexNotFound) {
			return err
		}
		meta, err = s.registry.Create(uid, firstDeclaredPrimaryKey(batch))
		if err != nil {
			return err
		}
	}

	env, err := s.registry.OpenEnvironment(uid)
	if err != nil {
		return err
	}

	clearAt := -1
	for i, t := range batch {
		if t.Kind == types.KindDocumentClear {
			clearAt = i
		}
	}
	absorbed := make(map[uint64]bool)
	for i, t := range batch {
		if clearAt >= 0 && i < clearAt {
			absorbed[t.UID] = true
		}
	}

	learnedPrimaryKey := ""

	writeErr := env.Update(func(tx *storage.Txn) error {
		for _, t := range batch {
			if absorbed[t.UID] {
				outcomes[t.UID] = taskOutcome{details: absorbedDetails(t.Kind)}
				continue
			}

			state, err := indexbuilder.ReadMainState(tx)
			if err != nil {
				return err
			}
			existingPK := meta.PrimaryKey
			if existingPK == nil && state.PrimaryKey != "" {
				pk := state.PrimaryKey
				existingPK = &pk
			}

			switch t.Kind {
			case types.KindDocumentImport:
				out, derr := s.executeImport(tx, t, state, existingPK)
				if derr != nil {
					if isDocumentLevel(derr) {
						outcomes[t.UID] = taskOutcome{err: derr.(*apperr.Error)}
						continue
					}
					return derr
				}
				if existingPK == nil {
					if di, ok := out.details.(types.DocumentImportDetails); ok && di.PrimaryKey != nil {
						learnedPrimaryKey = *di.PrimaryKey
					}
				}
				outcomes[t.UID] = taskOutcome{details: out.details}

			case types.KindDocumentDeletion:
				d, jerr := decodeDetails[types.DocumentDeletionDetails](t.Details)
				if jerr != nil {
					return apperr.Internal("decoding document deletion details", jerr)
				}
				ids := roaring.New()
				for _, ext := range d.Ids {
					if docid, ok := state.UsersIDsDocumentIDs[ext]; ok {
						ids.Add(docid)
					}
				}
				if err := indexbuilder.DeleteDocuments(tx, ids); err != nil {
					return err
				}
				d.DeletedDocuments = int(ids.GetCardinality())
				metrics.DocumentsDeletedTotal.Add(float64(ids.GetCardinality()))
				outcomes[t.UID] = taskOutcome{details: d}

			case types.KindDocumentClear:
				count := state.DocumentsIDs.GetCardinality()
				if err := indexbuilder.DeleteDocuments(tx, state.DocumentsIDs.Clone()); err != nil {
					return err
				}
				metrics.DocumentsDeletedTotal.Add(float64(count))
				outcomes[t.UID] = taskOutcome{details: types.DocumentDeletionDetails{DeletedDocuments: int(count)}}

			default:
				return apperr.New(apperr.KindInternal, apperr.CodeInternal, "unexpected kind in document batch: "+string(t.Kind))
			}
		}
		return nil
	})
	if writeErr != nil {
		return writeErr
	}

	if learnedPrimaryKey != "" {
		if _, err := s.registry.UpdatePrimaryKey(uid, learnedPrimaryKey); err != nil && !apperr.Is(err, apperr.CodePrimaryKeyAlreadyExists) {
			return err
		}
	}
	return nil
}

func (s *Scheduler) executeImport(tx *storage.Txn, t *types.Task, state *indexbuilder.MainState, existingPK *string) (taskOutcome, error) {
	d, jerr := decodeDetails[types.DocumentImportDetails](t.Details)
	if jerr != nil {
		return taskOutcome{}, apperr.Internal("decoding document import details", jerr)
	}
	contentUUID, perr := uuid.Parse(d.ContentUUID)
	if perr != nil {
		return taskOutcome{}, apperr.Internal("parsing staged payload uuid", perr)
	}
	f, ferr := s.files.GetUpdate(contentUUID)
	if ferr != nil {
		return taskOutcome{}, apperr.Internal("opening staged document payload", ferr)
	}
	defer f.Close()

	in := transform.Input{
		Reader:              f,
		Format:              d.Format,
		Method:              d.Method,
		ExplicitPrimaryKey:  d.PrimaryKey,
		ExistingPrimaryKey:  existingPK,
		Autogenerate:        true,
		FieldsIDMap:         state.FieldsIDMap,
		UsersIDsDocumentIDs: state.UsersIDsDocumentIDs,
		FreeDocIDs:          state.FreeDocIDs,
		NextDocID:           state.NextDocID,
		MaxMemory:           s.maxSortMemory,
		TempDir:             s.tempDir,
	}

	out, terr := transform.Run(in)
	if terr != nil {
		if e, ok := apperr.AsError(terr); ok {
			return taskOutcome{}, e
		}
		return taskOutcome{}, apperr.Internal("transform stage failed", terr)
	}
	defer out.Documents.Close()

	report, berr := indexbuilder.Build(tx, out, s.numWorkers)
	if berr != nil {
		return taskOutcome{}, berr
	}
	metrics.DocumentsIndexedTotal.Add(float64(report.DocumentsIndexed))

	return taskOutcome{details: types.DocumentImportDetails{
		Method:            d.Method,
		Format:            d.Format,
		PrimaryKey:        &out.PrimaryKey,
		ContentUUID:       d.ContentUUID,
		DocumentsCount:    out.DocumentsCount,
		ReceivedDocuments: out.DocumentsCount,
		IndexedDocuments:  report.DocumentsIndexed,
	}}, nil
}

func firstDeclaredPrimaryKey(batch []*types.Task) *string {
	for _, t := range batch {
		if t.Kind != types.KindDocumentImport {
			continue
		}
		d, err := decodeDetails[types.DocumentImportDetails](t.Details)
		if err == nil && d.PrimaryKey != nil {
			return d.PrimaryKey
		}
	}
	return nil
}

func absorbedDetails(kind types.TaskKind) any {
	switch kind {
	case types.KindDocumentImport:
		return types.DocumentImportDetails{IndexedDocuments: 0}
	default:
		return types.DocumentDeletionDetails{DeletedDocuments: 0}
	}
}

// executeSettingsBatch applies each task's patch against the index's
// settings store in enqueue order, within one write transaction.
func (s *Scheduler) executeSettingsBatch(batch []*types.Task, outcomes map[uint64]taskOutcome) error {
	uid := indexUIDOrEmpty(batch[0])
	if uid == "" {
		return apperr.New(apperr.KindInternal, apperr.CodeInternal, "settings batch task carries no index uid")
	}
	env, err := s.registry.OpenEnvironment(uid)
	if err != nil {
		return err
	}

	return env.Update(func(tx *storage.Txn) error {
		for _, t := range batch {
			d, jerr := decodeDetails[types.SettingsUpdateDetails](t.Details)
			if jerr != nil {
				return apperr.Internal("decoding settings update details", jerr)
			}
			if _, err := indexbuilder.ApplySettingsPatch(tx, d.Patch, d.IsDeletion); err != nil {
				return err
			}
			outcomes[t.UID] = taskOutcome{details: d}
		}
		return nil
	})
}

// executeSingleton dispatches the one task kinds that never batch with
// anything else.
func (s *Scheduler) executeSingleton(t *types.Task, outcomes map[uint64]taskOutcome) error {
	switch t.Kind {
	case types.KindIndexCreation:
		d, err := decodeDetails[types.IndexCreationDetails](t.Details)
		if err != nil {
			return apperr.Internal("decoding index creation details", err)
		}
		if _, err := s.registry.Create(indexUIDOrEmpty(t), d.PrimaryKey); err != nil {
			return err
		}
		outcomes[t.UID] = taskOutcome{details: d}

	case types.KindIndexUpdate:
		d, err := decodeDetails[types.IndexUpdateDetails](t.Details)
		if err != nil {
			return apperr.Internal("decoding index update details", err)
		}
		if d.PrimaryKey != nil {
			if _, err := s.registry.UpdatePrimaryKey(indexUIDOrEmpty(t), *d.PrimaryKey); err != nil {
				return err
			}
		}
		outcomes[t.UID] = taskOutcome{details: d}

	case types.KindIndexDeletion:
		if err := s.registry.Delete(indexUIDOrEmpty(t)); err != nil {
			return err
		}
		outcomes[t.UID] = taskOutcome{details: struct{}{}}

	case types.KindIndexSwap:
		d, err := decodeDetails[types.IndexSwapDetails](t.Details)
		if err != nil {
			return apperr.Internal("decoding index swap details", err)
		}
		for _, pair := range d.Pairs {
			if err := s.registry.Swap(pair.Indexes[0], pair.Indexes[1]); err != nil {
				return err
			}
		}
		outcomes[t.UID] = taskOutcome{details: d}

	case types.KindTaskCancelation:
		d, err := decodeDetails[types.TaskCancelationDetails](t.Details)
		if err != nil {
			return apperr.Internal("decoding task cancelation details", err)
		}
		n, err := s.queue.Cancel(d.Filter, t.UID)
		if err != nil {
			return err
		}
		d.MatchedTasks = n
		outcomes[t.UID] = taskOutcome{details: d}

	case types.KindTaskDeletion:
		d, err := decodeDetails[types.TaskDeletionDetails](t.Details)
		if err != nil {
			return apperr.Internal("decoding task deletion details", err)
		}
		n, err := s.queue.Delete(d.Filter, func(deleted *types.Task) error {
			if deleted.Kind != types.KindDocumentImport {
				return nil
			}
			imp, derr := decodeDetails[types.DocumentImportDetails](deleted.Details)
			if derr != nil || imp.ContentUUID == "" {
				return nil
			}
			id, perr := uuid.Parse(imp.ContentUUID)
			if perr != nil {
				return nil
			}
			_ = s.files.Delete(id)
			return nil
		})
		if err != nil {
			return err
		}
		d.DeletedTasks = n
		outcomes[t.UID] = taskOutcome{details: d}

	case types.KindDumpCreation:
		if s.dumps == nil {
			return apperr.New(apperr.KindInternal, apperr.CodeInternal, "dump creation is not configured on this instance")
		}
		path, err := s.dumps.CreateDump()
		if err != nil {
			return err
		}
		outcomes[t.UID] = taskOutcome{details: map[string]string{"path": path}}

	case types.KindSnapshotCreation:
		if s.dumps == nil {
			return apperr.New(apperr.KindInternal, apperr.CodeInternal, "snapshot creation is not configured on this instance")
		}
		path, err := s.dumps.CreateSnapshot()
		if err != nil {
			return err
		}
		outcomes[t.UID] = taskOutcome{details: map[string]string{"path": path}}

	default:
		return apperr.New(apperr.KindInternal, apperr.CodeInternal, "unknown task kind: "+string(t.Kind))
	}
	return nil
}
