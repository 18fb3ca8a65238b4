// Package types defines the core data model shared across the indexing
// engine: tasks, indexes, API keys and staged update files.
package types

import "time"

// TaskStatus is the lifecycle state of a Task. Succeeded, Failed and
// Canceled are the terminal states.
type TaskStatus string

const (
	TaskEnqueued   TaskStatus = "enqueued"
	TaskProcessing TaskStatus = "processing"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
	TaskCanceled   TaskStatus = "canceled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCanceled
}

// TaskKind identifies the variant of a Task. The kind-specific payload
// travels separately, in Task.Details.
type TaskKind string

const (
	KindDocumentImport   TaskKind = "documentAdditionOrUpdate"
	KindDocumentDeletion TaskKind = "documentDeletion"
	KindDocumentClear    TaskKind = "documentDeletion.clear"
	KindSettingsUpdate   TaskKind = "settingsUpdate"
	KindIndexCreation    TaskKind = "indexCreation"
	KindIndexUpdate      TaskKind = "indexUpdate"
	KindIndexDeletion    TaskKind = "indexDeletion"
	KindIndexSwap        TaskKind = "indexSwap"
	KindTaskCancelation  TaskKind = "taskCancelation"
	KindTaskDeletion     TaskKind = "taskDeletion"
	KindDumpCreation     TaskKind = "dumpCreation"
	KindSnapshotCreation TaskKind = "snapshotCreation"
)

// ImportMethod is the merge strategy for a DocumentImport.
type ImportMethod string

const (
	MethodReplace ImportMethod = "replace"
	MethodUpdate  ImportMethod = "update"
)

// PayloadFormat is the wire format of a staged document payload.
type PayloadFormat string

const (
	FormatJSON   PayloadFormat = "json"
	FormatNDJSON PayloadFormat = "ndjson"
	FormatCSV    PayloadFormat = "csv"
)

// DocumentImportDetails is the kind-specific body of a DocumentImport task.
type DocumentImportDetails struct {
	Method           ImportMethod  `json:"method"`
	Format           PayloadFormat `json:"format"`
	PrimaryKey       *string       `json:"primaryKey,omitempty"`
	ContentUUID      string        `json:"contentUuid"`
	DocumentsCount   int           `json:"documentsCount"`
	ReceivedDocuments int          `json:"receivedDocuments,omitempty"`
	IndexedDocuments  int          `json:"indexedDocuments,omitempty"`
}

// DocumentDeletionDetails is the kind-specific body of a DocumentDeletion task.
type DocumentDeletionDetails struct {
	Ids             []string `json:"ids"`
	DeletedDocuments int     `json:"deletedDocuments,omitempty"`
}

// SettingsUpdateDetails is the kind-specific body of a SettingsUpdate task.
type SettingsUpdateDetails struct {
	Patch       map[string]any `json:"patch"`
	IsDeletion  bool           `json:"isDeletion"`
}

// IndexCreationDetails / IndexUpdateDetails carry the optional primary key hint.
type IndexCreationDetails struct {
	PrimaryKey *string `json:"primaryKey,omitempty"`
}

type IndexUpdateDetails struct {
	PrimaryKey *string `json:"primaryKey,omitempty"`
}

// IndexSwapPair names two index uids to atomically swap.
type IndexSwapPair struct {
	Indexes [2]string `json:"indexes"`
}

type IndexSwapDetails struct {
	Pairs []IndexSwapPair `json:"swaps"`
}

// TaskFilter is the grammar accepted by cancel/delete/list operations.
type TaskFilter struct {
	UIDs              []uint64
	IndexUIDs         []string
	Statuses          []TaskStatus
	Kinds             []TaskKind
	From              *uint64
	BeforeEnqueuedAt  *time.Time
	AfterEnqueuedAt   *time.Time
}

type TaskCancelationDetails struct {
	Filter       TaskFilter `json:"originalFilter"`
	MatchedTasks int        `json:"matchedTasks"`
}

type TaskDeletionDetails struct {
	Filter       TaskFilter `json:"originalFilter"`
	DeletedTasks int        `json:"deletedTasks"`
}

// TaskError is the user-visible failure carried by a terminal, non-succeeded task.
type TaskError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type"`
	Link    string `json:"link"`
}

// Task is the unit of work processed by the scheduler loop. Its uid is
// dense and assigned in strict enqueue order; its status transitions
// Enqueued -> Processing -> {Succeeded|Failed|Canceled} and never backwards.
type Task struct {
	UID         uint64     `json:"uid"`
	IndexUID    *string    `json:"indexUid,omitempty"`
	Kind        TaskKind   `json:"type"`
	Status      TaskStatus `json:"status"`
	EnqueuedAt  time.Time  `json:"enqueuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Error       *TaskError `json:"error,omitempty"`
	CanceledBy  *uint64    `json:"canceledBy,omitempty"`

	// Details carries the kind-specific struct above, stored generically so
	// the queue can persist any kind through one JSON-encoded column.
	Details any `json:"details,omitempty"`
}

// IndexMeta describes a user-visible index: its uid, backing directory and
// primary-key contract. The logical databases it owns (main, word_docids,
// docid_word_positions, word_pair_proximity_docids, documents) live in the
// storage environment named after Dir, not on this struct.
type IndexMeta struct {
	UID        string    `json:"uid"`
	Dir        string    `json:"-"`
	PrimaryKey *string   `json:"primaryKey,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// APIKeyAction is drawn from a fixed enumeration, including wildcards such
// as "documents.*" and the blanket "*".
type APIKeyAction string

const (
	ActionAll                APIKeyAction = "*"
	ActionSearch             APIKeyAction = "search"
	ActionDocumentsAll       APIKeyAction = "documents.*"
	ActionDocumentsAdd       APIKeyAction = "documents.add"
	ActionDocumentsGet       APIKeyAction = "documents.get"
	ActionDocumentsDelete    APIKeyAction = "documents.delete"
	ActionIndexesAll         APIKeyAction = "indexes.*"
	ActionIndexesCreate      APIKeyAction = "indexes.create"
	ActionIndexesGet         APIKeyAction = "indexes.get"
	ActionIndexesUpdate      APIKeyAction = "indexes.update"
	ActionIndexesDelete      APIKeyAction = "indexes.delete"
	ActionIndexesSwap        APIKeyAction = "indexes.swap"
	ActionTasksAll           APIKeyAction = "tasks.*"
	ActionTasksGet           APIKeyAction = "tasks.get"
	ActionTasksCancel        APIKeyAction = "tasks.cancel"
	ActionTasksDelete        APIKeyAction = "tasks.delete"
	ActionSettingsAll        APIKeyAction = "settings.*"
	ActionSettingsGet        APIKeyAction = "settings.get"
	ActionSettingsUpdate     APIKeyAction = "settings.update"
	ActionKeysAll            APIKeyAction = "keys.*"
	ActionKeysGet            APIKeyAction = "keys.get"
	ActionKeysCreate         APIKeyAction = "keys.create"
	ActionKeysUpdate         APIKeyAction = "keys.update"
	ActionKeysDelete         APIKeyAction = "keys.delete"
	ActionDumpsCreate        APIKeyAction = "dumps.create"
	ActionSnapshotsCreate    APIKeyAction = "snapshots.create"
)

// ValidActions is the fixed enumeration CreateParams.Actions is validated against.
var ValidActions = map[APIKeyAction]bool{
	ActionAll: true, ActionSearch: true,
	ActionDocumentsAll: true, ActionDocumentsAdd: true, ActionDocumentsGet: true, ActionDocumentsDelete: true,
	ActionIndexesAll: true, ActionIndexesCreate: true, ActionIndexesGet: true, ActionIndexesUpdate: true,
	ActionIndexesDelete: true, ActionIndexesSwap: true,
	ActionTasksAll: true, ActionTasksGet: true, ActionTasksCancel: true, ActionTasksDelete: true,
	ActionSettingsAll: true, ActionSettingsGet: true, ActionSettingsUpdate: true,
	ActionKeysAll: true, ActionKeysGet: true, ActionKeysCreate: true, ActionKeysUpdate: true, ActionKeysDelete: true,
	ActionDumpsCreate: true, ActionSnapshotsCreate: true,
}

// APIKey is a bearer credential scoped to a set of actions and indexes.
type APIKey struct {
	UID         string         `json:"uid"`
	Key         string         `json:"key"`
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Actions     []APIKeyAction `json:"actions"`
	Indexes     []string       `json:"indexes"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Expired reports whether the key can no longer authorize requests.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
