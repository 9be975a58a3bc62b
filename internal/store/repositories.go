package store

import (
	"context"
	"encoding/json"
	"time"
)

// RecordRepository persists generic local records.
type RecordRepository interface {
	Get(ctx context.Context, ref RecordRef) (*Record, error)
	// Create inserts the record, generating an id when Ref.ID is empty.
	Create(ctx context.Context, rec Record) (*Record, error)
	// UpdateFields merges values into the stored fields.
	UpdateFields(ctx context.Context, ref RecordRef, values Fields, writeDate time.Time) error
	SetOriginalValues(ctx context.Context, ref RecordRef, values Fields) error
	SetChangeLastWrite(ctx context.Context, ref RecordRef, at time.Time) error
	Delete(ctx context.Context, ref RecordRef) error
	// FindByFields returns records of kind whose fields contain match.
	FindByFields(ctx context.Context, kind string, match Fields) ([]Record, error)
	// FindByFieldFold matches a string field case-insensitively.
	FindByFieldFold(ctx context.Context, kind, field, value string) ([]Record, error)
	// ListContaining returns records whose list field contains value.
	ListContaining(ctx context.Context, kind, field, value string) ([]Record, error)
	ListChildren(ctx context.Context, parent RecordRef) ([]Record, error)
	// ListInRange returns records whose string field sorts within [from, to].
	ListInRange(ctx context.Context, kind, field, from, to string) ([]Record, error)
}

// RemoteUserRepository manages connected remote accounts.
type RemoteUserRepository interface {
	Create(ctx context.Context, user RemoteUser) (*RemoteUser, error)
	GetByID(ctx context.Context, id int64) (*RemoteUser, error)
	GetByPartner(ctx context.Context, partnerID string) (*RemoteUser, error)
	GetByEmail(ctx context.Context, email string) (*RemoteUser, error)
	ListAll(ctx context.Context) ([]RemoteUser, error)
	ListSyncStarted(ctx context.Context) ([]RemoteUser, error)
	ListWithPendingPushes(ctx context.Context) ([]RemoteUser, error)
	// UpdateTokens stores a fresh token set and clears the failure flag.
	UpdateTokens(ctx context.Context, id int64, tokens TokenSet, email string) error
	SetAuthFailure(ctx context.Context, id int64, lastError string) error
	SetLastError(ctx context.Context, id int64, lastError string) error
	SetLastSync(ctx context.Context, id int64, summary string) error
	SetSyncStarted(ctx context.Context, id int64, started bool) error
	SetCalendar(ctx context.Context, id int64, calendarID *int64) error
	SetCalendarSyncFailed(ctx context.Context, id int64, failed bool) error
	UpdateSettings(ctx context.Context, id int64, category string, ignoreWithoutCategory bool) error
	Delete(ctx context.Context, id int64) error
}

// RemoteCalendarRepository manages calendar options and their delta cursors.
type RemoteCalendarRepository interface {
	GetByID(ctx context.Context, id int64) (*RemoteCalendar, error)
	ListByUser(ctx context.Context, userID int64) ([]RemoteCalendar, error)
	Create(ctx context.Context, cal RemoteCalendar) (*RemoteCalendar, error)
	UpdateDeltaToken(ctx context.Context, id int64, token string) error
	Delete(ctx context.Context, id int64) error
}

// RecordLinkRepository manages record-to-remote-object links.
type RecordLinkRepository interface {
	GetByID(ctx context.Context, id int64) (*RecordLink, error)
	GetByRecordAndUser(ctx context.Context, ref RecordRef, userID int64) (*RecordLink, error)
	GetByRemoteID(ctx context.Context, userID int64, remoteID string) (*RecordLink, error)
	ListByScope(ctx context.Context, scope LinkScope) ([]RecordLink, error)
	ListByUser(ctx context.Context, userID int64) ([]RecordLink, error)
	// ListByCreateDomain returns links of the user whose create domain
	// contains fragment.
	ListByCreateDomain(ctx context.Context, userID int64, fragment string) ([]RecordLink, error)
	Create(ctx context.Context, link RecordLink) (*RecordLink, error)
	SetRemoteID(ctx context.Context, id int64, remoteID, dataDomain string) error
	SetDirection(ctx context.Context, id int64, direction SyncDirection) error
	Delete(ctx context.Context, id int64) error
}

// PushQueueRepository persists outbound remote mutations.
type PushQueueRepository interface {
	Enqueue(ctx context.Context, item PushQueueItem) (*PushQueueItem, error)
	// ClaimForUser atomically moves the user's pending items to processing and
	// returns them ordered by id.
	ClaimForUser(ctx context.Context, userID int64) ([]PushQueueItem, error)
	ListPendingForLink(ctx context.Context, linkID int64) ([]PushQueueItem, error)
	ListByUser(ctx context.Context, userID int64) ([]PushQueueItem, error)
	// UpdatePayload rewrites a pending item's payload. Items already claimed
	// report ErrNotFound.
	UpdatePayload(ctx context.Context, id int64, payload json.RawMessage) error
	MarkRetrying(ctx context.Context, ids []int64, lastError string) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	Delete(ctx context.Context, id int64) error
	CancelForLink(ctx context.Context, linkID int64, reason string) (int64, error)
	CancelForTarget(ctx context.Context, userID int64, targetID, reason string) (int64, error)
	// CancelForDomain cancels pending items whose domain contains fragment.
	CancelForDomain(ctx context.Context, userID int64, fragment, reason string) (int64, error)
	CancelForUser(ctx context.Context, userID int64, reason string) (int64, error)
}

// ChangeQueueRepository persists field-level changes awaiting reconciliation.
type ChangeQueueRepository interface {
	Create(ctx context.Context, item ChangeQueueItem) (*ChangeQueueItem, error)
	// ClaimForRecord moves the record's waiting items to processing.
	ClaimForRecord(ctx context.Context, ref RecordRef) ([]ChangeQueueItem, error)
	// ListRecords returns the distinct records with waiting items.
	ListRecords(ctx context.Context) ([]RecordRef, error)
	Release(ctx context.Context, ids []int64) error
	Delete(ctx context.Context, ids []int64) error
	DeleteForRecord(ctx context.Context, ref RecordRef) error
}

// PullQueueRepository tracks per-user pull jobs.
type PullQueueRepository interface {
	GetOrCreate(ctx context.Context, userID int64, domain string) (*PullQueueItem, error)
	// Claim marks the item as pulling unless another worker holds a claim
	// newer than staleBefore. It reports whether the claim succeeded.
	Claim(ctx context.Context, id int64, staleBefore time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, lastError string) error
	Delete(ctx context.Context, id int64) error
	ListAll(ctx context.Context) ([]PullQueueItem, error)
}

// CustomValueRepository reads operator-defined template fragments.
type CustomValueRepository interface {
	ListActive(ctx context.Context, kind string) ([]CustomSyncValue, error)
}
