package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RecordRef addresses a local record of any kind.
type RecordRef struct {
	Kind string
	ID   string
}

func (r RecordRef) String() string {
	return r.Kind + "," + r.ID
}

// IsZero reports whether the reference points nowhere.
func (r RecordRef) IsZero() bool {
	return r.Kind == "" || r.ID == ""
}

// ParseRecordRef parses the "kind,id" form produced by RecordRef.String.
func ParseRecordRef(s string) (RecordRef, error) {
	kind, id, ok := strings.Cut(s, ",")
	if !ok || kind == "" || id == "" {
		return RecordRef{}, fmt.Errorf("invalid record reference %q", s)
	}
	return RecordRef{Kind: kind, ID: id}, nil
}

// Fields holds loosely typed record values as decoded from JSON.
type Fields map[string]any

// Clone returns a shallow copy; nil stays nil.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Has reports whether the key is present, even when its value is nil.
func (f Fields) Has(name string) bool {
	_, ok := f[name]
	return ok
}

// String returns the value as a string or "" when missing or of another type.
func (f Fields) String(name string) string {
	s, _ := f[name].(string)
	return s
}

// Bool returns the value as a bool or false when missing or of another type.
func (f Fields) Bool(name string) bool {
	b, _ := f[name].(bool)
	return b
}

// Strings returns a string list value, accepting both []string and the
// []any shape produced by JSON decoding.
func (f Fields) Strings(name string) []string {
	switch v := f[name].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// WriteMode tells the change tracker where a write originates.
type WriteMode int

const (
	// WriteUser is a regular local edit.
	WriteUser WriteMode = iota
	// WriteExternal carries values that came from the remote side.
	WriteExternal
	// WriteChangePush applies reconciled changes and patches links.
	WriteChangePush
	// WriteOriginalSnapshot updates bookkeeping without tracking.
	WriteOriginalSnapshot
)

func (m WriteMode) String() string {
	switch m {
	case WriteUser:
		return "user"
	case WriteExternal:
		return "external"
	case WriteChangePush:
		return "change_push"
	case WriteOriginalSnapshot:
		return "original_snapshot"
	}
	return "unknown"
}

// Record is a generic local record stored as JSON fields.
type Record struct {
	Ref      RecordRef
	ParentID string
	Fields   Fields
	// OriginalValues holds each observed field as of the last synced baseline,
	// captured before the first unflushed local edit.
	OriginalValues  Fields
	ChangeLastWrite *time.Time
	WriteDate       time.Time
	CreatedAt       time.Time
}

// SyncDirection controls which way changes flow over a link.
type SyncDirection string

const (
	DirectionBoth          SyncDirection = "both"
	DirectionLocalToRemote SyncDirection = "local_to_remote"
	DirectionRemoteToLocal SyncDirection = "remote_to_local"
	DirectionNone          SyncDirection = "none"
)

// PushesLocal reports whether local edits propagate to the remote object.
func (d SyncDirection) PushesLocal() bool {
	return d == DirectionBoth || d == DirectionLocalToRemote
}

// PullsRemote reports whether remote edits propagate to the local record.
func (d SyncDirection) PullsRemote() bool {
	return d == DirectionBoth || d == DirectionRemoteToLocal
}

// Valid reports whether d is one of the known directions.
func (d SyncDirection) Valid() bool {
	switch d {
	case DirectionBoth, DirectionLocalToRemote, DirectionRemoteToLocal, DirectionNone:
		return true
	}
	return false
}

// TokenSet is the OAuth token triple kept per remote user.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
}

// RemoteUser is a local identity connected to a remote calendar account.
type RemoteUser struct {
	ID                    int64
	PartnerID             string
	Email                 string
	Tokens                TokenSet
	AuthenticationFailure bool
	SyncStarted           bool
	LastError             string
	LastSync              string
	Category              string
	IgnoreWithoutCategory bool
	CalendarID            *int64
	CalendarSyncFailed    bool
	CreatedAt             time.Time
}

// RemoteCalendar is a calendar option of a remote user and its delta cursor.
type RemoteCalendar struct {
	ID         int64
	UserID     int64
	UID        string
	Name       string
	DeltaToken string
	CreatedAt  time.Time
}

// RecordLink maps one local record to one remote object for one user.
type RecordLink struct {
	ID           int64
	UserID       int64
	Record       RecordRef
	RemoteID     string
	DataDomain   string
	CreateDomain string
	Direction    SyncDirection
	CreatedAt    time.Time
}

// LinkScope selects every link of a record; with IncludeSynthetic it also
// matches synthetic child ids of the form "<id>-<suffix>".
type LinkScope struct {
	Ref              RecordRef
	IncludeSynthetic bool
}

// Matches reports whether ref falls inside the scope.
func (s LinkScope) Matches(ref RecordRef) bool {
	if ref.Kind != s.Ref.Kind {
		return false
	}
	if ref.ID == s.Ref.ID {
		return true
	}
	return s.IncludeSynthetic && strings.HasPrefix(ref.ID, s.Ref.ID+"-")
}

const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodPatch  = "PATCH"
	MethodDelete = "DELETE"
)

// PushStatus is the lifecycle state of an outbound request.
type PushStatus string

const (
	PushWaiting    PushStatus = "waiting"
	PushProcessing PushStatus = "processing"
	PushRetrying   PushStatus = "retrying"
	PushProcessed  PushStatus = "processed"
	PushFailed     PushStatus = "failed"
	PushCancelled  PushStatus = "cancelled"
)

// Pending reports whether the item may still be claimed.
func (s PushStatus) Pending() bool {
	return s == PushWaiting || s == PushRetrying
}

// PushQueueItem is one pending remote mutation.
type PushQueueItem struct {
	ID        int64
	UserID    int64
	LinkID    *int64
	Method    string
	Domain    string
	TargetID  string
	Payload   json.RawMessage
	Headers   map[string]string
	Status    PushStatus
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChangeStatus is the lifecycle state of a change queue item.
type ChangeStatus string

const (
	ChangeWaiting    ChangeStatus = "waiting"
	ChangeProcessing ChangeStatus = "processing"
)

// ChangeQueueItem is one field-level change waiting to be reconciled.
type ChangeQueueItem struct {
	ID        int64
	Record    RecordRef
	Changes   Fields
	EventTime time.Time
	Status    ChangeStatus
	CreatedAt time.Time
}

// PullStatus is the lifecycle state of a pull queue item.
type PullStatus string

const (
	PullWaiting PullStatus = "waiting"
	PullPulling PullStatus = "pulling"
	PullFailed  PullStatus = "failed"
)

// PullQueueItem marks a user whose remote deltas should be pulled.
type PullQueueItem struct {
	ID        int64
	UserID    int64
	Domain    string
	Status    PullStatus
	LastError string
	UpdatedAt time.Time
}

// CustomSyncValue is a JSON fragment merged into every outbound template of
// a record kind.
type CustomSyncValue struct {
	ID       int64
	Kind     string
	Name     string
	Value    json.RawMessage
	Sequence int
	Active   bool
}
