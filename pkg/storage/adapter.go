package storage

import (
	"context"

	"github.com/spacetrove/trove/pkg/model"
)

// UpdateInput carries everything an adapter needs to persist an update and
// record its history diff.
type UpdateInput struct {
	Space    string
	Subpath  string
	Resource model.Resource

	// Old and New are the flattened attribute maps before and after the
	// mutation; Changed names the fields the caller touched. The history
	// diff only considers changed fields whose values actually differ.
	Old     map[string]interface{}
	New     map[string]interface{}
	Changed []string

	Caller string

	// RetrieveLockStatus makes the adapter consult the entry's lock lease:
	// locked by someone else fails LOCKED_ENTRY, locked by the caller
	// releases the lock as part of the update.
	RetrieveLockStatus bool

	// LastHistoryChecksum, when set, is an opt-in optimistic concurrency
	// expectation compared against the newest history record's checksum.
	LastHistoryChecksum string

	RequestHeaders map[string][]string
}

// DeleteInput parameterizes entry deletion.
type DeleteInput struct {
	Space              string
	Subpath            string
	Shortname          string
	ResourceType       model.ResourceType
	Caller             string
	RetrieveLockStatus bool
}

// MoveInput relocates an entry with its payload and attachments.
type MoveInput struct {
	SrcSpace, SrcSubpath, SrcShortname    string
	DestSpace, DestSubpath, DestShortname string
	Resource                              model.Resource
}

// LockKey addresses one lock lease.
type LockKey struct {
	Space     string
	Subpath   string
	Shortname string
}

// Adapter is the uniform storage contract. Both backends must honor the
// same semantics for every operation, including error codes.
type Adapter interface {
	// Name identifies the backend in logs and metrics ("fs" or "sql").
	Name() string

	// Load fetches an entry, failing with OBJECT_NOT_FOUND when absent.
	Load(ctx context.Context, space, subpath, shortname string, rt model.ResourceType) (model.Resource, error)

	// LoadOrNil is Load returning (nil, nil) when the entry is absent.
	LoadOrNil(ctx context.Context, space, subpath, shortname string, rt model.ResourceType) (model.Resource, error)

	// Save writes an entry, first write or overwrite, atomically from the
	// caller's perspective.
	Save(ctx context.Context, space, subpath string, res model.Resource) error

	// Create is Save failing with SHORTNAME_ALREADY_EXIST when the identity
	// is already occupied.
	Create(ctx context.Context, space, subpath string, res model.Resource) error

	// Update persists the new state and appends a history record for the
	// changed fields. It returns the diff, empty when nothing changed (in
	// which case no history record is appended).
	Update(ctx context.Context, in UpdateInput) (map[string]model.HistoryDelta, error)

	// Delete removes an entry, its payload blob (for non-inline content
	// types) and attachments. Empty parent containers are pruned best
	// effort.
	Delete(ctx context.Context, in DeleteInput) error

	// Move relocates an entry. Fails with NOT_ALLOWED_LOCATION when the
	// destination identity is occupied.
	Move(ctx context.Context, in MoveInput) error

	// Query executes a query variant under the given access filter.
	Query(ctx context.Context, q Query, access AccessFilter) (QueryResult, error)

	// SaveAttachment stores an attachment beside its parent entry, with the
	// raw content for blob-backed attachment payloads.
	SaveAttachment(ctx context.Context, space, parentSubpath, parentShortname string, att model.Resource, content []byte) error

	// DeleteAttachment removes one attachment.
	DeleteAttachment(ctx context.Context, space, parentSubpath, parentShortname string, rt model.ResourceType, shortname string) error

	// Attachments lists an entry's attachments grouped by type, projected as
	// records for the Record.Attachments field.
	Attachments(ctx context.Context, space, subpath, shortname string) (map[model.ResourceType][]model.Record, error)

	// SavePayloadBlob stores the body of a non-inline entry payload.
	SavePayloadBlob(ctx context.Context, space, subpath, shortname, name string, content []byte) error

	// LoadPayloadBlob fetches a previously stored payload body.
	LoadPayloadBlob(ctx context.Context, space, subpath, shortname, name string) ([]byte, error)

	// History returns an entry's history records, newest first.
	History(ctx context.Context, space, subpath, shortname string, limit, offset int) ([]model.History, int64, error)

	// ListSpaces returns every space entry.
	ListSpaces(ctx context.Context) ([]*model.Space, error)

	// FetchLock returns the lease for a key, nil when absent. Passive TTL
	// expiry is the caller's concern.
	FetchLock(ctx context.Context, key LockKey) (*model.Lock, error)

	// StoreLock writes a lease unconditionally.
	StoreLock(ctx context.Context, key LockKey, lock *model.Lock) error

	// DeleteLock removes a lease; absent is not an error.
	DeleteLock(ctx context.Context, key LockKey) error

	// Health probes the backend's availability.
	Health(ctx context.Context) error

	Close() error
}
