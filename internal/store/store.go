package store

import (
	"context"
	"errors"
	"strings"
)

// Adapter is the document-store contract the signaling layer is written
// against. The store is a message relay: keyed records with create, partial
// update, delete, and ordered change notification per subscription. No
// cross-record ordering or transactional guarantees are assumed beyond
// single-record atomic update.
//
// Child collections (candidate streams under a session) are modelled as
// derived collections named by ChildCollection; SubscribeChildren is a
// convenience over Subscribe for the append-only case.
type Adapter interface {
	// CreateRecord stores a new record. If id is empty an id is generated.
	// Returns the record id.
	CreateRecord(ctx context.Context, collection, id string, fields map[string]any) (string, error)

	// UpdateRecord merges partial into an existing record. Fails with
	// ErrNotFound if the record does not exist.
	UpdateRecord(ctx context.Context, collection, id string, partial map[string]any) error

	// UpdateRecordIf merges partial into an existing record only while the
	// record's guard field holds one of the allowed values, atomically.
	// Fails with ErrNotFound if the record does not exist and ErrConflict
	// if the guard does not hold.
	UpdateRecordIf(ctx context.Context, collection, id, field string, allowed []string, partial map[string]any) error

	// DeleteRecord removes a record. Deleting a missing record is not an error.
	DeleteRecord(ctx context.Context, collection, id string) error

	// Subscribe delivers changes for records in a collection matching filter,
	// in arrival order. Records matching at subscribe time are replayed as
	// Added. A record that stops matching the filter is delivered as Removed.
	// The returned cancel func closes the channel and releases resources;
	// it is safe to call more than once.
	Subscribe(ctx context.Context, collection string, filter FilterFunc) (<-chan Change, CancelFunc, error)

	// SubscribeChildren delivers records appended to a child collection of
	// parentID, in arrival order, existing records first.
	SubscribeChildren(ctx context.Context, collection, parentID, child string) (<-chan Record, CancelFunc, error)
}

var (
	ErrNotFound = errors.New("store: record not found")

	// ErrConflict reports a guarded update whose guard field no longer held
	// an allowed value.
	ErrConflict = errors.New("store: record changed")
)

// Record is one keyed document.
type Record struct {
	ID     string
	Fields map[string]any
}

type ChangeKind string

const (
	Added   ChangeKind = "added"
	Updated ChangeKind = "updated"
	Removed ChangeKind = "removed"
)

// Change is one subscription notification.
type Change struct {
	Kind   ChangeKind
	Record Record
}

// FilterFunc selects records for a subscription. A nil filter matches all.
type FilterFunc func(Record) bool

// CancelFunc tears down a subscription. Idempotent.
type CancelFunc func()

// ChildCollection names the derived collection holding child records of a
// parent record, e.g. calls/<session-id>/offerCandidates.
func ChildCollection(collection, parentID, child string) string {
	return strings.Join([]string{collection, parentID, child}, "/")
}
