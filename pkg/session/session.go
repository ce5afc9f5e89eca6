// Package session provides the relay session record and the Store interface
// used to persist it. A record exists in the store for exactly as long as the
// session is active; absence of a record means the session has ended.
package session

import (
	"context"
	"errors"
	"maps"
	"time"
)

// DefaultTTL is the store-enforced lifetime of a session record.
const DefaultTTL = time.Hour

// Kind distinguishes sessions that carry file transfer from those that do not.
type Kind string

const (
	// KindPublic sessions relay conductor payloads and files.
	KindPublic Kind = "public"

	// KindPrivate sessions relay conductor payloads only.
	KindPrivate Kind = "private"
)

// ParseKind maps a client-supplied kind to a Kind. Anything other than
// "private" is a public session.
func ParseKind(s string) Kind {
	if Kind(s) == KindPrivate {
		return KindPrivate
	}
	return KindPublic
}

// ErrNoUpdate may be returned from an Update mutation to leave the stored
// record untouched. Update then returns the current record and a nil error.
var ErrNoUpdate = errors.New("session: no update")

// ManifestEntry is a completed upload of a public session.
type ManifestEntry struct {
	FileName     string `json:"file_name"`
	StorageToken string `json:"storage_token"`
}

// Record is the stored state of one session.
type Record struct {
	// ID is the session id. It is the store key and is not serialized.
	ID string `json:"-"`

	Type        Kind   `json:"type"`
	InitiatorID string `json:"initiator_connection_id"`

	// Followers maps follower connection id to display name.
	Followers map[string]string `json:"followers"`

	// CreatedAt is informational only.
	CreatedAt time.Time `json:"created_at"`

	// Manifest lists completed uploads in completion order. Public sessions only.
	Manifest []ManifestEntry `json:"file_manifest,omitempty"`
}

// NewRecord builds a fresh record for a session created by initiatorID.
func NewRecord(id string, kind Kind, initiatorID string) *Record {
	return &Record{
		ID:          id,
		Type:        kind,
		InitiatorID: initiatorID,
		Followers:   make(map[string]string),
		CreatedAt:   time.Now().UTC(),
	}
}

// IsPublic reports whether the session carries file transfer.
func (r *Record) IsPublic() bool {
	return r.Type == KindPublic
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Followers = make(map[string]string, len(r.Followers))
	maps.Copy(c.Followers, r.Followers)
	if r.Manifest != nil {
		c.Manifest = append([]ManifestEntry(nil), r.Manifest...)
	}
	return &c
}

// Store defines the interface for session persistence.
//
// Implementations must be safe for concurrent use. Every mutation goes through
// Update, which is an atomic read-modify-write: concurrent updates to the same
// session never lose each other's changes.
type Store interface {
	// Create persists a new record with the store's TTL.
	Create(ctx context.Context, rec *Record) error

	// Get retrieves a record by id. Returns nil, nil if not found or expired.
	Get(ctx context.Context, id string) (*Record, error)

	// Update applies fn to the current record and writes the result back
	// atomically, keeping the record's remaining expiry. It returns the record
	// as written. Returns nil, nil without calling fn if the record is absent.
	// If fn returns ErrNoUpdate nothing is written; any other error aborts
	// the update and is returned.
	Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error)

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, id string) error

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	// Close stops background routines and releases resources.
	Close() error
}
