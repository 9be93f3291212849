package storage

import (
	"errors"
	"net/http"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write would break a uniqueness rule, such as
// a second generation in the installing state.
var ErrConflict = errors.New("conflict")

// Logical snapshot keys.
const (
	KeyCatalog  = "catalog:list"
	KeyCart     = "cart:offline"
	KeyWishlist = "wishlist:offline"
)

// Snapshot is a whole-object cached copy of one resource class.
type Snapshot struct {
	Key           string
	Payload       []byte
	SchemaVersion string
	WrittenAt     time.Time
}

type MutationKind string

const (
	KindCartSync    MutationKind = "cart_sync"
	KindOrderSubmit MutationKind = "order_submit"
)

// Valid reports whether k is a known mutation kind.
func (k MutationKind) Valid() bool {
	return k == KindCartSync || k == KindOrderSubmit
}

// Mutation is a pending write waiting for replay. Seq grows with enqueue order.
type Mutation struct {
	Seq           int64        `json:"seq"`
	ID            string       `json:"id"`
	Kind          MutationKind `json:"kind"`
	Payload       []byte       `json:"payload"`
	EnqueuedAt    time.Time    `json:"enqueued_at"`
	Attempts      int          `json:"attempts"`
	LastError     string       `json:"last_error,omitempty"`
	LastAttemptAt time.Time    `json:"last_attempt_at,omitzero"`
}

type DeadLetter struct {
	Mutation
	DeadAt time.Time `json:"dead_at"`
}

type GenerationState string

const (
	StateInstalling GenerationState = "installing"
	StateActive     GenerationState = "active"
	StateSuperseded GenerationState = "superseded"
	StateFailed     GenerationState = "failed"
)

type Generation struct {
	Name        string          `json:"name"`
	State       GenerationState `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
	ActivatedAt time.Time       `json:"activated_at,omitzero"`
}

// Entry is a cached response stored inside one generation.
type Entry struct {
	Generation string
	Key        string
	Status     int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// Fresh reports whether the snapshot can still be served. A snapshot written
// under another schema version, or older than maxAge at now, is treated as
// absent. maxAge <= 0 disables the age check.
func (s Snapshot) Fresh(schemaVersion string, maxAge time.Duration, now time.Time) bool {
	if s.SchemaVersion != schemaVersion {
		return false
	}
	if maxAge <= 0 {
		return true
	}
	return now.Sub(s.WrittenAt) <= maxAge
}

// EntryKey builds the cache key for a request. Only the method and the
// origin-relative target (path plus query) take part.
func EntryKey(method, target string) string {
	return method + " " + target
}
