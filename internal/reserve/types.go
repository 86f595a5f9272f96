// Package reserve allocates short human-readable identifiers from a shared
// pool of records kept in a Store. Records move Available -> Reserved -> Used
// (or Available -> Used directly); an unconfirmed reservation falls back to
// Available once its lease expires. Every transition except the expiry sweep
// is a compare-and-set in the store, so allocators running in different
// processes against the same store never hand out the same id twice.
package reserve

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an identifier record.
type Status string

const (
	StatusAvailable Status = "available"
	StatusReserved  Status = "reserved"
	StatusUsed      Status = "used"
)

// ParseStatus accepts the persisted spelling of a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusAvailable, StatusReserved, StatusUsed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Record is one identifier as persisted in the store.
type Record struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	ReservedAt *time.Time `json:"reserved_at,omitempty"` // set iff Status == StatusReserved
}

// Valid reports whether ReservedAt agrees with Status.
func (r Record) Valid() bool {
	return (r.Status == StatusReserved) == (r.ReservedAt != nil)
}

// Update carries the fields written by a successful CompareAndSet.
// ReservedAt is persisted only when Status is StatusReserved and cleared otherwise.
type Update struct {
	Status     Status
	ReservedAt time.Time
}

// Apply returns r with u written over it.
func (u Update) Apply(r Record) Record {
	r.Status = u.Status
	r.ReservedAt = nil
	if u.Status == StatusReserved {
		at := u.ReservedAt
		r.ReservedAt = &at
	}
	return r
}

// Stats is a per-status snapshot of the pool.
type Stats struct {
	Available int `json:"available"`
	Reserved  int `json:"reserved"`
	Used      int `json:"used"`
}

var (
	ErrNotFound               = errors.New("identifier not found")
	ErrInvalidFormat          = errors.New("identifier is badly formed")
	ErrNoAvailableIdentifiers = errors.New("no available identifiers")
	ErrGenerationExhausted    = errors.New("could not generate any unique identifier")
)
