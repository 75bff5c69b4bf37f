// Package claims defines the external claim contract the spawn pool
// coordinates through.
//
// A claim is a work item owned by a collaborator store. The pool only reads
// and writes three of its fields: status, the assigned worker kind, and the
// worker pid. Every write is conditional so several pools, and the workers
// they start, can race on the same claim without double assignment.
package claims

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that a claim id does not exist, or that no open claim
// is available. Any other repository error is a store failure.
var ErrNotFound = errors.New("claim not found")

// Status is the lifecycle state of a claim.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
)

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusOpen, StatusInProgress, StatusResolved:
		return Status(value), true
	default:
		return "", false
	}
}

// IsTerminal reports whether the claim needs no further supervision.
func (s Status) IsTerminal() bool { return s == StatusResolved }

// Holder identifies who holds an in-progress claim. The zero Holder matches
// any holder when used as an expectation.
type Holder struct {
	Kind string `json:"kind" yaml:"kind"`
	PID  int    `json:"pid" yaml:"pid"`
}

// IsZero reports whether h is the wildcard holder.
func (h Holder) IsZero() bool { return h.Kind == "" && h.PID == 0 }

// Claim is the subset of a work item the pool cares about, plus the fields
// worker kinds need to build a command line.
type Claim struct {
	ID        int64     `json:"id" yaml:"id"`
	Type      string    `json:"type" yaml:"type"`
	Priority  string    `json:"priority" yaml:"priority"`
	Title     string    `json:"title" yaml:"title"`
	Summary   string    `json:"summary,omitempty" yaml:"summary,omitempty"`
	Status    Status    `json:"status" yaml:"status"`
	Kind      string    `json:"assigned_worker_kind,omitempty" yaml:"assigned_worker_kind,omitempty"`
	PID       int       `json:"worker_pid,omitempty" yaml:"worker_pid,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Holder returns the claim's current holder.
func (c Claim) Holder() Holder { return Holder{Kind: c.Kind, PID: c.PID} }

// Repository is the store contract the spawn pool depends on.
type Repository interface {
	// Get returns the claim or ErrNotFound.
	Get(ctx context.Context, id int64) (*Claim, error)
	// NextOpen returns the highest priority open claim or ErrNotFound.
	NextOpen(ctx context.Context) (*Claim, error)
	// ListInProgress returns every in-progress claim.
	ListInProgress(ctx context.Context) ([]*Claim, error)
	// ClaimOpen moves an open claim to in_progress for kind and pid.
	ClaimOpen(ctx context.Context, id int64, kind string, pid int) (bool, error)
	// SwapHolder replaces the holder of an in-progress claim while it still equals from.
	SwapHolder(ctx context.Context, id int64, from, to Holder) (bool, error)
	// Release returns an in-progress claim to open when its holder matches expect.
	Release(ctx context.Context, id int64, expect Holder) (bool, error)
}
