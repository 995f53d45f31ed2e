// Package lock implements the per-block edit lock state machine.
//
// A block is either unlocked or locked by exactly one holder since some instant.
// Expiry is evaluated lazily: a lock older than the TTL stays in place until the
// next Acquire by another holder reclaims it.
package lock

import (
	"errors"
	"fmt"
	"time"
)

const DefaultTTL = 30 * time.Minute

var (
	ErrConflict = errors.New("block is locked by another user")
	ErrNotOwner = errors.New("block is not locked by caller")
)

// State is the persisted lock of a single block. The zero value is unlocked.
type State struct {
	Holder string
	Since  time.Time
}

// ConflictError carries the current holder so callers can show who is editing.
type ConflictError struct {
	Holder string
	Since  time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("block is locked by %s since %s", e.Holder, e.Since.UTC().Format(time.RFC3339))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func (s State) Locked() bool {
	return s.Holder != ""
}

// Stale reports whether the lock is older than ttl at now.
func (s State) Stale(now time.Time, ttl time.Duration) bool {
	return s.Locked() && now.Sub(s.Since) > ttl
}

// Acquire grants the lock to holder when the block is unlocked, already held by
// holder, or held by someone else for longer than ttl. The returned state always
// starts a fresh TTL window.
func Acquire(s State, holder string, now time.Time, ttl time.Duration) (State, error) {
	if holder == "" {
		return s, errors.New("lock holder is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if s.Locked() && s.Holder != holder && !s.Stale(now, ttl) {
		return s, &ConflictError{Holder: s.Holder, Since: s.Since}
	}
	return State{Holder: holder, Since: now}, nil
}

func Release(s State, holder string) (State, error) {
	if !s.Locked() || s.Holder != holder {
		return s, ErrNotOwner
	}
	return State{}, nil
}

// CheckWrite allows writes on unlocked blocks and on blocks held by holder.
// A stale lock of another holder still blocks writes until it is reclaimed.
func CheckWrite(s State, holder string) error {
	if s.Locked() && s.Holder != holder {
		return &ConflictError{Holder: s.Holder, Since: s.Since}
	}
	return nil
}

// Status is the read-only view served to polling clients.
type Status struct {
	Locked      bool       `json:"locked"`
	Holder      string     `json:"holder,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Reclaimable bool       `json:"reclaimable"`
}

func Describe(s State, now time.Time, ttl time.Duration) Status {
	if !s.Locked() {
		return Status{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	since := s.Since
	return Status{
		Locked:      true,
		Holder:      s.Holder,
		Since:       &since,
		Reclaimable: s.Stale(now, ttl),
	}
}
