// Package auth defines the permission boundary for tempo.
//
// Policy evaluation lives outside this engine; services only ask an opaque
// Guard whether an identity may perform an action on a resource. Denials
// short-circuit before any state is mutated.
package auth

import (
	"github.com/teranos/tempo/errors"
)

// Identity names the caller of a service operation.
type Identity string

// System is the identity used by the scheduler and workers.
const System Identity = "system"

// Guard answers permission checks for state-changing operations.
type Guard interface {
	Allowed(identity Identity, action, resource string) bool
}

// Check runs the guard and converts a denial into an unauthorized error.
// A nil guard allows everything (embedded/library use).
func Check(g Guard, identity Identity, action, resource string) error {
	if g == nil {
		return nil
	}
	if !g.Allowed(identity, action, resource) {
		return errors.Wrapf(errors.ErrUnauthorized, "identity %q may not %s %s", identity, action, resource)
	}
	return nil
}

// AllowAll is a Guard that permits every operation.
type AllowAll struct{}

func (AllowAll) Allowed(Identity, string, string) bool { return true }

// DenyAll is a Guard that rejects every operation. Useful in tests.
type DenyAll struct{}

func (DenyAll) Allowed(Identity, string, string) bool { return false }
