package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a member does not answer within the
	// requested timeout.
	ErrTimeout = errors.New("cluster: operation timed out")

	// ErrSuspected is matched by every SuspectedError.
	ErrSuspected = errors.New("cluster: member suspected")

	// ErrAllReplicasUnreachable is returned when every target of a broadcast
	// was suspected.
	ErrAllReplicasUnreachable = errors.New("cluster: all replicas unreachable")

	// ErrNoEligibleNode is returned when the balancer finds no member that
	// may hold the data.
	ErrNoEligibleNode = errors.New("cluster: no eligible node")

	// ErrNotMember is returned when a destination is not part of the view.
	ErrNotMember = errors.New("cluster: destination is not a member")
)

// SuspectedError reports that Member is believed to have failed.
type SuspectedError struct {
	Member Address
}

func (e *SuspectedError) Error() string {
	return fmt.Sprintf("cluster: member %s suspected", e.Member)
}

// Is makes errors.Is(err, ErrSuspected) match.
func (e *SuspectedError) Is(target error) bool {
	return target == ErrSuspected
}

// GeneralFailureError wraps an application error raised while executing Op.
// Transport-level errors are never wrapped in it.
type GeneralFailureError struct {
	Op  string
	Err error
}

func (e *GeneralFailureError) Error() string {
	return fmt.Sprintf("cluster: %s failed: %v", e.Op, e.Err)
}

func (e *GeneralFailureError) Unwrap() error { return e.Err }

// WrapFailure wraps err in a GeneralFailureError unless it is nil or already a
// transport-level error, which callers must see unchanged.
func WrapFailure(op string, err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	var gf *GeneralFailureError
	if errors.As(err, &gf) {
		return err
	}
	return &GeneralFailureError{Op: op, Err: err}
}

// IsTransient reports whether err is a timeout or a suspicion, both of which
// resolve themselves once the view settles.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrSuspected) ||
		errors.Is(err, ErrAllReplicasUnreachable)
}
