// Package kverrors defines the sentinel error taxonomy of spec.md §7. All
// packages return one of these (or a wrapped variant via fmt.Errorf("%w",
// ...)) instead of ad-hoc error strings, so callers can branch on kind with
// errors.Is rather than string matching.
package kverrors

import "errors"

var (
	// ErrNotOwner is returned when a node receives an op for a partition it
	// does not own and forwarding is disabled.
	ErrNotOwner = errors.New("kvcluster: not partition owner")

	// ErrQuorumUnavailable is returned when a write could not collect
	// writeQuorum acknowledgments.
	ErrQuorumUnavailable = errors.New("kvcluster: quorum unavailable")

	// ErrConflict is returned when a transaction is aborted due to a
	// dirty-read attempt, a committed-write overlap, or a lost update.
	ErrConflict = errors.New("kvcluster: transaction conflict")

	// ErrDeadlock is returned when a lock wait exceeds lockTimeout.
	ErrDeadlock = errors.New("kvcluster: lock wait deadlock timeout")

	// ErrInsufficientFunds is returned by Transfer when the source balance
	// is less than the requested amount.
	ErrInsufficientFunds = errors.New("kvcluster: insufficient funds")

	// ErrInvalidArgument covers malformed keys, a missing tx id on
	// GetForUpdate, and partitioning invariant violations.
	ErrInvalidArgument = errors.New("kvcluster: invalid argument")

	// ErrUnreachable is returned when an administrative RPC to a peer could
	// not be delivered.
	ErrUnreachable = errors.New("kvcluster: peer unreachable")

	// ErrCorruption marks a malformed WAL or segment line; the line is
	// skipped rather than aborting the whole recovery/read.
	ErrCorruption = errors.New("kvcluster: corrupt record")

	// ErrKeyNotFound mirrors the teacher's storage.ErrKeyNotFound: a
	// requested key has no live version.
	ErrKeyNotFound = errors.New("kvcluster: key not found")
)

// CodeOf maps an error (possibly wrapped) to an HTTP-ish status code used
// by the node and coordinator HTTP handlers.
func CodeOf(err error) int {
	switch {
	case err == nil:
		return 200
	case errors.Is(err, ErrKeyNotFound):
		return 404
	case errors.Is(err, ErrNotOwner):
		return 421 // misdirected request
	case errors.Is(err, ErrInvalidArgument):
		return 400
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDeadlock):
		return 409
	case errors.Is(err, ErrInsufficientFunds):
		return 402
	case errors.Is(err, ErrQuorumUnavailable):
		return 503
	case errors.Is(err, ErrUnreachable):
		return 502
	default:
		return 500
	}
}
