package store

import (
	"context"
	"errors"
	"net"

	"github.com/lib/pq"
)

// Error kinds, matched with errors.Is. Callers branch on kind, never on
// message text: NotFound maps to 404s, Conflict to duplicate keys, Transient
// marks retryable I/O, Sealed and Permanent are invariant violations.
var (
	ErrNotFound   = errors.New("store: not found")
	ErrConflict   = errors.New("store: conflict")
	ErrValidation = errors.New("store: validation")
	ErrTransient  = errors.New("store: transient")
	ErrPermanent  = errors.New("store: permanent")
	ErrSealed     = errors.New("store: case is sealed")
)

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a unique-key violation.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsTransient reports whether err is worth retrying. The batch orchestrator
// uses this to pick between retry and job failure.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// pq error classes. Codes are the two leading digits of the SQLSTATE.
const (
	pqUniqueViolation  = "23505"
	pqSerialization    = "40001"
	pqDeadlockDetected = "40P01"
	pqClassConnection  = "08" // all 08xxx codes are connection failures
	pqInsufficientRes  = "53" // memory/disk/connection slots exhausted
)

// classifyPG wraps a driver error with the matching kind sentinel so callers
// only ever see store errors. nil and context cancellations pass through.
func classifyPG(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case string(pqErr.Code) == pqUniqueViolation:
			return errors.Join(ErrConflict, err)
		case string(pqErr.Code) == pqSerialization, string(pqErr.Code) == pqDeadlockDetected:
			return errors.Join(ErrTransient, err)
		case pqErr.Code.Class() == pqClassConnection, pqErr.Code.Class() == pqInsufficientRes:
			return errors.Join(ErrTransient, err)
		default:
			return errors.Join(ErrPermanent, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return errors.Join(ErrTransient, err)
	}

	return err
}
