package mounterr

import (
	"context"
	"errors"

	"github.com/nace/volmon/internal/authz"
	"github.com/nace/volmon/internal/backend"
)

// FromBackend classifies an error returned by a backend call made during
// op. Unrecognised failures get the fallback kind.
func FromBackend(op string, fallback Kind, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Wrap(Cancelled, op, err)
	}
	switch backend.CodeOf(err) {
	case backend.CodeInhibited:
		return Wrap(Inhibited, op, err)
	case backend.CodeCancelled:
		return Wrap(Cancelled, op, err)
	case backend.CodeNotAuthorized, backend.CodeNotAuthorizedCanObtain:
		return Wrap(NotAuthorized, op, err)
	case backend.CodeNotAuthorizedDismissed:
		return Wrap(Aborted, op, err)
	case backend.CodeNotSupported:
		return Wrap(NotSupported, op, err)
	}
	return Wrap(fallback, op, err)
}

// FromAuthz classifies a failed authorization request made during op.
func FromAuthz(op string, err error) *Error {
	switch {
	case errors.Is(err, authz.ErrInhibited):
		return Wrap(Inhibited, op, err)
	case errors.Is(err, authz.ErrDismissed):
		return Wrap(Aborted, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Wrap(Cancelled, op, err)
	}
	return Wrap(NotAuthorized, op, err)
}
