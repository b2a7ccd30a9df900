package monitor

import (
	"errors"

	"github.com/faasten/faasten/blobstore"
	"github.com/faasten/faasten/buckle"
	"github.com/faasten/faasten/gate"
	"github.com/faasten/faasten/namespace"
	"github.com/faasten/faasten/wire"
)

// ErrTimeout is returned by Dispatcher.Run when the invocation's deadline
// elapses before the guest responds.
var ErrTimeout = errors.New("monitor: invocation timed out")

// statusFor maps a core error to the discriminated CloudCall status it
// surfaces to the guest. The dispatcher never crashes on any of
// these; anything unrecognized maps to StatusBackingStoreError.
func statusFor(err error) wire.Status {
	switch {
	case err == nil:
		return wire.StatusSuccess
	case errors.Is(err, ErrTimeout):
		return wire.StatusTimeout
	case errors.Is(err, namespace.ErrLabelCheckFailed):
		return wire.StatusLabelCheckFailed
	case errors.Is(err, namespace.ErrNotFound):
		return wire.StatusNotFound
	case errors.Is(err, namespace.ErrAlreadyExists):
		return wire.StatusAlreadyExists
	case errors.Is(err, namespace.ErrWrongKind):
		return wire.StatusWrongKind
	case errors.Is(err, namespace.ErrBackingStoreError):
		return wire.StatusBackingStoreError
	case errors.Is(err, buckle.ErrMalformedLabel), errors.Is(err, buckle.ErrPrincipalTooLong):
		return wire.StatusMalformedLabel
	case errors.Is(err, gate.ErrUnauthorized):
		return wire.StatusUnauthorized
	case errors.Is(err, gate.ErrRedirectLoop):
		return wire.StatusRedirectLoop
	case errors.Is(err, gate.ErrNotAGate):
		return wire.StatusWrongKind
	case errors.Is(err, blobstore.ErrBlobNotFound), errors.Is(err, blobstore.ErrHandleNotFound):
		return wire.StatusNotFound
	case errors.Is(err, blobstore.ErrBlobCorrupt):
		return wire.StatusBlobCorrupt
	case errors.Is(err, blobstore.ErrBlobIOError):
		return wire.StatusBlobIOError
	default:
		return wire.StatusBackingStoreError
	}
}

func errResp(status wire.Status) *wire.CallResponse {
	return &wire.CallResponse{Status: status}
}
