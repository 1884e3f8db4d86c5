package engine

import (
	"context"
	"errors"

	"github.com/driveback/driveback/internal/remotefs"
	"github.com/driveback/driveback/internal/status"
)

// statusFromRemoteError translates a remote store error into the sync status
// taxonomy. Call sites that give specific errors special meaning (idempotent
// delete on not-found, retry on a failed etag precondition) handle those
// before falling back here.
func statusFromRemoteError(err error) status.Code {
	if err == nil {
		return status.OK
	}
	if errors.Is(err, context.Canceled) {
		return status.Aborted
	}

	switch remotefs.ErrorCode(err) {
	case remotefs.CodeUnauthorized:
		return status.AuthenticationFailed
	case remotefs.CodeForbidden:
		return status.AccessForbidden
	case remotefs.CodeRateLimited, remotefs.CodeUnavailable, remotefs.CodeInternalError:
		return status.ServiceUnavailable
	case remotefs.CodeAborted:
		return status.Aborted
	case remotefs.CodeNotFound, remotefs.CodePreconditionFailed, remotefs.CodeConflict:
		// The world moved underneath the pass; rerunning re-resolves it.
		return status.Retry
	case remotefs.CodeInvalidRequest:
		return status.Failed
	default:
		// No typed API code means the request never got a response.
		return status.NetworkError
	}
}
