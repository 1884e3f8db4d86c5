package remotefs

import (
	"errors"
	"fmt"

	"github.com/imroc/req/v3"
)

var (
	ErrNoServerURL  = errors.New("remotefs: server url missing")
	ErrFileNotFound = errors.New("remotefs: local file not found")
)

// Error codes returned by the remote store API.
const (
	CodeInvalidRequest     = "E_INVALID_REQUEST"     // bad or malformed request
	CodeNotFound           = "E_NOT_FOUND"           // the resource does not exist
	CodePreconditionFailed = "E_PRECONDITION_FAILED" // the supplied ETag no longer matches
	CodeConflict           = "E_CONFLICT"            // concurrent modification detected
	CodeUnauthorized       = "E_UNAUTHORIZED"        // credentials invalid or expired
	CodeForbidden          = "E_FORBIDDEN"           // access denied to the resource
	CodeRateLimited        = "E_RATE_LIMITED"        // rate limit exceeded
	CodeUnavailable        = "E_UNAVAILABLE"         // service temporarily unavailable
	CodeAborted            = "E_ABORTED"             // request aborted server-side
	CodeInternalError      = "E_INTERNAL_ERROR"      // internal server error
)

// APIError is a typed error returned by the remote store.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote api error: %s - %s", e.Code, e.Message)
}

// ErrorCode extracts the remote API error code from err, or "" if err is not
// an APIError.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// IsNotFound reports whether err is a remote not-found response.
func IsNotFound(err error) bool {
	return ErrorCode(err) == CodeNotFound
}

// IsPreconditionFailed reports whether err is an ETag precondition or
// conflict response, i.e. the remote object changed since the last sync.
func IsPreconditionFailed(err error) bool {
	code := ErrorCode(err)
	return code == CodePreconditionFailed || code == CodeConflict
}

// handleAPIError folds a transport error or an API error response into a
// single error value.
func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("http request error: %s: %w", operation, requestErr)
	}

	if resp.IsErrorState() {
		if apiErr, ok := resp.ErrorResult().(*APIError); ok {
			return fmt.Errorf("%s: %w", operation, apiErr)
		}
		return fmt.Errorf("api error: %s: status %d", operation, resp.StatusCode)
	}

	return nil
}
