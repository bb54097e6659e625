package session

import (
	"errors"
	"fmt"

	"github.com/nimbusvpn/nimbus/internal/access"
)

// ErrUnauthorized rejects a request with bad credentials. The message
// is deliberately generic: on creation the client must not learn why
// the authority refused.
var ErrUnauthorized = errors.New("access error")

// ServerSessionError surfaces an authority-level failure on an
// authorized session. It carries the authority response verbatim plus
// the id of the request that hit it.
type ServerSessionError struct {
	Response  *access.SessionResponseEx
	RequestID string
}

func (e *ServerSessionError) Error() string {
	return fmt.Sprintf("session error (%s): %s", e.Response.ErrorCode, e.Response.ErrorMessage)
}

// Code returns the authority code carried by the error.
func (e *ServerSessionError) Code() access.Code {
	return e.Response.ErrorCode
}
