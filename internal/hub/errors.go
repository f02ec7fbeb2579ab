package hub

import "errors"

var (
	// ErrUnauthenticated means the connection carries no resolved identity.
	ErrUnauthenticated = errors.New("connection has no authenticated identity")

	// ErrAccessDenied means the access gate refused the resource. Unknown
	// resources surface identically, so a rejected join never leaks whether
	// the resource exists.
	ErrAccessDenied = errors.New("access to resource denied")

	// errSessionClosed means disconnect cleanup ran while an operation was
	// in flight; the operation registered nothing and has nobody to reply to.
	errSessionClosed = errors.New("session closed")
)
