// Package access answers authorization and identity questions against the
// data the CRUD application owns. The realtime core only ever consumes the
// two interfaces here; the Postgres implementation reads the CRUD schema
// directly and never writes to it.
package access

import "context"

// Gate answers "may this user read this resource". An unknown resourceID
// yields (false, nil), never an error, so callers cannot distinguish a
// missing resource from a forbidden one.
type Gate interface {
	HasReadAccess(ctx context.Context, userID, resourceID string) (bool, error)
}

// Directory resolves a user's display name. Callers fall back to the raw
// userID when the lookup fails or returns nothing.
type Directory interface {
	GetDisplayName(ctx context.Context, userID string) (string, error)
}
