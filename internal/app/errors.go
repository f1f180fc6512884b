package app

import "errors"

var (
	// ErrAccountDisabled is returned when a verified identity maps to a
	// disabled local account.
	ErrAccountDisabled = errors.New("account disabled")

	// ErrAccountNotFound is returned by directory lookups for unknown
	// subject ids.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidRole rejects role values outside {user, admin}.
	ErrInvalidRole = errors.New(`invalid role, must be "user" or "admin"`)

	// ErrSelfTarget rejects admins disabling or deleting their own account.
	ErrSelfTarget = errors.New("cannot target own account")
)
