package auth

import "errors"

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrInvalidToken = errors.New("auth: invalid token")

	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrNoRolesAccepted     = errors.New("auth: no roles accepted")
	ErrRoleNotActive       = errors.New("auth: role not active")
	ErrRoleSuspended       = errors.New("auth: role suspended")
	ErrRoleLacksCapability = errors.New("auth: role lacks capability")
	ErrResourceOutOfScope  = errors.New("auth: resource out of scope")
)
