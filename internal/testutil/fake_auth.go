package testutil

import (
	"context"
	"net/http"

	gateway "github.com/nanogw/nanogw/internal"
)

// FakeAuth always authenticates successfully as an admin principal.
type FakeAuth struct{}

// Authenticate returns a test principal with admin permissions.
func (FakeAuth) Authenticate(_ context.Context, _ *http.Request) (*gateway.Principal, error) {
	return &gateway.Principal{
		OrganizationID: "default",
		WorkspaceID:    "default-ws",
		AccountType:    gateway.AccountTypeUser,
		Role:           "admin",
		Perms:          gateway.RolePermissions["admin"],
		AuthMethod:     "apikey",
	}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*gateway.Principal, error) {
	return nil, gateway.ErrUnauthorized
}
