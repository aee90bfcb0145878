// Package identity declares the authentication and billing collaborator
// surface. The core never implements these; an embedding HTTP shell supplies
// them and hands the core only an opaque user id.
package identity

import "context"

// Principal is the authenticated caller.
type Principal struct {
	UserID      string
	AccessToken string
}

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// QuotaLedger is the billing collaborator's wallet surface.
type QuotaLedger interface {
	Debit(ctx context.Context, userID string, amount int64, reason string) error
	Credit(ctx context.Context, userID string, amount int64, reason string) error
	GetQuota(ctx context.Context, userID string) (int64, error)
}
