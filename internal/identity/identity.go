// Package identity produces the bearer credential used for storage calls.
// Two mechanisms exist: the instance metadata service (ambient) and a
// service-account key exchanged through a helper binary. Callers hold a
// TokenSource and never branch on which mechanism is behind it.
package identity

import "context"

// Mechanism identifies how a credential was obtained.
type Mechanism string

const (
	MechanismMetadata       Mechanism = "metadata"
	MechanismServiceAccount Mechanism = "service-account"
)

// Credential is a process-scoped bearer token plus the project identity it
// belongs to. It is never persisted or refreshed mid-run.
type Credential struct {
	Token         string
	ProjectID     string
	ProjectNumber string
	Mechanism     Mechanism
}

// AuthorizationHeader renders the credential as an Authorization value.
func (c Credential) AuthorizationHeader() string {
	return "Bearer " + c.Token
}

// TokenSource yields a credential or fails.
type TokenSource interface {
	Credential(ctx context.Context) (Credential, error)
}
