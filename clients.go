package cdncert

import (
	"context"
	"crypto"
	"time"
)

// The interfaces below are the remote collaborators of the renewal chain.
// Production implementations live in the azure and acmeclient packages;
// one client per service is built per run and shared across domains.

// SecretStore is a named secret store (Key Vault secrets).
// GetSecret returns ErrNotFound for absent secrets.
type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
	SetSecret(ctx context.Context, name, value string) error
}

// CertificateVault is a named certificate store (Key Vault certificates).
// GetCertificateExpiry returns ErrNotFound for absent certificates.
type CertificateVault interface {
	GetCertificateExpiry(ctx context.Context, name string) (time.Time, error)
	ImportCertificate(ctx context.Context, name string, pfx []byte, password string) (VaultCertificate, error)
}

// VaultFactory returns the stores of one vault. Implementations cache the
// clients so every domain sharing a vault shares them.
type VaultFactory interface {
	Secrets(vaultName string) (SecretStore, error)
	Certificates(vaultName string) (CertificateVault, error)
}

// DNSZone manages TXT record sets of authoritative zones. Record names are
// relative to the zone. GetTXT returns ErrNotFound for absent record sets.
type DNSZone interface {
	GetTXT(ctx context.Context, resourceGroup, zone, name string) ([]string, error)
	SetTXT(ctx context.Context, resourceGroup, zone, name string, values []string, ttl int64) error
}

// CDNActivation is everything the CDN needs to serve an imported certificate.
type CDNActivation struct {
	Target             CDNTarget
	VaultName          string
	VaultResourceGroup string
	Certificate        VaultCertificate
}

// CDN enables HTTPS on a custom domain. The call starts the remote
// operation and does not wait for it.
type CDN interface {
	EnableCustomHTTPS(ctx context.Context, activation CDNActivation) error
}

// ACMEClient is an ACME session bound to one account key.
type ACMEClient interface {
	NewOrder(ctx context.Context, domains []string) (Order, error)
	Order(ctx context.Context, url string) (Order, error)
	Authorization(ctx context.Context, url string) (Authorization, error)
	// KeyAuthorization returns token || "." || thumbprint(account key).
	KeyAuthorization(token string) (string, error)
	// TriggerChallenge tells the CA the challenge is ready to be validated.
	TriggerChallenge(ctx context.Context, url string) (Challenge, error)
	Challenge(ctx context.Context, url string) (Challenge, error)
	FinalizeOrder(ctx context.Context, order Order, csrDER []byte) (Order, error)
	// Certificate returns the PEM chain, leaf first.
	Certificate(ctx context.Context, url string) ([]byte, error)
}

// ACMEDirectory creates or resumes accounts on one CA.
type ACMEDirectory interface {
	Register(ctx context.Context, email string) (crypto.PrivateKey, ACMEClient, error)
	Resume(ctx context.Context, key crypto.PrivateKey) (ACMEClient, error)
}

// PropagationChecker looks a TXT value up in public DNS.
type PropagationChecker interface {
	HasTXT(ctx context.Context, fqdn, value string) (bool, error)
}
