package cdncert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// CertificateStore reads certificate expiry from, and imports archives
// into, one vault.
type CertificateStore struct {
	vault  CertificateVault
	logger *slog.Logger
}

func NewCertificateStore(vault CertificateVault, logger *slog.Logger) *CertificateStore {
	if vault == nil || logger == nil {
		panic("NewCertificateStore: received nil vault or logger")
	}
	return &CertificateStore{vault: vault, logger: logger.With("component", "store")}
}

// GetExpiry returns nil when the vault has no certificate named name.
func (s *CertificateStore) GetExpiry(ctx context.Context, name string) (*time.Time, error) {
	expiry, err := s.vault.GetCertificateExpiry(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate %q: %w", name, err)
	}
	return &expiry, nil
}

// Import uploads pkg and returns the vault's name and version for it.
func (s *CertificateStore) Import(ctx context.Context, name string, pkg *PackagedCertificate, password string) (VaultCertificate, error) {
	rec, err := s.vault.ImportCertificate(ctx, name, pkg.PFX, password)
	if err != nil {
		return VaultCertificate{}, fmt.Errorf("failed to import certificate %q: %w", name, err)
	}
	if rec.Name == "" {
		rec.Name = name
	}
	s.logger.Info("Certificate imported", "name", rec.Name, "version", rec.Version)
	return rec, nil
}

// dueForRenewal reports whether a certificate expiring at expiry must be
// renewed at now. An absent certificate is always due.
func dueForRenewal(expiry *time.Time, now time.Time, threshold time.Duration) bool {
	if expiry == nil {
		return true
	}
	return expiry.Sub(now) <= threshold
}
