package cdncert

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-acme/lego/v4/certcrypto"
	"software.sslmate.com/src/go-pkcs12"
)

// CertificateIssuer finalizes a validated order and packages the result.
type CertificateIssuer struct {
	keyType certcrypto.KeyType
	policy  PollPolicy
	logger  *slog.Logger
}

func NewCertificateIssuer(cfg *Config, logger *slog.Logger) *CertificateIssuer {
	if cfg == nil || logger == nil {
		panic("NewCertificateIssuer: received nil config or logger")
	}
	return &CertificateIssuer{
		keyType: cfg.KeyType(),
		policy: PollPolicy{
			Interval:    cfg.Timing.ChallengePollInterval,
			MaxAttempts: cfg.Timing.ChallengePollAttempts,
		},
		logger: logger.With("component", "issuer"),
	}
}

// FinalizeOrder generates a fresh key, submits a CSR built from subject and
// commonName, downloads the chain and packs chain and key into a PKCS#12
// archive protected by password. An empty password is replaced by a random
// one, returned in the package. The order's challenge must be valid.
func (i *CertificateIssuer) FinalizeOrder(ctx context.Context, acct *Account, order *Order, subject SubjectFields, commonName, friendlyName, password string) (*PackagedCertificate, error) {
	if order == nil || order.Challenge == nil || order.Challenge.Status != ChallengeValid {
		return nil, ErrChallengeNotValidated
	}

	// A new key per certificate, never reused across renewals
	privateKey, err := certcrypto.GeneratePrivateKey(i.keyType)
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", i.keyType, err)
	}

	// CSR carries the configured subject and every order identifier as SAN
	csr, err := createCSR(privateKey, subject, commonName, order.Domains)
	if err != nil {
		return nil, err
	}

	final, err := acct.Client.FinalizeOrder(ctx, *order, csr)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize order: %w", err)
	}
	if final.URL == "" {
		final.URL = order.URL
	}

	// The CA may answer finalize with a processing order
	final, err = i.awaitOrder(ctx, acct, final)
	if err != nil {
		return nil, err
	}

	chain, err := acct.Client.Certificate(ctx, final.CertificateURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download certificate: %w", err)
	}

	// Package leaf, intermediates and key as PKCS#12
	issued := IssuedCertificate{ChainPEM: chain, PrivateKey: privateKey, FriendlyName: friendlyName}
	if password == "" {
		if password, err = randomPassword(); err != nil {
			return nil, err
		}
	}

	pkg, err := packagePKCS12(issued, password)
	if err != nil {
		return nil, err
	}
	i.logger.Info("Certificate issued", "common_name", commonName, "friendly_name", friendlyName, "not_after", pkg.NotAfter)
	return pkg, nil
}

// awaitOrder polls a finalized order until the certificate is available.
func (i *CertificateIssuer) awaitOrder(ctx context.Context, acct *Account, order Order) (Order, error) {
	current := order
	check := func(attempt int) (pollResult, error) {
		if attempt > 0 {
			next, err := acct.Client.Order(ctx, order.URL)
			if err != nil {
				return pollPending, fmt.Errorf("failed to query order status: %w", err)
			}
			current = next
		}
		switch current.Status {
		case OrderValid:
			return pollDone, nil
		case OrderInvalid:
			detail := "order became invalid"
			if current.Error != nil && current.Error.Detail != "" {
				detail = current.Error.Detail
			}
			return pollDone, errors.New(detail)
		}
		return pollPending, nil
	}

	_, exhausted, err := i.policy.poll(ctx, check, nil)
	if err != nil {
		return Order{}, fmt.Errorf("order finalization failed: %w", err)
	}
	if exhausted {
		return Order{}, fmt.Errorf("order finalization failed: still %s", current.Status)
	}
	if current.CertificateURL == "" {
		return Order{}, errors.New("order is valid but has no certificate URL")
	}
	return current, nil
}

func createCSR(privateKey any, subject SubjectFields, commonName string, domains []string) ([]byte, error) {
	name := pkix.Name{CommonName: commonName}
	appendIf := func(dst []string, v string) []string {
		if v == "" {
			return dst
		}
		return append(dst, v)
	}
	name.Country = appendIf(nil, subject.Country)
	name.Province = appendIf(nil, subject.State)
	name.Locality = appendIf(nil, subject.Locality)
	name.Organization = appendIf(nil, subject.Organization)
	name.OrganizationalUnit = appendIf(nil, subject.OrganizationalUnit)

	dnsNames := domains
	if len(dnsNames) == 0 {
		dnsNames = []string{commonName}
	}

	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  name,
		DNSNames: dnsNames,
	}, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}
	return csr, nil
}

func packagePKCS12(issued IssuedCertificate, password string) (*PackagedCertificate, error) {
	certs, err := certcrypto.ParsePEMBundle(issued.ChainPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate chain: %w", err)
	}
	if len(certs) == 0 {
		return nil, errors.New("certificate chain is empty")
	}

	pfx, err := pkcs12.Encode(rand.Reader, issued.PrivateKey, certs[0], certs[1:], password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12 archive: %w", err)
	}

	return &PackagedCertificate{
		PFX:          pfx,
		Password:     password,
		FriendlyName: issued.FriendlyName,
		NotBefore:    certs[0].NotBefore,
		NotAfter:     certs[0].NotAfter,
	}, nil
}

func randomPassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate archive password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
