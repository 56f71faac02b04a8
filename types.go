package cdncert

import (
	"crypto"
	"time"
)

// SubjectFields are the distinguished name parts placed in the CSR.
// CommonName is always the task's domain name and is not configurable.
type SubjectFields struct {
	Country            string `toml:"country" comment:"Certificate subject country (C)"`
	State              string `toml:"state" comment:"Certificate subject state or province (ST)"`
	Locality           string `toml:"locality" comment:"Certificate subject locality (L)"`
	Organization       string `toml:"organization" comment:"Certificate subject organization (O)"`
	OrganizationalUnit string `toml:"organizational_unit" comment:"Certificate subject organizational unit (OU)"`
}

// CDNTarget identifies the CDN custom domain the certificate is activated on.
type CDNTarget struct {
	ResourceGroup    string `toml:"resource_group" comment:"Resource group of the CDN profile"`
	ProfileName      string `toml:"profile_name" comment:"CDN profile name"`
	EndpointName     string `toml:"endpoint_name" comment:"CDN endpoint name"`
	CustomDomainName string `toml:"custom_domain_name" comment:"CDN custom domain resource name"`
}

// DomainTask is one configured domain. It is immutable for a pass.
type DomainTask struct {
	DomainName            string        `toml:"domain_name" comment:"Domain to certify, wildcards allowed (*.example.com)"`
	DNSZoneName           string        `toml:"dns_zone_name" comment:"Authoritative Azure DNS zone"`
	DNSZoneResourceGroup  string        `toml:"dns_zone_resource_group" comment:"Resource group of the DNS zone"`
	Subject               SubjectFields `toml:"subject"`
	CDN                   CDNTarget     `toml:"cdn"`
	KeyVaultName          string        `toml:"key_vault_name" comment:"Key Vault holding the account key and the certificate"`
	KeyVaultResourceGroup string        `toml:"key_vault_resource_group" comment:"Resource group of the Key Vault (defaults to the CDN resource group)"`
}

// VaultResourceGroup returns the resource group handed to the CDN as the
// certificate source location.
func (t DomainTask) VaultResourceGroup() string {
	if t.KeyVaultResourceGroup != "" {
		return t.KeyVaultResourceGroup
	}
	return t.CDN.ResourceGroup
}

// Account is the ACME identity for one vault. The key is persisted in the
// vault; Client is bound to it for the duration of a pass.
type Account struct {
	PrivateKey crypto.PrivateKey
	Client     ACMEClient
	// Created reports whether the account was registered during this pass.
	Created bool
}

type ChallengeStatus string

const (
	ChallengePending ChallengeStatus = "pending"
	ChallengeValid   ChallengeStatus = "valid"
	ChallengeInvalid ChallengeStatus = "invalid"
)

// Terminal reports whether polling stops at s. Only pending is polled
// again; an empty or unrecognised status from the CA ends validation.
func (s ChallengeStatus) Terminal() bool {
	return s != ChallengePending
}

// Problem is the CA's diagnostic for a failed challenge or order.
type Problem struct {
	Type        string
	Detail      string
	Subproblems []string
}

// Challenge is the DNS-01 challenge selected for an order.
type Challenge struct {
	Type   string
	URL    string
	Token  string
	Status ChallengeStatus
	Error  *Problem
}

// Authorization is the CA's view of one identifier of an order.
type Authorization struct {
	Identifier string
	Wildcard   bool
	Status     string
	Challenges []Challenge
}

// Order is the ACME session for one renewal attempt of one domain.
type Order struct {
	URL            string
	Status         string
	Domains        []string
	Authorizations []string
	FinalizeURL    string
	CertificateURL string
	Error          *Problem

	// Challenge is the DNS-01 challenge of the first authorization.
	Challenge *Challenge
}

const (
	OrderValid      = "valid"
	OrderInvalid    = "invalid"
	OrderProcessing = "processing"
)

// DNSRequirement is the TXT record the CA expects to find.
type DNSRequirement struct {
	// RecordName is relative to the DNS zone.
	RecordName string
	Value      string
}

// IssuedCertificate is held only until it is packaged.
type IssuedCertificate struct {
	ChainPEM     []byte
	PrivateKey   crypto.PrivateKey
	FriendlyName string
}

// PackagedCertificate is the password protected PKCS#12 archive ready for import.
type PackagedCertificate struct {
	PFX          []byte
	Password     string
	FriendlyName string
	NotBefore    time.Time
	NotAfter     time.Time
}

// VaultCertificate is the vault identity of an imported certificate.
type VaultCertificate struct {
	Name    string
	Version string
}

// Cert represents a certificate history record. Key material is never stored.
type Cert struct {
	ID           int64     // Primary Key (Populated on insert)
	Identifier   string    // Configured domain name
	Domains      []string  // All domains covered
	VaultName    string    // Key Vault certificate name
	VaultVersion string    // Key Vault certificate version
	IssuedAt     time.Time // UTC timestamp of issuance
	ExpiresAt    time.Time // UTC timestamp of expiry
}

// TimeFormat is the storage format of history timestamps.
func TimeFormat(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
