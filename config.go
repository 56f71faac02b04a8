package cdncert

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/lego"
	"github.com/pelletier/go-toml/v2"
)

const (
	// ConfigScope is the secure config store scope holding the TOML config.
	ConfigScope = "cdncert_config"

	DefaultAccountSecretName = "AcmeAccountKeyPem"
	DefaultKeyType           = "RSA2048"
)

var keyTypes = map[string]certcrypto.KeyType{
	"RSA2048": certcrypto.RSA2048,
	"EC256":   certcrypto.EC256,
}

// Timing holds the tunable waits and budgets. Values come from the
// environment only.
type Timing struct {
	RenewBefore           time.Duration `env:"RENEW_BEFORE" envDefault:"168h"`
	DNSPropagationDelay   time.Duration `env:"DNS_PROPAGATION_DELAY" envDefault:"60s"`
	ChallengePollInterval time.Duration `env:"CHALLENGE_POLL_INTERVAL" envDefault:"1s"`
	ChallengePollAttempts int           `env:"CHALLENGE_POLL_ATTEMPTS" envDefault:"20"`
	ScheduleInterval      time.Duration `env:"SCHEDULE_INTERVAL" envDefault:"5m"`
}

// DefaultTiming mirrors the envDefault tags.
func DefaultTiming() Timing {
	return Timing{
		RenewBefore:           7 * 24 * time.Hour,
		DNSPropagationDelay:   60 * time.Second,
		ChallengePollInterval: time.Second,
		ChallengePollAttempts: 20,
		ScheduleInterval:      5 * time.Minute,
	}
}

// Config is built once per process and passed to every component.
// TOML provides the domain list and defaults; environment variables
// override the scalar settings.
type Config struct {
	Email              string `toml:"email" env:"ACME_ACCOUNT_EMAIL" comment:"ACME account contact email"`
	CADirectoryURL     string `toml:"ca_directory_url" env:"ACME_DIRECTORY_URL" comment:"ACME directory URL"`
	AccountSecretName  string `toml:"account_secret_name" env:"ACME_ACCOUNT_SECRET_NAME" comment:"Key Vault secret holding the ACME account key (PEM)"`
	CertificateKeyType string `toml:"certificate_key_type" env:"CERTIFICATE_KEY_TYPE" comment:"Certificate key type: RSA2048 or EC256"`

	AzureEnvironment string `toml:"azure_environment" env:"AZURE_ENVIRONMENT" comment:"Azure cloud: AzurePublicCloud, AzureUSGovernmentCloud or AzureChinaCloud"`
	SubscriptionID   string `toml:"subscription_id" env:"AZURE_SUBSCRIPTION_ID" comment:"Azure subscription of the DNS zones and CDN profiles"`
	TenantID         string `toml:"tenant_id" env:"AZURE_TENANT_ID" comment:"Azure AD tenant"`
	ClientID         string `toml:"client_id" env:"AZURE_CLIENT_ID" comment:"Service principal client ID (empty: managed identity)"`
	ClientSecret     string `toml:"-" env:"AZURE_CLIENT_SECRET"`

	DNSTXTTTL           int64  `toml:"dns_txt_ttl" env:"DNS_TXT_TTL" comment:"TTL in seconds of the challenge TXT record"`
	DNSVerifyNameserver string `toml:"dns_verify_nameserver" env:"DNS_VERIFY_NAMESERVER" comment:"Optional host:port queried for the TXT record after the propagation delay"`
	Workers             int    `toml:"workers" env:"RENEWAL_WORKERS" comment:"Domains renewed concurrently"`

	Timing Timing `toml:"-"`

	Certificates []DomainTask `toml:"certificates" env:"-"`
}

// LoadConfig parses TOML data, applies environment overrides and defaults,
// and validates the result.
func LoadConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if len(data) > 0 {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse TOML: %w", err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CADirectoryURL == "" {
		c.CADirectoryURL = lego.LEDirectoryProduction
	}
	if c.AccountSecretName == "" {
		c.AccountSecretName = DefaultAccountSecretName
	}
	if c.CertificateKeyType == "" {
		c.CertificateKeyType = DefaultKeyType
	}
	if c.DNSTXTTTL <= 0 {
		c.DNSTXTTTL = 3600
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	def := DefaultTiming()
	if c.Timing.RenewBefore <= 0 {
		c.Timing.RenewBefore = def.RenewBefore
	}
	if c.Timing.DNSPropagationDelay < 0 {
		c.Timing.DNSPropagationDelay = def.DNSPropagationDelay
	}
	if c.Timing.ChallengePollInterval <= 0 {
		c.Timing.ChallengePollInterval = def.ChallengePollInterval
	}
	if c.Timing.ChallengePollAttempts <= 0 {
		c.Timing.ChallengePollAttempts = def.ChallengePollAttempts
	}
	if c.Timing.ScheduleInterval <= 0 {
		c.Timing.ScheduleInterval = def.ScheduleInterval
	}
}

// KeyType returns the lego key type for issued certificates, or "" when
// CertificateKeyType is not supported.
func (c *Config) KeyType() certcrypto.KeyType {
	return keyTypes[strings.ToUpper(c.CertificateKeyType)]
}

func (c *Config) Validate() error {
	if c.Email == "" {
		return errors.New("config: email cannot be empty")
	}
	if c.SubscriptionID == "" {
		return errors.New("config: subscription_id cannot be empty")
	}
	if c.CADirectoryURL == "" {
		return errors.New("config: ca_directory_url cannot be empty")
	}
	if c.KeyType() == "" {
		return fmt.Errorf("config: unsupported certificate_key_type %q", c.CertificateKeyType)
	}
	if c.ClientID != "" && (c.ClientSecret == "" || c.TenantID == "") {
		return errors.New("config: client_id requires AZURE_CLIENT_SECRET and tenant_id")
	}
	if len(c.Certificates) == 0 {
		return errors.New("config: certificates cannot be empty")
	}

	owners := make(map[string]string, 3*len(c.Certificates))
	for i, t := range c.Certificates {
		if err := t.validate(); err != nil {
			return fmt.Errorf("config: certificates[%d]: %w", i, err)
		}
		if object, owner := claim(owners, t); object != "" {
			return fmt.Errorf("config: certificates[%d]: %s is already used by %q", i, object, owner)
		}
	}
	return nil
}

// claims lists the objects a renewal of t writes: the domain's order, the
// vault certificate and the challenge TXT record set. *.example.com and
// example.com claim the same vault certificate and record set.
func (t DomainTask) claims() []string {
	zone := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(t.DNSZoneName), "."))
	return []string{
		fmt.Sprintf("domain_name %q", strings.ToLower(t.DomainName)),
		fmt.Sprintf("vault certificate %q in key vault %q", strings.ToLower(VaultCertificateName(t.DomainName)), strings.ToLower(t.KeyVaultName)),
		fmt.Sprintf("challenge record %q in zone %q", strings.ToLower(TXTRecordName(t.DomainName, zone)), zone),
	}
}

// claim registers t's objects in owners, keyed to t's domain. When one is
// already owned it returns that object and its owner and registers nothing.
func claim(owners map[string]string, t DomainTask) (object, owner string) {
	objects := t.claims()
	for _, o := range objects {
		if d, ok := owners[o]; ok {
			return o, d
		}
	}
	for _, o := range objects {
		owners[o] = t.DomainName
	}
	return "", ""
}

func (t DomainTask) validate() error {
	switch {
	case t.DomainName == "":
		return errors.New("domain_name cannot be empty")
	case t.DNSZoneName == "":
		return errors.New("dns_zone_name cannot be empty")
	case t.DNSZoneResourceGroup == "":
		return errors.New("dns_zone_resource_group cannot be empty")
	case t.KeyVaultName == "":
		return errors.New("key_vault_name cannot be empty")
	case t.CDN.ResourceGroup == "" || t.CDN.ProfileName == "" || t.CDN.EndpointName == "" || t.CDN.CustomDomainName == "":
		return errors.New("cdn resource_group, profile_name, endpoint_name and custom_domain_name are required")
	}
	base := BaseDomain(t.DomainName)
	zone := strings.ToLower(strings.TrimSuffix(t.DNSZoneName, "."))
	if b := strings.ToLower(base); b != zone && !strings.HasSuffix(b, "."+zone) {
		return fmt.Errorf("domain_name %q is not inside dns_zone_name %q", t.DomainName, t.DNSZoneName)
	}
	return nil
}
