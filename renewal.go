package cdncert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Outcome is the result of one domain in a pass.
type Outcome string

const (
	OutcomeSkipped Outcome = "skipped"
	OutcomeRenewed Outcome = "renewed"
	OutcomeFailed  Outcome = "failed"
)

// DomainResult is the per-domain entry of a PassReport.
type DomainResult struct {
	Domain      string
	Outcome     Outcome
	Expiry      *time.Time
	Certificate *VaultCertificate
	Err         error
}

// Dependencies are the remote collaborators of a Renewer. Propagation,
// History and Metrics are optional.
type Dependencies struct {
	Directory   ACMEDirectory
	Vaults      VaultFactory
	DNS         DNSZone
	CDN         CDN
	Propagation PropagationChecker
	History     Writer
	Metrics     *Metrics
}

// Renewer runs the renewal chain of a single domain:
// expiry -> account -> order -> TXT publish -> wait -> validate -> issue ->
// import -> CDN activation.
type Renewer struct {
	cfg        *Config
	accounts   *AccountManager
	challenges *ChallengeOrchestrator
	dns        *DNSPublisher
	issuer     *CertificateIssuer
	vaults     VaultFactory
	cdn        CDN
	history    Writer
	metrics    *Metrics
	logger     *slog.Logger

	now func() time.Time
}

func NewRenewer(cfg *Config, deps Dependencies, logger *slog.Logger) *Renewer {
	if cfg == nil || logger == nil {
		panic("NewRenewer: received nil config or logger")
	}
	if deps.Directory == nil || deps.Vaults == nil || deps.DNS == nil || deps.CDN == nil {
		panic("NewRenewer: directory, vaults, dns and cdn are required")
	}
	policy := PollPolicy{
		Interval:    cfg.Timing.ChallengePollInterval,
		MaxAttempts: cfg.Timing.ChallengePollAttempts,
	}
	return &Renewer{
		cfg:        cfg,
		accounts:   NewAccountManager(cfg, deps.Directory, logger),
		challenges: NewChallengeOrchestrator(policy, logger),
		dns:        NewDNSPublisher(cfg, deps.DNS, deps.Propagation, logger),
		issuer:     NewCertificateIssuer(cfg, logger),
		vaults:     deps.Vaults,
		cdn:        deps.CDN,
		history:    deps.History,
		metrics:    deps.Metrics,
		logger:     logger.With("component", "renewer"),
		now:        time.Now,
	}
}

// Renew runs the chain for task. Errors are returned as *StageError and
// never affect other domains.
func (r *Renewer) Renew(ctx context.Context, task DomainTask, accounts *accountCache) DomainResult {
	domain := task.DomainName
	res := DomainResult{Domain: domain}
	log := r.logger.With("domain", domain)

	fail := func(stage Stage, err error) DomainResult {
		res.Outcome = OutcomeFailed
		res.Err = stageErr(domain, stage, err)
		return res
	}

	// --- Expiry check ---
	// Wildcard and plain domains share one vault object name: *.example.com -> examplecom
	certName := VaultCertificateName(domain)
	vault, err := r.vaults.Certificates(task.KeyVaultName)
	if err != nil {
		return fail(StageExpiry, err)
	}
	store := NewCertificateStore(vault, r.logger)

	expiry, err := store.GetExpiry(ctx, certName)
	if err != nil {
		return fail(StageExpiry, err)
	}
	res.Expiry = expiry
	if expiry != nil {
		r.metrics.observeExpiry(domain, *expiry)
	}
	// A missing certificate is always due
	if !dueForRenewal(expiry, r.now(), r.cfg.Timing.RenewBefore) {
		log.Info("No certificates to renew", "certificate", certName, "expires", expiry.UTC())
		res.Outcome = OutcomeSkipped
		return res
	}
	log.Info("Certificate renewal due", "certificate", certName, "has_certificate", expiry != nil)

	// --- Account ---
	// The account key lives in the domain's vault; domains sharing a vault
	// share one account for the whole pass.
	secrets, err := r.vaults.Secrets(task.KeyVaultName)
	if err != nil {
		return fail(StageAccount, err)
	}
	acct, err := accounts.get(ctx, task.KeyVaultName, secrets)
	if err != nil {
		return fail(StageAccount, err)
	}

	// --- Order and DNS requirement ---
	order, err := r.challenges.BeginOrder(ctx, acct, domain)
	if err != nil {
		return fail(StageOrder, err)
	}
	req, err := r.challenges.ComputeDNSRequirement(acct, order.Challenge, domain, task.DNSZoneName)
	if err != nil {
		return fail(StageOrder, err)
	}

	// --- Publish and wait ---
	// Publishing an unchanged value is a no-op; a stale value left by an
	// abandoned pass is overwritten.
	if err := r.dns.EnsureTXTRecord(ctx, task.DNSZoneResourceGroup, task.DNSZoneName, req.RecordName, req.Value); err != nil {
		return fail(StageDNSPublish, err)
	}
	if err := r.dns.WaitForPropagation(ctx, TXTRecordFQDN(domain), req.Value); err != nil {
		return fail(StageDNSWait, err)
	}

	// --- Validate ---
	if err := r.challenges.AwaitValidation(ctx, acct, domain, order.Challenge); err != nil {
		return fail(StageValidation, err)
	}

	// --- Issue ---
	// Empty password: the issuer generates one and returns it in the package
	pkg, err := r.issuer.FinalizeOrder(ctx, acct, order, task.Subject, domain, BaseDomain(domain), "")
	if err != nil {
		return fail(StageIssue, err)
	}

	// --- Import ---
	record, err := store.Import(ctx, certName, pkg, pkg.Password)
	if err != nil {
		return fail(StageImport, err)
	}
	res.Certificate = &record

	// --- Activate ---
	// The CDN is pointed at the exact version just imported
	activation := CDNActivation{
		Target:             task.CDN,
		VaultName:          task.KeyVaultName,
		VaultResourceGroup: task.VaultResourceGroup(),
		Certificate:        record,
	}
	if err := r.cdn.EnableCustomHTTPS(ctx, activation); err != nil {
		return fail(StageActivate, err)
	}

	// History is best effort; a write failure does not undo the renewal
	notAfter := pkg.NotAfter
	res.Expiry = &notAfter
	r.metrics.observeExpiry(domain, notAfter)
	r.recordHistory(ctx, task, order, record, pkg)

	res.Outcome = OutcomeRenewed
	log.Info("Certificate renewed and activated", "certificate", record.Name, "version", record.Version, "expires", notAfter)
	return res
}

func (r *Renewer) recordHistory(ctx context.Context, task DomainTask, order *Order, record VaultCertificate, pkg *PackagedCertificate) {
	if r.history == nil {
		return
	}
	err := r.history.AddCert(ctx, Cert{
		Identifier:   task.DomainName,
		Domains:      order.Domains,
		VaultName:    record.Name,
		VaultVersion: record.Version,
		IssuedAt:     pkg.NotBefore,
		ExpiresAt:    pkg.NotAfter,
	})
	if err != nil {
		// The certificate is live; a missing history row is not a renewal failure.
		r.logger.Warn("Failed to record certificate history", "domain", task.DomainName, "error", err)
	}
}

// accountCache shares one Account per vault across the domains of a pass.
// Bootstrap failures are cached too, so a vault is not retried within a pass.
type accountCache struct {
	manager *AccountManager
	group   singleflight.Group

	mu      sync.Mutex
	entries map[string]accountEntry
}

type accountEntry struct {
	acct *Account
	err  error
}

func newAccountCache(manager *AccountManager) *accountCache {
	return &accountCache{manager: manager, entries: make(map[string]accountEntry)}
}

func (c *accountCache) lookup(vault string) (accountEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[vault]
	return e, ok
}

func (c *accountCache) get(ctx context.Context, vault string, secrets SecretStore) (*Account, error) {
	if e, ok := c.lookup(vault); ok {
		return e.acct, e.err
	}

	v, err, _ := c.group.Do(vault, func() (any, error) {
		if e, ok := c.lookup(vault); ok {
			return e.acct, e.err
		}
		acct, err := c.manager.EnsureAccount(ctx, secrets)
		if err != nil {
			err = fmt.Errorf("account bootstrap for vault %s: %w", vault, err)
		}
		c.mu.Lock()
		c.entries[vault] = accountEntry{acct: acct, err: err}
		c.mu.Unlock()
		return acct, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Account), nil
}
