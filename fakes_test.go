package cdncert

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTask(domain, vault string) DomainTask {
	return DomainTask{
		DomainName:           domain,
		DNSZoneName:          "example.com",
		DNSZoneResourceGroup: "dns-rg",
		Subject:              SubjectFields{Country: "US", Organization: "Example Inc"},
		CDN: CDNTarget{
			ResourceGroup:    "cdn-rg",
			ProfileName:      "profile",
			EndpointName:     "endpoint",
			CustomDomainName: strings.ReplaceAll(BaseDomain(domain), ".", "-"),
		},
		KeyVaultName: vault,
	}
}

func testConfig(tasks ...DomainTask) *Config {
	return &Config{
		Email:              "ops@example.com",
		CADirectoryURL:     "https://ca.test/directory",
		AccountSecretName:  DefaultAccountSecretName,
		CertificateKeyType: "EC256",
		SubscriptionID:     "sub",
		DNSTXTTTL:          3600,
		Workers:            1,
		Timing: Timing{
			RenewBefore:           7 * 24 * time.Hour,
			ChallengePollInterval: time.Millisecond,
			ChallengePollAttempts: 20,
			ScheduleInterval:      time.Minute,
		},
		Certificates: tasks,
	}
}

// --- ACME ---

// fakeCA is an in-memory ACME server. It signs CSRs with a throwaway CA.
type fakeCA struct {
	mu sync.Mutex

	caKey  *ecdsa.PrivateKey
	caCert *x509.Certificate
	caPEM  []byte

	// invalid maps a domain to the problem its challenge fails with.
	invalid map[string]*Problem
	// pending keeps every challenge pending forever.
	pending bool
	// status maps a domain to the raw status its challenge reports when
	// queried.
	status map[string]ChallengeStatus
	// processing makes finalize return a processing order once.
	processing bool

	seq       int
	orders    map[string]*Order
	chals     map[string]*Challenge
	chalOwner map[string]string
	certs     map[string][]byte

	newOrders        int
	triggers         int
	challengeQueries int
	finalizes        int
	csrs             []*x509.CertificateRequest
}

func newFakeCA() *fakeCA {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Fake Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour * 365),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}
	return &fakeCA{
		caKey:     key,
		caCert:    caCert,
		caPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		invalid:   make(map[string]*Problem),
		status:    make(map[string]ChallengeStatus),
		orders:    make(map[string]*Order),
		chals:     make(map[string]*Challenge),
		chalOwner: make(map[string]string),
		certs:     make(map[string][]byte),
	}
}

func (ca *fakeCA) client() *fakeClient { return &fakeClient{ca: ca} }

type fakeClient struct {
	ca *fakeCA
}

func (c *fakeClient) NewOrder(_ context.Context, domains []string) (Order, error) {
	ca := c.ca
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.seq++
	ca.newOrders++
	n := ca.seq
	o := &Order{
		URL:            fmt.Sprintf("https://ca.test/order/%d", n),
		Status:         "pending",
		Domains:        append([]string(nil), domains...),
		Authorizations: []string{fmt.Sprintf("https://ca.test/authz/%d", n)},
		FinalizeURL:    fmt.Sprintf("https://ca.test/finalize/%d", n),
	}
	ca.orders[o.URL] = o
	chURL := fmt.Sprintf("https://ca.test/chall/%d", n)
	ca.chals[chURL] = &Challenge{Type: "dns-01", URL: chURL, Token: fmt.Sprintf("token-%d", n), Status: ChallengePending}
	ca.chalOwner[chURL] = domains[0]
	return *o, nil
}

func (c *fakeClient) Order(_ context.Context, url string) (Order, error) {
	ca := c.ca
	ca.mu.Lock()
	defer ca.mu.Unlock()
	o, ok := ca.orders[url]
	if !ok {
		return Order{}, fmt.Errorf("no order %s", url)
	}
	if o.Status == OrderProcessing {
		o.Status = OrderValid
		return Order{URL: o.URL, Status: OrderProcessing, Domains: o.Domains}, nil
	}
	return *o, nil
}

func (c *fakeClient) Authorization(_ context.Context, url string) (Authorization, error) {
	ca := c.ca
	ca.mu.Lock()
	defer ca.mu.Unlock()
	n := strings.TrimPrefix(url, "https://ca.test/authz/")
	chURL := "https://ca.test/chall/" + n
	ch, ok := ca.chals[chURL]
	if !ok {
		return Authorization{}, fmt.Errorf("no authorization %s", url)
	}
	return Authorization{
		Identifier: ca.chalOwner[chURL],
		Status:     "pending",
		Challenges: []Challenge{
			{Type: "http-01", URL: chURL + "/http", Token: "http-token", Status: ChallengePending},
			*ch,
		},
	}, nil
}

func (c *fakeClient) KeyAuthorization(token string) (string, error) {
	return token + ".thumbprint", nil
}

func (c *fakeClient) TriggerChallenge(_ context.Context, url string) (Challenge, error) {
	ca := c.ca
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.triggers++
	ch, ok := ca.chals[url]
	if !ok {
		return Challenge{}, fmt.Errorf("no challenge %s", url)
	}
	return *ch, nil
}

func (c *fakeClient) Challenge(_ context.Context, url string) (Challenge, error) {
	ca := c.ca
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.challengeQueries++
	ch, ok := ca.chals[url]
	if !ok {
		return Challenge{}, fmt.Errorf("no challenge %s", url)
	}
	if ca.pending {
		return *ch, nil
	}
	if s, ok := ca.status[ca.chalOwner[url]]; ok {
		ch.Status = s
		return *ch, nil
	}
	if p, bad := ca.invalid[ca.chalOwner[url]]; bad {
		ch.Status = ChallengeInvalid
		ch.Error = p
	} else {
		ch.Status = ChallengeValid
	}
	return *ch, nil
}

func (c *fakeClient) FinalizeOrder(_ context.Context, order Order, csrDER []byte) (Order, error) {
	ca := c.ca
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.finalizes++

	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return Order{}, err
	}
	if err := csr.CheckSignature(); err != nil {
		return Order{}, err
	}
	ca.csrs = append(ca.csrs, csr)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(int64(ca.finalizes + 1)),
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		NotBefore:    time.Now().Add(-time.Minute).Truncate(time.Second),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour).Truncate(time.Second),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.caCert, csr.PublicKey, ca.caKey)
	if err != nil {
		return Order{}, err
	}
	chain := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	chain = append(chain, ca.caPEM...)

	o, ok := ca.orders[order.URL]
	if !ok {
		return Order{}, fmt.Errorf("no order %s", order.URL)
	}
	o.CertificateURL = strings.Replace(order.URL, "/order/", "/cert/", 1)
	ca.certs[o.CertificateURL] = chain
	if ca.processing {
		o.Status = OrderProcessing
		return Order{URL: o.URL, Status: OrderProcessing, Domains: o.Domains}, nil
	}
	o.Status = OrderValid
	return *o, nil
}

func (c *fakeClient) Certificate(_ context.Context, url string) ([]byte, error) {
	ca := c.ca
	ca.mu.Lock()
	defer ca.mu.Unlock()
	chain, ok := ca.certs[url]
	if !ok {
		return nil, fmt.Errorf("no certificate %s", url)
	}
	return chain, nil
}

type fakeDirectory struct {
	ca *fakeCA

	mu          sync.Mutex
	registers   int
	resumes     int
	registerErr error
}

func (d *fakeDirectory) Register(_ context.Context, _ string) (crypto.PrivateKey, ACMEClient, error) {
	d.mu.Lock()
	d.registers++
	err := d.registerErr
	d.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, nil, err
	}
	return key, d.ca.client(), nil
}

func (d *fakeDirectory) Resume(_ context.Context, _ crypto.PrivateKey) (ACMEClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumes++
	return d.ca.client(), nil
}

func (d *fakeDirectory) counts() (registers, resumes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registers, d.resumes
}

// --- Vaults ---

type fakeSecrets struct {
	mu     sync.Mutex
	values map[string]string
	gets   int
	sets   int
	getErr error
}

func (s *fakeSecrets) GetSecret(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return "", s.getErr
	}
	v, ok := s.values[name]
	if !ok {
		return "", fmt.Errorf("%w: secret %s", ErrNotFound, name)
	}
	return v, nil
}

func (s *fakeSecrets) SetSecret(_ context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	s.values[name] = value
	return nil
}

type importCall struct {
	Name     string
	PFX      []byte
	Password string
}

type fakeCertVault struct {
	mu        sync.Mutex
	expiry    map[string]time.Time
	imports   []importCall
	gets      int
	getErr    error
	importErr error
}

func (v *fakeCertVault) GetCertificateExpiry(_ context.Context, name string) (time.Time, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.gets++
	if v.getErr != nil {
		return time.Time{}, v.getErr
	}
	exp, ok := v.expiry[name]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: certificate %s", ErrNotFound, name)
	}
	return exp, nil
}

func (v *fakeCertVault) ImportCertificate(_ context.Context, name string, pfx []byte, password string) (VaultCertificate, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.importErr != nil {
		return VaultCertificate{}, v.importErr
	}
	v.imports = append(v.imports, importCall{Name: name, PFX: pfx, Password: password})
	return VaultCertificate{Name: name, Version: fmt.Sprintf("v%d", len(v.imports))}, nil
}

type fakeVaults struct {
	mu      sync.Mutex
	secrets map[string]*fakeSecrets
	certs   map[string]*fakeCertVault
}

func newFakeVaults() *fakeVaults {
	return &fakeVaults{secrets: make(map[string]*fakeSecrets), certs: make(map[string]*fakeCertVault)}
}

func (f *fakeVaults) secretStore(vault string) *fakeSecrets {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[vault]
	if !ok {
		s = &fakeSecrets{values: make(map[string]string)}
		f.secrets[vault] = s
	}
	return s
}

func (f *fakeVaults) certVault(vault string) *fakeCertVault {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.certs[vault]
	if !ok {
		c = &fakeCertVault{expiry: make(map[string]time.Time)}
		f.certs[vault] = c
	}
	return c
}

func (f *fakeVaults) Secrets(vault string) (SecretStore, error) { return f.secretStore(vault), nil }

func (f *fakeVaults) Certificates(vault string) (CertificateVault, error) {
	return f.certVault(vault), nil
}

// --- DNS, CDN, history ---

type fakeDNS struct {
	mu      sync.Mutex
	records map[string][]string
	ttls    map[string]int64
	sets    int
	getErr  error
}

func newFakeDNS() *fakeDNS {
	return &fakeDNS{records: make(map[string][]string), ttls: make(map[string]int64)}
}

func dnsKey(rg, zone, name string) string { return rg + "/" + zone + "/" + name }

func (d *fakeDNS) GetTXT(_ context.Context, rg, zone, name string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.getErr != nil {
		return nil, d.getErr
	}
	v, ok := d.records[dnsKey(rg, zone, name)]
	if !ok {
		return nil, fmt.Errorf("%w: TXT %s", ErrNotFound, name)
	}
	return v, nil
}

func (d *fakeDNS) SetTXT(_ context.Context, rg, zone, name string, values []string, ttl int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sets++
	d.records[dnsKey(rg, zone, name)] = append([]string(nil), values...)
	d.ttls[dnsKey(rg, zone, name)] = ttl
	return nil
}

type fakeCDN struct {
	mu       sync.Mutex
	calls    []CDNActivation
	err      error
	panicFor string
}

func (c *fakeCDN) EnableCustomHTTPS(_ context.Context, a CDNActivation) error {
	if c.panicFor != "" && a.Target.CustomDomainName == c.panicFor {
		panic("cdn exploded")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.calls = append(c.calls, a)
	return nil
}

type fakeHistory struct {
	mu    sync.Mutex
	certs []Cert
	err   error
}

func (h *fakeHistory) AddCert(_ context.Context, cert Cert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.certs = append(h.certs, cert)
	return nil
}

type fakeChecker struct {
	found bool
	err   error
	calls int
}

func (c *fakeChecker) HasTXT(_ context.Context, _, _ string) (bool, error) {
	c.calls++
	return c.found, c.err
}

var errBoom = errors.New("boom")

// harness wires a Renewer to in-memory collaborators.
type harness struct {
	cfg       *Config
	ca        *fakeCA
	directory *fakeDirectory
	vaults    *fakeVaults
	dns       *fakeDNS
	cdn       *fakeCDN
	history   *fakeHistory
	renewer   *Renewer
}

func newHarness(cfg *Config) *harness {
	ca := newFakeCA()
	h := &harness{
		cfg:       cfg,
		ca:        ca,
		directory: &fakeDirectory{ca: ca},
		vaults:    newFakeVaults(),
		dns:       newFakeDNS(),
		cdn:       &fakeCDN{},
		history:   &fakeHistory{},
	}
	h.renewer = NewRenewer(cfg, Dependencies{
		Directory: h.directory,
		Vaults:    h.vaults,
		DNS:       h.dns,
		CDN:       h.cdn,
		History:   h.history,
	}, discardLogger())
	return h
}
