// Package acmeclient adapts lego's low-level ACME API to the cdncert
// ACMEDirectory and ACMEClient interfaces.
package acmeclient

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	cdncert "github.com/caasmo/restinpieces-cdncert"
)

// User implements lego's registration.User interface.
type User struct {
	Email        string
	Registration *registration.Resource
	PrivateKey   crypto.PrivateKey
}

func (u *User) GetEmail() string                        { return u.Email }
func (u *User) GetRegistration() *registration.Resource { return u.Registration }
func (u *User) GetPrivateKey() crypto.PrivateKey        { return u.PrivateKey }

// Directory creates and resumes accounts on one ACME CA.
type Directory struct {
	caDirURL       string
	accountKeyType certcrypto.KeyType
	logger         *slog.Logger
}

// NewDirectory returns a Directory for the CA at caDirURL. New accounts get
// an EC P-256 key.
func NewDirectory(caDirURL string, logger *slog.Logger) *Directory {
	if logger == nil {
		panic("NewDirectory: received nil logger")
	}
	if caDirURL == "" {
		caDirURL = lego.LEDirectoryProduction
	}
	return &Directory{
		caDirURL:       caDirURL,
		accountKeyType: certcrypto.EC256,
		logger:         logger.With("component", "acme"),
	}
}

func (d *Directory) newCore(user *User) (*api.Core, error) {
	legoConfig := lego.NewConfig(user)
	legoConfig.CADirURL = d.caDirURL

	kid := ""
	if user.Registration != nil {
		kid = user.Registration.URI
	}
	core, err := api.New(legoConfig.HTTPClient, legoConfig.UserAgent, legoConfig.CADirURL, kid, user.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create ACME client: %w", err)
	}
	return core, nil
}

// Register creates a new account bound to email. Terms of service are agreed.
func (d *Directory) Register(ctx context.Context, email string) (crypto.PrivateKey, cdncert.ACMEClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	key, err := certcrypto.GeneratePrivateKey(d.accountKeyType)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate account key: %w", err)
	}

	user := &User{Email: email, PrivateKey: key}
	core, err := d.newCore(user)
	if err != nil {
		return nil, nil, err
	}

	account, err := core.Accounts.New(acme.Account{
		Contact:              []string{"mailto:" + email},
		TermsOfServiceAgreed: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create account: %w", err)
	}
	user.Registration = &registration.Resource{URI: account.Location, Body: account.Account}
	d.logger.Info("ACME account registered", "email", email, "account_url", account.Location)

	return key, &Client{core: core, user: user}, nil
}

// Resume binds a client to an existing account key. The account URL is
// looked up with onlyReturnExisting, which never creates an account.
func (d *Directory) Resume(ctx context.Context, key crypto.PrivateKey) (cdncert.ACMEClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	user := &User{PrivateKey: key}
	core, err := d.newCore(user)
	if err != nil {
		return nil, err
	}

	account, err := core.Accounts.New(acme.Account{OnlyReturnExisting: true})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account by key: %w", err)
	}
	user.Registration = &registration.Resource{URI: account.Location, Body: account.Account}
	d.logger.Debug("ACME account resolved", "account_url", account.Location)

	return &Client{core: core, user: user}, nil
}

// Client is an ACME session for one account. lego's API is not
// context-aware; ctx is only checked before each call.
type Client struct {
	core *api.Core
	user *User
}

func (c *Client) NewOrder(ctx context.Context, domains []string) (cdncert.Order, error) {
	if err := ctx.Err(); err != nil {
		return cdncert.Order{}, err
	}
	o, err := c.core.Orders.New(domains)
	if err != nil {
		return cdncert.Order{}, err
	}
	return toOrder(o), nil
}

func (c *Client) Order(ctx context.Context, url string) (cdncert.Order, error) {
	if err := ctx.Err(); err != nil {
		return cdncert.Order{}, err
	}
	o, err := c.core.Orders.Get(url)
	if err != nil {
		return cdncert.Order{}, err
	}
	if o.Location == "" {
		o.Location = url
	}
	return toOrder(o), nil
}

func (c *Client) Authorization(ctx context.Context, url string) (cdncert.Authorization, error) {
	if err := ctx.Err(); err != nil {
		return cdncert.Authorization{}, err
	}
	authz, err := c.core.Authorizations.Get(url)
	if err != nil {
		return cdncert.Authorization{}, err
	}
	return toAuthorization(authz), nil
}

func (c *Client) KeyAuthorization(token string) (string, error) {
	return c.core.GetKeyAuthorization(token)
}

func (c *Client) TriggerChallenge(ctx context.Context, url string) (cdncert.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return cdncert.Challenge{}, err
	}
	chlg, err := c.core.Challenges.New(url)
	if err != nil {
		return cdncert.Challenge{}, err
	}
	return toChallenge(chlg.Challenge), nil
}

func (c *Client) Challenge(ctx context.Context, url string) (cdncert.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return cdncert.Challenge{}, err
	}
	chlg, err := c.core.Challenges.Get(url)
	if err != nil {
		return cdncert.Challenge{}, err
	}
	return toChallenge(chlg.Challenge), nil
}

func (c *Client) FinalizeOrder(ctx context.Context, order cdncert.Order, csrDER []byte) (cdncert.Order, error) {
	if err := ctx.Err(); err != nil {
		return cdncert.Order{}, err
	}
	if order.FinalizeURL == "" {
		return cdncert.Order{}, errors.New("order has no finalize URL")
	}
	o, err := c.core.Orders.UpdateForCSR(order.FinalizeURL, csrDER)
	if err != nil {
		return cdncert.Order{}, err
	}
	if o.Location == "" {
		o.Location = order.URL
	}
	return toOrder(o), nil
}

func (c *Client) Certificate(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cert, issuer, err := c.core.Certificates.Get(url, true)
	if err != nil {
		return nil, err
	}
	return bundle(cert, issuer), nil
}

// bundle appends issuer to cert unless cert already carries the chain.
func bundle(cert, issuer []byte) []byte {
	if len(issuer) == 0 {
		return cert
	}
	certs, err := certcrypto.ParsePEMBundle(cert)
	if err == nil && len(certs) > 1 {
		return cert
	}
	out := make([]byte, 0, len(cert)+len(issuer)+1)
	out = append(out, cert...)
	if len(cert) > 0 && cert[len(cert)-1] != '\n' {
		out = append(out, '\n')
	}
	return append(out, issuer...)
}

func toOrder(o acme.ExtendedOrder) cdncert.Order {
	domains := make([]string, 0, len(o.Identifiers))
	for _, id := range o.Identifiers {
		domains = append(domains, id.Value)
	}
	return cdncert.Order{
		URL:            o.Location,
		Status:         o.Status,
		Domains:        domains,
		Authorizations: o.Authorizations,
		FinalizeURL:    o.Finalize,
		CertificateURL: o.Certificate,
		Error:          toProblem(o.Error),
	}
}

func toAuthorization(a acme.Authorization) cdncert.Authorization {
	out := cdncert.Authorization{
		Identifier: a.Identifier.Value,
		Wildcard:   a.Wildcard,
		Status:     a.Status,
		Challenges: make([]cdncert.Challenge, 0, len(a.Challenges)),
	}
	for _, ch := range a.Challenges {
		out.Challenges = append(out.Challenges, toChallenge(ch))
	}
	return out
}

func toChallenge(ch acme.Challenge) cdncert.Challenge {
	return cdncert.Challenge{
		Type:   ch.Type,
		URL:    ch.URL,
		Token:  ch.Token,
		Status: toStatus(ch.Status),
		Error:  toProblem(ch.Error),
	}
}

// toStatus folds processing into pending. Other values, the empty status
// included, are kept as reported and end the validation poll.
func toStatus(s string) cdncert.ChallengeStatus {
	switch s {
	case acme.StatusPending, acme.StatusProcessing:
		return cdncert.ChallengePending
	case acme.StatusValid:
		return cdncert.ChallengeValid
	case acme.StatusInvalid:
		return cdncert.ChallengeInvalid
	default:
		return cdncert.ChallengeStatus(s)
	}
}

func toProblem(p *acme.ProblemDetails) *cdncert.Problem {
	if p == nil {
		return nil
	}
	out := &cdncert.Problem{Type: p.Type, Detail: p.Detail}
	for _, sub := range p.SubProblems {
		out.Subproblems = append(out.Subproblems, sub.Detail)
	}
	return out
}
