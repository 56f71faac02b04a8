package cdncert

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-acme/lego/v4/challenge"
)

// ChallengeOrchestrator drives one order's DNS-01 challenge from creation to
// a terminal state.
type ChallengeOrchestrator struct {
	policy PollPolicy
	logger *slog.Logger
}

func NewChallengeOrchestrator(policy PollPolicy, logger *slog.Logger) *ChallengeOrchestrator {
	if logger == nil {
		panic("NewChallengeOrchestrator: received nil logger")
	}
	return &ChallengeOrchestrator{
		policy: policy,
		logger: logger.With("component", "challenge"),
	}
}

// BeginOrder creates an order for domain and attaches the DNS-01 challenge
// of its first authorization. Only the first authorization is consulted.
func (o *ChallengeOrchestrator) BeginOrder(ctx context.Context, acct *Account, domain string) (*Order, error) {
	order, err := acct.Client.NewOrder(ctx, []string{domain})
	if err != nil {
		return nil, fmt.Errorf("failed to create order for %s: %w", domain, err)
	}
	if len(order.Authorizations) == 0 {
		return nil, fmt.Errorf("order for %s has no authorizations", domain)
	}

	authz, err := acct.Client.Authorization(ctx, order.Authorizations[0])
	if err != nil {
		return nil, fmt.Errorf("failed to fetch authorization for %s: %w", domain, err)
	}

	// Pick the DNS-01 challenge; other types are ignored
	for _, c := range authz.Challenges {
		if c.Type == string(challenge.DNS01) {
			ch := c
			// Not attempted yet
			if ch.Status == "" {
				ch.Status = ChallengePending
			}
			order.Challenge = &ch
			o.logger.Debug("Order created", "domain", domain, "order_url", order.URL, "challenge_url", ch.URL)
			return &order, nil
		}
	}
	return nil, fmt.Errorf("authorization for %s offers no %s challenge", domain, challenge.DNS01)
}

// ComputeDNSRequirement returns the zone-relative TXT record name and the
// key authorization digest the CA expects for ch.
func (o *ChallengeOrchestrator) ComputeDNSRequirement(acct *Account, ch *Challenge, domain, zone string) (DNSRequirement, error) {
	keyAuth, err := acct.Client.KeyAuthorization(ch.Token)
	if err != nil {
		return DNSRequirement{}, fmt.Errorf("failed to compute key authorization: %w", err)
	}
	return DNSRequirement{
		RecordName: TXTRecordName(domain, zone),
		Value:      DNSTXTValue(keyAuth),
	}, nil
}

// DNSTXTValue is the base64url SHA-256 digest of a key authorization.
func DNSTXTValue(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// AwaitValidation triggers validation of ch and polls it until it is valid,
// invalid, or the polling budget is spent. Anything but valid yields a
// *ChallengeValidationFailedError. ch is updated with the last observed state.
func (o *ChallengeOrchestrator) AwaitValidation(ctx context.Context, acct *Account, domain string, ch *Challenge) error {
	// Already decided by an earlier pass: report without triggering again
	if ch.Status.Terminal() {
		return o.result(domain, ch, 0, false)
	}

	// Tell the CA the record is in place
	triggered, err := acct.Client.TriggerChallenge(ctx, ch.URL)
	if err != nil {
		return fmt.Errorf("failed to trigger challenge validation: %w", err)
	}

	current := triggered
	// Attempt 0 inspects the trigger response, later attempts query the CA
	check := func(attempt int) (pollResult, error) {
		if attempt > 0 {
			next, err := acct.Client.Challenge(ctx, ch.URL)
			if err != nil {
				return pollPending, fmt.Errorf("failed to query challenge status: %w", err)
			}
			current = next
		}
		if current.Status.Terminal() {
			return pollDone, nil
		}
		return pollPending, nil
	}
	notify := func(attempt int, wait time.Duration) {
		o.logger.Info("Validation is pending, will retry", "domain", domain, "retries", attempt, "wait", wait)
	}

	attempts, exhausted, err := o.policy.poll(ctx, check, notify)
	if err != nil {
		return err
	}

	ch.Status = current.Status
	ch.Error = current.Error
	// queries after the trigger
	return o.result(domain, ch, attempts-1, exhausted)
}

func (o *ChallengeOrchestrator) result(domain string, ch *Challenge, attempts int, exhausted bool) error {
	if ch.Status == ChallengeValid && !exhausted {
		o.logger.Info("Challenge validated", "domain", domain, "retries", attempts)
		return nil
	}

	failed := &ChallengeValidationFailedError{
		Domain:   domain,
		Status:   ch.Status,
		Attempts: attempts,
	}
	if ch.Error != nil {
		failed.Detail = ch.Error.Detail
		failed.Subproblems = ch.Error.Subproblems
	}
	switch {
	case failed.Detail != "":
	case exhausted:
		failed.Detail = "polling budget exhausted while pending"
	case ch.Status == "":
		failed.Detail = "CA reported no challenge status"
	case ch.Status != ChallengeInvalid:
		failed.Detail = fmt.Sprintf("CA reported unexpected challenge status %q", ch.Status)
	}
	o.logger.Error("Unable to validate challenge", "domain", domain, "status", ch.Status, "detail", failed.Detail, "subproblems", failed.Subproblems)
	return failed
}

// IsChallengeValidationFailed reports whether err carries a challenge failure.
func IsChallengeValidationFailed(err error) bool {
	var target *ChallengeValidationFailedError
	return errors.As(err, &target)
}
