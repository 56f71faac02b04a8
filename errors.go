package cdncert

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by remote stores for absent objects. It is data,
	// not a failure: an absent certificate means "renew", an absent TXT
	// record means "publish".
	ErrNotFound = errors.New("not found")

	// ErrChallengeNotValidated is returned when an order is finalized before
	// its challenge reached the valid state.
	ErrChallengeNotValidated = errors.New("challenge not validated")
)

// ChallengeValidationFailedError is returned when a challenge ends invalid or
// the polling budget runs out while it is still pending.
type ChallengeValidationFailedError struct {
	Domain      string
	Status      ChallengeStatus
	Attempts    int
	Detail      string
	Subproblems []string
}

func (e *ChallengeValidationFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "challenge validation failed for %s: status %s after %d attempts", e.Domain, e.Status, e.Attempts)
	if e.Detail != "" {
		fmt.Fprintf(&b, " - %s", e.Detail)
	}
	if len(e.Subproblems) > 0 {
		fmt.Fprintf(&b, " - %s", strings.Join(e.Subproblems, "~"))
	}
	return b.String()
}

// Stage names the step of the renewal chain an error came from.
type Stage string

const (
	StageExpiry     Stage = "expiry"
	StageAccount    Stage = "account"
	StageOrder      Stage = "order"
	StageDNSPublish Stage = "dns_publish"
	StageDNSWait    Stage = "dns_wait"
	StageValidation Stage = "validation"
	StageIssue      Stage = "issue"
	StageImport     Stage = "import"
	StageActivate   Stage = "activate"
)

// StageError wraps a per-domain failure with the stage it happened in.
type StageError struct {
	Domain string
	Stage  Stage
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Domain, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(domain string, stage Stage, err error) error {
	return &StageError{Domain: domain, Stage: stage, Err: err}
}
