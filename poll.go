package cdncert

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PollPolicy bounds a status polling loop: after the initial state, at most
// MaxAttempts further queries are made, Interval apart.
type PollPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// errStillPending makes backoff retry; it never escapes poll.
var errStillPending = errors.New("still pending")

// pollResult tells poll whether the observed state is final.
type pollResult int

const (
	pollPending pollResult = iota
	pollDone
)

// poll runs check until it reports done, returns an error, or the budget is
// spent. It returns the number of checks made and whether the budget ran
// out while still pending.
func (p PollPolicy) poll(ctx context.Context, check func(attempt int) (pollResult, error), notify func(attempt int, wait time.Duration)) (attempts int, exhausted bool, err error) {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(p.MaxAttempts)),
		ctx,
	)

	op := func() error {
		res, err := check(attempts)
		attempts++
		if err != nil {
			return backoff.Permanent(err)
		}
		if res == pollDone {
			return nil
		}
		return errStillPending
	}

	var n backoff.Notify
	if notify != nil {
		n = func(_ error, wait time.Duration) { notify(attempts, wait) }
	}

	err = backoff.RetryNotify(op, b, n)
	if errors.Is(err, errStillPending) {
		return attempts, true, nil
	}
	return attempts, false, err
}
