// Package retry provides the single retry-with-backoff primitive called
// out in spec.md §9 Design Notes: "used in exactly one place; no open
// coding." Every bounded-retry need in the core (today: C7's
// notify_ap_state_change) goes through Do.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Do calls op up to maxAttempts times (the first call plus maxAttempts-1
// retries), waiting sleep between attempts, stopping as soon as op
// returns nil. It returns the last error if every attempt failed.
//
// maxAttempts and sleep correspond to NOTIFY_AP_STATE_MAX_RETRY and
// NOTIFY_AP_STATE_RETRY_SLEEP_MS in the one place this is used (§6
// Tunables), but the primitive itself is generic.
func Do(ctx context.Context, maxAttempts int, sleep time.Duration, op func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	policy := backoff.WithContext(&backoff.ConstantBackOff{Interval: sleep}, ctx)
	bounded := backoff.WithMaxRetries(policy, uint64(maxAttempts-1))
	return backoff.Retry(op, bounded)
}
