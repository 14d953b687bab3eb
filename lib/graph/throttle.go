// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/onedrive-fuse/onedrive-fuse/lib/clock"
)

// throttleTracker tracks Graph throttling state from Retry-After
// headers. After a throttled response, every request blocks until the
// server-indicated horizon passes, so a burst of FUSE operations does
// not hammer an already-throttling service.
type throttleTracker struct {
	mu         sync.Mutex
	retryUntil time.Time
	clock      clock.Clock
}

func newThrottleTracker(clk clock.Clock) *throttleTracker {
	return &throttleTracker{clock: clk}
}

// update records the backoff horizon from a throttled response's
// headers. Called for 429 and 503 responses.
func (tracker *throttleTracker) update(header http.Header) {
	duration := retryAfter(header)
	if duration <= 0 {
		// No Retry-After given. Graph guidance is to back off anyway;
		// a few seconds avoids immediate re-offense.
		duration = 3 * time.Second
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	horizon := tracker.clock.Now().Add(duration)
	if horizon.After(tracker.retryUntil) {
		tracker.retryUntil = horizon
	}
}

// wait blocks until any recorded backoff horizon has passed. Returns
// immediately when not throttled. Respects context cancellation.
func (tracker *throttleTracker) wait(ctx context.Context) error {
	tracker.mu.Lock()
	sleepDuration := tracker.retryUntil.Sub(tracker.clock.Now())
	tracker.mu.Unlock()

	if sleepDuration <= 0 {
		return nil
	}

	select {
	case <-tracker.clock.After(sleepDuration):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryAfter parses the Retry-After header (seconds form). Returns
// zero if absent or unparseable.
func retryAfter(header http.Header) time.Duration {
	if retryStr := header.Get("Retry-After"); retryStr != "" {
		if seconds, err := strconv.Atoi(retryStr); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}
