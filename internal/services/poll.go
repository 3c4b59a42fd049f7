package services

import (
	"context"
	"fmt"
	"time"
)

// PollPolicy bounds a submit-then-poll provider call: at most Attempts status
// checks, Interval apart.
type PollPolicy struct {
	Attempts int
	Interval time.Duration
}

// DefaultPollPolicy allows five minutes of polling.
var DefaultPollPolicy = PollPolicy{Attempts: 60, Interval: 5 * time.Second}

// PollFunc reports progress of a long-running remote job; attempt is 1-based.
type PollFunc func(attempt, max int)

// pollStatus is what one status check of a remote job yields.
type pollStatus struct {
	Done   bool
	URL    string
	Failed string // provider-reported failure reason
}

// pollUntilDone checks the remote job until it finishes, fails, or the budget
// runs out. A transient check error uses up one poll and polling continues on
// the same remote job; resubmitting would start a second paid render. Budget
// exhaustion is a terminal failure of this provider only.
func pollUntilDone(ctx context.Context, provider, remoteID string, policy PollPolicy, onPoll PollFunc, check func(context.Context) (pollStatus, error)) (string, error) {
	if policy.Attempts < 1 {
		policy = DefaultPollPolicy
	}

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%s: polling %s cancelled: %w", provider, remoteID, ctx.Err())
		case <-time.After(policy.Interval):
		}

		st, err := check(ctx)
		if err != nil {
			if ctx.Err() != nil || !IsTransient(err) {
				return "", err
			}
			lastErr = err
			continue
		}
		if onPoll != nil {
			onPoll(attempt, policy.Attempts)
		}

		if st.Failed != "" {
			return "", terminal(provider, fmt.Errorf("remote job %s failed: %s", remoteID, st.Failed))
		}
		if st.Done {
			if st.URL == "" {
				return "", terminal(provider, fmt.Errorf("remote job %s finished without a result url", remoteID))
			}
			return st.URL, nil
		}
	}

	if lastErr != nil {
		return "", terminal(provider, fmt.Errorf("remote job %s not finished after %d polls, last error: %v", remoteID, policy.Attempts, lastErr))
	}
	return "", terminal(provider, fmt.Errorf("remote job %s not finished after %d polls", remoteID, policy.Attempts))
}
