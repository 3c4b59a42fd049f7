package render

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/avatarcast/internal/services"
)

// RetryPolicy retries transient provider errors with exponential backoff.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy is 3 attempts with delays of 1s then 2s.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: time.Second}

// Do calls fn until it succeeds, returns a non-transient error, or the
// attempts run out. attempt is 1-based.
func (p RetryPolicy) Do(ctx context.Context, log zerolog.Logger, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if !services.IsTransient(err) || attempt == attempts || ctx.Err() != nil {
			return err
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("transient provider error, retrying")
		if serr := p.sleep(ctx, delay); serr != nil {
			return err
		}
		delay *= 2
	}
	return err
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
