// Package render drives a generation request through an ordered chain of
// providers until one produces a usable result.
package render

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bobarin/avatarcast/internal/models"
)

// Progress band the chain reports into. The orchestrator owns everything
// below ChainStart and above ChainEnd.
const (
	ChainStart = 5
	ChainEnd   = 85
)

// Request is what every provider receives.
type Request struct {
	JobID    uuid.UUID
	Settings models.Settings
}

// Reporter receives a provider's own completion fraction in [0, 1].
type Reporter func(fraction float64)

// Provider is one strategy in the fallback chain.
type Provider interface {
	Name() string
	Attempt(ctx context.Context, req Request, report Reporter) (*models.Result, error)
}

// Progress is the sink for job-level progress. Report returns the recorded
// value, which may be higher than requested.
type Progress interface {
	Report(p int) int
}

// Failure records why one provider did not produce a result.
type Failure struct {
	Provider string
	Err      error
}

// ExhaustedError is returned when every provider failed.
type ExhaustedError struct {
	Failures []Failure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Provider, f.Err))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Providers lists the providers that were tried, in order.
func (e *ExhaustedError) Providers() []string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Provider)
	}
	return names
}

type Chain struct {
	providers []Provider
	log       zerolog.Logger
}

func NewChain(log zerolog.Logger, providers ...Provider) *Chain {
	return &Chain{providers: providers, log: log}
}

// Names returns the configured providers in priority order.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return names
}

// Run tries each provider in order and returns the first result. Provider
// errors never escape individually: they are logged and the next provider is
// tried. Only cancellation of ctx stops the chain early.
func (c *Chain) Run(ctx context.Context, req Request, progress Progress) (*models.Result, error) {
	exhausted := &ExhaustedError{}

	for i, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := p.Name()
		log := c.log.With().Str("job_id", req.JobID.String()).Str("provider", name).Int("step", i+1).Logger()

		base := progress.Report(ChainStart)
		report := func(f float64) {
			if f < 0 {
				f = 0
			}
			if f > 1 {
				f = 1
			}
			progress.Report(base + int(f*float64(ChainEnd-base)))
		}

		log.Info().Msg("provider attempt started")
		result, err := p.Attempt(ctx, req, report)
		if err == nil && (result == nil || len(result.URLs) == 0) {
			err = errors.New("provider returned no result")
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				log.Warn().Err(err).Msg("provider attempt aborted")
				return nil, ctxErr
			}
			log.Warn().Err(err).Msg("provider attempt failed, falling through")
			exhausted.Failures = append(exhausted.Failures, Failure{Provider: name, Err: err})
			continue
		}

		if result.Provider == "" {
			result.Provider = name
		}
		event := log.Info()
		if result.Placeholder {
			event = log.Warn().Bool("placeholder", true)
		}
		event.Int("variants", len(result.URLs)).Msg("provider attempt succeeded")
		progress.Report(ChainEnd)
		return result, nil
	}

	return nil, exhausted
}
