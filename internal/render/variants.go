package render

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// variantProgress aggregates per-variant completion into one fraction.
type variantProgress struct {
	mu       sync.Mutex
	parts    []float64
	from, to float64
	report   Reporter
}

func newVariantProgress(n int, from, to float64, report Reporter) *variantProgress {
	return &variantProgress{parts: make([]float64, n), from: from, to: to, report: report}
}

func (v *variantProgress) set(i int, f float64) {
	v.mu.Lock()
	if f > v.parts[i] {
		v.parts[i] = f
	}
	sum := 0.0
	for _, p := range v.parts {
		sum += p
	}
	avg := sum / float64(len(v.parts))
	v.mu.Unlock()

	v.report(v.from + avg*(v.to-v.from))
}

// renderVariants runs fn for each of n variants, at most limit at a time.
// Each variant fails or succeeds on its own. It returns the URLs of the
// variants that succeeded, in variant order, and the failures of the rest.
// err is set only when no variant succeeded.
func renderVariants(ctx context.Context, n, limit int, fn func(ctx context.Context, i int) (string, error)) (urls []string, failed []error, err error) {
	if n == 0 {
		return nil, nil, errors.New("no variants requested")
	}
	if limit < 1 {
		limit = 1
	}

	results := make([]string, n)
	errs := make([]error, n)

	var g errgroup.Group
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			url, err := safeVariant(ctx, i, fn)
			if err == nil && url == "" {
				err = errors.New("empty result url")
			}
			if err != nil {
				errs[i] = fmt.Errorf("variant %d: %w", i, err)
				return nil
			}
			results[i] = url
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		if errs[i] != nil {
			failed = append(failed, errs[i])
			continue
		}
		urls = append(urls, results[i])
	}
	if len(urls) == 0 {
		return nil, failed, errors.Join(failed...)
	}
	return urls, failed, nil
}

// safeVariant runs fn for variant i and turns a panic into that variant's
// error. errgroup goroutines do not recover on their own.
func safeVariant(ctx context.Context, i int, fn func(ctx context.Context, i int) (string, error)) (url string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, i)
}
