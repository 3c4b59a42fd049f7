// Package storage keeps job assets (synthesized speech, rendered clips) in a
// Supabase Storage bucket and issues public and signed links to them.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bobarin/avatarcast/internal/services"
)

// provider names storage in classified errors.
const provider = "storage"

const (
	uploadTimeout  = 180 * time.Second
	uploadAttempts = 5
	baseRetryDelay = time.Second
	maxRetryDelay  = 30 * time.Second
)

// ErrNotConfigured is returned when no Supabase project is configured.
var ErrNotConfigured = errors.New("storage not configured")

type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	baseDelay  time.Duration
	log        zerolog.Logger
}

func New(url, serviceKey, bucket string, log zerolog.Logger) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseDelay: baseRetryDelay,
		log:       log.With().Str("component", "storage").Logger(),
	}
}

// Configured reports whether uploads can be attempted.
func (s *Storage) Configured() bool {
	return s != nil && s.url != "" && s.serviceKey != ""
}

// JobAssetPath returns the object path for a file belonging to a job.
func JobAssetPath(jobID uuid.UUID, name string) string {
	return path.Join("jobs", jobID.String(), name)
}

// Upload stores data at objectPath, overwriting any previous object. Transient
// failures are retried here; the error returned once the budget is spent is a
// terminal *services.ProviderError so callers do not retry it again.
func (s *Storage) Upload(ctx context.Context, objectPath string, data []byte, contentType string) error {
	if !s.Configured() {
		return &services.ProviderError{Provider: provider, Err: ErrNotConfigured}
	}
	log := s.log.With().Str("path", objectPath).Int("bytes", len(data)).Logger()

	var last *services.ProviderError
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		if attempt > 1 {
			delay := s.retryDelay(attempt - 1)
			log.Warn().Err(last).Int("attempt", attempt).Dur("wait", delay).Msg("upload retry")
			select {
			case <-ctx.Done():
				return fmt.Errorf("upload cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		last = s.put(ctx, s.objectURL("object", objectPath), data, contentType)
		if last == nil {
			log.Debug().Int("attempt", attempt).Msg("uploaded")
			return nil
		}
		if !last.Transient {
			return last
		}
	}

	return &services.ProviderError{
		Provider:   provider,
		StatusCode: last.StatusCode,
		Err:        fmt.Errorf("upload failed after %d attempts: %w", uploadAttempts, last.Err),
	}
}

// put performs one upload attempt. Nil means the object was stored.
func (s *Storage) put(ctx context.Context, url string, data []byte, contentType string) *services.ProviderError {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return &services.ProviderError{Provider: provider, Err: err}
	}
	s.authorize(req, contentType)
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))
	req.Header.Set("x-upsert", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		return services.RequestError(provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return services.StatusError(provider, resp.StatusCode, body)
}

// UploadPublic uploads data and returns its public URL.
func (s *Storage) UploadPublic(ctx context.Context, objectPath string, data []byte, contentType string) (string, error) {
	if err := s.Upload(ctx, objectPath, data, contentType); err != nil {
		return "", err
	}
	return s.GetPublicURL(objectPath), nil
}

// GetPublicURL returns the public URL for a file
func (s *Storage) GetPublicURL(objectPath string) string {
	return s.objectURL("object/public", objectPath)
}

// ObjectPath returns the bucket-relative path of a public URL served by this
// storage, or false for foreign URLs.
func (s *Storage) ObjectPath(publicURL string) (string, bool) {
	if !s.Configured() {
		return "", false
	}
	prefix := s.objectURL("object/public", "")
	if !strings.HasPrefix(publicURL, prefix) || len(publicURL) == len(prefix) {
		return "", false
	}
	return strings.TrimPrefix(publicURL, prefix), true
}

// GetSignedURL issues a link to objectPath valid for expiresIn seconds.
func (s *Storage) GetSignedURL(ctx context.Context, objectPath string, expiresIn int) (string, error) {
	if !s.Configured() {
		return "", ErrNotConfigured
	}

	payload, err := json.Marshal(map[string]int{"expiresIn": expiresIn})
	if err != nil {
		return "", fmt.Errorf("encode sign request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL("object/sign", objectPath), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create sign request: %w", err)
	}
	s.authorize(req, "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", services.RequestError(provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", services.StatusError(provider, resp.StatusCode, body)
	}

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode signed url: %w", err)
	}
	if result.SignedURL == "" {
		return "", fmt.Errorf("sign %s: empty signed url", objectPath)
	}
	return s.url + "/storage/v1" + result.SignedURL, nil
}

// objectURL builds "<url>/storage/v1/<kind>/<bucket>/<objectPath>".
func (s *Storage) objectURL(kind, objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/%s/%s/%s", s.url, kind, s.Bucket, objectPath)
}

func (s *Storage) authorize(req *http.Request, contentType string) {
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", contentType)
}

// retryDelay doubles from baseDelay per retry, capped at maxRetryDelay, plus
// up to 25% jitter.
func (s *Storage) retryDelay(retry int) time.Duration {
	delay := s.baseDelay << (retry - 1)
	if delay <= 0 || delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/4+1))
}
