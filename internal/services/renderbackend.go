package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Generic render backend
// Accepts the full structured request (avatar, voice, background, text,
// quality) and synthesizes speech itself. Submit → poll by id → url.
// ---------------------------------------------------------------------------

const ProviderRenderBackend = "render_backend"

type RenderBackendService struct {
	apiKey     string
	baseURL    string
	poll       PollPolicy
	httpClient *http.Client
	log        zerolog.Logger
}

func NewRenderBackendService(baseURL, apiKey string, poll PollPolicy, log zerolog.Logger) *RenderBackendService {
	return &RenderBackendService{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		poll:       poll,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("provider", ProviderRenderBackend).Logger(),
	}
}

// RenderRequest is the structured request for one background variant.
type RenderRequest struct {
	AvatarID        string `json:"avatar_id,omitempty"`
	AvatarImageURL  string `json:"avatar_image_url"`
	VoiceProvider   string `json:"voice_provider,omitempty"`
	VoiceID         string `json:"voice_id"`
	VoiceStyle      string `json:"voice_style,omitempty"`
	Language        string `json:"language,omitempty"`
	BackgroundURL   string `json:"background_url,omitempty"`
	BackgroundColor string `json:"background_color,omitempty"`
	Text            string `json:"text"`
	Quality         string `json:"quality"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Subtitles       bool   `json:"subtitles"`
}

type renderSubmitResponse struct {
	ID string `json:"id"`
}

// renderStatus is the body of GET /v1/renders/{id}.
type renderStatus struct {
	Status string `json:"status"` // "queued", "rendering", "succeeded", "failed"
	URL    string `json:"url"`
	Error  string `json:"error"`
}

// Render submits req and polls it to completion within the poll budget.
func (s *RenderBackendService) Render(ctx context.Context, req RenderRequest, onPoll PollFunc) (string, error) {
	if s.baseURL == "" {
		return "", terminal(ProviderRenderBackend, ErrNotConfigured)
	}

	renderID, err := s.submit(ctx, req)
	if err != nil {
		return "", err
	}
	s.log.Debug().Str("render_id", renderID).Str("quality", req.Quality).Msg("render submitted")

	return pollUntilDone(ctx, ProviderRenderBackend, renderID, s.poll, onPoll, func(ctx context.Context) (pollStatus, error) {
		st, err := s.status(ctx, renderID)
		if err != nil {
			return pollStatus{}, err
		}
		switch st.Status {
		case "succeeded":
			return pollStatus{Done: true, URL: st.URL}, nil
		case "failed":
			if st.Error == "" {
				st.Error = "unknown error"
			}
			return pollStatus{Failed: st.Error}, nil
		default:
			return pollStatus{}, nil
		}
	})
}

func (s *RenderBackendService) submit(ctx context.Context, body RenderRequest) (string, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", terminal(ProviderRenderBackend, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/renders", bytes.NewReader(jsonData))
	if err != nil {
		return "", terminal(ProviderRenderBackend, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", requestError(ProviderRenderBackend, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", requestError(ProviderRenderBackend, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(ProviderRenderBackend, resp.StatusCode, respBody)
	}

	var out renderSubmitResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", terminal(ProviderRenderBackend, fmt.Errorf("parse submit response: %w", err))
	}
	if out.ID == "" {
		return "", terminal(ProviderRenderBackend, fmt.Errorf("no id in submit response"))
	}
	return out.ID, nil
}

func (s *RenderBackendService) status(ctx context.Context, renderID string) (*renderStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/renders/%s", s.baseURL, renderID), nil)
	if err != nil {
		return nil, terminal(ProviderRenderBackend, fmt.Errorf("create request: %w", err))
	}
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, requestError(ProviderRenderBackend, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, requestError(ProviderRenderBackend, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(ProviderRenderBackend, resp.StatusCode, body)
	}

	var st renderStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, terminal(ProviderRenderBackend, fmt.Errorf("parse status response: %w", err))
	}
	return &st, nil
}

func (s *RenderBackendService) authorize(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
}
