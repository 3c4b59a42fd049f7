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
// Talking-head renderer
// Animates an avatar image with a pre-synthesized audio track.
// Follows a deferred request pattern: submit talk → poll by id → result_url.
// ---------------------------------------------------------------------------

const ProviderTalkingHead = "talking_head"

// TalkingHeadService drives a D-ID style /talks API.
type TalkingHeadService struct {
	apiKey     string
	baseURL    string
	poll       PollPolicy
	httpClient *http.Client
	log        zerolog.Logger
}

func NewTalkingHeadService(baseURL, apiKey string, poll PollPolicy, log zerolog.Logger) *TalkingHeadService {
	return &TalkingHeadService{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		poll:    poll,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // per HTTP call, not the full poll cycle
		},
		log: log.With().Str("provider", ProviderTalkingHead).Logger(),
	}
}

// TalkRequest is one talking-head render over a single background.
type TalkRequest struct {
	ImageURL        string
	AudioURL        string
	BackgroundURL   string
	BackgroundColor string
	Resolution      string // "480p", "720p", "1080p", "2160p"
	AspectRatio     string
	Subtitles       bool
	Script          string // used for subtitles only
}

type talkSubmitRequest struct {
	SourceURL string        `json:"source_url"`
	Script    talkScript    `json:"script"`
	Config    talkConfig    `json:"config"`
	Backdrop  *talkBackdrop `json:"background,omitempty"`
}

type talkScript struct {
	Type     string `json:"type"` // "audio"
	AudioURL string `json:"audio_url"`
	Subtitle string `json:"subtitles_text,omitempty"`
}

type talkConfig struct {
	Resolution  string `json:"resolution,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Subtitles   bool   `json:"subtitles"`
}

type talkBackdrop struct {
	URL   string `json:"url,omitempty"`
	Color string `json:"color,omitempty"`
}

type talkSubmitResponse struct {
	ID string `json:"id"`
}

// talkResult is the body of GET /talks/{id}.
//   - In progress: {"status":"created"|"started"}
//   - Done: {"status":"done","result_url":"..."}
//   - Failed: {"status":"error","error":{"description":"..."}}
type talkResult struct {
	Status    string `json:"status"`
	ResultURL string `json:"result_url"`
	Error     *struct {
		Kind        string `json:"kind"`
		Description string `json:"description"`
	} `json:"error,omitempty"`
}

// Render submits a talk and polls it to completion within the poll budget.
// It returns the rendered video URL.
func (s *TalkingHeadService) Render(ctx context.Context, req TalkRequest, onPoll PollFunc) (string, error) {
	if s.baseURL == "" || s.apiKey == "" {
		return "", terminal(ProviderTalkingHead, ErrNotConfigured)
	}
	if req.AudioURL == "" || req.ImageURL == "" {
		return "", terminal(ProviderTalkingHead, fmt.Errorf("audio and image urls are required"))
	}

	body := talkSubmitRequest{
		SourceURL: req.ImageURL,
		Script:    talkScript{Type: "audio", AudioURL: req.AudioURL},
		Config: talkConfig{
			Resolution:  req.Resolution,
			AspectRatio: req.AspectRatio,
			Subtitles:   req.Subtitles,
		},
	}
	if req.Subtitles {
		body.Script.Subtitle = req.Script
	}
	if req.BackgroundURL != "" || req.BackgroundColor != "" {
		body.Backdrop = &talkBackdrop{URL: req.BackgroundURL, Color: req.BackgroundColor}
	}

	talkID, err := s.submit(ctx, body)
	if err != nil {
		return "", err
	}
	s.log.Debug().Str("talk_id", talkID).Msg("talk submitted")

	url, err := pollUntilDone(ctx, ProviderTalkingHead, talkID, s.poll, onPoll, func(ctx context.Context) (pollStatus, error) {
		res, err := s.get(ctx, talkID)
		if err != nil {
			return pollStatus{}, err
		}
		switch res.Status {
		case "done":
			return pollStatus{Done: true, URL: res.ResultURL}, nil
		case "error", "rejected":
			reason := "unknown error"
			if res.Error != nil && res.Error.Description != "" {
				reason = res.Error.Description
			}
			return pollStatus{Failed: reason}, nil
		default:
			return pollStatus{}, nil
		}
	})
	if err != nil {
		return "", err
	}

	s.log.Debug().Str("talk_id", talkID).Msg("talk ready")
	return url, nil
}

func (s *TalkingHeadService) submit(ctx context.Context, body talkSubmitRequest) (string, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", terminal(ProviderTalkingHead, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/talks", bytes.NewReader(jsonData))
	if err != nil {
		return "", terminal(ProviderTalkingHead, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", requestError(ProviderTalkingHead, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", requestError(ProviderTalkingHead, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", statusError(ProviderTalkingHead, resp.StatusCode, respBody)
	}

	var out talkSubmitResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", terminal(ProviderTalkingHead, fmt.Errorf("parse submit response: %w", err))
	}
	if out.ID == "" {
		return "", terminal(ProviderTalkingHead, fmt.Errorf("no id in submit response"))
	}
	return out.ID, nil
}

func (s *TalkingHeadService) get(ctx context.Context, talkID string) (*talkResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/talks/%s", s.baseURL, talkID), nil)
	if err != nil {
		return nil, terminal(ProviderTalkingHead, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, requestError(ProviderTalkingHead, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, requestError(ProviderTalkingHead, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(ProviderTalkingHead, resp.StatusCode, body)
	}

	var res talkResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, terminal(ProviderTalkingHead, fmt.Errorf("parse status response: %w", err))
	}
	return &res, nil
}
