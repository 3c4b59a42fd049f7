package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// ElevenLabs Text-to-Speech Service
// Uses ElevenLabs REST API to convert text into high-quality speech audio.
// Model: eleven_flash_v2_5 (Flash v2.5, low latency)
// ---------------------------------------------------------------------------

const (
	ProviderElevenLabs = "elevenlabs"

	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsDefaultModel = "eleven_flash_v2_5"
	elevenLabsDefaultVoice = "pNInz6obpgDQGcFmaJgB"
	elevenLabsOutputFormat = "mp3_44100_128"
)

// ElevenLabsService handles text-to-speech via ElevenLabs API.
type ElevenLabsService struct {
	apiKey  string
	baseURL string
	voiceID string
	modelID string
	client  *http.Client
	log     zerolog.Logger
}

// Ensure ElevenLabsService implements TTSService at compile time.
var _ TTSService = (*ElevenLabsService)(nil)

// NewElevenLabsService creates an ElevenLabs service. voiceID is the default
// for requests that do not name one.
func NewElevenLabsService(apiKey, voiceID string, log zerolog.Logger) *ElevenLabsService {
	if voiceID == "" {
		voiceID = elevenLabsDefaultVoice
	}
	return &ElevenLabsService{
		apiKey:  apiKey,
		baseURL: elevenLabsBaseURL,
		voiceID: voiceID,
		modelID: elevenLabsDefaultModel,
		client:  &http.Client{Timeout: 90 * time.Second},
		log:     log.With().Str("provider", ProviderElevenLabs).Logger(),
	}
}

// WithBaseURL points the service at another endpoint.
func (s *ElevenLabsService) WithBaseURL(url string) *ElevenLabsService {
	s.baseURL = url
	return s
}

func (s *ElevenLabsService) Name() string { return ProviderElevenLabs }

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id"`
	LanguageCode  string                   `json:"language_code,omitempty"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
	Speed         *float64                 `json:"speed,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// GenerateSpeech converts text to speech using ElevenLabs.
func (s *ElevenLabsService) GenerateSpeech(ctx context.Context, req TTSRequest) (*TTSResponse, error) {
	if s.apiKey == "" {
		return nil, terminal(ProviderElevenLabs, ErrNotConfigured)
	}

	voiceID := s.voiceID
	if req.VoiceID != "" {
		voiceID = req.VoiceID
	}

	speed := 0.9
	reqBody := elevenLabsRequest{
		Text:         req.Text,
		ModelID:      s.modelID,
		LanguageCode: req.Language,
		Speed:        &speed,
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       0.60,
			SimilarityBoost: 0.80,
			Style:           styleExaggeration(req.Style),
			UseSpeakerBoost: true,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, terminal(ProviderElevenLabs, fmt.Errorf("marshal request: %w", err))
	}

	// POST /v1/text-to-speech/{voice_id}?output_format=mp3_44100_128
	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", s.baseURL, voiceID, elevenLabsOutputFormat)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, terminal(ProviderElevenLabs, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", s.apiKey)

	s.log.Debug().Str("voice_id", voiceID).Str("model", s.modelID).Int("text_len", len(req.Text)).Msg("generating speech")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, requestError(ProviderElevenLabs, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, statusError(ProviderElevenLabs, resp.StatusCode, body)
	}

	// The response body is the audio file
	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, requestError(ProviderElevenLabs, fmt.Errorf("read audio: %w", err))
	}
	if len(audioData) == 0 {
		return nil, terminal(ProviderElevenLabs, fmt.Errorf("empty audio response"))
	}

	durationMs := estimateAudioDuration(req.Text, speed)
	s.log.Debug().Int("bytes", len(audioData)).Int("duration_ms", durationMs).Msg("speech generated")

	return &TTSResponse{
		AudioData:  audioData,
		DurationMs: durationMs,
		Format:     "mp3",
	}, nil
}

// styleExaggeration maps a free-form style hint to ElevenLabs' style knob.
func styleExaggeration(style string) float64 {
	switch parseEmotionFromStyle(style) {
	case "excited", "enthusiastic", "intense", "happy", "angry":
		return 0.6
	case "calm", "peaceful", "sad":
		return 0.15
	default:
		return 0.35
	}
}
