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

const (
	ProviderCartesia = "cartesia"

	// Default Cartesia API version
	CartesiaAPIVersion = "2024-06-10"

	cartesiaDefaultVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"
)

type CartesiaService struct {
	apiKey         string
	apiURL         string
	apiVersion     string
	defaultVoiceID string
	client         *http.Client
	log            zerolog.Logger
}

// Ensure CartesiaService implements TTSService at compile time.
var _ TTSService = (*CartesiaService)(nil)

// NewCartesiaService creates a Cartesia service with a default voice.
func NewCartesiaService(apiKey, apiURL, voiceID string, log zerolog.Logger) *CartesiaService {
	if voiceID == "" {
		voiceID = cartesiaDefaultVoiceID
	}
	return &CartesiaService{
		apiKey:         apiKey,
		apiURL:         strings.TrimRight(apiURL, "/"),
		apiVersion:     CartesiaAPIVersion,
		defaultVoiceID: voiceID,
		client:         &http.Client{Timeout: 60 * time.Second},
		log:            log.With().Str("provider", ProviderCartesia).Logger(),
	}
}

func (s *CartesiaService) Name() string { return ProviderCartesia }

// CartesiaRequest matches the Cartesia /tts/bytes request body.
type CartesiaRequest struct {
	ModelID      string                    `json:"model_id"`
	Transcript   string                    `json:"transcript"`
	Voice        CartesiaVoiceSpecifier    `json:"voice"`
	Language     *string                   `json:"language,omitempty"`
	OutputFormat CartesiaOutputFormat      `json:"output_format"`
	Config       *CartesiaGenerationConfig `json:"generation_config,omitempty"`
}

type CartesiaVoiceSpecifier struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type CartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate"`
	BitRate    int    `json:"bit_rate,omitempty"`
}

type CartesiaGenerationConfig struct {
	Volume  *float64 `json:"volume,omitempty"`  // 0.5 to 2.0
	Speed   *float64 `json:"speed,omitempty"`   // 0.6 to 1.5
	Emotion *string  `json:"emotion,omitempty"` // e.g., "neutral", "excited", "calm"
}

// GenerateSpeech generates audio from text using Cartesia TTS.
func (s *CartesiaService) GenerateSpeech(ctx context.Context, req TTSRequest) (*TTSResponse, error) {
	if s.apiKey == "" || s.apiURL == "" {
		return nil, terminal(ProviderCartesia, ErrNotConfigured)
	}

	voiceID := s.defaultVoiceID
	if req.VoiceID != "" {
		voiceID = req.VoiceID
	}
	language := req.Language
	if language == "" {
		language = "en"
	}
	emotion := parseEmotionFromStyle(req.Style)
	speed := 0.9

	reqBody := CartesiaRequest{
		ModelID:    "sonic-2",
		Transcript: req.Text,
		Voice:      CartesiaVoiceSpecifier{Mode: "id", ID: voiceID},
		Language:   &language,
		OutputFormat: CartesiaOutputFormat{
			Container:  "mp3",
			SampleRate: 44100,
			BitRate:    192000,
		},
		Config: &CartesiaGenerationConfig{
			Speed:   &speed,
			Emotion: &emotion,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, terminal(ProviderCartesia, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/tts/bytes", bytes.NewReader(jsonData))
	if err != nil {
		return nil, terminal(ProviderCartesia, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Cartesia-Version", s.apiVersion)

	s.log.Debug().Str("voice_id", voiceID).Str("emotion", emotion).Int("text_len", len(req.Text)).Msg("generating speech")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, requestError(ProviderCartesia, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, statusError(ProviderCartesia, resp.StatusCode, body)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, requestError(ProviderCartesia, fmt.Errorf("read audio: %w", err))
	}
	if len(audioData) == 0 {
		return nil, terminal(ProviderCartesia, fmt.Errorf("empty audio response"))
	}

	return &TTSResponse{
		AudioData:  audioData,
		DurationMs: estimateAudioDuration(req.Text, speed),
		Format:     "mp3",
	}, nil
}

// parseEmotionFromStyle attempts to extract emotion from voice style instruction
func parseEmotionFromStyle(style string) string {
	// First match wins.
	emotionMap := []struct{ keyword, emotion string }{
		{"energetic", "excited"},
		{"engaging", "enthusiastic"},
		{"mysterious", "mysterious"},
		{"serious", "calm"},
		{"authoritative", "confident"},
		{"dramatic", "intense"},
		{"calm", "calm"},
		{"peaceful", "peaceful"},
		{"excited", "excited"},
		{"happy", "happy"},
		{"sad", "sad"},
		{"angry", "angry"},
		{"confident", "confident"},
	}

	styleLower := strings.ToLower(style)
	for _, e := range emotionMap {
		if strings.Contains(styleLower, e.keyword) {
			return e.emotion
		}
	}
	return "neutral"
}
